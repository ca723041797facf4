package netflow

import (
	"bytes"
	"fmt"
	"sync"
)

var (
	ErrorTemplateNotFound = fmt.Errorf("Error template not found")
)

type FlowBaseTemplateSet map[uint64]interface{}

func templateKey(obsDomainId uint32, templateId uint16) uint64 {
	return (uint64(obsDomainId) << 16) | uint64(templateId)
}

// NetFlowTemplateSystem stores decoded templates for the full decoder.
type NetFlowTemplateSystem interface {
	RemoveTemplate(obsDomainId uint32, templateId uint16) (interface{}, error)
	GetTemplate(obsDomainId uint32, templateId uint16) (interface{}, error)
	AddTemplate(obsDomainId uint32, templateId uint16, template interface{}) error
	GetTemplates() FlowBaseTemplateSet
}

type BasicTemplateSystem struct {
	templates     FlowBaseTemplateSet
	templateslock *sync.RWMutex
}

// CreateTemplateSystem creates a basic in-memory store for decoded templates.
func CreateTemplateSystem() NetFlowTemplateSystem {
	ts := &BasicTemplateSystem{
		templates:     make(FlowBaseTemplateSet),
		templateslock: &sync.RWMutex{},
	}
	return ts
}

func (ts *BasicTemplateSystem) GetTemplates() FlowBaseTemplateSet {
	ts.templateslock.RLock()
	defer ts.templateslock.RUnlock()
	tmp := make(FlowBaseTemplateSet, len(ts.templates))
	for k, v := range ts.templates {
		tmp[k] = v
	}
	return tmp
}

func (ts *BasicTemplateSystem) AddTemplate(obsDomainId uint32, templateId uint16, template interface{}) error {
	ts.templateslock.Lock()
	defer ts.templateslock.Unlock()
	ts.templates[templateKey(obsDomainId, templateId)] = template
	return nil
}

func (ts *BasicTemplateSystem) GetTemplate(obsDomainId uint32, templateId uint16) (interface{}, error) {
	ts.templateslock.RLock()
	defer ts.templateslock.RUnlock()
	if template, ok := ts.templates[templateKey(obsDomainId, templateId)]; ok {
		return template, nil
	}
	return nil, ErrorTemplateNotFound
}

func (ts *BasicTemplateSystem) RemoveTemplate(obsDomainId uint32, templateId uint16) (interface{}, error) {
	ts.templateslock.Lock()
	defer ts.templateslock.Unlock()

	key := templateKey(obsDomainId, templateId)
	if template, ok := ts.templates[key]; ok {
		delete(ts.templates, key)
		return template, nil
	}
	return nil, ErrorTemplateNotFound
}

// CreateTemplateSystemFromRaw decodes raw template and options template records
// into a fresh template system scoped to a Source ID.
func CreateTemplateSystemFromRaw(obsDomainId uint32, templates, optionTemplates map[uint16][]byte) (NetFlowTemplateSystem, error) {
	ts := CreateTemplateSystem()
	for templateId, raw := range templates {
		records, err := DecodeTemplateSet(bytes.NewBuffer(raw))
		if err != nil {
			return ts, &FlowError{9, "Template", obsDomainId, templateId, err}
		}
		for _, record := range records {
			if err := ts.AddTemplate(obsDomainId, record.TemplateId, record); err != nil {
				return ts, err
			}
		}
	}
	for templateId, raw := range optionTemplates {
		records, err := DecodeNFv9OptionsTemplateSet(bytes.NewBuffer(raw))
		if err != nil {
			return ts, &FlowError{9, "OptionsTemplate", obsDomainId, templateId, err}
		}
		for _, record := range records {
			if err := ts.AddTemplate(obsDomainId, record.TemplateId, record); err != nil {
				return ts, err
			}
		}
	}
	return ts, nil
}
