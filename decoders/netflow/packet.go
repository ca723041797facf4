package netflow

import (
	"fmt"
)

// NFv9Header is the fixed 20 bytes header of a NetFlow v9 packet.
type NFv9Header struct {
	Version        uint16 `json:"version"`
	Count          uint16 `json:"count"`
	SystemUptime   uint32 `json:"system-uptime"`
	UnixSeconds    uint32 `json:"unix-seconds"`
	SequenceNumber uint32 `json:"sequence-number"`
	SourceId       uint32 `json:"source-id"`
}

// NFv9Packet is a fully decoded NetFlow v9 packet.
type NFv9Packet struct {
	NFv9Header
	FlowSets []interface{} `json:"flowsets"`
}

// FlowSetHeader contains fields shared by all Flow Sets (DataFlowSet,
// TemplateFlowSet, OptionsTemplateFlowSet).
type FlowSetHeader struct {
	// FlowSet ID:
	//    0 for TemplateFlowSet
	//    1 for OptionsTemplateFlowSet
	//    256-65535 for DataFlowSet (used as TemplateId)
	Id uint16 `json:"id"`

	// The total length of this FlowSet in bytes (including padding).
	Length uint16 `json:"length"`
}

// TemplateFlowSet is a collection of templates that describe structure of Data
// Records (actual NetFlow data).
type TemplateFlowSet struct {
	FlowSetHeader

	// List of Template Records
	Records []TemplateRecord `json:"records"`
}

// NFv9OptionsTemplateFlowSet is a collection of options templates.
type NFv9OptionsTemplateFlowSet struct {
	FlowSetHeader

	Records []NFv9OptionsTemplateRecord `json:"records"`
}

// DataFlowSet is a collection of Data Records (actual NetFlow data).
type DataFlowSet struct {
	FlowSetHeader

	Records []DataRecord `json:"records"`
}

// OptionsDataFlowSet carries records described by an options template.
type OptionsDataFlowSet struct {
	FlowSetHeader

	Records []OptionsDataRecord `json:"records"`
}

// RawFlowSet is a set that could not be decoded due to the absence of a template.
type RawFlowSet struct {
	FlowSetHeader

	Records []byte `json:"records"`
}

// TemplateRecord is a single template that describes structure of a Flow Record
// (actual Netflow data).
type TemplateRecord struct {
	// Template IDs of Data FlowSets are numbered from 256 to 65535 and are
	// local to the exporter and Source ID that generated them.
	TemplateId uint16 `json:"template-id"`

	// Number of fields in this Template Record.
	FieldCount uint16 `json:"field-count"`

	Fields []Field `json:"fields"`
}

// NFv9OptionsTemplateRecord describes scope and option fields of options data.
type NFv9OptionsTemplateRecord struct {
	TemplateId   uint16  `json:"template-id"`
	ScopeLength  uint16  `json:"scope-length"`
	OptionLength uint16  `json:"option-length"`
	Scopes       []Field `json:"scopes"`
	Options      []Field `json:"options"`
}

type DataRecord struct {
	Values []DataField `json:"values"`
}

// OptionsDataRecord is meta data sent alongside actual NetFlow data.
type OptionsDataRecord struct {
	ScopesValues  []DataField `json:"scope-values"`
	OptionsValues []DataField `json:"option-values"`
}

// Field describes type and length of a single value in a Flow Data Record.
type Field struct {
	Type   uint16 `json:"type"`
	Length uint16 `json:"length"`
}

type DataField struct {
	Type  uint16 `json:"type"`
	Value []byte `json:"value"`
}

// RawDataRecord is a data flow set kept as opaque bytes, header included.
type RawDataRecord struct {
	TemplateId uint16
	Raw        []byte
}

// RawShallowPacket is the structural view of a NetFlow v9 packet: templates and
// data flow sets are located but never decoded.
type RawShallowPacket struct {
	Header NFv9Header

	// Raw template records keyed by template ID.
	Templates map[uint16][]byte

	// Raw options template records keyed by template ID.
	OptionTemplates map[uint16][]byte

	Records []RawDataRecord

	// Every template ID referenced by a data flow set of this packet.
	UsedTemplates map[uint16]struct{}

	// Flow sets that were not interpreted (reserved IDs, bogus lengths).
	Skipped []FlowSetHeader
}

// OptionTemplate returns the first options template found in the packet.
func (p *RawShallowPacket) OptionTemplate() (uint16, []byte, bool) {
	var (
		id    uint16
		found bool
	)
	for tid := range p.OptionTemplates {
		if !found || tid < id {
			id = tid
			found = true
		}
	}
	if !found {
		return 0, nil, false
	}
	return id, p.OptionTemplates[id], true
}

// HasTemplates reports whether the packet defines any template or options template.
func (p *RawShallowPacket) HasTemplates() bool {
	return len(p.Templates) > 0 || len(p.OptionTemplates) > 0
}

func (flowSet RawFlowSet) String() string {
	str := fmt.Sprintf("       Id %v\n", flowSet.Id)
	str += fmt.Sprintf("       Length: %v\n", len(flowSet.Records))
	str += fmt.Sprintf("       Records: %v\n", flowSet.Records)

	return str
}

func (flowSet TemplateFlowSet) String(TypeToString func(uint16) string) string {
	str := fmt.Sprintf("       Id %v\n", flowSet.Id)
	str += fmt.Sprintf("       Length: %v\n", flowSet.Length)
	str += fmt.Sprintf("       Records (%v records):\n", len(flowSet.Records))

	for j, record := range flowSet.Records {
		str += fmt.Sprintf("       - %v. Record:\n", j)
		str += fmt.Sprintf("            TemplateId: %v\n", record.TemplateId)
		str += fmt.Sprintf("            Fields (%v):\n", len(record.Fields))

		for k, field := range record.Fields {
			str += fmt.Sprintf("            - %v. %v (%v): %v\n", k, TypeToString(field.Type), field.Type, field.Length)
		}
	}

	return str
}
