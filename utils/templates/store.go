package templates

import (
	"fmt"
	"net/netip"

	lru "github.com/hashicorp/golang-lru"
)

const (
	// DefaultStoreSize is the default number of templates kept across all exporters.
	DefaultStoreSize = 5000

	// ExporterOnly is the template ID of a key that identifies an exporter stream.
	ExporterOnly int32 = -1
)

// TemplateKey identifies a template announced by an exporter for a source ID.
type TemplateKey struct {
	Exporter   netip.AddrPort
	SourceID   uint64
	TemplateID int32
}

// ExporterKey returns the key of the exporter stream, without template ID.
func ExporterKey(exporter netip.AddrPort, sourceID uint64) TemplateKey {
	return TemplateKey{
		Exporter:   exporter,
		SourceID:   sourceID,
		TemplateID: ExporterOnly,
	}
}

// WithTemplate returns a copy of the key pointing to a template of the same stream.
func (k TemplateKey) WithTemplate(templateId uint16) TemplateKey {
	k.TemplateID = int32(templateId)
	return k
}

func (k TemplateKey) String() string {
	if k.TemplateID == ExporterOnly {
		return fmt.Sprintf("%s/%d", k.Exporter, k.SourceID)
	}
	return fmt.Sprintf("%s/%d/%d", k.Exporter, k.SourceID, k.TemplateID)
}

func (k TemplateKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// TemplateRecord is the raw wire encoding of a template or options template record.
type TemplateRecord struct {
	Raw    []byte `json:"raw"`
	Option bool   `json:"option"`
}

// TemplateStore is a size bounded, least recently used template cache.
type TemplateStore struct {
	cache   *lru.Cache
	onEvict func(TemplateKey, TemplateRecord)
}

// NewTemplateStore creates a store holding at most size templates.
// onEvict is called with the cache lock held and must not use the store.
func NewTemplateStore(size int, onEvict func(TemplateKey, TemplateRecord)) (*TemplateStore, error) {
	if size <= 0 {
		size = DefaultStoreSize
	}
	s := &TemplateStore{
		onEvict: onEvict,
	}
	cache, err := lru.NewWithEvict(size, s.evicted)
	if err != nil {
		return nil, err
	}
	s.cache = cache
	return s, nil
}

func (s *TemplateStore) evicted(key, value interface{}) {
	if s.onEvict == nil {
		return
	}
	k, ok := key.(TemplateKey)
	if !ok {
		return
	}
	record, _ := value.(TemplateRecord)
	defer func() {
		recover()
	}()
	s.onEvict(k, record)
}

// Put stores a copy of the template, replacing any previous one.
func (s *TemplateStore) Put(key TemplateKey, record TemplateRecord) {
	record.Raw = append([]byte(nil), record.Raw...)
	s.cache.Add(key, record)
}

func (s *TemplateStore) Get(key TemplateKey) (TemplateRecord, bool) {
	value, ok := s.cache.Get(key)
	if !ok {
		return TemplateRecord{}, false
	}
	record, ok := value.(TemplateRecord)
	return record, ok
}

// Peek returns a template without updating its recentness.
func (s *TemplateStore) Peek(key TemplateKey) (TemplateRecord, bool) {
	value, ok := s.cache.Peek(key)
	if !ok {
		return TemplateRecord{}, false
	}
	record, ok := value.(TemplateRecord)
	return record, ok
}

// Contains checks for a template without updating its recentness.
func (s *TemplateStore) Contains(key TemplateKey) bool {
	return s.cache.Contains(key)
}

// Keys returns the stored keys, oldest first.
func (s *TemplateStore) Keys() []TemplateKey {
	keys := s.cache.Keys()
	ret := make([]TemplateKey, 0, len(keys))
	for _, key := range keys {
		if k, ok := key.(TemplateKey); ok {
			ret = append(ret, k)
		}
	}
	return ret
}

func (s *TemplateStore) Len() int {
	return s.cache.Len()
}
