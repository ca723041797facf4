// Package pending buffers NetFlow v9 packets whose templates have not been received yet.
package pending

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/netsampler/nf9reassembler/utils/templates"
)

const (
	DefaultMaxWeight       = 1 << 20
	DefaultMaxAge          = time.Minute
	DefaultCleanupInterval = 10 * time.Second
)

type EvictReason string

const (
	ReasonExpired EvictReason = "expired"
	ReasonWeight  EvictReason = "weight"
)

// BufferedPacket is a datagram waiting for some of its templates.
type BufferedPacket struct {
	Payload       []byte
	UsedTemplates map[uint16]struct{}
	Buffered      time.Time
}

// NewBufferedPacket copies the payload and the set of template IDs it references.
func NewBufferedPacket(payload []byte, used map[uint16]struct{}) *BufferedPacket {
	packet := &BufferedPacket{
		Payload:       append([]byte(nil), payload...),
		UsedTemplates: make(map[uint16]struct{}, len(used)),
		Buffered:      time.Now(),
	}
	for id := range used {
		packet.UsedTemplates[id] = struct{}{}
	}
	return packet
}

type Config struct {
	MaxWeight       int
	MaxAge          time.Duration
	CleanupInterval time.Duration
	// OnEvict is called when a whole queue is dropped before being drained.
	OnEvict func(key templates.TemplateKey, packets, weight int, reason EvictReason)
}

// Store holds one queue per exporter stream, bounded by age and total payload weight.
//
// Lock order is store, queue, then the cache's own lock. Queue creation and
// removal hold the store lock exclusively; pushes hold it shared.
type Store struct {
	lock   sync.RWMutex
	cache  *cache.Cache
	config Config
	weight atomic.Int64
}

func New(config Config) *Store {
	if config.MaxWeight <= 0 {
		config.MaxWeight = DefaultMaxWeight
	}
	if config.MaxAge <= 0 {
		config.MaxAge = DefaultMaxAge
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	s := &Store{
		cache:  cache.New(config.MaxAge, config.CleanupInterval),
		config: config,
	}
	s.cache.OnEvicted(s.expired)
	return s
}

// Queue is the ordered list of buffered packets of one exporter stream.
type Queue struct {
	lock    sync.Mutex
	key     templates.TemplateKey
	store   *Store
	packets []*BufferedPacket
	weight  int
	removed atomic.Bool
}

func (q *Queue) Key() templates.TemplateKey {
	return q.key
}

func (q *Queue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.packets)
}

func (q *Queue) Weight() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.weight
}

// Drain removes and returns, in arrival order, every packet for which ready returns true.
func (q *Queue) Drain(ready func(*BufferedPacket) bool) []*BufferedPacket {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.removed.Load() {
		return nil
	}

	var drained []*BufferedPacket
	kept := q.packets[:0]
	weight := 0
	for _, packet := range q.packets {
		if ready(packet) {
			drained = append(drained, packet)
			weight += len(packet.Payload)
		} else {
			kept = append(kept, packet)
		}
	}
	for i := len(kept); i < len(q.packets); i++ {
		q.packets[i] = nil
	}
	q.packets = kept
	q.weight -= weight
	q.store.weight.Add(-int64(weight))
	return drained
}

// clear empties the queue and marks it unusable. Must hold the queue lock.
func (q *Queue) clear() (packets, weight int) {
	q.removed.Store(true)
	packets, weight = len(q.packets), q.weight
	q.packets = nil
	q.weight = 0
	q.store.weight.Add(-int64(weight))
	return packets, weight
}

// lookup returns the live queue stored at key.
func (s *Store) lookup(key string) (*Queue, bool) {
	value, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	q, ok := value.(*Queue)
	if !ok || q.removed.Load() {
		return nil, false
	}
	return q, true
}

// Peek returns the queue of an exporter stream without creating it.
func (s *Store) Peek(key templates.TemplateKey) (*Queue, bool) {
	return s.lookup(key.String())
}

// GetOrCreateQueue returns the queue of an exporter stream, creating an empty one if needed.
func (s *Store) GetOrCreateQueue(key templates.TemplateKey) *Queue {
	if q, ok := s.lookup(key.String()); ok {
		return q
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	k := key.String()
	if q, ok := s.lookup(k); ok {
		return q
	}
	// an expired queue may still sit in the cache and must be accounted for before being replaced
	s.cache.DeleteExpired()
	q := &Queue{
		key:   key,
		store: s,
	}
	s.cache.SetDefault(k, q)
	return q
}

// Push appends a packet to the queue of its exporter stream and refreshes the queue age.
// Queues are evicted oldest first when the total weight exceeds the configured bound.
func (s *Store) Push(key templates.TemplateKey, packet *BufferedPacket) {
	k := key.String()
	for {
		q := s.GetOrCreateQueue(key)
		if s.push(k, q, packet) {
			break
		}
	}
	if s.weight.Load() > int64(s.config.MaxWeight) {
		s.shrink()
	}
}

func (s *Store) push(k string, q *Queue, packet *BufferedPacket) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.removed.Load() {
		return false
	}
	if current, ok := s.lookup(k); !ok || current != q {
		return false
	}
	q.packets = append(q.packets, packet)
	q.weight += len(packet.Payload)
	s.weight.Add(int64(len(packet.Payload)))
	s.cache.SetDefault(k, q)
	return true
}

// shrink evicts whole queues, least recently written first, until the weight bound holds.
// Expired queues are dropped first: they are hidden from Items but still weigh.
func (s *Store) shrink() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.cache.DeleteExpired()
	for s.weight.Load() > int64(s.config.MaxWeight) {
		var (
			oldestKey  string
			oldest     *Queue
			oldestTime int64
		)
		for k, item := range s.cache.Items() {
			q, ok := item.Object.(*Queue)
			if !ok || q.removed.Load() {
				continue
			}
			if oldest == nil || item.Expiration < oldestTime {
				oldestKey, oldest, oldestTime = k, q, item.Expiration
			}
		}
		if oldest == nil {
			return
		}
		s.remove(oldestKey, oldest, ReasonWeight)
	}
}

// remove drops a queue from the store. Must hold the store lock exclusively.
func (s *Store) remove(k string, q *Queue, reason EvictReason) {
	q.lock.Lock()
	if q.removed.Load() {
		q.lock.Unlock()
		return
	}
	packets, weight := q.clear()
	if current, ok := s.cache.Get(k); ok && current == q {
		s.cache.Delete(k)
	}
	q.lock.Unlock()
	s.evicted(q.key, packets, weight, reason)
}

// expired is called by the cache once a queue is removed from it.
func (s *Store) expired(k string, value interface{}) {
	q, ok := value.(*Queue)
	if !ok || q.removed.Load() {
		return
	}
	q.lock.Lock()
	if q.removed.Load() {
		q.lock.Unlock()
		return
	}
	// written again between the expiry scan and this call
	if current, ok := s.cache.Get(k); ok && current == q {
		q.lock.Unlock()
		return
	}
	packets, weight := q.clear()
	q.lock.Unlock()
	s.evicted(q.key, packets, weight, ReasonExpired)
}

func (s *Store) evicted(key templates.TemplateKey, packets, weight int, reason EvictReason) {
	if s.config.OnEvict == nil || packets == 0 {
		return
	}
	defer func() {
		recover()
	}()
	s.config.OnEvict(key, packets, weight, reason)
}

// Weight is the total payload size currently buffered.
func (s *Store) Weight() int {
	return int(s.weight.Load())
}

// Len is the number of queues, including expired ones not yet cleaned up.
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

// Cleanup removes expired queues immediately.
func (s *Store) Cleanup() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.cache.DeleteExpired()
}

// Close drops every queue without calling the eviction hook.
func (s *Store) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, item := range s.cache.Items() {
		if q, ok := item.Object.(*Queue); ok {
			q.lock.Lock()
			q.clear()
			q.lock.Unlock()
		}
	}
	s.cache.Flush()
	s.weight.Store(0)
}
