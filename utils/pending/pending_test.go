package pending

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsampler/nf9reassembler/utils/templates"
)

type evictRecord struct {
	key     templates.TemplateKey
	packets int
	weight  int
	reason  EvictReason
}

type evictRecorder struct {
	lock    sync.Mutex
	records []evictRecord
}

func (r *evictRecorder) hook(key templates.TemplateKey, packets, weight int, reason EvictReason) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.records = append(r.records, evictRecord{key, packets, weight, reason})
}

func (r *evictRecorder) get() []evictRecord {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]evictRecord(nil), r.records...)
}

func exporterKey(port uint16, sourceId uint64) templates.TemplateKey {
	return templates.ExporterKey(netip.AddrPortFrom(netip.MustParseAddr("198.51.100.1"), port), sourceId)
}

func packetOf(size int, ids ...uint16) *BufferedPacket {
	used := make(map[uint16]struct{})
	for _, id := range ids {
		used[id] = struct{}{}
	}
	return NewBufferedPacket(make([]byte, size), used)
}

func TestNewBufferedPacketCopies(t *testing.T) {
	payload := []byte{1, 2, 3}
	used := map[uint16]struct{}{256: {}}
	packet := NewBufferedPacket(payload, used)
	payload[0] = 9
	delete(used, 256)

	assert.Equal(t, []byte{1, 2, 3}, packet.Payload)
	assert.Contains(t, packet.UsedTemplates, uint16(256))
}

func TestStorePushDrain(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	key := exporterKey(2055, 1)
	_, ok := store.Peek(key)
	assert.False(t, ok)

	store.Push(key, packetOf(10, 256))
	store.Push(key, packetOf(20, 257))
	store.Push(key, packetOf(30, 256, 258))
	assert.Equal(t, 60, store.Weight())

	q, ok := store.Peek(key)
	require.True(t, ok)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, key, q.Key())

	drained := q.Drain(func(p *BufferedPacket) bool {
		_, ok := p.UsedTemplates[256]
		return ok
	})
	require.Len(t, drained, 2)
	assert.Len(t, drained[0].Payload, 10)
	assert.Len(t, drained[1].Payload, 30)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 20, q.Weight())
	assert.Equal(t, 20, store.Weight())

	assert.Empty(t, q.Drain(func(*BufferedPacket) bool { return false }))
}

func TestStoreSeparatesExporters(t *testing.T) {
	store := New(Config{})
	defer store.Close()

	store.Push(exporterKey(2055, 1), packetOf(1, 256))
	store.Push(exporterKey(2055, 2), packetOf(1, 256))
	store.Push(exporterKey(2056, 1), packetOf(1, 256))

	assert.Equal(t, 3, store.Len())
	q := store.GetOrCreateQueue(exporterKey(2055, 1))
	assert.Equal(t, 1, q.Len())
}

func TestStoreWeightBound(t *testing.T) {
	recorder := &evictRecorder{}
	store := New(Config{
		MaxWeight: 100,
		OnEvict:   recorder.hook,
	})
	defer store.Close()

	first := exporterKey(2055, 1)
	second := exporterKey(2055, 2)
	store.Push(first, packetOf(40, 256))
	store.Push(first, packetOf(40, 256))
	time.Sleep(2 * time.Millisecond)
	store.Push(second, packetOf(40, 300))

	assert.LessOrEqual(t, store.Weight(), 100)
	assert.Equal(t, 40, store.Weight())
	_, ok := store.Peek(first)
	assert.False(t, ok)
	q, ok := store.Peek(second)
	require.True(t, ok)
	assert.Equal(t, 1, q.Len())

	records := recorder.get()
	require.Len(t, records, 1)
	assert.Equal(t, evictRecord{first, 2, 80, ReasonWeight}, records[0])
}

func TestStoreWeightBoundDropsExpiredFirst(t *testing.T) {
	recorder := &evictRecorder{}
	store := New(Config{
		MaxWeight:       100,
		MaxAge:          200 * time.Millisecond,
		CleanupInterval: time.Hour,
		OnEvict:         recorder.hook,
	})
	defer store.Close()

	stale := exporterKey(2055, 1)
	live := exporterKey(2055, 2)
	store.Push(stale, packetOf(60, 256))
	time.Sleep(100 * time.Millisecond)
	store.Push(live, packetOf(10, 300))
	time.Sleep(140 * time.Millisecond)

	// stale has expired without a cleanup run, live has not
	store.Push(live, packetOf(40, 300))

	assert.Equal(t, 50, store.Weight())
	q, ok := store.Peek(live)
	require.True(t, ok)
	assert.Equal(t, 2, q.Len())

	records := recorder.get()
	require.Len(t, records, 1)
	assert.Equal(t, evictRecord{stale, 1, 60, ReasonExpired}, records[0])
}

func TestStoreOversizedPacket(t *testing.T) {
	store := New(Config{MaxWeight: 10})
	defer store.Close()

	key := exporterKey(2055, 1)
	store.Push(key, packetOf(11, 256))
	assert.Equal(t, 0, store.Weight())
	_, ok := store.Peek(key)
	assert.False(t, ok)

	store.Push(key, packetOf(5, 256))
	assert.Equal(t, 5, store.Weight())
}

func TestStoreExpiry(t *testing.T) {
	recorder := &evictRecorder{}
	store := New(Config{
		MaxAge:          20 * time.Millisecond,
		CleanupInterval: time.Hour,
		OnEvict:         recorder.hook,
	})
	defer store.Close()

	key := exporterKey(2055, 1)
	store.Push(key, packetOf(10, 256))
	q, ok := store.Peek(key)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = store.Peek(key)
	assert.False(t, ok)

	store.Cleanup()
	assert.Equal(t, 0, store.Weight())
	assert.Equal(t, 0, store.Len())
	assert.Nil(t, q.Drain(func(*BufferedPacket) bool { return true }))

	records := recorder.get()
	require.Len(t, records, 1)
	assert.Equal(t, evictRecord{key, 1, 10, ReasonExpired}, records[0])
}

func TestStoreExpiredQueueReplaced(t *testing.T) {
	recorder := &evictRecorder{}
	store := New(Config{
		MaxAge:          20 * time.Millisecond,
		CleanupInterval: time.Hour,
		OnEvict:         recorder.hook,
	})
	defer store.Close()

	key := exporterKey(2055, 1)
	store.Push(key, packetOf(10, 256))
	time.Sleep(40 * time.Millisecond)
	store.Push(key, packetOf(7, 257))

	assert.Equal(t, 7, store.Weight())
	q, ok := store.Peek(key)
	require.True(t, ok)
	assert.Equal(t, 1, q.Len())
	require.Len(t, recorder.get(), 1)
}

func TestStoreWriteRefreshesAge(t *testing.T) {
	store := New(Config{
		MaxAge:          60 * time.Millisecond,
		CleanupInterval: time.Hour,
	})
	defer store.Close()

	key := exporterKey(2055, 1)
	store.Push(key, packetOf(1, 256))
	time.Sleep(40 * time.Millisecond)
	store.Push(key, packetOf(1, 256))
	time.Sleep(40 * time.Millisecond)

	q, ok := store.Peek(key)
	require.True(t, ok)
	assert.Equal(t, 2, q.Len())
}

func TestStoreConcurrentPush(t *testing.T) {
	store := New(Config{MaxWeight: 1000})
	defer store.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := exporterKey(2055, uint64(w%3))
			for i := 0; i < 200; i++ {
				store.Push(key, packetOf(10, 256))
				if q, ok := store.Peek(key); ok && i%5 == 0 {
					q.Drain(func(*BufferedPacket) bool { return true })
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, port := range []uint64{0, 1, 2} {
		if q, ok := store.Peek(exporterKey(2055, port)); ok {
			total += q.Weight()
		}
	}
	assert.LessOrEqual(t, store.Weight(), 1000)
	assert.Equal(t, total, store.Weight())
}
