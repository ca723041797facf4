package utils

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"
)

const (
	// DefaultMaxNegativeSequenceDifference is how far back a sequence number may
	// go before it is considered an exporter restart.
	DefaultMaxNegativeSequenceDifference = 1000
	// DefaultSequenceTrackerSize is the number of exporter streams tracked at once.
	DefaultSequenceTrackerSize = 5000
)

// MissingFlowsTracker counts the gaps in the sequence numbers of each exporter stream.
// The least recently seen streams are forgotten once size streams are tracked.
type MissingFlowsTracker struct {
	counters   *lru.Cache // expected next sequence number (int64), keyed by exporter stream
	countersMu *sync.Mutex

	maxNegativeSequenceDifference int
}

func NewMissingFlowsTracker(maxNegativeSequenceDifference, size int, onForget func(key interface{})) *MissingFlowsTracker {
	if maxNegativeSequenceDifference <= 0 {
		maxNegativeSequenceDifference = DefaultMaxNegativeSequenceDifference
	}
	if size <= 0 {
		size = DefaultSequenceTrackerSize
	}
	counters, _ := lru.NewWithEvict(size, func(key, _ interface{}) {
		if onForget != nil {
			onForget(key)
		}
	})
	return &MissingFlowsTracker{
		counters:                      counters,
		countersMu:                    &sync.Mutex{},
		maxNegativeSequenceDifference: maxNegativeSequenceDifference,
	}
}

// Len is the number of exporter streams currently tracked.
func (s *MissingFlowsTracker) Len() int {
	return s.counters.Len()
}

// countMissing records a packet carrying count elements and returns how many
// elements are missing so far. The result is temporarily negative when packets
// arrive out of order.
func (s *MissingFlowsTracker) countMissing(key interface{}, seqnum uint32, count uint16) (missing int64, reset bool) {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()

	expected := int64(seqnum)
	if value, ok := s.counters.Get(key); ok {
		expected = value.(int64) + int64(count)
	}
	missing = int64(seqnum) - expected

	// a large negative gap is an exporter restart, restart counting from there
	if missing <= -int64(s.maxNegativeSequenceDifference) {
		s.counters.Add(key, int64(seqnum))
		return 0, true
	}
	s.counters.Add(key, expected)
	return missing, false
}
