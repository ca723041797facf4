package utils

import (
	"bytes"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netsampler/nf9reassembler/decoders/netflow"
	"github.com/netsampler/nf9reassembler/decoders/ordered"
	decoderutils "github.com/netsampler/nf9reassembler/decoders/utils"
	"github.com/netsampler/nf9reassembler/utils/pending"
	"github.com/netsampler/nf9reassembler/utils/templates"
)

var exporterE = netip.MustParseAddrPort("203.0.113.5:40000")

func nfv9Packet(sourceId uint32, flowSets ...[]byte) []byte {
	return nfv9PacketSeq(sourceId, 3, flowSets...)
}

func nfv9PacketSeq(sourceId, sequence uint32, flowSets ...[]byte) []byte {
	buf := &bytes.Buffer{}
	decoderutils.WriteFields(buf, uint16(9), uint16(len(flowSets)), uint32(5000), uint32(1700000000), sequence, sourceId)
	for _, fs := range flowSets {
		buf.Write(fs)
	}
	return buf.Bytes()
}

func nfv9FlowSet(id uint16, body []byte) []byte {
	buf := &bytes.Buffer{}
	decoderutils.WriteFields(buf, id, uint16(len(body)+4), body)
	return buf.Bytes()
}

// template with IN_BYTES (4) and PROTOCOL (1)
func nfv9Template(id uint16) []byte {
	buf := &bytes.Buffer{}
	decoderutils.WriteFields(buf, id, uint16(2), uint16(1), uint16(4), uint16(4), uint16(1))
	return buf.Bytes()
}

// options template with scope SYSTEM (4) and SAMPLING_INTERVAL (4)
func nfv9OptionsTemplate(id uint16) []byte {
	buf := &bytes.Buffer{}
	decoderutils.WriteFields(buf, id, uint16(4), uint16(4), uint16(1), uint16(4), uint16(34), uint16(4))
	return buf.Bytes()
}

func newTestAggregator(t *testing.T, cfg AggregatorConfig) *Aggregator {
	a, err := NewAggregator(cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func decodeReady(t *testing.T, result Result) *ordered.Container {
	require.Equal(t, OutcomeReady, result.Outcome)
	require.NotEmpty(t, result.Payload)
	require.Equal(t, ordered.MarkerOrdered, result.Payload[0])
	container := &ordered.Container{}
	require.NoError(t, container.UnmarshalBinary(result.Payload[1:]))
	return container
}

type recordingHooks struct {
	lock         sync.Mutex
	outcomes     []Outcome
	registered   []templates.TemplateKey
	evicted      []templates.TemplateKey
	readyDropped int
	missing      int64
	resets       int
	forgotten    []templates.TemplateKey
}

func (h *recordingHooks) Processed(_ netip.AddrPort, outcome Outcome, _ int, _ time.Duration) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.outcomes = append(h.outcomes, outcome)
}

func (h *recordingHooks) TemplateRegistered(key templates.TemplateKey, _ bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.registered = append(h.registered, key)
}

func (h *recordingHooks) TemplateEvicted(key templates.TemplateKey, _ bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.evicted = append(h.evicted, key)
}

func (h *recordingHooks) PendingEvicted(templates.TemplateKey, int, int, pending.EvictReason) {}

func (h *recordingHooks) SequenceTracked(_ templates.TemplateKey, _ uint32, missing int64, reset bool) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.missing = missing
	if reset {
		h.resets++
	}
}

func (h *recordingHooks) SequenceForgotten(key templates.TemplateKey) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.forgotten = append(h.forgotten, key)
}

func (h *recordingHooks) ReadyDropped(_ templates.TemplateKey, packets int) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.readyDropped += packets
}

func TestAggregatorScenario(t *testing.T) {
	a := newTestAggregator(t, AggregatorConfig{})

	// (a) data before its template
	dataA := nfv9Packet(7, nfv9FlowSet(256, []byte{0, 0, 0, 10, 6}))
	result := a.Process(exporterE, dataA)
	assert.Equal(t, OutcomeBuffered, result.Outcome)
	assert.True(t, result.CurrentBuffered)
	assert.Nil(t, result.Payload)
	assert.Equal(t, len(dataA), a.Pending().Weight())

	// (b) template only
	result = a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(0, nfv9Template(256))))
	container := decodeReady(t, result)
	assert.False(t, result.CurrentBuffered)
	assert.Equal(t, 1, result.Released)
	assert.Equal(t, map[uint16][]byte{256: nfv9Template(256)}, container.Templates)
	assert.Empty(t, container.OptionTemplates)
	assert.Equal(t, [][]byte{dataA}, container.Packets)
	assert.Equal(t, 0, a.Pending().Weight())

	// (c) data with a known template, (a) is not sent again
	dataC := nfv9Packet(7, nfv9FlowSet(256, []byte{0, 0, 0, 20, 17}))
	result = a.Process(exporterE, dataC)
	container = decodeReady(t, result)
	assert.Equal(t, 0, result.Released)
	assert.Equal(t, map[uint16][]byte{256: nfv9Template(256)}, container.Templates)
	assert.Equal(t, [][]byte{dataC}, container.Packets)

	msg, err := ordered.DecodeMessage(result.Payload)
	require.NoError(t, err)
	require.Len(t, msg.Packets, 1)
	decoded := msg.Packets[0].(*netflow.NFv9Packet)
	require.Len(t, decoded.FlowSets, 1)
	dataSet := decoded.FlowSets[0].(netflow.DataFlowSet)
	assert.Equal(t, []byte{17}, dataSet.Records[0].Values[1].Value)
}

func TestAggregatorTemplateOnlyConsumed(t *testing.T) {
	a := newTestAggregator(t, AggregatorConfig{})

	result := a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(0, nfv9Template(256))))
	assert.Equal(t, OutcomeConsumed, result.Outcome)
	assert.Nil(t, result.Payload)

	record, ok := a.Templates().Get(templates.ExporterKey(exporterE, 7).WithTemplate(256))
	require.True(t, ok)
	assert.Equal(t, nfv9Template(256), record.Raw)
}

func TestAggregatorSelfDescribingPacket(t *testing.T) {
	a := newTestAggregator(t, AggregatorConfig{})

	payload := nfv9Packet(7,
		nfv9FlowSet(0, nfv9Template(256)),
		nfv9FlowSet(256, []byte{0, 0, 0, 10, 6}),
	)
	container := decodeReady(t, a.Process(exporterE, payload))
	assert.Equal(t, map[uint16][]byte{256: nfv9Template(256)}, container.Templates)
	assert.Equal(t, [][]byte{payload}, container.Packets)
}

func TestAggregatorPassthrough(t *testing.T) {
	a := newTestAggregator(t, AggregatorConfig{})

	for _, payload := range [][]byte{
		{0x00, 0x05, 0xde, 0xad},
		{0x00, 0x05},
		{0x00, 0x0a, 0x00, 0x10},
	} {
		result := a.Process(exporterE, payload)
		assert.Equal(t, OutcomePassthrough, result.Outcome)
		assert.Equal(t, append([]byte{ordered.MarkerPassthrough}, payload...), result.Payload)
	}
	assert.Equal(t, 0, a.Templates().Len())
	assert.Equal(t, 0, a.Pending().Len())
}

func TestAggregatorDiscard(t *testing.T) {
	hooks := &recordingHooks{}
	a := newTestAggregator(t, AggregatorConfig{Hooks: hooks})

	result := a.Process(exporterE, []byte{0x00})
	assert.Equal(t, OutcomeDiscard, result.Outcome)
	assert.Nil(t, result.Payload)

	// header only 10 bytes long
	result = a.Process(exporterE, []byte{0x00, 0x09, 0, 0, 0, 0, 0, 0, 0, 0})
	assert.Equal(t, OutcomeDiscard, result.Outcome)

	// flowset declared longer than the packet, template must not be registered
	malformed := nfv9Packet(7, nfv9FlowSet(0, nfv9Template(256)), []byte{0x01, 0x00, 0x00, 0x40, 0x00})
	result = a.Process(exporterE, malformed)
	assert.Equal(t, OutcomeDiscard, result.Outcome)

	assert.Equal(t, 0, a.Templates().Len())
	assert.Equal(t, 0, a.Pending().Len())
	assert.Equal(t, []Outcome{OutcomeDiscard, OutcomeDiscard, OutcomeDiscard}, hooks.outcomes)
}

// A datagram that must be buffered can release older datagrams of the same
// exporter. Both behaviours are covered: emit the released datagrams (default)
// or drop them (DropReadyOnBuffer).
func TestAggregatorBufferedWhileReleasing(t *testing.T) {
	dataA := nfv9Packet(7, nfv9FlowSet(256, []byte{0, 0, 0, 10, 6}))
	mixed := nfv9Packet(7,
		nfv9FlowSet(0, nfv9Template(256)),
		nfv9FlowSet(300, []byte{1, 2, 3, 4}),
	)

	t.Run("emit", func(t *testing.T) {
		a := newTestAggregator(t, AggregatorConfig{})
		assert.Equal(t, OutcomeBuffered, a.Process(exporterE, dataA).Outcome)

		result := a.Process(exporterE, mixed)
		container := decodeReady(t, result)
		assert.True(t, result.CurrentBuffered)
		assert.Equal(t, 1, result.Released)
		assert.Equal(t, [][]byte{dataA}, container.Packets)
		assert.Equal(t, map[uint16][]byte{256: nfv9Template(256)}, container.Templates)

		q, ok := a.Pending().Peek(templates.ExporterKey(exporterE, 7))
		require.True(t, ok)
		assert.Equal(t, 1, q.Len())
		assert.Equal(t, len(mixed), a.Pending().Weight())
	})

	t.Run("drop", func(t *testing.T) {
		hooks := &recordingHooks{}
		a := newTestAggregator(t, AggregatorConfig{DropReadyOnBuffer: true, Hooks: hooks})
		assert.Equal(t, OutcomeBuffered, a.Process(exporterE, dataA).Outcome)

		result := a.Process(exporterE, mixed)
		assert.Equal(t, OutcomeBuffered, result.Outcome)
		assert.True(t, result.CurrentBuffered)
		assert.Nil(t, result.Payload)
		assert.Equal(t, 1, hooks.readyDropped)

		// the released datagram is gone for good
		assert.Equal(t, len(mixed), a.Pending().Weight())
		result = a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(0, nfv9Template(300))))
		container := decodeReady(t, result)
		assert.Equal(t, [][]byte{mixed}, container.Packets)
	})
}

func TestAggregatorOptionsTemplateDrain(t *testing.T) {
	a := newTestAggregator(t, AggregatorConfig{})

	options := nfv9Packet(7, nfv9FlowSet(257, []byte{10, 0, 0, 1, 0, 0, 3, 232}))
	assert.Equal(t, OutcomeBuffered, a.Process(exporterE, options).Outcome)

	result := a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(1, nfv9OptionsTemplate(257))))
	container := decodeReady(t, result)
	assert.Empty(t, container.Templates)
	assert.Equal(t, map[uint16][]byte{257: nfv9OptionsTemplate(257)}, container.OptionTemplates)
	assert.Equal(t, [][]byte{options}, container.Packets)

	msg, err := ordered.DecodeMessage(result.Payload)
	require.NoError(t, err)
	decoded := msg.Packets[0].(*netflow.NFv9Packet)
	optionsSet := decoded.FlowSets[0].(netflow.OptionsDataFlowSet)
	assert.Equal(t, []byte{0, 0, 3, 232}, optionsSet.Records[0].OptionsValues[0].Value)
}

func TestAggregatorPartialDrain(t *testing.T) {
	a := newTestAggregator(t, AggregatorConfig{})

	first := nfv9Packet(7, nfv9FlowSet(256, []byte{0, 0, 0, 1, 6}))
	both := nfv9Packet(7, nfv9FlowSet(256, []byte{0, 0, 0, 2, 6}), nfv9FlowSet(300, []byte{0, 0, 0, 3, 6}))
	a.Process(exporterE, first)
	a.Process(exporterE, both)

	container := decodeReady(t, a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(0, nfv9Template(256)))))
	assert.Equal(t, [][]byte{first}, container.Packets)

	container = decodeReady(t, a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(0, nfv9Template(300)))))
	assert.Equal(t, [][]byte{both}, container.Packets)
	assert.Len(t, container.Templates, 2)
	assert.Equal(t, 0, a.Pending().Weight())
}

func TestAggregatorExportersIsolated(t *testing.T) {
	a := newTestAggregator(t, AggregatorConfig{})

	a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(0, nfv9Template(256))))
	data := nfv9Packet(7, nfv9FlowSet(256, []byte{0, 0, 0, 1, 6}))

	other := netip.MustParseAddrPort("203.0.113.6:40000")
	assert.Equal(t, OutcomeBuffered, a.Process(other, data).Outcome)
	assert.Equal(t, OutcomeBuffered, a.Process(exporterE, nfv9Packet(8, nfv9FlowSet(256, []byte{0, 0, 0, 1, 6}))).Outcome)
	assert.Equal(t, OutcomeReady, a.Process(exporterE, data).Outcome)
}

func TestAggregatorLastTemplateWins(t *testing.T) {
	a := newTestAggregator(t, AggregatorConfig{})

	a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(0, nfv9Template(256))))
	redefined := []byte{0x01, 0x00, 0x00, 0x01, 0x00, 0x04, 0x00, 0x01}
	a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(0, redefined)))

	container := decodeReady(t, a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(256, []byte{6, 17}))))
	assert.Equal(t, redefined, container.Templates[256])
}

func TestAggregatorTemplateEviction(t *testing.T) {
	hooks := &recordingHooks{}
	a := newTestAggregator(t, AggregatorConfig{TemplatesSize: 2, Hooks: hooks})

	a.Process(exporterE, nfv9Packet(7,
		nfv9FlowSet(0, append(append(nfv9Template(256), nfv9Template(257)...), nfv9Template(258)...)),
	))
	assert.Equal(t, 2, a.Templates().Len())
	assert.Len(t, hooks.registered, 3)
	assert.Len(t, hooks.evicted, 1)
}

func TestAggregatorSequenceTracking(t *testing.T) {
	hooks := &recordingHooks{}
	a := newTestAggregator(t, AggregatorConfig{Hooks: hooks, MaxNegativeSequenceDifference: 10})

	template := nfv9FlowSet(0, nfv9Template(256))
	a.Process(exporterE, nfv9PacketSeq(7, 100, template))
	a.Process(exporterE, nfv9PacketSeq(7, 101, template))
	a.Process(exporterE, nfv9PacketSeq(7, 104, template))
	assert.Equal(t, int64(2), hooks.missing)

	// other source IDs are counted separately
	a.Process(exporterE, nfv9PacketSeq(8, 1, template))
	assert.Equal(t, int64(0), hooks.missing)

	a.Process(exporterE, nfv9PacketSeq(7, 5, template))
	assert.Equal(t, 1, hooks.resets)
	assert.Equal(t, int64(0), hooks.missing)
}

func TestAggregatorSequenceTrackingBounded(t *testing.T) {
	hooks := &recordingHooks{}
	a := newTestAggregator(t, AggregatorConfig{Hooks: hooks, SequenceTrackerSize: 16})

	for sourceId := uint32(0); sourceId < 1000; sourceId++ {
		assert.Equal(t, OutcomeConsumed, a.Process(exporterE, nfv9PacketSeq(sourceId, 1)).Outcome)
	}
	assert.Equal(t, 16, a.sequences.Len())
	require.Len(t, hooks.forgotten, 984)
	assert.Equal(t, templates.ExporterKey(exporterE, 0), hooks.forgotten[0])
	assert.Equal(t, 0, a.Templates().Len())
	assert.Equal(t, 0, a.Pending().Weight())
}

func TestAggregatorRecheckAfterPush(t *testing.T) {
	a := newTestAggregator(t, AggregatorConfig{})
	key := templates.ExporterKey(exporterE, 7)

	data := nfv9Packet(7, nfv9FlowSet(256, []byte{0, 0, 0, 1, 6}))
	packet, err := netflow.ShallowParse(data)
	require.NoError(t, err)
	current := pending.NewBufferedPacket(data, packet.UsedTemplates)
	a.Pending().Push(key, current)

	drained, currentDrained := a.recheck(key, packet, current, map[uint16]templates.TemplateRecord{})
	assert.Empty(t, drained)
	assert.False(t, currentDrained)
	assert.Equal(t, len(data), a.Pending().Weight())

	// registered by another worker after this one failed to resolve 256
	a.Templates().Put(key.WithTemplate(256), templates.TemplateRecord{Raw: nfv9Template(256)})

	needed := map[uint16]templates.TemplateRecord{}
	drained, currentDrained = a.recheck(key, packet, current, needed)
	require.Len(t, drained, 1)
	assert.True(t, currentDrained)
	assert.Equal(t, data, drained[0].Payload)
	assert.Contains(t, needed, uint16(256))
	assert.Equal(t, 0, a.Pending().Weight())
}

type panickingHooks struct {
	recordingHooks
}

func (h *panickingHooks) TemplateRegistered(templates.TemplateKey, bool) {
	panic("hook failure")
}

func TestAggregatorRecoversPanic(t *testing.T) {
	hooks := &panickingHooks{}
	a := newTestAggregator(t, AggregatorConfig{Hooks: hooks})

	var result Result
	assert.NotPanics(t, func() {
		result = a.Process(exporterE, nfv9Packet(7, nfv9FlowSet(0, nfv9Template(256))))
	})
	assert.Equal(t, OutcomeDiscard, result.Outcome)
	assert.Equal(t, []Outcome{OutcomeDiscard}, hooks.outcomes)
}

func TestAggregatorConcurrent(t *testing.T) {
	a := newTestAggregator(t, AggregatorConfig{})

	var (
		wg    sync.WaitGroup
		lock  sync.Mutex
		ready int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			src := netip.AddrPortFrom(exporterE.Addr(), uint16(1000+w))
			data := nfv9Packet(7, nfv9FlowSet(256, []byte{0, 0, 0, 1, 6}))
			count := 0
			for i := 0; i < 50; i++ {
				if a.Process(src, data).Outcome == OutcomeReady {
					count++
				}
			}
			if a.Process(src, nfv9Packet(7, nfv9FlowSet(0, nfv9Template(256)))).Outcome == OutcomeReady {
				count++
			}
			lock.Lock()
			ready += count
			lock.Unlock()
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 8, ready)
	assert.Equal(t, 0, a.Pending().Weight())
	assert.Equal(t, 8, a.Templates().Len())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ready", OutcomeReady.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
