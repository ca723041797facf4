package utils

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netsampler/nf9reassembler/decoders/netflow"
	"github.com/netsampler/nf9reassembler/decoders/ordered"
	debugutils "github.com/netsampler/nf9reassembler/utils/debug"
	"github.com/netsampler/nf9reassembler/utils/pending"
	"github.com/netsampler/nf9reassembler/utils/templates"
)

type Outcome int

const (
	// OutcomeDiscard drops the datagram without touching any state.
	OutcomeDiscard Outcome = iota
	// OutcomePassthrough relays a datagram that is not NetFlow v9.
	OutcomePassthrough
	// OutcomeBuffered keeps the datagram until its templates arrive.
	OutcomeBuffered
	// OutcomeReady emits an ordered container.
	OutcomeReady
	// OutcomeConsumed records templates with nothing to emit.
	OutcomeConsumed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDiscard:
		return "discard"
	case OutcomePassthrough:
		return "passthrough"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeReady:
		return "ready"
	case OutcomeConsumed:
		return "consumed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result of processing one datagram. Payload is a framed buffer for
// passthrough and ready outcomes. CurrentBuffered reports that the datagram
// itself was buffered, which can happen with a ready outcome when older
// datagrams of the same exporter were released by it.
type Result struct {
	Outcome         Outcome
	Payload         []byte
	CurrentBuffered bool
	// Released is the number of previously buffered datagrams in Payload.
	Released int
}

// AggregatorHooks receives reassembly events, typically to export metrics.
// TemplateEvicted is called with the template store locked.
type AggregatorHooks interface {
	Processed(src netip.AddrPort, outcome Outcome, size int, duration time.Duration)
	TemplateRegistered(key templates.TemplateKey, option bool)
	TemplateEvicted(key templates.TemplateKey, option bool)
	PendingEvicted(key templates.TemplateKey, packets, weight int, reason pending.EvictReason)
	ReadyDropped(key templates.TemplateKey, packets int)
	SequenceTracked(key templates.TemplateKey, sequence uint32, missing int64, reset bool)
	SequenceForgotten(key templates.TemplateKey)
}

type noopHooks struct{}

func (noopHooks) Processed(netip.AddrPort, Outcome, int, time.Duration) {}
func (noopHooks) TemplateRegistered(templates.TemplateKey, bool) {}
func (noopHooks) TemplateEvicted(templates.TemplateKey, bool) {}
func (noopHooks) PendingEvicted(templates.TemplateKey, int, int, pending.EvictReason) {}
func (noopHooks) ReadyDropped(templates.TemplateKey, int) {}
func (noopHooks) SequenceTracked(templates.TemplateKey, uint32, int64, bool) {}
func (noopHooks) SequenceForgotten(templates.TemplateKey) {}

type AggregatorConfig struct {
	TemplatesSize          int
	PendingMaxWeight       int
	PendingMaxAge          time.Duration
	PendingCleanupInterval time.Duration

	// DropReadyOnBuffer discards datagrams released by a datagram that is itself
	// buffered, instead of emitting them. Only for output compatibility with older collectors.
	DropReadyOnBuffer bool

	// MaxNegativeSequenceDifference is how far back a sequence number may go
	// before it counts as an exporter restart.
	MaxNegativeSequenceDifference int
	// SequenceTrackerSize is the number of exporter streams whose sequence is tracked.
	SequenceTrackerSize int

	Logger logrus.FieldLogger
	Hooks  AggregatorHooks
}

// Aggregator reassembles NetFlow v9 datagrams with the templates they reference.
// A single instance is shared by all receiving workers.
type Aggregator struct {
	templates *templates.TemplateStore
	pending   *pending.Store
	sequences *MissingFlowsTracker

	dropReadyOnBuffer bool

	logger logrus.FieldLogger
	hooks  AggregatorHooks
}

func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	a := &Aggregator{
		dropReadyOnBuffer: cfg.DropReadyOnBuffer,
		logger:            cfg.Logger,
		hooks:             cfg.Hooks,
	}
	if a.logger == nil {
		a.logger = logrus.StandardLogger()
	}
	if a.hooks == nil {
		a.hooks = noopHooks{}
	}
	a.sequences = NewMissingFlowsTracker(cfg.MaxNegativeSequenceDifference, cfg.SequenceTrackerSize, a.sequenceForgotten)

	store, err := templates.NewTemplateStore(cfg.TemplatesSize, func(key templates.TemplateKey, record templates.TemplateRecord) {
		a.hooks.TemplateEvicted(key, record.Option)
	})
	if err != nil {
		return nil, err
	}
	a.templates = store
	a.pending = pending.New(pending.Config{
		MaxWeight:       cfg.PendingMaxWeight,
		MaxAge:          cfg.PendingMaxAge,
		CleanupInterval: cfg.PendingCleanupInterval,
		OnEvict:         a.pendingEvicted,
	})
	return a, nil
}

func (a *Aggregator) pendingEvicted(key templates.TemplateKey, packets, weight int, reason pending.EvictReason) {
	a.logger.WithFields(logrus.Fields{
		"sender":    key.Exporter.String(),
		"source_id": key.SourceID,
		"packets":   packets,
		"weight":    weight,
		"reason":    reason,
	}).Debug("dropped buffered packets")
	a.hooks.PendingEvicted(key, packets, weight, reason)
}

func (a *Aggregator) sequenceForgotten(key interface{}) {
	if tkey, ok := key.(templates.TemplateKey); ok {
		a.hooks.SequenceForgotten(tkey)
	}
}

func (a *Aggregator) Templates() *templates.TemplateStore {
	return a.templates
}

func (a *Aggregator) Pending() *pending.Store {
	return a.pending
}

func (a *Aggregator) Close() {
	a.pending.Close()
}

// Process runs one datagram received from src through reassembly.
// It never panics: unexpected failures turn into OutcomeDiscard.
func (a *Aggregator) Process(src netip.AddrPort, payload []byte) (result Result) {
	start := time.Now()
	defer func() {
		if pErr := recover(); pErr != nil {
			err := &debugutils.PanicErrorMessage{Msg: src, Inner: fmt.Sprint(pErr), Stacktrace: debug.Stack()}
			a.logger.WithFields(logrus.Fields{
				"sender": src.String(),
				"length": len(payload),
			}).WithError(err).Warn("reassembly failed")
			result = Result{Outcome: OutcomeDiscard}
		}
		a.hooks.Processed(src, result.Outcome, len(payload), time.Since(start))
	}()
	return a.process(src, payload)
}

func (a *Aggregator) process(src netip.AddrPort, payload []byte) Result {
	if len(payload) < 2 {
		a.logger.WithFields(logrus.Fields{
			"sender": src.String(),
			"length": len(payload),
		}).Debug("packet too short")
		return Result{Outcome: OutcomeDiscard}
	}
	if version := binary.BigEndian.Uint16(payload); version != 9 {
		return Result{Outcome: OutcomePassthrough, Payload: ordered.EncodePassthrough(payload)}
	}

	packet, err := netflow.ShallowParse(payload)
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"sender": src.String(),
			"length": len(payload),
		}).WithError(err).Debug("discarding malformed packet")
		return Result{Outcome: OutcomeDiscard}
	}
	if len(packet.Skipped) > 0 {
		a.logger.WithFields(logrus.Fields{
			"sender":    src.String(),
			"source_id": packet.Header.SourceId,
			"flowsets":  packet.Skipped,
		}).Debug("skipped flowsets")
	}

	key := templates.ExporterKey(src, uint64(packet.Header.SourceId))
	a.trackSequence(key, packet.Header.SequenceNumber)
	registered := a.register(key, packet.Templates, false) + a.register(key, packet.OptionTemplates, true)

	needed := make(map[uint16]templates.TemplateRecord)
	var send [][]byte
	if registered > 0 {
		if queue, ok := a.pending.Peek(key); ok {
			released := queue.Drain(func(buffered *pending.BufferedPacket) bool {
				return a.resolve(key, buffered.UsedTemplates, nil, needed)
			})
			for _, buffered := range released {
				send = append(send, buffered.Payload)
			}
		}
	}
	released := len(send)

	var currentBuffered bool
	if len(packet.UsedTemplates) > 0 {
		if a.resolve(key, packet.UsedTemplates, packet, needed) {
			send = append(send, payload)
		} else {
			current := pending.NewBufferedPacket(payload, packet.UsedTemplates)
			a.pending.Push(key, current)
			currentBuffered = true

			drained, currentDrained := a.recheck(key, packet, current, needed)
			for _, buffered := range drained {
				send = append(send, buffered.Payload)
			}
			if currentDrained {
				currentBuffered = false
				released += len(drained) - 1
			} else {
				released += len(drained)
			}
		}
	}

	if currentBuffered && (released == 0 || a.dropReadyOnBuffer) {
		if released > 0 {
			a.logger.WithFields(logrus.Fields{
				"sender":    src.String(),
				"source_id": key.SourceID,
				"packets":   released,
			}).Debug("dropping released packets")
			a.hooks.ReadyDropped(key, released)
		}
		return Result{Outcome: OutcomeBuffered, CurrentBuffered: true}
	}
	if len(send) == 0 {
		return Result{Outcome: OutcomeConsumed}
	}

	container := &ordered.Container{
		Templates:       make(map[uint16][]byte),
		OptionTemplates: make(map[uint16][]byte),
		Packets:         send,
	}
	for id, record := range needed {
		if record.Option {
			container.OptionTemplates[id] = record.Raw
		} else {
			container.Templates[id] = record.Raw
		}
	}
	return Result{
		Outcome:         OutcomeReady,
		Payload:         ordered.EncodeReady(container),
		CurrentBuffered: currentBuffered,
		Released:        released,
	}
}

// recheck drains the queue again once current has been pushed, in case another
// worker registered the missing templates between resolve and Push.
func (a *Aggregator) recheck(key templates.TemplateKey, local *netflow.RawShallowPacket, current *pending.BufferedPacket, needed map[uint16]templates.TemplateRecord) (drained []*pending.BufferedPacket, currentDrained bool) {
	for id := range current.UsedTemplates {
		if _, ok := local.Templates[id]; ok {
			continue
		}
		if _, ok := local.OptionTemplates[id]; ok {
			continue
		}
		if !a.templates.Contains(key.WithTemplate(id)) {
			return nil, false
		}
	}
	queue, ok := a.pending.Peek(key)
	if !ok {
		return nil, false
	}
	drained = queue.Drain(func(buffered *pending.BufferedPacket) bool {
		if buffered == current {
			return a.resolve(key, buffered.UsedTemplates, local, needed)
		}
		return a.resolve(key, buffered.UsedTemplates, nil, needed)
	})
	for _, buffered := range drained {
		if buffered == current {
			currentDrained = true
		}
	}
	return drained, currentDrained
}

func (a *Aggregator) trackSequence(key templates.TemplateKey, sequence uint32) {
	missing, reset := a.sequences.countMissing(key, sequence, 1)
	if reset {
		a.logger.WithFields(logrus.Fields{
			"sender":    key.Exporter.String(),
			"source_id": key.SourceID,
			"sequence":  sequence,
		}).Debug("sequence number reset")
	}
	a.hooks.SequenceTracked(key, sequence, missing, reset)
}

func (a *Aggregator) register(key templates.TemplateKey, records map[uint16][]byte, option bool) int {
	for id, raw := range records {
		tkey := key.WithTemplate(id)
		a.templates.Put(tkey, templates.TemplateRecord{Raw: raw, Option: option})
		a.hooks.TemplateRegistered(tkey, option)
	}
	return len(records)
}

// resolve looks up every template in used, preferring the ones defined by
// local, and adds them to needed only if all are found.
func (a *Aggregator) resolve(key templates.TemplateKey, used map[uint16]struct{}, local *netflow.RawShallowPacket, needed map[uint16]templates.TemplateRecord) bool {
	found := make(map[uint16]templates.TemplateRecord, len(used))
	for id := range used {
		if local != nil {
			if raw, ok := local.Templates[id]; ok {
				found[id] = templates.TemplateRecord{Raw: raw}
				continue
			}
			if raw, ok := local.OptionTemplates[id]; ok {
				found[id] = templates.TemplateRecord{Raw: raw, Option: true}
				continue
			}
		}
		if record, ok := needed[id]; ok {
			found[id] = record
			continue
		}
		record, ok := a.templates.Get(key.WithTemplate(id))
		if !ok {
			return false
		}
		found[id] = record
	}
	for id, record := range found {
		needed[id] = record
	}
	return true
}
