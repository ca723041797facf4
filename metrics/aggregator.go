package metrics

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/netsampler/nf9reassembler/utils"
	"github.com/netsampler/nf9reassembler/utils/pending"
	"github.com/netsampler/nf9reassembler/utils/templates"

	"github.com/prometheus/client_golang/prometheus"
)

func templateType(option bool) string {
	if option {
		return "options_template"
	}
	return "template"
}

// PromAggregatorHooks exports reassembly events to Prometheus.
type PromAggregatorHooks struct{}

func NewPromAggregatorHooks() *PromAggregatorHooks {
	return &PromAggregatorHooks{}
}

func (h *PromAggregatorHooks) Processed(src netip.AddrPort, outcome utils.Outcome, size int, duration time.Duration) {
	ReassemblyStats.With(
		prometheus.Labels{
			"router":  src.Addr().Unmap().String(),
			"outcome": outcome.String(),
		}).
		Inc()
	ReassemblyTime.With(
		prometheus.Labels{
			"outcome": outcome.String(),
		}).
		Observe(float64(duration.Nanoseconds()) / 1000)
}

func (h *PromAggregatorHooks) TemplateRegistered(key templates.TemplateKey, option bool) {
	NetFlowTemplatesStats.With(
		prometheus.Labels{
			"router":        key.Exporter.Addr().Unmap().String(),
			"obs_domain_id": strconv.FormatUint(key.SourceID, 10),
			"template_id":   strconv.Itoa(int(key.TemplateID)),
			"type":          templateType(option),
		}).
		Inc()
}

func (h *PromAggregatorHooks) TemplateEvicted(key templates.TemplateKey, option bool) {
	NetFlowTemplatesEvicted.With(
		prometheus.Labels{
			"type": templateType(option),
		}).
		Inc()
}

func (h *PromAggregatorHooks) PendingEvicted(key templates.TemplateKey, packets, weight int, reason pending.EvictReason) {
	labels := prometheus.Labels{
		"router": key.Exporter.Addr().Unmap().String(),
		"reason": string(reason),
	}
	PendingEvictedPackets.With(labels).Add(float64(packets))
	PendingEvictedBytes.With(labels).Add(float64(weight))
}

func (h *PromAggregatorHooks) ReadyDropped(key templates.TemplateKey, packets int) {
	ReassemblyReadyDropped.With(
		prometheus.Labels{
			"router": key.Exporter.Addr().Unmap().String(),
		}).
		Add(float64(packets))
}

func (h *PromAggregatorHooks) SequenceTracked(key templates.TemplateKey, sequence uint32, missing int64, reset bool) {
	labels := prometheus.Labels{
		"router":        key.Exporter.Addr().Unmap().String(),
		"obs_domain_id": strconv.FormatUint(key.SourceID, 10),
	}
	if reset {
		NetFlowSequenceResets.With(labels).Inc()
	}
	NetFlowPacketsMissing.With(labels).Set(float64(missing))
	NetFlowSequence.With(labels).Set(float64(sequence))
}

// SequenceForgotten removes the series of an exporter stream no longer tracked.
func (h *PromAggregatorHooks) SequenceForgotten(key templates.TemplateKey) {
	labels := prometheus.Labels{
		"router":        key.Exporter.Addr().Unmap().String(),
		"obs_domain_id": strconv.FormatUint(key.SourceID, 10),
	}
	NetFlowPacketsMissing.Delete(labels)
	NetFlowSequence.Delete(labels)
	NetFlowSequenceResets.Delete(labels)
}

// NewAggregatorCollectors returns gauges reading the current size of the aggregator stores.
func NewAggregatorCollectors(a *utils.Aggregator) []prometheus.Collector {
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:      "templates_stored",
				Help:      "Templates currently held by the template store.",
				Namespace: NAMESPACE,
			},
			func() float64 { return float64(a.Templates().Len()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:      "pending_weight_bytes",
				Help:      "Bytes currently buffered while waiting for templates.",
				Namespace: NAMESPACE,
			},
			func() float64 { return float64(a.Pending().Weight()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:      "pending_queues",
				Help:      "Exporter streams with buffered packets.",
				Namespace: NAMESPACE,
			},
			func() float64 { return float64(a.Pending().Len()) },
		),
	}
}
