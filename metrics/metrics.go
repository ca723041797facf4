package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	NAMESPACE = "nf9reassembler"
)

var (
	MetricTrafficBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "flow_traffic_bytes",
			Help:      "Bytes received by the application.",
			Namespace: NAMESPACE,
		},
		[]string{"remote_ip", "local_ip", "local_port", "type"},
	)
	MetricTrafficPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "flow_traffic_packets",
			Help:      "Packets received by the application.",
			Namespace: NAMESPACE},
		[]string{"remote_ip", "local_ip", "local_port", "type"},
	)
	MetricPacketSizeSum = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:      "flow_traffic_summary_size_bytes",
			Help:      "Summary of packet size.",
			Namespace: NAMESPACE, Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"remote_ip", "local_ip", "local_port", "type"},
	)
	MetricReceivedDroppedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "flow_dropped_packets",
			Help:      "Packets dropped before processing.",
			Namespace: NAMESPACE},
		[]string{"remote_ip", "local_ip", "local_port"},
	)
	MetricReceivedDroppedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "flow_dropped_bytes",
			Help:      "Bytes dropped before processing.",
			Namespace: NAMESPACE},
		[]string{"remote_ip", "local_ip", "local_port"},
	)
	DecoderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "flow_decoder_error_count",
			Help:      "Decoder processed error count.",
			Namespace: NAMESPACE},
		[]string{"router", "name", "error"},
	)
	DecoderTime = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:      "flow_summary_decoding_time_us",
			Help:      "Decoding time summary.",
			Namespace: NAMESPACE, Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"name"},
	)
	ReassemblyStats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "reassembly_count",
			Help:      "Packets processed by the reassembler, per outcome.",
			Namespace: NAMESPACE},
		[]string{"router", "outcome"},
	)
	ReassemblyTime = prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:      "reassembly_summary_time_us",
			Help:      "Reassembly time summary.",
			Namespace: NAMESPACE, Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"outcome"},
	)
	ReassemblyReadyDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "reassembly_ready_dropped_count",
			Help:      "Released packets dropped because the releasing packet was buffered.",
			Namespace: NAMESPACE},
		[]string{"router"},
	)
	NetFlowTemplatesStats = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "flow_process_nf_templates_count",
			Help:      "NetFlows Template count.",
			Namespace: NAMESPACE},
		[]string{"router", "obs_domain_id", "template_id", "type"}, // options/template
	)
	NetFlowTemplatesEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "flow_process_nf_templates_evicted_count",
			Help:      "NetFlows Templates evicted from the template store.",
			Namespace: NAMESPACE},
		[]string{"type"},
	)
	PendingEvictedPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "pending_evicted_packets",
			Help:      "Buffered packets dropped before their templates arrived.",
			Namespace: NAMESPACE},
		[]string{"router", "reason"},
	)
	PendingEvictedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "pending_evicted_bytes",
			Help:      "Buffered bytes dropped before their templates arrived.",
			Namespace: NAMESPACE},
		[]string{"router", "reason"},
	)
	NetFlowPacketsMissing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "netflow_packets_missing",
			Help:      "Export packets missing according to the sequence numbers.",
			Namespace: NAMESPACE},
		[]string{"router", "obs_domain_id"},
	)
	NetFlowSequence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:      "netflow_sequence",
			Help:      "Last sequence number received.",
			Namespace: NAMESPACE},
		[]string{"router", "obs_domain_id"},
	)
	NetFlowSequenceResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name:      "netflow_sequence_resets",
			Help:      "Sequence number restarts, usually exporter reboots.",
			Namespace: NAMESPACE},
		[]string{"router", "obs_domain_id"},
	)
)

func init() {
	prometheus.MustRegister(MetricTrafficBytes)
	prometheus.MustRegister(MetricTrafficPackets)
	prometheus.MustRegister(MetricPacketSizeSum)
	prometheus.MustRegister(MetricReceivedDroppedPackets)
	prometheus.MustRegister(MetricReceivedDroppedBytes)

	prometheus.MustRegister(DecoderErrors)
	prometheus.MustRegister(DecoderTime)

	prometheus.MustRegister(ReassemblyStats)
	prometheus.MustRegister(ReassemblyTime)
	prometheus.MustRegister(ReassemblyReadyDropped)

	prometheus.MustRegister(NetFlowTemplatesStats)
	prometheus.MustRegister(NetFlowTemplatesEvicted)
	prometheus.MustRegister(PendingEvictedPackets)
	prometheus.MustRegister(PendingEvictedBytes)

	prometheus.MustRegister(NetFlowPacketsMissing)
	prometheus.MustRegister(NetFlowSequence)
	prometheus.MustRegister(NetFlowSequenceResets)
}
