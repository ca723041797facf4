package builder

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/netsampler/nf9reassembler/format"
	"github.com/netsampler/nf9reassembler/metrics"
	"github.com/netsampler/nf9reassembler/pkg/nf9reassembler/config"
	"github.com/netsampler/nf9reassembler/transport"
	"github.com/netsampler/nf9reassembler/utils"
)

// BuildFormatter resolves a formatter by name.
func BuildFormatter(name string) (format.FormatInterface, error) {
	formatter, err := format.FindFormat(name)
	if err != nil {
		return nil, fmt.Errorf("build formatter %s: %w", name, err)
	}
	return formatter, nil
}

// BuildTransport resolves a transport by name.
func BuildTransport(name string) (*transport.Transport, error) {
	t, err := transport.FindTransport(name)
	if err != nil {
		return nil, fmt.Errorf("build transport %s: %w", name, err)
	}
	return t, nil
}

// BuildAggregator creates the aggregator shared by every listener, reporting to Prometheus.
func BuildAggregator(cfg config.ReassemblyConfig, logger logrus.FieldLogger) (*utils.Aggregator, error) {
	aggregator, err := utils.NewAggregator(utils.AggregatorConfig{
		TemplatesSize:                 cfg.TemplatesSize,
		PendingMaxWeight:              cfg.PendingMaxWeight,
		PendingMaxAge:                 cfg.PendingMaxAge,
		PendingCleanupInterval:        cfg.PendingCleanupInterval,
		DropReadyOnBuffer:             cfg.DropReadyOnBuffer,
		MaxNegativeSequenceDifference: cfg.SequenceMaxNegative,
		SequenceTrackerSize:           cfg.SequenceTrackerSize,
		Logger:                        logger,
		Hooks:                         metrics.NewPromAggregatorHooks(),
	})
	if err != nil {
		return nil, fmt.Errorf("build aggregator: %w", err)
	}
	return aggregator, nil
}
