package collector

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netsampler/nf9reassembler/format"
	"github.com/netsampler/nf9reassembler/metrics"
	"github.com/netsampler/nf9reassembler/pkg/nf9reassembler/listen"
	"github.com/netsampler/nf9reassembler/transport"
	"github.com/netsampler/nf9reassembler/utils"
	"github.com/netsampler/nf9reassembler/utils/debug"
)

// Config configures a Collector.
type Config struct {
	Listeners  []listen.ListenerConfig
	Formatter  format.FormatInterface
	Transport  *transport.Transport
	Aggregator *utils.Aggregator
	ErrCnt     int
	ErrInt     time.Duration
	Logger     logrus.FieldLogger
}

// Collector runs the receivers of every listener through one shared aggregator.
type Collector struct {
	listeners  []listen.ListenerConfig
	formatter  format.FormatInterface
	transport  *transport.Transport
	aggregator *utils.Aggregator
	errCnt     int
	errInt     time.Duration
	logger     logrus.FieldLogger

	receivers []*utils.UDPReceiver
	pipes     []utils.FlowPipe
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// TemplateInfo describes a stored template in the /templates listing.
type TemplateInfo struct {
	Exporter   string `json:"exporter"`
	SourceID   uint64 `json:"source_id"`
	TemplateID int32  `json:"template_id"`
	Type       string `json:"type"`
	Length     int    `json:"length"`
}

func New(cfg Config) (*Collector, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Aggregator == nil {
		return nil, errors.New("aggregator is required")
	}
	return &Collector{
		listeners:  cfg.Listeners,
		formatter:  cfg.Formatter,
		transport:  cfg.Transport,
		aggregator: cfg.Aggregator,
		errCnt:     cfg.ErrCnt,
		errInt:     cfg.ErrInt,
		logger:     cfg.Logger,
	}, nil
}

func (c *Collector) receiverErrors(recv *utils.UDPReceiver, logger logrus.FieldLogger) {
	defer c.wg.Done()
	bm := utils.NewBatchMute(c.errInt, c.errCnt)
	for {
		select {
		case <-c.stopCh:
			return
		case err := <-recv.Errors():
			if errors.Is(err, net.ErrClosed) {
				logger.Info("closed receiver")
				continue
			}

			muted, skipped := bm.Increment()
			if muted && skipped == 0 {
				logger.Warn("too many receiver messages, muting")
			} else if !muted && skipped > 0 {
				logger.WithField("count", skipped).Warn("skipped receiver messages")
			} else if !muted {
				var pErrMsg *debug.PanicErrorMessage
				if errors.As(err, &pErrMsg) {
					logger.WithFields(logrus.Fields{
						"message":    pErrMsg.Msg,
						"stacktrace": string(pErrMsg.Stacktrace),
					}).WithError(err).Error("intercepted panic")
				} else {
					logger.WithError(err).Error("error")
				}
			}
		}
	}
}

func (c *Collector) transportErrors() {
	defer c.wg.Done()

	var transportErr <-chan error
	if c.transport != nil {
		if transportErrorFct, ok := c.transport.TransportDriver.(interface {
			Errors() <-chan error
		}); ok {
			transportErr = transportErrorFct.Errors()
		}
	}

	bm := utils.NewBatchMute(c.errInt, c.errCnt)
	for {
		select {
		case <-c.stopCh:
			return
		case err, ok := <-transportErr:
			if !ok || err == nil {
				return
			}
			muted, skipped := bm.Increment()
			if muted && skipped == 0 {
				c.logger.Warn("too many transport errors, muting")
			} else if !muted && skipped > 0 {
				c.logger.WithField("count", skipped).Warn("skipped transport errors")
			} else if !muted {
				c.logger.WithError(err).Error("transport error")
			}
		}
	}
}

// Start launches receivers and error handlers.
func (c *Collector) Start() error {
	c.stopCh = make(chan struct{})

	for _, listenCfg := range c.listeners {
		logger := c.logger.WithFields(logrus.Fields{
			"scheme":     listenCfg.Scheme,
			"hostname":   listenCfg.Hostname,
			"port":       listenCfg.Port,
			"count":      listenCfg.NumSockets,
			"workers":    listenCfg.NumWorkers,
			"blocking":   listenCfg.Blocking,
			"queue_size": listenCfg.QueueSize,
		})
		logger.Info("starting collection")

		recv, err := utils.NewUDPReceiver(&utils.UDPReceiverConfig{
			Sockets:          listenCfg.NumSockets,
			Workers:          listenCfg.NumWorkers,
			QueueSize:        listenCfg.QueueSize,
			Blocking:         listenCfg.Blocking,
			ReceiverCallback: metrics.NewReceiverMetric(),
		})
		if err != nil {
			return err
		}

		pipeCfg := &utils.PipeConfig{
			Aggregator: c.aggregator,
			Format:     c.formatter,
		}
		if c.transport != nil {
			pipeCfg.Transport = c.transport
		}
		p := utils.NewReassemblyPipe(pipeCfg)

		decodeFunc := utils.DecoderFunc(debug.PanicDecoderWrapper(p.DecodeFlow))
		decodeFunc = metrics.PromDecoderWrapper(decodeFunc, listenCfg.Scheme)
		c.pipes = append(c.pipes, p)

		if err := recv.Start(listenCfg.Hostname, listenCfg.Port, decodeFunc); err != nil {
			return err
		}
		c.wg.Add(1)
		go c.receiverErrors(recv, logger)
		c.receivers = append(c.receivers, recv)
	}

	c.wg.Add(1)
	go c.transportErrors()
	return nil
}

// Stop stops receivers and pipes, then waits for goroutines.
// Buffered packets still waiting for templates are dropped.
func (c *Collector) Stop() {
	if c.stopCh != nil {
		close(c.stopCh)
	}

	for _, recv := range c.receivers {
		if err := recv.Stop(); err != nil {
			c.logger.WithError(err).Error("error stopping receiver")
		}
	}
	for _, pipe := range c.pipes {
		pipe.Close()
	}
	c.wg.Wait()
	c.aggregator.Close()
}

// Templates lists the stored templates, least recently used first.
func (c *Collector) Templates() interface{} {
	store := c.aggregator.Templates()
	keys := store.Keys()
	listing := make([]TemplateInfo, 0, len(keys))
	for _, key := range keys {
		record, ok := store.Peek(key)
		if !ok {
			continue
		}
		info := TemplateInfo{
			Exporter:   key.Exporter.String(),
			SourceID:   key.SourceID,
			TemplateID: key.TemplateID,
			Type:       "template",
			Length:     len(record.Raw),
		}
		if record.Option {
			info.Type = "options_template"
		}
		listing = append(listing, info)
	}
	return listing
}
