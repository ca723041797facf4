package app

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/netsampler/nf9reassembler/metrics"
	"github.com/netsampler/nf9reassembler/pkg/nf9reassembler/builder"
	"github.com/netsampler/nf9reassembler/pkg/nf9reassembler/collector"
	"github.com/netsampler/nf9reassembler/pkg/nf9reassembler/config"
	"github.com/netsampler/nf9reassembler/pkg/nf9reassembler/httpserver"
	"github.com/netsampler/nf9reassembler/pkg/nf9reassembler/listen"
	"github.com/netsampler/nf9reassembler/pkg/nf9reassembler/logging"
	"github.com/netsampler/nf9reassembler/transport"
)

// App wires and runs the reassembler.
type App struct {
	cfg        *config.Config
	logger     *logrus.Logger
	collector  *collector.Collector
	transport  *transport.Transport
	gauges     []prometheus.Collector
	server     *http.Server
	serverErr  chan error
	collecting atomic.Bool
}

// New constructs a new App from config.
func New(cfg *config.Config) (*App, error) {
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFmt)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(logger.GetLevel())
	logrus.SetFormatter(logger.Formatter)

	listeners, err := listen.ParseListenAddresses(cfg.ListenAddresses)
	if err != nil {
		return nil, err
	}
	formatter, err := builder.BuildFormatter(cfg.Format)
	if err != nil {
		return nil, err
	}
	aggregator, err := builder.BuildAggregator(cfg.Reassembly, logger)
	if err != nil {
		return nil, err
	}
	transporter, err := builder.BuildTransport(cfg.Transport)
	if err != nil {
		aggregator.Close()
		return nil, err
	}

	coll, err := collector.New(collector.Config{
		Listeners:  listeners,
		Formatter:  formatter,
		Transport:  transporter,
		Aggregator: aggregator,
		ErrCnt:     cfg.ErrCnt,
		ErrInt:     cfg.ErrInt,
		Logger:     logger,
	})
	if err != nil {
		aggregator.Close()
		return nil, err
	}

	app := &App{
		cfg:       cfg,
		logger:    logger,
		collector: coll,
		transport: transporter,
		gauges:    metrics.NewAggregatorCollectors(aggregator),
		serverErr: make(chan error, 1),
	}
	for _, gauge := range app.gauges {
		if err := prometheus.Register(gauge); err != nil {
			logger.WithError(err).Warn("error registering aggregator gauge")
		}
	}

	if cfg.Addr != "" {
		mux := httpserver.New(httpserver.Config{
			Addr:         cfg.Addr,
			TemplatePath: cfg.TemplatePath,
			Logger:       logger,
		}, coll.Templates, app.collecting.Load)
		app.server = &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: time.Second * 5,
		}
	}

	return app, nil
}

// Start starts the collector and HTTP server.
func (a *App) Start() error {
	a.logger.WithFields(logrus.Fields{
		"templates_size":     a.cfg.Reassembly.TemplatesSize,
		"pending_max_weight": a.cfg.Reassembly.PendingMaxWeight,
		"pending_max_age":    a.cfg.Reassembly.PendingMaxAge,
	}).Info("starting NetFlow v9 reassembler")

	if err := a.collector.Start(); err != nil {
		return err
	}
	a.collecting.Store(true)

	if a.server == nil {
		return nil
	}

	go func() {
		err := a.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErr <- err
			return
		}
		a.logger.WithField("http", a.cfg.Addr).Info("closed HTTP server")
	}()

	return nil
}

// Run starts the app and blocks until context cancellation or server error.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		a.shutdown()
		return err
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-a.Wait():
	}
	a.shutdown()
	return err
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	a.Shutdown(shutdownCtx)
}

// Wait returns a channel that receives HTTP server errors.
func (a *App) Wait() <-chan error {
	return a.serverErr
}

// Shutdown stops receivers, closes the transport, and shuts down the HTTP server.
func (a *App) Shutdown(ctx context.Context) {
	a.collecting.Store(false)

	a.collector.Stop()
	if err := a.transport.Close(); err != nil {
		a.logger.WithError(err).Error("error closing transport")
	}
	a.logger.Info("transporter closed")
	for _, gauge := range a.gauges {
		prometheus.Unregister(gauge)
	}

	if a.server == nil {
		return
	}
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Error("error shutting-down HTTP server")
	}
}
