package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Config configures the HTTP server.
type Config struct {
	Addr         string
	TemplatePath string
	Logger       logrus.FieldLogger
}

// TemplateSource returns templates for HTTP rendering, nil when there is nothing to list.
type TemplateSource func() interface{}

func write(logger logrus.FieldLogger, wr http.ResponseWriter, status int, body []byte) {
	wr.WriteHeader(status)
	if _, err := wr.Write(body); err != nil {
		logger.WithError(err).Error("error writing HTTP")
	}
}

// HealthHandler reports whether the receivers are running.
func HealthHandler(logger logrus.FieldLogger, isCollecting func() bool) http.HandlerFunc {
	return func(wr http.ResponseWriter, r *http.Request) {
		if !isCollecting() {
			write(logger, wr, http.StatusServiceUnavailable, []byte("Not OK\n"))
			return
		}
		write(logger, wr, http.StatusOK, []byte("OK\n"))
	}
}

// TemplatesHandler renders the stored templates as JSON.
func TemplatesHandler(logger logrus.FieldLogger, templates TemplateSource) http.HandlerFunc {
	return func(wr http.ResponseWriter, r *http.Request) {
		values := templates()
		if values == nil {
			write(logger, wr, http.StatusNotFound, []byte("Not Found\n"))
			return
		}
		body, err := json.MarshalIndent(values, "", "  ")
		if err != nil {
			logger.WithError(err).Error("error writing JSON body for templates")
			write(logger, wr, http.StatusInternalServerError, []byte("Internal Server Error\n"))
			return
		}
		wr.Header().Add("Content-Type", "application/json")
		write(logger, wr, http.StatusOK, body)
	}
}

// New constructs a mux with metrics, health, and templates endpoints.
func New(cfg Config, templates TemplateSource, isCollecting func() bool) *http.ServeMux {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/__health", HealthHandler(logger, isCollecting))
	if cfg.TemplatePath != "" && templates != nil {
		mux.HandleFunc(cfg.TemplatePath, TemplatesHandler(logger, templates))
	}
	return mux
}
