package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger constructs a logrus logger writing to stderr from level/format inputs.
func NewLogger(level, format string) (*logrus.Logger, error) {
	return newLogger(os.Stderr, level, format)
}

func newLogger(w io.Writer, level, format string) (*logrus.Logger, error) {
	loglevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(loglevel)
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
