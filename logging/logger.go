package logging

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/warp/token-ledger/config"
)

// Logger is the structured logger every component accepts.
type Logger = logrus.FieldLogger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger that stamps a service field on every entry
func NewLoggerWithService(serviceName string) *logrus.Entry {
	return NewLogger().WithField("service", serviceName)
}

// NewDiscard returns a logger that drops everything. Used by tests and as
// the fallback when a component is built without a logger.
func NewDiscard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l Logger) Logger {
	if l == nil {
		return NewDiscard()
	}
	return l
}
