// Package logging provides the structured, field-scoped logger used across
// every fabric component. Every log line carries the emitting service's
// name, and handlers are expected to chain in correlation_id/trace_id/
// action_type via WithField so a single envelope's path through the system
// can be grepped out of aggregated logs.
package logging

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Format selects the logrus formatter.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config configures a new Logger.
type Config struct {
	Level   string // debug|info|warn|error
	Format  Format
	Service string
}

// Logger is a field-scoped wrapper around a *logrus.Logger. Methods return
// a new Logger with the added fields rather than mutating the receiver, so
// a base per-service logger can be safely fanned out per envelope.
type Logger struct {
	entry *logrus.Entry
}

// New creates the root Logger for a service.
func New(cfg Config) *Logger {
	base := logrus.New()

	switch cfg.Level {
	case "debug":
		base.SetLevel(logrus.DebugLevel)
	case "warn":
		base.SetLevel(logrus.WarnLevel)
	case "error":
		base.SetLevel(logrus.ErrorLevel)
	default:
		base.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == FormatJSON {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		base.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}

	entry := base.WithField("service", cfg.Service)
	return &Logger{entry: entry}
}

// WithField returns a derived Logger carrying an additional field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// WithFields returns a derived Logger carrying several additional fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

// WithError attaches an error to the log context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// WithEnvelopeContext is the fabric-specific convenience constructor: it
// stamps the three ids that let a single request be traced across services.
func (l *Logger) WithEnvelopeContext(actionID, correlationID, traceID, actionType string) *Logger {
	return l.WithFields(map[string]interface{}{
		"action_id":      actionID,
		"correlation_id": correlationID,
		"trace_id":       traceID,
		"action_type":    actionType,
	})
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
