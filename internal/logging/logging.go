package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

type Config struct {
	Level  string
	Format string
	Output io.Writer
}

func New(cfg Config) (*logrus.Logger, error) {
	log := logrus.New()
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	log.SetOutput(out)

	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = "info"
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(parsed)

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", FormatJSON:
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
			},
		})
	case FormatText:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
	return log, nil
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func Component(log *logrus.Logger, name string) *logrus.Entry {
	if log == nil {
		log = Discard()
	}
	return log.WithField("component", name)
}

// Audit emits one event line carrying the event name, the request id when
// known, and any extra fields.
func Audit(entry *logrus.Entry, level, event, requestID string, fields map[string]any) {
	e := entry.WithField("event", event)
	if requestID != "" {
		e = e.WithField("request_id", requestID)
	}
	if len(fields) > 0 {
		e = e.WithFields(logrus.Fields(fields))
	}
	switch level {
	case "error":
		e.Error(event)
	case "warn":
		e.Warn(event)
	case "debug":
		e.Debug(event)
	default:
		e.Info(event)
	}
}
