// Package logger builds the logrus logger shared by the server, the
// lifecycle engine and the background jobs.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/workdesk/internal/config"
	"github.com/zulandar/workdesk/internal/models"
)

// New returns a logger configured from cfg. When cfg.File is set, output is
// appended to that file instead of stderr.
func New(cfg config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()

	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	default:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("logger: create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("logger: open %s: %w", cfg.File, err)
		}
		log.SetOutput(f)
	}
	return log, nil
}

// ParseLevel accepts logrus level names in any case.
func ParseLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(strings.ToLower(s))
	if err != nil {
		return 0, fmt.Errorf("logger: %w", err)
	}
	return level, nil
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// WithComponent tags entries with the emitting component.
func WithComponent(log logrus.FieldLogger, component string) *logrus.Entry {
	return log.WithField("component", component)
}

// WithItem tags entries with a work item's identity.
func WithItem(log logrus.FieldLogger, item *models.WorkItem) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"item_id":      item.ID,
		"display_code": item.DisplayCode,
		"kind":         item.Kind,
		"status":       item.Status,
	})
}
