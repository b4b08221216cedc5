package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/sparkmatch/msgsafety/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// utcFormatter stamps entries in UTC, the clock message counters are keyed on
type utcFormatter struct {
	logrus.Formatter
}

func (f utcFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Time = entry.Time.UTC()
	return f.Formatter.Format(entry)
}

// NewLogger creates a logger from the logging section of the config
func NewLogger(cfg *config.LoggingConfig) (*logrus.Logger, error) {
	logger := logrus.New()

	// Set log level
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	logger.SetLevel(level)

	// Set formatter
	var formatter logrus.Formatter
	if cfg.Format == "json" {
		formatter = &logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		}
	} else {
		formatter = &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05Z",
			FullTimestamp:   true,
		}
	}
	logger.SetFormatter(utcFormatter{Formatter: formatter})

	// Set output
	out, err := newOutput(cfg)
	if err != nil {
		return nil, err
	}
	logger.SetOutput(out)

	return logger, nil
}

func newOutput(cfg *config.LoggingConfig) (io.Writer, error) {
	if cfg.Output != "file" {
		return os.Stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Use lumberjack for log rotation
	return &lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    cfg.File.MaxSize, // megabytes
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAge, // days
		Compress:   true,
	}, nil
}

// NewNopLogger returns a logger that writes nowhere
func NewNopLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// ForComponent tags every entry with the emitting component
func ForComponent(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}

// WithMessage adds the sender and message identifiers to a log entry.
// Empty identifiers are left out.
func WithMessage(logger *logrus.Logger, userID, messageID string) *logrus.Entry {
	fields := logrus.Fields{}
	if userID != "" {
		fields["user_id"] = userID
	}
	if messageID != "" {
		fields["message_id"] = messageID
	}
	return logger.WithFields(fields)
}
