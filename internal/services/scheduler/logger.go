package scheduler

import (
	"fmt"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
	"github.com/sparkmatch/msgsafety/pkg/logger"
)

// cronLogger routes gocron's key/value logging into logrus
type cronLogger struct {
	base *logrus.Entry
}

func newCronLogger(log *logrus.Logger) gocron.Logger {
	return &cronLogger{base: logger.ForComponent(log, "scheduler")}
}

func (l *cronLogger) Debug(msg string, args ...any) {
	l.entry(args).Debug(msg)
}

func (l *cronLogger) Error(msg string, args ...any) {
	l.entry(args).Error(msg)
}

func (l *cronLogger) Info(msg string, args ...any) {
	l.entry(args).Info(msg)
}

func (l *cronLogger) Warn(msg string, args ...any) {
	l.entry(args).Warn(msg)
}

func (l *cronLogger) entry(args []any) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fields["extra"] = args[i]
			break
		}
		key := fmt.Sprint(args[i])
		if err, ok := args[i+1].(error); ok && key == "error" {
			fields[logrus.ErrorKey] = err
			continue
		}
		fields[key] = args[i+1]
	}
	return l.base.WithFields(fields)
}
