package syncer

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// cronLogger sends scheduler messages to slog.
type cronLogger struct {
	logger *slog.Logger
}

var _ cron.Logger = cronLogger{}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("Scheduler: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("Scheduler: "+msg, append(keysAndValues, "error", err)...)
}
