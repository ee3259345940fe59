// Package logger adapts slog to the logger shapes expected by third-party libraries.
package logger

import (
	"fmt"
	"log"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Std returns a stdlib logger that writes through l at the given level,
// tagged with a component attribute. Suitable for http.Server.ErrorLog.
func Std(l *slog.Logger, component string, level slog.Level) *log.Logger {
	return slog.NewLogLogger(l.With("component", component).Handler(), level)
}

// Cron adapts l to cron.Logger.
func Cron(l *slog.Logger) cron.Logger {
	return cronLogger{l: l.With("component", "cron")}
}

type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", fmt.Sprint(err))...)
}
