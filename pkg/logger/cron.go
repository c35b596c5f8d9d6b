package logger

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronLogger lets cron report panics and schedule events through Logger.
type cronLogger struct {
	l Logger
}

// Cron adapts l to cron.Logger.
func Cron(l Logger) cron.Logger {
	return cronLogger{l: l}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(context.Background(), msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(context.Background(), msg, append(kvFields(keysAndValues), Error(err))...)
}

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
