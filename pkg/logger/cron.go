package logger

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

type cronLogger struct {
	l Logger
}

// Cron adapts l to the cron scheduler's logging interface. Routine
// scheduling chatter is logged at debug level.
func Cron(l Logger) cron.Logger {
	return cronLogger{l: l}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(kvFields(keysAndValues), Error(err))...)
}

func kvFields(kv []interface{}) []Field {
	fields := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
