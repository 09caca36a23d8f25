package backend

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// leveledLogger routes retryablehttp logging into zerolog.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...interface{}) { emit(log.Error(), msg, kv) }
func (leveledLogger) Warn(msg string, kv ...interface{})  { emit(log.Warn(), msg, kv) }
func (leveledLogger) Info(msg string, kv ...interface{})  { emit(log.Debug(), msg, kv) }
func (leveledLogger) Debug(msg string, kv ...interface{}) { emit(log.Trace(), msg, kv) }

func emit(ev *zerolog.Event, msg string, kv []interface{}) {
	ev = ev.Str("component", "backend")
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		switch v := kv[i+1].(type) {
		case error:
			ev = ev.AnErr(key, v)
		case string:
			ev = ev.Str(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}
