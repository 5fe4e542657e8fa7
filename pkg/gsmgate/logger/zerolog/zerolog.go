// Package zerolog adapts github.com/rs/zerolog to gsmgate.Logger.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gsmgate/pkg/gsmgate"
)

// Logger implements gsmgate.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

var _ gsmgate.Logger = (*Logger)(nil)

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// With returns a child logger that adds fields to every event, e.g. the
// component name
func (l *Logger) With(fields ...gsmgate.Field) *Logger {
	ctx := l.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &Logger{logger: ctx.Logger()}
}

func (l *Logger) Debug(msg string, fields ...gsmgate.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...gsmgate.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...gsmgate.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...gsmgate.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []gsmgate.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			event = event.AnErr(f.Key, v)
		case string:
			event = event.Str(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		default:
			event = event.Interface(f.Key, f.Value)
		}
	}
	event.Msg(msg)
}
