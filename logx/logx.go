// Package logx is a small structured-logging wrapper around zerolog, used
// for the two places the scheduler and limiter log anything: a swallowed
// callback panic, and a worker restarted after an internal invariant
// violation. It is deliberately thin: New only builds a zerolog console
// logger over an io.Writer at a given level, and there is no constructor
// that accepts a caller-built zerolog.Logger.
package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Mirrors the ergonomics of slog.Attr
// without depending on slog.
type Field func(e *zerolog.Event)

func String(k, v string) Field { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}
func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Logger is a nil-safe structured logger. A nil *Logger is a valid no-op,
// so packages can hold an optional *Logger field without a separate
// enabled flag.
type Logger struct {
	base zerolog.Logger
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{base: zerolog.Nop()}
}

// New returns a console logger writing to w at the given level.
func New(w io.Writer, level zerolog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	return &Logger{base: zerolog.New(cw).Level(level).With().Timestamp().Logger()}
}

func (l *Logger) event(level zerolog.Level, msg string, fields []Field) {
	if l == nil {
		return
	}
	e := l.base.WithLevel(level)
	for _, f := range fields {
		f(e)
	}
	e.Msg(msg)
}

func (l *Logger) Debug(msg string, fields ...Field) { l.event(zerolog.DebugLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.event(zerolog.WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.event(zerolog.ErrorLevel, msg, fields) }
