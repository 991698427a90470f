// Package logging provides structured, level-gated logging for the proxy.
// It is a thin wrapper around zerolog that mirrors the "New(component,
// level) returns a small logger struct" shape the rest of this codebase
// expects, rather than threading a raw zerolog.Logger everywhere.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Logger writes structured log events for one component, gated at a
// configured minimum level.
type Logger struct {
	z zerolog.Logger
}

// New creates a Logger for the named component, writing to stderr at the
// given level. Unrecognized level strings fall back to "info".
func New(component, level string) *Logger {
	return newWithWriter(component, level, os.Stderr)
}

func newWithWriter(component, level string, w io.Writer) *Logger {
	z := zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
	return &Logger{z: z}
}

// With returns a child Logger that attaches conn_id (and any other string
// field) to every subsequent event — used by the acceptor to correlate all
// log lines for one connection.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{z: l.z.With().Str(key, value).Logger()}
}

// Debug logs a debug-level event with the given message and structured
// fields (alternating key, value — all treated as strings).
func (l *Logger) Debug(msg string, fields ...string) { l.log(zerolog.DebugLevel, msg, fields) }

// Info logs an info-level event.
func (l *Logger) Info(msg string, fields ...string) { l.log(zerolog.InfoLevel, msg, fields) }

// Warn logs a warn-level event.
func (l *Logger) Warn(msg string, fields ...string) { l.log(zerolog.WarnLevel, msg, fields) }

// Error logs an error-level event. Pass the error's .Error() string as one
// of the fields (conventionally under the "err" key) since this wrapper
// keeps the field API string-only for simplicity.
func (l *Logger) Error(msg string, fields ...string) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l *Logger) log(level zerolog.Level, msg string, fields []string) {
	ev := l.z.WithLevel(level)
	for i := 0; i+1 < len(fields); i += 2 {
		ev = ev.Str(fields[i], fields[i+1])
	}
	ev.Msg(msg)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
