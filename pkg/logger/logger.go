// Package logger provides component-tagged structured logging for wabridge.
// Every subsystem logs under a fixed component name ("normalize", "webhook",
// "ws", ...) so a single grep isolates one pipeline stage.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(console(os.Stderr)).With().Timestamp().Logger()
)

func console(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
}

// Init configures the global logger. Level is one of debug/info/warn/error
// (unrecognized values fall back to info). When path is non-empty, output is
// appended to that file instead of stderr; JSON lines in that case.
func Init(level, path string) error {
	lvl := zerolog.InfoLevel
	switch strings.ToLower(level) {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn", "warning":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	}

	var out io.Writer = console(os.Stderr)
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		out = f
	}

	mu.Lock()
	log = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()
	return nil
}

func emit(lvl zerolog.Level, component, msg string, fields map[string]interface{}) {
	mu.RLock()
	l := log
	mu.RUnlock()

	ev := l.WithLevel(lvl).Str("component", component)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// DebugC logs a debug message for a component.
func DebugC(component, msg string) { emit(zerolog.DebugLevel, component, msg, nil) }

// DebugCF logs a debug message with structured fields.
func DebugCF(component, msg string, fields map[string]interface{}) {
	emit(zerolog.DebugLevel, component, msg, fields)
}

// InfoC logs an info message for a component.
func InfoC(component, msg string) { emit(zerolog.InfoLevel, component, msg, nil) }

// InfoCF logs an info message with structured fields.
func InfoCF(component, msg string, fields map[string]interface{}) {
	emit(zerolog.InfoLevel, component, msg, fields)
}

// WarnC logs a warning for a component.
func WarnC(component, msg string) { emit(zerolog.WarnLevel, component, msg, nil) }

// WarnCF logs a warning with structured fields.
func WarnCF(component, msg string, fields map[string]interface{}) {
	emit(zerolog.WarnLevel, component, msg, fields)
}

// ErrorC logs an error for a component.
func ErrorC(component, msg string) { emit(zerolog.ErrorLevel, component, msg, nil) }

// ErrorCF logs an error with structured fields.
func ErrorCF(component, msg string, fields map[string]interface{}) {
	emit(zerolog.ErrorLevel, component, msg, fields)
}
