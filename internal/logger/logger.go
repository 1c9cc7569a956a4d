// Package logger wraps zerolog behind a small Infof/Warnf/Errorf surface
// so call sites stay free of zerolog's builder chains.
package logger

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = newDefault()
)

func newDefault() zerolog.Logger {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(output).With().Timestamp().Logger()
}

// SetLevel adjusts the global minimum log level (e.g. "debug", "info").
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	mu.Lock()
	defer mu.Unlock()
	log = log.Level(lvl)
}

// UseJSON switches the global logger to structured JSON output, for
// deployments that ship logs to an aggregator instead of a terminal.
func UseJSON() {
	mu.Lock()
	defer mu.Unlock()
	log = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func Infof(format string, args ...interface{})  { l := current(); l.Info().Msgf(format, args...) }
func Warnf(format string, args ...interface{})  { l := current(); l.Warn().Msgf(format, args...) }
func Errorf(format string, args ...interface{}) { l := current(); l.Error().Msgf(format, args...) }
func Debugf(format string, args ...interface{}) { l := current(); l.Debug().Msgf(format, args...) }

func Info(args ...interface{})  { l := current(); l.Info().Msg(sprint(args)) }
func Warn(args ...interface{})  { l := current(); l.Warn().Msg(sprint(args)) }
func Error(args ...interface{}) { l := current(); l.Error().Msg(sprint(args)) }

func sprint(args []interface{}) string {
	if len(args) == 0 {
		return ""
	}
	if s, ok := args[0].(string); ok && len(args) == 1 {
		return s
	}
	return fmt.Sprint(args...)
}

// WithField returns a child logger carrying one structured field, for call
// sites that want contextual fields (symbol, order id) instead of an
// interpolated message.
func WithField(key string, value interface{}) zerolog.Logger {
	return current().With().Interface(key, value).Logger()
}
