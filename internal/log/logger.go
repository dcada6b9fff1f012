// Package log configures the process-wide zerolog logger used by every xtreamplay package.
package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for the process logger.
type Config struct {
	Level   string    // "debug", "info", ...; empty = XTREAMPLAY_LOG_LEVEL, then LOG_LEVEL, then info
	Output  io.Writer // defaults to os.Stderr
	Console bool      // human-readable output instead of JSON lines
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Configure replaces the process logger. Safe to call more than once; the CLI calls it
// after flag parsing, tests call it to silence output.
func Configure(cfg Config) {
	level := zerolog.InfoLevel
	for _, v := range []string{cfg.Level, os.Getenv("XTREAMPLAY_LOG_LEVEL"), os.Getenv("LOG_LEVEL")} {
		if strings.TrimSpace(v) == "" {
			continue
		}
		if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(v))); err == nil {
			level = parsed
		}
		break
	}
	zerolog.TimeFieldFormat = time.RFC3339

	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}

	l := zerolog.New(w).Level(level).With().Timestamp().Logger()
	mu.Lock()
	base = l
	mu.Unlock()
}

// Base returns the configured logger.
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger annotated with component=name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}

// Discard is a logger that drops everything. Handy as a zero-value default.
func Discard() zerolog.Logger {
	return zerolog.Nop()
}
