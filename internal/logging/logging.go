// Package logging configures zerolog for the daemon and provides helpers for
// persistence paths that must outlive a cancelled request context.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup configures the global zerolog level and returns the root logger.
// When console is true, output is human-readable; otherwise JSON lines.
func Setup(level string, console bool) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stderr
	if console {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).With().Timestamp().Logger()
}

// Component returns a child logger tagged with a component name, following
// the convention that every subsystem logs under its own "component" field.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// DetachContext returns a context that survives cancellation of its parent.
// Memory log appends and metrics flushes run on detached contexts so a task
// failure cannot truncate its own audit trail.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout is DetachContext with an independent deadline.
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(DetachContext(parent), timeout)
}
