// Package logging builds the structured loggers shared by the kbsync binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Option customizes New.
type Option func(*options)

type options struct {
	out    io.Writer
	format string
}

// WithOutput sends log lines to w instead of stderr.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.out = w }
}

// WithFormat selects "text" (default) or "json" output.
func WithFormat(format string) Option {
	return func(o *options) { o.format = format }
}

// New creates a logger tagged with app and the process id.
// level is one of "debug", "info", "warn" or "error"; anything else means info.
// Logs go to stderr by default so stdout stays free for progress output.
func New(app, level string, opts ...Option) *slog.Logger {
	o := options{out: os.Stderr, format: "text"}
	for _, opt := range opts {
		opt(&o)
	}
	hopts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(o.format, "json") {
		handler = slog.NewJSONHandler(o.out, hopts)
	} else {
		handler = slog.NewTextHandler(o.out, hopts)
	}
	return slog.New(handler).With(
		slog.String("app", app),
		slog.Int("pid", os.Getpid()),
	)
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
