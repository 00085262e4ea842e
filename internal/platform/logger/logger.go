package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options configures New. Zero values log JSON at info level to stdout.
type Options struct {
	Level     string // "debug", "info", "warn", "error"
	Format    string // "json" or "text"
	AddSource bool
	Output    io.Writer
	Service   string // attached to every record when set
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
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

// New returns a structured logger built from opts.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	ho := &slog.HandlerOptions{Level: ParseLevel(opts.Level), AddSource: opts.AddSource}

	var h slog.Handler
	if strings.ToLower(opts.Format) == "text" {
		h = slog.NewTextHandler(out, ho)
	} else {
		h = slog.NewJSONHandler(out, ho)
	}

	log := slog.New(h)
	if opts.Service != "" {
		log = log.With(slog.String("service", opts.Service))
	}
	return log
}
