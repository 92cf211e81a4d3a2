package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level, encoding and destination of the process logger.
type Config struct {
	Level  string    // debug | info | warn | error
	Format string    // json | text
	Output io.Writer // defaults to stderr

	// LevelVar, when set, is initialised from Level and used as the
	// handler's level so callers can change it at runtime.
	LevelVar *slog.LevelVar
}

// New builds a logger whose records carry correlation IDs from the context.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var level slog.Leveler = ParseLevel(cfg.Level)
	if cfg.LevelVar != nil {
		cfg.LevelVar.Set(ParseLevel(cfg.Level))
		level = cfg.LevelVar
	}
	opts := &slog.HandlerOptions{Level: level}

	var inner slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		inner = slog.NewTextHandler(out, opts)
	} else {
		inner = slog.NewJSONHandler(out, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// ParseLevel converts a level name into an slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
