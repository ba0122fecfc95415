// Package logging configures the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration options.
type Config struct {
	Level  slog.Level
	JSON   bool
	Output io.Writer
}

// FromSettings builds a Config from the configured level name. LOG_LEVEL, when set,
// takes precedence.
func FromSettings(level string, json bool) Config {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	return Config{Level: ParseLevel(level), JSON: json, Output: os.Stderr}
}

// ParseLevel converts DEBUG/INFO/WARN/ERROR (any case) to a slog.Level. Unknown values
// are INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs the logger as slog's default and returns it.
func Setup(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
