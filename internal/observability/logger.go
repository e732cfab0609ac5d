package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerConfig mirrors the logging section of the gateway config.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // json (default) or text
	Output io.Writer
}

// NewLogger builds an slog.Logger from the config. Unknown levels fall back
// to info rather than failing startup.
func NewLogger(cfg LoggerConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a config level string to a slog level.
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

// WithRequestID annotates a logger with the request id from ctx, if any.
func WithRequestID(logger *slog.Logger, id string) *slog.Logger {
	if id == "" {
		return logger
	}
	return logger.With("request_id", id)
}
