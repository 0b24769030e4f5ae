package server

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogConfig struct {
	Level  slog.Level
	Format string    // "text" or "json"
	Output io.Writer // Optional (defaults to os.Stdout)
}

func DefaultLogConfig() LogConfig {
	return LogConfig{Level: slog.LevelInfo, Format: "text", Output: os.Stdout}
}

// QuietLogConfig only lets warnings and errors through.
func QuietLogConfig() LogConfig {
	return LogConfig{Level: slog.LevelWarn, Format: "text", Output: os.Stdout}
}

// SuppressedLogConfig discards everything. Tests use it to keep output clean.
func SuppressedLogConfig() LogConfig {
	return LogConfig{Level: slog.LevelError, Format: "text", Output: io.Discard}
}

// ParseLogLevel accepts debug, info, warn and error.
func ParseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: log level %q", ErrInvalidConfig, s)
	}
	return level, nil
}

// SetupLogger installs a slog default logger built from cfg.
func SetupLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
