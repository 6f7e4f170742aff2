package utils

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

func ParseLogLevel(logLevel string) (slog.Level, error) {
	switch strings.ToLower(logLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	case "fatal":
		return slog.LevelError, nil // No fatal in slog, map to error.
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", logLevel)
	}
}

// ConfigureLogger installs a text handler on w as the default logger. The
// returned LevelVar can be adjusted at runtime.
func ConfigureLogger(w io.Writer, logLevel string, fallback slog.Level) *slog.LevelVar {
	currentLevel := new(slog.LevelVar)

	level, err := ParseLogLevel(logLevel)
	if err != nil {
		level = fallback
	}
	currentLevel.Set(level)

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: currentLevel}))
	slog.SetDefault(logger)

	if err != nil {
		slog.Warn("Failed to parse the log level, using default", "error", err, "log_level", logLevel, "default", fallback)
	}
	return currentLevel
}
