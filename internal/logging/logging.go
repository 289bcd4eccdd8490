package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger for service. Output is JSON when
// MEMSCAN_JSON_LOG is 1/true/json, text otherwise; MEMSCAN_LOG_LEVEL picks the level.
func Init(service string) *slog.Logger {
	return InitWriter(os.Stderr, service)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service string) *slog.Logger {
	json := jsonFromEnv()
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Debug("logging initialized", "json", json)
	return logger
}

func jsonFromEnv() bool {
	switch strings.ToLower(os.Getenv("MEMSCAN_JSON_LOG")) {
	case "1", "true", "json":
		return true
	}
	return false
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("MEMSCAN_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
