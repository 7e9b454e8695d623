// Package telemetry wires up structured logging and OpenTelemetry
// tracing/metrics for the coordinator process.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging configures the process-wide slog logger: JSON output
// when RTI_JSON_LOG is 1/true/json, text otherwise. Level is read from
// RTI_LOG_LEVEL (debug/info/warn/error, default info). Setting
// RTI_LOG_SOURCE adds the call site: every federate connection runs
// its own read loop goroutine (internal/transport), so a warning
// logged without a source line is otherwise one of N near-identical
// "federate disconnected" messages with no way to tell which call
// site produced it.
func InitLogging(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("RTI_JSON_LOG"))
	opts := &slog.HandlerOptions{AddSource: sourceEnabled(), Level: levelFromEnv()}
	var handler slog.Handler
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	return logger
}

func sourceEnabled() bool {
	switch strings.ToLower(os.Getenv("RTI_LOG_SOURCE")) {
	case "1", "true":
		return true
	default:
		return false
	}
}

// WithFederate returns a child logger carrying federate_id, so every
// log line a federate's connection handler, grant attempt, or audit
// write emits can be filtered down to one federate's history.
func WithFederate(logger *slog.Logger, fedID uint16) *slog.Logger {
	return logger.With("federate_id", fedID)
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("RTI_LOG_LEVEL")) {
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
