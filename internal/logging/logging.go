// Package logging builds the structured JSON logger used by every
// component.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a JSON slog logger at the given level, annotated
// with the service name and environment.
func NewLogger(level, service, env string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)})
	return slog.New(h).With(
		slog.String("service", service),
		slog.String("env", env),
	)
}

func parseLevel(level string) slog.Level {
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
