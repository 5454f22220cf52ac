// Package logging builds the structured slog logger shared by every
// component, scoped with a "component" field.
package logging

import (
	"log/slog"
	"os"
)

// New builds a JSON-handler logger at level, scoped to component.
func New(component string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("component", component), slog.String("system", "queue"))
}

// ParseLevel maps a config string to a slog.Level, defaulting to Info for
// anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch s {
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
