// Package logger builds the process-wide structured logger and the request
// logging middleware for the HTTP surface.
package logger

import (
	"log/slog"
	"os"
)

// New returns the JSON logger every component hangs its fields off.
// Local and dev environments log at debug, everything else at info.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}

	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", "peercall")
}
