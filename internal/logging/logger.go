// Package logging builds the process-wide slog logger for the courier
// daemon. Every layer logs structured key/value records through it; the
// environment only picks the output format and the verbosity floor.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// EnvProduction selects JSON records at info level. Any other
// environment gets human-readable text at debug level.
const EnvProduction = "production"

// NewLogger builds the root logger for the given environment.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stdout)
}

func newLogger(env string, w io.Writer) *slog.Logger {
	if env == EnvProduction {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
