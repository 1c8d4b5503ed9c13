// Package logging builds the kernel's structured logger. The teacher
// (mbflow) uses slog for its infrastructure logger but reaches for
// rs/zerolog in node_executors.go, its hot path; this kernel standardizes on
// zerolog everywhere so every component — scheduler, coordinator, error
// handler, compensation manager — logs through the same structured field
// set (execution id, node id, phase) instead of mixing loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger at the given level, writing JSON to w (or
// os.Stdout when w is nil). "debug"/"info"/"warn"/"error" are recognized;
// anything else falls back to info, matching the teacher's Setup().
func New(level string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(w).With().Timestamp().Logger()
}

// Console returns a human-readable (non-JSON) logger, useful for local
// `cmd/kernel` runs against a terminal.
func Console(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	return zerolog.New(out).With().Timestamp().Logger()
}
