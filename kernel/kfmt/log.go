package kfmt

import (
	"log/slog"
	"strings"
)

// level is shared by every logger returned by Logger so SetLevel takes
// effect across all modules.
var level = new(slog.LevelVar)

// Logger returns a structured logger for the named module. Records are
// rendered by a text handler and written to the active output sink.
func Logger(module string) *slog.Logger {
	handler := slog.NewTextHandler(sinkWriter{}, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(handler).With("module", module)
}

// SetLevel sets the minimum level for all module loggers. Unknown level
// names select info.
func SetLevel(name string) {
	switch strings.ToLower(name) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}
