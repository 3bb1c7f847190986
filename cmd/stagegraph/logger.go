package main

import (
	"io"
	"log/slog"

	"github.com/go-logr/logr"
)

// newLogger builds the slog handler described by level and format and
// returns it as a logr.Logger for the engine. Unknown levels mean info.
//
// logr verbosity maps onto slog levels: V(0) is info, V(1) is debug.
func newLogger(level, format string, w io.Writer) logr.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return logr.FromSlogHandler(handler)
}
