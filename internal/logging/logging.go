package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	charm "github.com/charmbracelet/log"
)

// Global structured logger. Initialized with a reasonable text handler.
var logger atomic.Pointer[slog.Logger]

func init() {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Store(l)
}

// L returns the current global logger.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// New creates a new logger with given level, format ("text", "json" or
// "pretty"), and optional writer (defaults stderr).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "pretty":
		h = charm.NewWithOptions(w, charm.Options{Level: charmLevel(level), ReportTimestamp: true})
	default:
		h = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h)
}

// charmLevel maps a slog level onto the pretty handler's scale.
func charmLevel(level slog.Leveler) charm.Level {
	switch l := level.Level(); {
	case l <= slog.LevelDebug:
		return charm.DebugLevel
	case l <= slog.LevelInfo:
		return charm.InfoLevel
	case l <= slog.LevelWarn:
		return charm.WarnLevel
	default:
		return charm.ErrorLevel
	}
}
