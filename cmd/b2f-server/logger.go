package main

import (
	"log/slog"
	"os"

	"github.com/meshbridge/go-winlink-server/internal/logging"
)

func setupLogger(format string, debug bool) *slog.Logger {
	lvl := slog.LevelInfo
	if debug {
		lvl = slog.LevelDebug
	}
	l := logging.New(format, lvl, os.Stderr).With("app", "b2f-server")
	logging.Set(l)
	return l
}
