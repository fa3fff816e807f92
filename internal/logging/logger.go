// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package logging builds the relay's structured logger from LoggingConfig:
// level and format parsed from strings, with an optional tee to a log file
// alongside stdout.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pnrelay/signal-relay/internal/config"
)

// NewLoggerFromConfig builds the relay's root logger directly from a
// config.LoggingConfig, the entry point cmd/relay and every other caller in
// this module should use. It is a thin wrapper over NewLogger so tests can
// still exercise level/format parsing without constructing a RelayConfig.
func NewLoggerFromConfig(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	return NewLogger(cfg.Level, cfg.Format, cfg.FilePath)
}

// NewLogger builds a slog.Logger configured with the given level, format, and
// output. Supported formats are "json" (default) and "text". Supported
// levels are "debug", "info" (default), "warn", and "error". If filePath is
// non-empty, logs are written to stdout and the file (via io.MultiWriter).
// Returns the logger and an io.Closer to call on shutdown to close the file;
// if filePath is empty, the returned Closer is a no-op.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler).With("service", "signal-relay"), closer
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
