// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pnrelay/signal-relay/internal/config"
	"github.com/pnrelay/signal-relay/internal/diag"
	"github.com/pnrelay/signal-relay/internal/logging"
	"github.com/pnrelay/signal-relay/internal/observability"
	"github.com/pnrelay/signal-relay/internal/relay"
)

func main() {
	configPath := flag.String("config", "/etc/signal-relay/relay.yaml", "path to relay config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLoggerFromConfig(cfg.Logging)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	r := relay.New(cfg, logger)
	obsServer := observability.NewServer(cfg.WebUI, r, logger)

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.RelayConfig) {
		r.ApplyConfig(newCfg)
		obsServer.UpdateStatusPushInterval(newCfg.WebUI.StatusPushInterval)
	}, logger)
	if err != nil {
		logger.Warn("config hot-reload unavailable", "error", err)
	} else if err := watcher.Start(); err != nil {
		logger.Warn("config hot-reload unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(gctx) })
	g.Go(func() error { return obsServer.Start(gctx) })

	if cfg.Diagnostics.Enabled {
		g.Go(func() error { return runDiagnostics(gctx, cfg.Diagnostics, r, logger) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("relay error", "error", err)
		os.Exit(1)
	}
}

// runDiagnostics periodically appends a status snapshot to the rotated
// gzip-compressed JSONL trail until ctx is cancelled.
func runDiagnostics(ctx context.Context, cfg config.DiagnosticsConfig, r *relay.Relay, logger *slog.Logger) error {
	w, err := diag.New(cfg.Dir, cfg.MaxLines)
	if err != nil {
		return fmt.Errorf("starting diagnostics writer: %w", err)
	}
	defer w.Close()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Write(r.Snapshot()); err != nil {
				logger.Warn("diagnostics write failed", "error", err)
			}
		}
	}
}
