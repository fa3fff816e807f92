// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/pnrelay/signal-relay/internal/config"
	"github.com/pnrelay/signal-relay/internal/protocol"
	"github.com/pnrelay/signal-relay/internal/relay"
)

// Snapshotter is the subset of *relay.Relay the observability surface
// needs. Declaring it as an interface keeps this package's tests free of a
// live Relay.
type Snapshotter interface {
	Snapshot() relay.StatusReport
	Services() []protocol.RegistryService
}

// Server is the read-only HTTP/WebSocket status surface for one relay
// process: mux-routed handlers behind a CORS policy, plus a hub that
// pushes periodic snapshots to connected dashboards.
type Server struct {
	cfg    config.WebUIConfig
	logger *slog.Logger
	router *mux.Router
	hub    *Hub
	relay  Snapshotter

	httpServer *http.Server
	stop       chan struct{}

	pushIntervalNanos atomic.Int64
}

// NewServer builds the observability HTTP server. It does not bind a
// listener until Start is called.
func NewServer(cfg config.WebUIConfig, r Snapshotter, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger.With("component", "observability"),
		router: mux.NewRouter(),
		hub:    NewHub(logger),
		relay:  r,
		stop:   make(chan struct{}),
	}
	s.routes()
	interval := cfg.StatusPushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.pushIntervalNanos.Store(int64(interval))
	return s
}

// UpdateStatusPushInterval changes the websocket push cadence in place, so a
// config watcher can retune it without a restart. Listen address, timeouts,
// and CORS allow-list still require one, since they're baked into the bound
// http.Server.
func (s *Server) UpdateStatusPushInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.pushIntervalNanos.Store(int64(d))
}

func (s *Server) routes() {
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.relay.Snapshot())
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.relay.Services())
}

// Start binds the listener and blocks (like http.Server.ListenAndServe)
// until ctx is cancelled, at which point it shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	corsOpts := cors.Options{
		AllowedOrigins:   s.cfg.AllowOrigins,
		AllowedMethods:   []string{http.MethodGet},
		AllowCredentials: false,
	}
	if len(s.cfg.AllowOrigins) == 0 {
		// rs/cors treats an empty origin list as "allow all"; an empty
		// allow_origins here means no cross-origin access at all.
		corsOpts.AllowOriginFunc = func(string) bool { return false }
	}
	corsHandler := cors.New(corsOpts)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      corsHandler.Handler(s.router),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go s.pushLoop(ctx)

	go func() {
		<-ctx.Done()
		close(s.stop)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("observability server listening", "addr", s.cfg.Listen)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// pushLoop periodically pushes a status snapshot to every connected
// WebSocket client, at the configured StatusPushInterval, and runs the
// hub's own event loop alongside it.
func (s *Server) pushLoop(ctx context.Context) {
	go s.hub.Run(s.stop)

	current := time.Duration(s.pushIntervalNanos.Load())
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Push(s.relay.Snapshot())
			if next := time.Duration(s.pushIntervalNanos.Load()); next != current {
				current = next
				ticker.Reset(current)
			}
		}
	}
}
