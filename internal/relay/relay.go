// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"github.com/pnrelay/signal-relay/internal/config"
	"github.com/pnrelay/signal-relay/internal/protocol"
)

// Relay owns every subsystem of one relay process: the broadcast pipes,
// paired pipes, rendezvous allocator, and registry. There is no package
// state; everything hangs off this one value, and Run drives it all with
// one goroutine per listener.
type Relay struct {
	cfg    *config.RelayConfig
	logger *slog.Logger

	detectorPipe *BroadcastPipe
	displayPipe  *BroadcastPipe
	controlPipe  *PairedPipe // full-mode control channel (paired)

	tripletControl *PairedPipe // paired_triplet mode only
	tripletDet     *PairedPipe
	tripletDisp    *PairedPipe

	allocator *RendezvousAllocator
	registry  *Registry

	startedAt time.Time
	sessionID string // stable per-process id, set once at construction
	cron      *cron.Cron
}

// New constructs a Relay from its configuration and logger. No sockets are
// bound until Run is called.
func New(cfg *config.RelayConfig, logger *slog.Logger) *Relay {
	sessionID := uuid.NewString()
	r := &Relay{
		cfg:       cfg,
		logger:    logger.With("component", "relay", "session_id", sessionID),
		startedAt: time.Now(),
		sessionID: sessionID,
	}

	if cfg.Listen.PairedTriplet {
		r.tripletControl = NewPairedPipe("control", r.logger)
		r.tripletDet = NewPairedPipe("detector", r.logger)
		r.tripletDisp = NewPairedPipe("display", r.logger)
		return r
	}

	detHeader := protocol.StreamHeader{SampleRate: 50000}
	dispHeader := protocol.StreamHeader{SampleRate: 12000}

	r.detectorPipe = NewBroadcastPipe("detector", detHeader, cfg.Limits.MaxConsumers, cfg.Limits.DetectorRingBufferBytes, r.logger)
	r.displayPipe = NewBroadcastPipe("display", dispHeader, cfg.Limits.MaxConsumers, cfg.Limits.DisplayRingBufferBytes, r.logger)
	r.controlPipe = NewPairedPipe("control", r.logger)

	r.registry = NewRegistry(cfg.Limits.MaxEdges, cfg.Limits.MaxServices, cfg.Limits.EdgeIdleTimeout, r.logger)

	rendezvousHost := hostOf(cfg.Listen.Rendezvous)
	r.allocator = NewRendezvousAllocator(
		rendezvousHost,
		cfg.Rendezvous.PortBase, cfg.Rendezvous.PortMax, cfg.Limits.MaxSplitterSlots,
		cfg.Rendezvous.RateLimitPerSec, cfg.Rendezvous.RateLimitBurst,
		r.detectorPipe, r.displayPipe,
		r.logger,
	)

	return r
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "0.0.0.0"
	}
	return host
}

// Run binds all listeners and blocks until ctx is cancelled or a listener
// suffers a fatal bind failure. The five (or three, in paired_triplet mode)
// listener goroutines are supervised by an errgroup; a bind failure at
// startup cancels the group and propagates out as the fatal error.
func (r *Relay) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if r.cfg.Listen.PairedTriplet {
		g.Go(func() error { return r.serveAccept(gctx, r.cfg.Listen.TripletA, r.tripletControl.AcceptSlot) })
		g.Go(func() error { return r.serveAccept(gctx, r.cfg.Listen.TripletB, r.tripletDet.AcceptSlot) })
		g.Go(func() error { return r.serveAccept(gctx, r.cfg.Listen.TripletC, r.tripletDisp.AcceptSlot) })
	} else {
		g.Go(func() error { return r.serveAccept(gctx, r.cfg.Listen.Detector, r.detectorPipe.AcceptConsumer) })
		g.Go(func() error { return r.serveAccept(gctx, r.cfg.Listen.Display, r.displayPipe.AcceptConsumer) })
		g.Go(func() error { return r.serveAccept(gctx, r.cfg.Listen.Control, r.controlPipe.AcceptSlot) })
		g.Go(func() error { return r.serveAccept(gctx, r.cfg.Listen.Rendezvous, r.handleRendezvousConn) })
		g.Go(func() error { return r.serveAccept(gctx, r.cfg.Listen.Registry, r.handleRegistryConn) })

		r.startScheduledTasks()
		defer r.stopScheduledTasks()
	}

	r.logger.Info("relay started",
		"mode", map[bool]string{true: "paired_triplet", false: "full"}[r.cfg.Listen.PairedTriplet])

	return g.Wait()
}

// handleRendezvousConn adapts RendezvousAllocator.HandleHello to the
// serveAccept callback shape; the rendezvous handshake is one-shot per
// connection so no error is ever returned here.
func (r *Relay) handleRendezvousConn(conn net.Conn) error {
	go r.allocator.HandleHello(conn)
	return nil
}

func (r *Relay) handleRegistryConn(conn net.Conn) error {
	go r.serveRegistryConn(conn)
	return nil
}

// serveAccept runs a single listener's accept loop until ctx is cancelled
// or the listener itself fails to bind, in which case it returns the error
// so the supervising errgroup can cancel its siblings.
func (r *Relay) serveAccept(ctx context.Context, addr string, onAccept func(net.Conn) error) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	r.logger.Info("listening", "addr", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				r.logger.Warn("accept error", "addr", addr, "error", err)
				continue
			}
		}
		if err := onAccept(conn); err != nil {
			r.logger.Debug("connection rejected", "addr", addr, "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
		}
	}
}

// startScheduledTasks wires the status report, the edge/slot GC sweep, and
// the rendezvous rate-limiter GC to cron expressions instead of raw tickers,
// so operators can retune the cadences in config without touching code.
func (r *Relay) startScheduledTasks() {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.Schedule.StatusReport, r.printStatus); err != nil {
		r.logger.Error("failed to schedule status report", "error", err)
	}
	if _, err := r.cron.AddFunc(r.cfg.Schedule.EdgeSweep, r.sweepIdle); err != nil {
		r.logger.Error("failed to schedule edge sweep", "error", err)
	}
	if _, err := r.cron.AddFunc(r.cfg.Schedule.ConnectionGC, r.sweepLimiters); err != nil {
		r.logger.Error("failed to schedule connection GC", "error", err)
	}
	r.cron.Start()
}

func (r *Relay) stopScheduledTasks() {
	if r.cron != nil {
		ctx := r.cron.Stop()
		<-ctx.Done()
	}
}

func (r *Relay) sweepIdle() {
	edges := r.registry.SweepIdleEdges()
	slots := r.allocator.SweepIdleSlots(r.cfg.Rendezvous.HelloTTL * 4)
	if edges > 0 || slots > 0 {
		r.logger.Info("idle sweep complete", "edges_removed", edges, "slots_removed", slots)
	}
}

// sweepLimiters evicts per-source-IP rendezvous rate limiters that have gone
// quiet, on the ScheduleConfig.ConnectionGC cadence. The idle threshold is
// four times the hello TTL, the same one sweepIdle uses for splitter slots:
// any IP that hasn't attempted a hello in that long is no longer worth
// tracking a token bucket for.
func (r *Relay) sweepLimiters() {
	if r.allocator == nil {
		return
	}
	if removed := r.allocator.SweepIdleLimiters(r.cfg.Rendezvous.HelloTTL * 4); removed > 0 {
		r.logger.Info("connection limiter GC complete", "limiters_removed", removed)
	}
}

// ApplyConfig hot-reloads the subset of configuration that can change
// without rebinding a listener: the rendezvous port pool range and cap, its
// per-IP rate limit, and the registry's edge/service caps. Listen addresses
// and paired_triplet mode are fixed for the life of the process, since
// changing either would mean rebinding sockets the way a restart already
// does for free.
func (r *Relay) ApplyConfig(cfg *config.RelayConfig) {
	r.cfg = cfg
	if r.allocator != nil {
		r.allocator.UpdateBounds(cfg.Rendezvous.PortBase, cfg.Rendezvous.PortMax, cfg.Limits.MaxSplitterSlots)
		r.allocator.UpdateRateLimit(cfg.Rendezvous.RateLimitPerSec, cfg.Rendezvous.RateLimitBurst)
	}
	if r.registry != nil {
		r.registry.UpdateCaps(cfg.Limits.MaxEdges, cfg.Limits.MaxServices)
	}
	r.logger.Info("config hot-reloaded",
		"port_base", cfg.Rendezvous.PortBase, "port_max", cfg.Rendezvous.PortMax,
		"max_splitter_slots", cfg.Limits.MaxSplitterSlots,
		"max_edges", cfg.Limits.MaxEdges, "max_services", cfg.Limits.MaxServices)
}

// StatusReport is a point-in-time snapshot of the whole relay, used both by
// the periodic log line and the observability HTTP surface. SessionID is
// the relay process's own stable correlation id (set once in New), not a
// fresh value per snapshot.
type StatusReport struct {
	UptimeSeconds float64
	Detector      BroadcastPipeStats
	Display       BroadcastPipeStats
	Registry      RegistryStats
	SplitterSlots int
	CPUPercent    float64
	MemPercent    float64
	DiskPercent   float64
	SessionID     string
}

// Snapshot gathers a StatusReport without side effects.
func (r *Relay) Snapshot() StatusReport {
	s := StatusReport{
		UptimeSeconds: time.Since(r.startedAt).Seconds(),
		SessionID:     r.sessionID,
	}
	if r.detectorPipe != nil {
		s.Detector = r.detectorPipe.Stats()
	}
	if r.displayPipe != nil {
		s.Display = r.displayPipe.Stats()
	}
	if r.registry != nil {
		s.Registry = r.registry.Stats()
	}
	if r.allocator != nil {
		s.SplitterSlots = r.allocator.SlotCount()
	}

	if cpuPct, err := cpu.Percent(0, false); err == nil && len(cpuPct) > 0 {
		s.CPUPercent = cpuPct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		s.DiskPercent = du.UsedPercent
	}
	return s
}

// Services returns every currently advertised registry service, for the
// observability HTTP surface. In paired_triplet mode there is no registry
// and this always returns an empty slice.
func (r *Relay) Services() []protocol.RegistryService {
	if r.registry == nil {
		return []protocol.RegistryService{}
	}
	return r.registry.List()
}

// printStatus logs the periodic status report: producer state and consumer
// counts per pipe, cumulative byte counters, registry sizes, and host
// CPU/memory/disk utilization.
func (r *Relay) printStatus() {
	s := r.Snapshot()
	r.logger.Info("status report",
		"uptime_s", s.UptimeSeconds,
		"detector_producer", s.Detector.HasProducer, "detector_consumers", s.Detector.Consumers,
		"detector_bytes", s.Detector.BytesRelayed,
		"display_producer", s.Display.HasProducer, "display_consumers", s.Display.Consumers,
		"display_bytes", s.Display.BytesRelayed,
		"registry_edges", s.Registry.Edges, "registry_services", s.Registry.Services,
		"splitter_slots", s.SplitterSlots,
		"cpu_pct", s.CPUPercent, "mem_pct", s.MemPercent, "disk_pct", s.DiskPercent,
	)
}
