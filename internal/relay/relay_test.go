// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/pnrelay/signal-relay/internal/config"
)

func testConfig() *config.RelayConfig {
	return &config.RelayConfig{
		Listen: config.ListenConfig{
			Detector:   "127.0.0.1:0",
			Display:    "127.0.0.1:0",
			Control:    "127.0.0.1:0",
			Rendezvous: "127.0.0.1:0",
			Registry:   "127.0.0.1:0",
		},
		Rendezvous: config.RendezvousConfig{
			PortBase: 29500, PortMax: 29600, HelloTTL: 5 * time.Second,
			RateLimitPerSec: 50, RateLimitBurst: 50,
		},
		Limits: config.LimitsConfig{
			MaxConsumers: 10, MaxSplitterSlots: 10, MaxEdges: 10, MaxServices: 10,
			RingBufferBytes: 1 << 16, DetectorRingBufferBytes: 1 << 16, DisplayRingBufferBytes: 1 << 16,
			EdgeIdleTimeout: time.Minute,
		},
		Schedule: config.ScheduleConfig{
			StatusReport: "@every 1h", EdgeSweep: "@every 1h", ConnectionGC: "@every 1h",
		},
	}
}

// TestRelayStartsAndShutsDownCleanly exercises the full-mode wiring: every
// listener binds, the supervising errgroup is healthy, and cancelling the
// context brings every listener down without error.
func TestRelayStartsAndShutsDownCleanly(t *testing.T) {
	cfg := testConfig()
	r := New(cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Give the listener goroutines a moment to bind.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not shut down within timeout")
	}
}

func TestRelaySnapshotReflectsSubsystems(t *testing.T) {
	cfg := testConfig()
	r := New(cfg, discardLogger())

	snap := r.Snapshot()
	if snap.Detector.HasProducer || snap.Display.HasProducer {
		t.Fatal("expected no producers on a freshly constructed relay")
	}
	if snap.Registry.Edges != 0 || snap.Registry.Services != 0 {
		t.Fatalf("expected empty registry, got %+v", snap.Registry)
	}
	if len(r.Services()) != 0 {
		t.Fatal("expected no advertised services")
	}
}

func TestRelayPairedTripletMode(t *testing.T) {
	cfg := testConfig()
	cfg.Listen.PairedTriplet = true
	cfg.Listen.TripletA = "127.0.0.1:0"
	cfg.Listen.TripletB = "127.0.0.1:0"
	cfg.Listen.TripletC = "127.0.0.1:0"

	r := New(cfg, discardLogger())
	if r.detectorPipe != nil || r.displayPipe != nil {
		t.Fatal("paired_triplet mode must not construct the full-mode broadcast pipes")
	}
	if r.tripletControl == nil || r.tripletDet == nil || r.tripletDisp == nil {
		t.Fatal("expected all three triplet paired pipes to be constructed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error after shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not shut down within timeout")
	}
}
