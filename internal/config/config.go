// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package config loads and validates the relay's YAML configuration file,
// filling in the same kind of documented defaults the rest of the pipeline
// relies on.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig is the complete configuration for one relay process.
type RelayConfig struct {
	Listen      ListenConfig      `yaml:"listen"`
	Rendezvous  RendezvousConfig  `yaml:"rendezvous"`
	Limits      LimitsConfig      `yaml:"limits"`
	Logging     LoggingConfig     `yaml:"logging"`
	WebUI       WebUIConfig       `yaml:"web_ui"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
}

// ListenConfig names the five public TCP ports the relay binds, per the
// default port assignments (detector 4410, display 4411, control 4409,
// rendezvous 3000, registry 5401) plus the alternate minimal triplet used
// by paired_triplet mode (3001/3002/3003).
type ListenConfig struct {
	Detector      string `yaml:"detector"`       // default "0.0.0.0:4410"
	Display       string `yaml:"display"`        // default "0.0.0.0:4411"
	Control       string `yaml:"control"`        // default "0.0.0.0:4409"
	Rendezvous    string `yaml:"rendezvous"`     // default "0.0.0.0:3000"
	Registry      string `yaml:"registry"`       // default "0.0.0.0:5401"
	PairedTriplet bool   `yaml:"paired_triplet"` // alternate minimal mode

	TripletA string `yaml:"triplet_a"` // default "0.0.0.0:3001"
	TripletB string `yaml:"triplet_b"` // default "0.0.0.0:3002"
	TripletC string `yaml:"triplet_c"` // default "0.0.0.0:3003"
}

// RendezvousConfig bounds the private port pool handed out to producers
// during the hello/assign handshake.
type RendezvousConfig struct {
	PortBase int           `yaml:"port_base"` // default 20000
	PortMax  int           `yaml:"port_max"`  // default 21000
	HelloTTL time.Duration `yaml:"hello_ttl"` // default 30s, time to complete handshake

	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"` // default 5, per source IP
	RateLimitBurst  int     `yaml:"rate_limit_burst"`   // default 10
}

// LimitsConfig caps the resources a single relay process will hold open.
type LimitsConfig struct {
	MaxConsumers     int    `yaml:"max_consumers"`      // default 100, per BroadcastPipe
	MaxSplitterSlots int    `yaml:"max_splitter_slots"` // default 32
	MaxEdges         int    `yaml:"max_edges"`          // default 32
	MaxServices      int    `yaml:"max_services"`       // default 128, registry

	// RingBufferSize is parsed and validated but not consumed by any pipe:
	// the two BroadcastPipes use the dedicated sizes below, and the
	// paired_triplet mode's PairedPipes have no ring buffer.
	RingBufferSize  string `yaml:"ring_buffer_size"` // default "1mb"
	RingBufferBytes int64  `yaml:"-"`

	// DetectorRingBufferSize/DisplayRingBufferSize default to the worst-case
	// 30 seconds of each stream's sample rate (50 000 Hz detector, 12 000 Hz
	// display), the per-consumer bound each BroadcastPipe enforces.
	DetectorRingBufferSize  string `yaml:"detector_ring_buffer_size"` // default "1500000b"
	DisplayRingBufferSize   string `yaml:"display_ring_buffer_size"`  // default "360000b"
	DetectorRingBufferBytes int64  `yaml:"-"`
	DisplayRingBufferBytes  int64  `yaml:"-"`

	EdgeIdleTimeout time.Duration `yaml:"edge_idle_timeout"` // default 120s
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level    string `yaml:"level"`     // default "info"
	Format   string `yaml:"format"`    // "json" or "text", default "json"
	FilePath string `yaml:"file_path"` // optional, tees logs to this file as well as stdout
}

// WebUIConfig configures the observability HTTP/WebSocket listener.
type WebUIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default "127.0.0.1:9849"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default 60s
	AllowOrigins []string      `yaml:"allow_origins"` // CORS allow-list, default none (deny all)

	StatusPushInterval time.Duration `yaml:"status_push_interval"` // default 5s, websocket hub cadence
}

// DiagnosticsConfig controls the rotated gzip snapshot writer. This is a
// debug artifact only; it is never read back by the relay itself and is not
// the registry's source of truth.
type DiagnosticsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`       // default "./diagnostics"
	MaxLines int    `yaml:"max_lines"` // default 20000 per file before rotation
}

// ScheduleConfig configures the cron expressions for periodic housekeeping.
type ScheduleConfig struct {
	StatusReport string `yaml:"status_report"` // default "@every 5s"
	EdgeSweep    string `yaml:"edge_sweep"`    // default "@every 30s"
	ConnectionGC string `yaml:"connection_gc"` // default "@every 1m"
}

// Load reads, parses, and validates the relay configuration at path.
func Load(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading relay config: %w", err)
	}

	var cfg RelayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing relay config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating relay config: %w", err)
	}
	return &cfg, nil
}

func (c *RelayConfig) validate() error {
	if c.Listen.Detector == "" {
		c.Listen.Detector = "0.0.0.0:4410"
	}
	if c.Listen.Display == "" {
		c.Listen.Display = "0.0.0.0:4411"
	}
	if c.Listen.Control == "" {
		c.Listen.Control = "0.0.0.0:4409"
	}
	if c.Listen.Rendezvous == "" {
		c.Listen.Rendezvous = "0.0.0.0:3000"
	}
	if c.Listen.Registry == "" {
		c.Listen.Registry = "0.0.0.0:5401"
	}
	if c.Listen.TripletA == "" {
		c.Listen.TripletA = "0.0.0.0:3001"
	}
	if c.Listen.TripletB == "" {
		c.Listen.TripletB = "0.0.0.0:3002"
	}
	if c.Listen.TripletC == "" {
		c.Listen.TripletC = "0.0.0.0:3003"
	}

	if c.Rendezvous.PortBase <= 0 {
		c.Rendezvous.PortBase = 20000
	}
	if c.Rendezvous.PortMax <= 0 {
		c.Rendezvous.PortMax = 21000
	}
	if c.Rendezvous.PortMax <= c.Rendezvous.PortBase {
		return fmt.Errorf("rendezvous.port_max must be greater than rendezvous.port_base")
	}
	if c.Rendezvous.HelloTTL <= 0 {
		c.Rendezvous.HelloTTL = 30 * time.Second
	}
	if c.Rendezvous.RateLimitPerSec <= 0 {
		c.Rendezvous.RateLimitPerSec = 5
	}
	if c.Rendezvous.RateLimitBurst <= 0 {
		c.Rendezvous.RateLimitBurst = 10
	}

	if c.Limits.MaxConsumers <= 0 {
		c.Limits.MaxConsumers = 100
	}
	if c.Limits.MaxSplitterSlots <= 0 {
		c.Limits.MaxSplitterSlots = 32
	}
	if c.Limits.MaxEdges <= 0 {
		c.Limits.MaxEdges = 32
	}
	if c.Limits.MaxServices <= 0 {
		c.Limits.MaxServices = 128
	}
	if c.Limits.RingBufferSize == "" {
		c.Limits.RingBufferSize = "1mb"
	}
	parsed, err := ParseByteSize(c.Limits.RingBufferSize)
	if err != nil {
		return fmt.Errorf("limits.ring_buffer_size: %w", err)
	}
	c.Limits.RingBufferBytes = parsed

	if c.Limits.DetectorRingBufferSize == "" {
		c.Limits.DetectorRingBufferSize = "1500000b"
	}
	detBytes, err := ParseByteSize(c.Limits.DetectorRingBufferSize)
	if err != nil {
		return fmt.Errorf("limits.detector_ring_buffer_size: %w", err)
	}
	c.Limits.DetectorRingBufferBytes = detBytes

	if c.Limits.DisplayRingBufferSize == "" {
		c.Limits.DisplayRingBufferSize = "360000b"
	}
	dispBytes, err := ParseByteSize(c.Limits.DisplayRingBufferSize)
	if err != nil {
		return fmt.Errorf("limits.display_ring_buffer_size: %w", err)
	}
	c.Limits.DisplayRingBufferBytes = dispBytes

	if c.Limits.EdgeIdleTimeout <= 0 {
		c.Limits.EdgeIdleTimeout = 120 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.WebUI.Listen == "" {
		c.WebUI.Listen = "127.0.0.1:9849"
	}
	if c.WebUI.ReadTimeout <= 0 {
		c.WebUI.ReadTimeout = 5 * time.Second
	}
	if c.WebUI.WriteTimeout <= 0 {
		c.WebUI.WriteTimeout = 15 * time.Second
	}
	if c.WebUI.IdleTimeout <= 0 {
		c.WebUI.IdleTimeout = 60 * time.Second
	}
	if c.WebUI.StatusPushInterval <= 0 {
		c.WebUI.StatusPushInterval = 5 * time.Second
	}

	if c.Diagnostics.Dir == "" {
		c.Diagnostics.Dir = "./diagnostics"
	}
	if c.Diagnostics.MaxLines <= 0 {
		c.Diagnostics.MaxLines = 20000
	}

	if c.Schedule.StatusReport == "" {
		c.Schedule.StatusReport = "@every 5s"
	}
	if c.Schedule.EdgeSweep == "" {
		c.Schedule.EdgeSweep = "@every 30s"
	}
	if c.Schedule.ConnectionGC == "" {
		c.Schedule.ConnectionGC = "@every 1m"
	}

	return nil
}

// ParseByteSize converts human-readable sizes like "256mb" or "1gb" into a
// byte count. Longer suffixes are matched first so "mb" is never mistaken
// for "b".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
