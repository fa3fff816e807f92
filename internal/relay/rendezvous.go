// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pnrelay/signal-relay/internal/protocol"
	"golang.org/x/time/rate"
)

// ErrPoolFull is returned by the allocator once every port in [base, max]
// is either already bound or the scan wrapped without finding a free one.
var ErrPoolFull = errors.New("relay: rendezvous port pool exhausted")

// helloReadTimeout bounds how long the allocator will block reading a
// producer's hello line, so a wedged connection never holds up the rest of
// the rendezvous listener.
const helloReadTimeout = 5 * time.Second

// RendezvousAllocator assigns a dedicated private control port (and, once a
// producer is ready, a detector/display data port pair) to each producer
// that completes the hello handshake. Port assignment is advisory: bind
// failures just advance the cursor and retry.
type RendezvousAllocator struct {
	listenHost string
	portBase   int
	portMax    int
	maxSlots   int

	detectorPipe *BroadcastPipe
	displayPipe  *BroadcastPipe

	logger *slog.Logger

	mu     sync.Mutex
	cursor int
	bound  map[int]bool
	slots  map[string]*SplitterSlot // keyed by assigned control port as string

	limiterMu sync.Mutex
	limiters  map[string]*limiterEntry
	rateLimit float64
	rateBurst int
}

// limiterEntry pairs a per-IP token bucket with the last time it was
// consulted, so SweepIdleLimiters can evict source IPs that have gone quiet
// instead of growing the map forever.
type limiterEntry struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// NewRendezvousAllocator constructs an allocator over the closed port range
// [portBase, portMax], feeding successfully rendezvoused producers' data
// streams into the given detector/display BroadcastPipes.
func NewRendezvousAllocator(listenHost string, portBase, portMax, maxSlots int, rateLimit float64, rateBurst int, detectorPipe, displayPipe *BroadcastPipe, logger *slog.Logger) *RendezvousAllocator {
	return &RendezvousAllocator{
		listenHost:   listenHost,
		portBase:     portBase,
		portMax:      portMax,
		maxSlots:     maxSlots,
		detectorPipe: detectorPipe,
		displayPipe:  displayPipe,
		logger:       logger.With("component", "rendezvous"),
		cursor:       portBase,
		bound:        make(map[int]bool),
		slots:        make(map[string]*SplitterSlot),
		limiters:     make(map[string]*limiterEntry),
		rateLimit:    rateLimit,
		rateBurst:    rateBurst,
	}
}

// allocate binds a listener on the next free port in the pool, advancing
// past any port currently bound or refusing the bind.
func (a *RendezvousAllocator) allocate() (net.Listener, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.portMax - a.portBase + 1
	for i := 0; i < span; i++ {
		port := a.cursor
		a.cursor++
		if a.cursor > a.portMax {
			a.cursor = a.portBase
		}
		if a.bound[port] {
			continue
		}

		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", a.listenHost, port))
		if err != nil {
			continue
		}
		a.bound[port] = true
		return ln, port, nil
	}
	return nil, 0, ErrPoolFull
}

func (a *RendezvousAllocator) release(port int) {
	a.mu.Lock()
	delete(a.bound, port)
	a.mu.Unlock()
}

// allowed applies a per-source-IP token bucket to hello attempts, so a
// misbehaving producer can't exhaust the port pool by hammering hello.
func (a *RendezvousAllocator) allowed(ip string) bool {
	a.limiterMu.Lock()
	entry, ok := a.limiters[ip]
	if !ok {
		entry = &limiterEntry{lim: rate.NewLimiter(rate.Limit(a.rateLimit), a.rateBurst)}
		a.limiters[ip] = entry
	}
	entry.lastUsed = time.Now()
	a.limiterMu.Unlock()
	return entry.lim.Allow()
}

// SweepIdleLimiters evicts every per-source-IP rate limiter that hasn't been
// consulted in longer than idleTimeout. Without this the limiter map grows
// by one entry per distinct source IP ever seen and never shrinks; run on
// ScheduleConfig.ConnectionGC's cadence.
func (a *RendezvousAllocator) SweepIdleLimiters(idleTimeout time.Duration) int {
	a.limiterMu.Lock()
	defer a.limiterMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range a.limiters {
		if now.Sub(entry.lastUsed) > idleTimeout {
			delete(a.limiters, ip)
			removed++
		}
	}
	return removed
}

// HandleHello services one inbound rendezvous connection: it reads a single
// hello line, allocates a control port, replies with the assignment, and
// closes the rendezvous connection. A duplicate hello from the same node id
// simply allocates a fresh slot; stale slots expire on their own idle timer.
func (a *RendezvousAllocator) HandleHello(conn net.Conn) {
	defer conn.Close()

	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if !a.allowed(ip) {
		a.logger.Warn("hello rate limited", "ip", ip)
		return
	}

	conn.SetReadDeadline(time.Now().Add(helloReadTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		a.logger.Debug("hello read failed", "ip", ip, "error", err)
		return
	}

	cmd, err := protocol.ParseRendezvousCommand([]byte(line))
	if err != nil || cmd != protocol.CmdHello {
		a.logger.Debug("malformed hello", "ip", ip, "error", err)
		return
	}
	var hello protocol.RendezvousHello
	if err := json.Unmarshal([]byte(line), &hello); err != nil {
		a.logger.Debug("malformed hello payload", "ip", ip, "error", err)
		return
	}

	a.mu.Lock()
	tooMany := len(a.slots) >= a.maxSlots
	a.mu.Unlock()
	if tooMany {
		a.logger.Warn("splitter slot cap reached, rejecting hello", "node_id", hello.ID)
		return
	}

	ln, port, err := a.allocate()
	if err != nil {
		a.logger.Error("port allocation failed", "node_id", hello.ID, "error", err)
		return
	}

	slot := newSplitterSlot(hello.ID, ip, port, ln, a, a.logger)
	a.mu.Lock()
	a.slots[fmt.Sprintf("%d", port)] = slot
	a.mu.Unlock()

	assign := protocol.NewRendezvousAssign(port)
	payload, _ := json.Marshal(assign)
	conn.SetWriteDeadline(time.Now().Add(helloReadTimeout))
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		a.logger.Debug("assign write failed", "node_id", hello.ID, "error", err)
		a.removeSlot(slot)
		return
	}

	a.logger.Info("rendezvous assigned", "node_id", hello.ID, "port", port)
	go slot.acceptLoop()
}

// allocateDataPorts is called by a SplitterSlot once its producer sends
// "ready": it grants two fresh ports for the detector and display streams.
func (a *RendezvousAllocator) allocateDataPorts() (detLn, dispLn net.Listener, detPort, dispPort int, err error) {
	detLn, detPort, err = a.allocate()
	if err != nil {
		return nil, nil, 0, 0, err
	}
	dispLn, dispPort, err = a.allocate()
	if err != nil {
		detLn.Close()
		a.release(detPort)
		return nil, nil, 0, 0, err
	}
	return detLn, dispLn, detPort, dispPort, nil
}

func (a *RendezvousAllocator) removeSlot(s *SplitterSlot) {
	a.mu.Lock()
	delete(a.slots, fmt.Sprintf("%d", s.controlPort))
	a.mu.Unlock()
	s.close()
	a.release(s.controlPort)
	if s.detPort != 0 {
		a.release(s.detPort)
	}
	if s.dispPort != 0 {
		a.release(s.dispPort)
	}
}

// UpdateBounds retunes the port pool range and the live splitter-slot cap in
// place, for a config watcher to apply without rebinding any of the five
// public listeners. Ports already bound outside the new range are left
// alone until their slot closes naturally; only the scan range and cursor
// change.
func (a *RendezvousAllocator) UpdateBounds(portBase, portMax, maxSlots int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if portMax < portBase {
		return
	}
	a.portBase = portBase
	a.portMax = portMax
	if maxSlots > 0 {
		a.maxSlots = maxSlots
	}
	if a.cursor < portBase || a.cursor > portMax {
		a.cursor = portBase
	}
}

// UpdateRateLimit retunes the per-source-IP hello rate limit. Limiters
// already issued to a source IP keep their old rate until that entry is
// evicted; only newly seen IPs pick up the change immediately.
func (a *RendezvousAllocator) UpdateRateLimit(rateLimit float64, rateBurst int) {
	a.limiterMu.Lock()
	defer a.limiterMu.Unlock()
	if rateLimit > 0 {
		a.rateLimit = rateLimit
	}
	if rateBurst > 0 {
		a.rateBurst = rateBurst
	}
}

// SlotCount reports how many SplitterSlots are currently live.
func (a *RendezvousAllocator) SlotCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// SweepIdleSlots closes and releases every SplitterSlot whose control
// channel has gone quiet for longer than idleTimeout.
func (a *RendezvousAllocator) SweepIdleSlots(idleTimeout time.Duration) int {
	a.mu.Lock()
	var stale []*SplitterSlot
	now := time.Now()
	for _, s := range a.slots {
		if now.Sub(s.LastSeen()) > idleTimeout {
			stale = append(stale, s)
		}
	}
	a.mu.Unlock()

	for _, s := range stale {
		a.logger.Info("sweeping idle splitter slot", "node_id", s.nodeID, "port", s.controlPort)
		a.removeSlot(s)
	}
	return len(stale)
}
