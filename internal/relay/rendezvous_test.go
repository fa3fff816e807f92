// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package relay

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pnrelay/signal-relay/internal/protocol"
)

func newTestAllocator(t *testing.T, maxSlots int, rateLimit float64, rateBurst int) *RendezvousAllocator {
	t.Helper()
	det := NewBroadcastPipe("detector", protocol.StreamHeader{SampleRate: 50000}, 4, 1<<16, discardLogger())
	disp := NewBroadcastPipe("display", protocol.StreamHeader{SampleRate: 12000}, 4, 1<<16, discardLogger())
	return NewRendezvousAllocator("127.0.0.1", 29000, 29100, maxSlots, rateLimit, rateBurst, det, disp, discardLogger())
}

// TestRendezvousFullHandshake exercises hello -> assign -> ready -> ports,
// matching the end-to-end rendezvous scenario: a producer announces itself,
// gets a private control port, reconnects there, declares readiness, and
// receives its detector/display data port grant.
func TestRendezvousFullHandshake(t *testing.T) {
	a := newTestAllocator(t, 8, 100, 100)

	helloClient, helloServer := loopback(t)
	defer helloClient.Close()

	done := make(chan struct{})
	go func() {
		a.HandleHello(helloServer)
		close(done)
	}()

	hello := protocol.NewRendezvousHello("KY4OLB-SDR1")
	payload, _ := json.Marshal(hello)
	helloClient.Write(append(payload, '\n'))

	helloClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(helloClient).ReadString('\n')
	if err != nil {
		t.Fatalf("reading assign reply: %v", err)
	}
	<-done

	var assign protocol.RendezvousAssign
	if err := json.Unmarshal([]byte(line), &assign); err != nil {
		t.Fatalf("unmarshal assign: %v", err)
	}
	if assign.Cmd != protocol.CmdAssign || assign.Port < 29000 || assign.Port > 29100 {
		t.Fatalf("unexpected assign reply: %+v", assign)
	}

	// Reconnect on the assigned control port, as the real producer would.
	controlConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(assign.Port)))
	if err != nil {
		t.Fatalf("dialing assigned control port: %v", err)
	}
	defer controlConn.Close()

	ready := protocol.NewRendezvousReady(true)
	readyPayload, _ := json.Marshal(ready)
	controlConn.Write(append(readyPayload, '\n'))

	controlConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	portsLine, err := bufio.NewReader(controlConn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading ports reply: %v", err)
	}
	var ports protocol.RendezvousPorts
	if err := json.Unmarshal([]byte(portsLine), &ports); err != nil {
		t.Fatalf("unmarshal ports: %v", err)
	}
	if ports.Cmd != protocol.CmdPorts || ports.Det == 0 || ports.Disp == 0 || ports.Det == ports.Disp {
		t.Fatalf("unexpected ports reply: %+v", ports)
	}

	if got := a.SlotCount(); got != 1 {
		t.Fatalf("expected 1 live splitter slot, got %d", got)
	}
}

func TestRendezvousPortPoolExhausted(t *testing.T) {
	// A pool of exactly one port: the first hello consumes it, the second
	// must fail once the allocator's scan wraps without finding a free port.
	det := NewBroadcastPipe("detector", protocol.StreamHeader{SampleRate: 50000}, 4, 1<<16, discardLogger())
	disp := NewBroadcastPipe("display", protocol.StreamHeader{SampleRate: 12000}, 4, 1<<16, discardLogger())
	a := NewRendezvousAllocator("127.0.0.1", 29200, 29200, 8, 1000, 1000, det, disp, discardLogger())

	if _, _, err := a.allocate(); err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if _, _, err := a.allocate(); err != ErrPoolFull {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
}

func TestRendezvousRateLimited(t *testing.T) {
	a := newTestAllocator(t, 8, 1, 1)

	if !a.allowed("203.0.113.9") {
		t.Fatal("first hello from a fresh IP should be allowed")
	}
	if a.allowed("203.0.113.9") {
		t.Fatal("second immediate hello from the same IP should be rate limited")
	}
}

func TestRendezvousSweepIdleLimiters(t *testing.T) {
	a := newTestAllocator(t, 8, 1000, 1000)

	a.allowed("203.0.113.9")
	a.allowed("203.0.113.10")

	if removed := a.SweepIdleLimiters(time.Hour); removed != 0 {
		t.Fatalf("expected no limiters evicted while fresh, got %d", removed)
	}

	if removed := a.SweepIdleLimiters(0); removed != 2 {
		t.Fatalf("expected both limiters evicted with a zero idle timeout, got %d", removed)
	}
	if removed := a.SweepIdleLimiters(0); removed != 0 {
		t.Fatalf("expected nothing left to evict, got %d", removed)
	}
}

func TestRendezvousSlotCapRejectsHello(t *testing.T) {
	a := newTestAllocator(t, 0, 1000, 1000)

	client, server := loopback(t)
	defer client.Close()

	hello := protocol.NewRendezvousHello("node-x")
	payload, _ := json.Marshal(hello)
	client.Write(append(payload, '\n'))

	a.HandleHello(server)

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := client.Read(buf); err != io.EOF {
		t.Fatalf("expected connection closed with no reply when slot cap is zero, got %v", err)
	}
}

func TestRendezvousUpdateBoundsRetunesPool(t *testing.T) {
	a := newTestAllocator(t, 8, 1000, 1000)

	a.UpdateBounds(29300, 29300, 4)
	ln, port, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate after UpdateBounds: %v", err)
	}
	defer ln.Close()
	if port != 29300 {
		t.Fatalf("port = %d, want 29300 after retuning the pool to a single-port range", port)
	}
	if a.maxSlots != 4 {
		t.Fatalf("maxSlots = %d, want 4", a.maxSlots)
	}

	// An out-of-range bound request is rejected outright.
	a.UpdateBounds(100, 50, 4)
	if a.portBase != 29300 || a.portMax != 29300 {
		t.Fatal("expected an invalid bound update (max < base) to be ignored")
	}
}

