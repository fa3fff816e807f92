// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package relay

import (
	"bufio"
	"encoding/json"
	"testing"
	"time"

	"github.com/pnrelay/signal-relay/internal/protocol"
)

// newTestSlot builds a SplitterSlot wired to a live allocator but with no
// control listener of its own; producer/client connections are attached
// directly via the slot's read loops, the way acceptLoop would after a real
// accept.
func newTestSlot(t *testing.T) (*SplitterSlot, *RendezvousAllocator) {
	t.Helper()
	a := newTestAllocator(t, 8, 1000, 1000)
	s := newSplitterSlot("node-1", "203.0.113.5", 0, nil, a, discardLogger())
	return s, a
}

func TestSplitterSlotForwardsProducerDataToClient(t *testing.T) {
	s, _ := newTestSlot(t)

	producerClient, producerServer := loopback(t)
	defer producerClient.Close()
	clientClient, clientServer := loopback(t)
	defer clientClient.Close()

	s.producer = producerServer
	s.client = clientServer
	go s.producerReadLoop(producerServer)

	frame := protocol.NewDataFrame([]byte("control-bytes"))
	data, _ := json.Marshal(frame)
	producerClient.Write(append(data, '\n'))

	clientClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len("control-bytes"))
	n, err := clientClient.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "control-bytes" {
		t.Fatalf("got %q, want control-bytes", buf[:n])
	}
}

func TestSplitterSlotForwardsClientBytesAsDataFrame(t *testing.T) {
	s, _ := newTestSlot(t)

	producerClient, producerServer := loopback(t)
	defer producerClient.Close()
	clientClient, clientServer := loopback(t)
	defer clientClient.Close()

	s.producer = producerServer
	s.client = clientServer
	go s.clientReadLoop(clientServer)

	clientClient.Write([]byte("raw-from-client"))

	producerClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(producerClient).ReadString('\n')
	if err != nil {
		t.Fatalf("producer read: %v", err)
	}

	var frame protocol.ControlFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		t.Fatalf("unmarshal control frame: %v", err)
	}
	if frame.Cmd != protocol.CtlData {
		t.Fatalf("cmd = %q, want %q", frame.Cmd, protocol.CtlData)
	}
	decoded, err := frame.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != "raw-from-client" {
		t.Fatalf("got %q, want raw-from-client", decoded)
	}
}

func TestSplitterSlotReadyGrantsDataPortsOnce(t *testing.T) {
	s, _ := newTestSlot(t)

	producerClient, producerServer := loopback(t)
	defer producerClient.Close()
	s.producer = producerServer

	s.handleReady(true)
	if s.detLn == nil || s.dispLn == nil {
		t.Fatal("expected detector/display listeners to be granted")
	}
	firstDet, firstDisp := s.detPort, s.dispPort

	// A second ready must not re-grant ports.
	s.handleReady(true)
	if s.detPort != firstDet || s.dispPort != firstDisp {
		t.Fatalf("expected ports to stay stable across repeated ready, got (%d,%d) then (%d,%d)",
			firstDet, firstDisp, s.detPort, s.dispPort)
	}

	producerClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(producerClient).ReadString('\n')
	if err != nil {
		t.Fatalf("reading ports grant: %v", err)
	}
	var ports protocol.RendezvousPorts
	if err := json.Unmarshal([]byte(line), &ports); err != nil {
		t.Fatalf("unmarshal ports: %v", err)
	}
	if ports.Det != firstDet || ports.Disp != firstDisp {
		t.Fatalf("ports grant mismatch: got %+v", ports)
	}

	s.detLn.Close()
	s.dispLn.Close()
}
