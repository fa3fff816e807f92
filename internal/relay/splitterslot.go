// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package relay

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pnrelay/signal-relay/internal/protocol"
)

// SplitterSlot is the long-lived control session between the relay and one
// producer, established after a successful rendezvous hello.
// Its listener accepts the producer's reconnect as the first peer and, if a
// remote control client later connects to the same port, that becomes the
// slot's second peer, mirroring a PairedPipe but speaking the splitter's
// newline-JSON framing instead of raw bytes.
type SplitterSlot struct {
	nodeID      string
	sessionID   string // correlation id threaded through this slot's log lines
	peerIP      string
	controlPort int
	controlLn   net.Listener

	allocator *RendezvousAllocator
	logger    *slog.Logger

	mu         sync.Mutex
	producer   net.Conn
	client     net.Conn
	hasSDR     bool
	detPort    int
	dispPort   int
	detLn      net.Listener
	dispLn     net.Listener

	recvBuf  protocol.LineAccumulator
	lastSeen atomic.Int64

	closed atomic.Bool
}

func newSplitterSlot(nodeID, peerIP string, controlPort int, ln net.Listener, allocator *RendezvousAllocator, logger *slog.Logger) *SplitterSlot {
	sessionID := uuid.NewString()
	s := &SplitterSlot{
		nodeID:      nodeID,
		sessionID:   sessionID,
		peerIP:      peerIP,
		controlPort: controlPort,
		controlLn:   ln,
		allocator:   allocator,
		logger:      logger.With("component", "splitter_slot", "node_id", nodeID, "session_id", sessionID, "control_port", controlPort),
	}
	s.touch()
	return s
}

func (s *SplitterSlot) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen reports the last time this slot's producer sent a complete line.
func (s *SplitterSlot) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// acceptLoop accepts the producer's reconnect (the slot's first peer) and,
// afterward, at most one control-client peer. A third accept is rejected.
func (s *SplitterSlot) acceptLoop() {
	for {
		conn, err := s.controlLn.Accept()
		if err != nil {
			return // listener closed, slot torn down
		}

		s.mu.Lock()
		switch {
		case s.producer == nil:
			s.producer = conn
			s.mu.Unlock()
			s.logger.Info("producer reconnected on assigned control port", "addr", conn.RemoteAddr().String())
			go s.producerReadLoop(conn)
		case s.client == nil:
			s.client = conn
			s.mu.Unlock()
			s.logger.Info("control client attached", "addr", conn.RemoteAddr().String())
			go s.clientReadLoop(conn)
		default:
			s.mu.Unlock()
			conn.Close()
		}
	}
}

// producerReadLoop accumulates newline-delimited JSON from the producer and
// dispatches each complete line. An oversize pending message with no newline
// is a protocol error that resets the accumulator but keeps the connection
// open.
func (s *SplitterSlot) producerReadLoop(conn net.Conn) {
	defer s.detachProducer(conn)

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			lines, ok := s.recvBuf.Feed(buf[:n])
			if !ok {
				s.logger.Warn("control message overflow, resetting buffer")
			}
			for _, line := range lines {
				s.touch()
				s.handleProducerLine(line)
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *SplitterSlot) handleProducerLine(line []byte) {
	if len(line) == 0 || line[0] != '{' {
		return // not a JSON object; dropped
	}

	if cmd, err := protocol.ParseRendezvousCommand(line); err == nil {
		switch cmd {
		case protocol.CmdReady:
			var ready protocol.RendezvousReady
			if json.Unmarshal(line, &ready) == nil {
				s.handleReady(ready.HasSDR == "true")
			}
		case protocol.CmdPong:
			// liveness only; touch() above already recorded it
		}
		return
	}

	var frame protocol.ControlFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		s.logger.Debug("unparseable control frame", "error", err)
		return
	}
	if frame.Cmd == protocol.CtlData {
		payload, err := frame.Decode()
		if err != nil {
			s.logger.Debug("bad data frame payload", "error", err)
			return
		}
		s.forwardToClient(payload)
	}
}

// handleReady allocates the detector/display data ports once, on the first
// "ready" message, and replies with the grant.
func (s *SplitterSlot) handleReady(hasSDR bool) {
	s.mu.Lock()
	if s.detLn != nil {
		s.mu.Unlock()
		return // already granted
	}
	s.hasSDR = hasSDR
	s.mu.Unlock()

	detLn, dispLn, detPort, dispPort, err := s.allocator.allocateDataPorts()
	if err != nil {
		s.logger.Error("data port allocation failed", "error", err)
		return
	}

	s.mu.Lock()
	s.detLn, s.dispLn = detLn, dispLn
	s.detPort, s.dispPort = detPort, dispPort
	producer := s.producer
	s.mu.Unlock()

	go s.acceptDataSource(detLn, s.allocator.detectorPipe)
	go s.acceptDataSource(dispLn, s.allocator.displayPipe)

	if producer == nil {
		return
	}
	ports := protocol.NewRendezvousPorts(detPort, dispPort)
	payload, _ := json.Marshal(ports)
	producer.SetWriteDeadline(time.Now().Add(helloReadTimeout))
	if _, err := producer.Write(append(payload, '\n')); err != nil {
		s.logger.Debug("ports reply write failed", "error", err)
	}
}

// acceptDataSource accepts the single producer connection on a granted data
// port and feeds it into the shared BroadcastPipe as that pipe's producer.
func (s *SplitterSlot) acceptDataSource(ln net.Listener, pipe *BroadcastPipe) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	pipe.AcceptProducer(conn)
}

// clientReadLoop reads raw bytes from the control client and wraps each
// chunk as a base64 "d" frame forwarded to the producer.
func (s *SplitterSlot) clientReadLoop(conn net.Conn) {
	defer s.detachClient(conn)

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.forwardToProducer(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (s *SplitterSlot) forwardToProducer(payload []byte) {
	s.mu.Lock()
	producer := s.producer
	s.mu.Unlock()
	if producer == nil {
		return
	}
	frame := protocol.NewDataFrame(payload)
	data, _ := json.Marshal(frame)
	producer.SetWriteDeadline(time.Now().Add(helloReadTimeout))
	producer.Write(append(data, '\n'))
}

func (s *SplitterSlot) forwardToClient(payload []byte) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}
	client.Write(payload)
}

func (s *SplitterSlot) detachProducer(conn net.Conn) {
	s.mu.Lock()
	if s.producer == conn {
		s.producer = nil
	}
	s.mu.Unlock()
	conn.Close()
	s.logger.Info("producer control connection closed")
}

func (s *SplitterSlot) detachClient(conn net.Conn) {
	s.mu.Lock()
	if s.client == conn {
		s.client = nil
	}
	s.mu.Unlock()
	conn.Close()
	s.logger.Info("control client connection closed")
}

// close tears down every socket the slot owns.
func (s *SplitterSlot) close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.controlLn.Close()
	if s.producer != nil {
		s.producer.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	if s.detLn != nil {
		s.detLn.Close()
	}
	if s.dispLn != nil {
		s.dispLn.Close()
	}
}
