// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// pairedBridgeBufferSize is the reused transient staging buffer for one
// forwarding direction.
const pairedBridgeBufferSize = 64 * 1024

// ErrPairFull is returned by AcceptSlot when both slots of a PairedPipe are
// already occupied.
var ErrPairFull = errors.New("relay: paired pipe already has two peers")

// pairedSlot holds one side of a PairedPipe.
type pairedSlot struct {
	conn net.Conn
	ip   string
}

// PairedPipe bridges exactly two peers bidirectionally on a single port,
// typically a splitter and a remote control client. Slot A fills first; a
// third accept is rejected immediately. Either side may drop
// and reconnect independently; the other slot is retained until it too
// errors, which is what lets a splitter's control channel survive a client
// disconnecting and coming back.
type PairedPipe struct {
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	a, b *pairedSlot

	bytesAToB atomic.Int64
	bytesBToA atomic.Int64
}

// NewPairedPipe constructs an empty PairedPipe.
func NewPairedPipe(name string, logger *slog.Logger) *PairedPipe {
	return &PairedPipe{
		name:   name,
		logger: logger.With("component", "paired_pipe", "pipe", name),
	}
}

// AcceptSlot fills slot A first, then slot B. A third connection is
// rejected with ErrPairFull and must be closed by the caller. Each accepted
// peer gets its own forwarding goroutine at once, whether or not its partner
// slot is filled yet.
func (p *PairedPipe) AcceptSlot(conn net.Conn) error {
	ip := conn.RemoteAddr().String()

	p.mu.Lock()
	var which string
	switch {
	case p.a == nil:
		p.a = &pairedSlot{conn: conn, ip: ip}
		which = "A"
	case p.b == nil:
		p.b = &pairedSlot{conn: conn, ip: ip}
		which = "B"
	default:
		p.mu.Unlock()
		return ErrPairFull
	}
	p.mu.Unlock()

	p.logger.Info("slot filled", "slot", which, "addr", ip)
	go p.forward(conn, which)
	return nil
}

// forward copies bytes from the slot identified by which to its partner,
// for as long as the source stays connected; bytes read while the partner
// slot is empty are discarded. EOF or a non-transient error
// closes only the reading slot; the partner slot is left open so it can be
// rebridged once a new peer fills the vacancy.
func (p *PairedPipe) forward(src net.Conn, which string) {
	buf := make([]byte, pairedBridgeBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if dst := p.partnerConn(which); dst != nil {
				if _, werr := dst.Write(buf[:n]); werr == nil {
					p.addBytes(which, int64(n))
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("slot read error", "slot", which, "error", err)
			}
			p.clearSlot(src, which)
			return
		}
	}
}

func (p *PairedPipe) partnerConn(which string) net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if which == "A" {
		if p.b != nil {
			return p.b.conn
		}
		return nil
	}
	if p.a != nil {
		return p.a.conn
	}
	return nil
}

func (p *PairedPipe) addBytes(which string, n int64) {
	if which == "A" {
		p.bytesAToB.Add(n)
	} else {
		p.bytesBToA.Add(n)
	}
}

func (p *PairedPipe) clearSlot(conn net.Conn, which string) {
	p.mu.Lock()
	if which == "A" && p.a != nil && p.a.conn == conn {
		p.a = nil
	} else if which == "B" && p.b != nil && p.b.conn == conn {
		p.b = nil
	}
	p.mu.Unlock()
	conn.Close()
	p.logger.Info("slot vacated", "slot", which)
}

// PairedPipeStats is a point-in-time snapshot of a PairedPipe's state.
type PairedPipeStats struct {
	Name      string
	HasA      bool
	HasB      bool
	AddrA     string
	AddrB     string
	BytesAToB int64
	BytesBToA int64
}

// Stats returns a point-in-time snapshot of the pipe.
func (p *PairedPipe) Stats() PairedPipeStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := PairedPipeStats{
		Name:      p.name,
		HasA:      p.a != nil,
		HasB:      p.b != nil,
		BytesAToB: p.bytesAToB.Load(),
		BytesBToA: p.bytesBToA.Load(),
	}
	if p.a != nil {
		s.AddrA = p.a.ip
	}
	if p.b != nil {
		s.AddrB = p.b.ip
	}
	return s
}
