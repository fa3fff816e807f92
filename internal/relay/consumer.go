// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package relay wires the protocol, ring, config, and logging packages into
// the four core subsystems described by the relay: BroadcastPipe, PairedPipe,
// RendezvousAllocator, and Registry, plus the Relay value that owns and runs
// all of them.
package relay

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/pnrelay/signal-relay/internal/ring"
)

// Consumer is one accepted downstream subscriber to a BroadcastPipe. Every
// consumer gets its own RingBuffer so a slow reader can never stall the
// producer or its siblings; it can only fall behind and start losing its
// own oldest bytes.
type Consumer struct {
	conn net.Conn
	addr string

	buf        *ring.RingBuffer
	headerSent atomic.Bool

	connectedAt time.Time
	framesSent  atomic.Int64
}

func newConsumer(conn net.Conn, capacity int64) *Consumer {
	return &Consumer{
		conn:        conn,
		addr:        conn.RemoteAddr().String(),
		buf:         ring.New(capacity),
		connectedAt: time.Now(),
	}
}

// Addr returns the consumer's remote address.
func (c *Consumer) Addr() string { return c.addr }

// ConnectedAt reports when the consumer was accepted.
func (c *Consumer) ConnectedAt() time.Time { return c.connectedAt }

// FramesSent reports how many payload chunks the drain goroutine has sent
// to this consumer; the StreamHeader send is not counted.
func (c *Consumer) FramesSent() int64 { return c.framesSent.Load() }

// Overflows reports the consumer's ring buffer overflow counter.
func (c *Consumer) Overflows() int64 { return c.buf.Overflows() }

func (c *Consumer) close() {
	c.conn.Close()
}
