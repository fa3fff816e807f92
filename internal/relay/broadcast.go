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
	"time"

	"github.com/pnrelay/signal-relay/internal/protocol"
)

// producerRecvSize bounds a single recv from the producer socket, so no
// producer can monopolize a broadcast pipe's goroutine beyond one chunk at
// a time.
const producerRecvSize = 64 * 1024

// consumerDrainChunk bounds a single send to a consumer socket.
const consumerDrainChunk = 8 * 1024

// drainIdleInterval is how long a consumer's drain goroutine sleeps when its
// ring buffer is empty.
const drainIdleInterval = 10 * time.Millisecond

// ErrConsumerCapReached is returned by AcceptConsumer when the pipe is
// already serving its configured maximum number of consumers.
var ErrConsumerCapReached = errors.New("relay: broadcast pipe at consumer capacity")

// BroadcastPipe fans a single producer's byte stream out to many consumers,
// each buffered through its own overwrite-on-full RingBuffer. The relay
// never parses the stream: frames and headers are opaque bytes in flight,
// replayed verbatim except for the StreamHeader preamble the pipe itself
// owns.
type BroadcastPipe struct {
	name     string
	header   protocol.StreamHeader
	headerBS [protocol.StreamHeaderSize]byte

	maxConsumers int
	ringCapacity int64
	logger       *slog.Logger

	mu        sync.Mutex
	producer  net.Conn
	consumers []*Consumer

	bytesRelayed        atomic.Int64
	framesRelayed       atomic.Int64
	consumersEverServed atomic.Int64
}

// NewBroadcastPipe constructs a BroadcastPipe for one named stream.
func NewBroadcastPipe(name string, header protocol.StreamHeader, maxConsumers int, ringCapacity int64, logger *slog.Logger) *BroadcastPipe {
	return &BroadcastPipe{
		name:         name,
		header:       header,
		headerBS:     header.Encode(),
		maxConsumers: maxConsumers,
		ringCapacity: ringCapacity,
		logger:       logger.With("component", "broadcast_pipe", "stream", name),
	}
}

// Name returns the stream name this pipe was configured with.
func (p *BroadcastPipe) Name() string { return p.name }

// AcceptProducer attaches conn as the pipe's producer. A pipe holds at most
// one producer at any instant; a new producer connection evicts the previous
// one. It spawns the goroutine that reads from conn and fans bytes out to
// every consumer.
func (p *BroadcastPipe) AcceptProducer(conn net.Conn) {
	p.mu.Lock()
	old := p.producer
	p.producer = conn
	p.mu.Unlock()

	if old != nil {
		p.logger.Info("replacing producer", "old_addr", old.RemoteAddr().String(), "new_addr", conn.RemoteAddr().String())
		old.Close()
	} else {
		p.logger.Info("producer attached", "addr", conn.RemoteAddr().String())
	}

	go p.producerLoop(conn)
}

// AcceptConsumer registers a newly accepted consumer connection, rejecting
// it if the pipe is already at its consumer cap. On success it starts the
// consumer's dedicated drain goroutine.
func (p *BroadcastPipe) AcceptConsumer(conn net.Conn) error {
	p.mu.Lock()
	if len(p.consumers) >= p.maxConsumers {
		p.mu.Unlock()
		return ErrConsumerCapReached
	}
	c := newConsumer(conn, p.ringCapacity)
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()

	p.consumersEverServed.Add(1)
	p.logger.Info("consumer attached", "addr", c.Addr(), "consumers", p.ConsumerCount())

	go p.drainConsumer(c)
	return nil
}

// producerLoop repeatedly reads up to producerRecvSize bytes from the
// producer socket and fans them out to every currently attached consumer's
// ring buffer. It exits on EOF or a non-transient error; producer disconnect
// leaves the pipe alive, and consumers keep draining whatever is buffered.
func (p *BroadcastPipe) producerLoop(conn net.Conn) {
	buf := make([]byte, producerRecvSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			p.fanOut(buf[:n])
			p.bytesRelayed.Add(int64(n))
		}
		if err != nil {
			p.mu.Lock()
			if p.producer == conn {
				p.producer = nil
			}
			p.mu.Unlock()
			if !errors.Is(err, io.EOF) {
				p.logger.Debug("producer read error", "error", err)
			}
			p.logger.Info("producer detached", "addr", conn.RemoteAddr().String())
			conn.Close()
			return
		}
	}
}

// fanOut writes b into every attached consumer's ring buffer. Writes never
// block and never fail; a full ring overwrites its own oldest bytes rather
// than affecting any other consumer. A slow consumer loses history, it is
// never dropped for lagging.
func (p *BroadcastPipe) fanOut(b []byte) {
	p.mu.Lock()
	consumers := make([]*Consumer, len(p.consumers))
	copy(consumers, p.consumers)
	p.mu.Unlock()

	for _, c := range consumers {
		c.buf.Write(b)
	}
}

// drainConsumer first sends the StreamHeader exactly once, then repeatedly
// drains the consumer's ring buffer to its socket. Each send blocks until
// the socket accepts the whole chunk, so backpressure only stalls this
// consumer's goroutine while its ring keeps absorbing (and, when full,
// overwriting) producer bytes. Any socket error drops the consumer.
func (p *BroadcastPipe) drainConsumer(c *Consumer) {
	defer p.removeConsumer(c)

	if err := p.sendHeader(c); err != nil {
		p.logger.Debug("consumer header send failed", "addr", c.Addr(), "error", err)
		return
	}

	chunk := make([]byte, consumerDrainChunk)
	for {
		n, _ := c.buf.Read(chunk)
		if n == 0 {
			time.Sleep(drainIdleInterval)
			continue
		}
		if err := p.sendAll(c, chunk[:n]); err != nil {
			p.logger.Debug("consumer write failed", "addr", c.Addr(), "error", err)
			return
		}
		c.framesSent.Add(1)
		p.framesRelayed.Add(1)
	}
}

// sendHeader delivers the 16-byte StreamHeader to a freshly attached
// consumer. No payload byte may precede it.
func (p *BroadcastPipe) sendHeader(c *Consumer) error {
	if err := p.sendAll(c, p.headerBS[:]); err != nil {
		return err
	}
	c.headerSent.Store(true)
	return nil
}

// sendAll writes b to the consumer socket in full. Since net.Conn.Write
// blocks until the full slice is written or an error occurs, a short write
// only happens together with an error; the unsent remainder is then put back
// at the front of the ring (Unread), and the error is returned, on which the
// caller drops the consumer.
func (p *BroadcastPipe) sendAll(c *Consumer, b []byte) error {
	n, err := c.conn.Write(b)
	if err != nil {
		if n > 0 && n < len(b) {
			c.buf.Unread(len(b) - n)
		}
		return err
	}
	return nil
}

func (p *BroadcastPipe) removeConsumer(c *Consumer) {
	p.mu.Lock()
	for i, existing := range p.consumers {
		if existing == c {
			p.consumers = append(p.consumers[:i], p.consumers[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	c.close()
	p.logger.Info("consumer detached", "addr", c.Addr(), "frames_sent", c.FramesSent(), "overflows", c.Overflows())
}

// ConsumerCount reports how many consumers are currently attached.
func (p *BroadcastPipe) ConsumerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers)
}

// HasProducer reports whether a producer is currently attached.
func (p *BroadcastPipe) HasProducer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.producer != nil
}

// BroadcastPipeStats is a point-in-time snapshot of a BroadcastPipe's counters, used by
// the status report and the observability surface.
type BroadcastPipeStats struct {
	Name                string
	HasProducer         bool
	Consumers           int
	BytesRelayed        int64
	FramesRelayed       int64
	ConsumersEverServed int64
}

// Stats returns a point-in-time snapshot of the pipe's counters.
func (p *BroadcastPipe) Stats() BroadcastPipeStats {
	return BroadcastPipeStats{
		Name:                p.name,
		HasProducer:         p.HasProducer(),
		Consumers:           p.ConsumerCount(),
		BytesRelayed:        p.bytesRelayed.Load(),
		FramesRelayed:       p.framesRelayed.Load(),
		ConsumersEverServed: p.consumersEverServed.Load(),
	}
}
