// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package ring implements the per-consumer circular buffer used by
// BroadcastPipe to decouple a single producer from many independent
// consumers. Unlike a backpressure ring buffer, Write never blocks: when the
// buffer is full it overwrites the oldest unread bytes and counts the loss,
// so one slow consumer can never stall the producer or its siblings.
package ring

import (
	"errors"
	"sync"
)

// ErrUnreadTooFar is returned by Unread when the requested bytes have
// already been evicted by a subsequent Write and can no longer be restored.
var ErrUnreadTooFar = errors.New("ring: bytes no longer available to unread")

// RingBuffer is a fixed-size circular byte buffer with overwrite-on-full
// semantics. It is safe for concurrent use by one writer and one reader,
// which matches its role inside BroadcastPipe: the producer goroutine calls
// Write, the consumer's own drain goroutine calls Read and Unread.
type RingBuffer struct {
	mu sync.Mutex

	buf      []byte
	capacity int64

	head    int64 // absolute count of bytes ever written
	readPos int64 // absolute count of bytes consumed so far

	overflows int64 // bytes discarded because the buffer was full
}

// New creates a RingBuffer with the given capacity in bytes. Capacity must
// be positive.
func New(capacity int64) *RingBuffer {
	if capacity <= 0 {
		panic("ring: capacity must be positive")
	}
	return &RingBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write copies p into the buffer. It never blocks and never returns an
// error: if p would overrun the available space, the oldest unread bytes
// are discarded first and Overflows grows by the number of bytes lost. The
// returned int is always len(p).
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	written := len(p)
	var prefixDropped int64
	if int64(written) > r.capacity {
		// p alone overruns the whole buffer, including anything already
		// buffered: only its trailing capacity bytes can ever be read back.
		prefixDropped = int64(written) - r.capacity
		r.overflows += prefixDropped
		p = p[prefixDropped:]
	}
	n := int64(len(p))

	used := r.head - r.readPos
	if over := used + n - r.capacity; over > 0 {
		r.readPos += over
		r.overflows += over
	}

	start := r.head % r.capacity
	if start+n <= r.capacity {
		copy(r.buf[start:], p)
	} else {
		first := r.capacity - start
		copy(r.buf[start:], p[:first])
		copy(r.buf[0:], p[first:])
	}
	r.head += n + prefixDropped

	return written, nil
}

// Read drains up to len(p) unread bytes, in FIFO order, returning the number
// copied. It never blocks: if no bytes are currently buffered it returns
// (0, nil), matching io.Reader's zero-progress-without-error convention for
// a non-blocking source.
func (r *RingBuffer) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	avail := r.head - r.readPos
	if avail <= 0 {
		return 0, nil
	}
	n := int64(len(p))
	if n > avail {
		n = avail
	}

	start := r.readPos % r.capacity
	if start+n <= r.capacity {
		copy(p, r.buf[start:start+n])
	} else {
		first := r.capacity - start
		copy(p, r.buf[start:])
		copy(p[first:], r.buf[:n-first])
	}
	r.readPos += n

	return int(n), nil
}

// Unread moves the read cursor back by n bytes, re-queuing data that was
// read but could not be forwarded (for example a partial socket write). It
// fails with ErrUnreadTooFar if those bytes have since been overwritten by
// the producer.
func (r *RingBuffer) Unread(n int) error {
	if n <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	newPos := r.readPos - int64(n)
	oldestValid := r.head - r.capacity
	if oldestValid < 0 {
		oldestValid = 0
	}
	if newPos < oldestValid {
		return ErrUnreadTooFar
	}
	r.readPos = newPos
	return nil
}

// Len reports how many unread bytes are currently buffered.
func (r *RingBuffer) Len() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head - r.readPos
}

// Overflows reports the cumulative number of bytes discarded because the
// buffer was full when they were written.
func (r *RingBuffer) Overflows() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflows
}

// Written reports the cumulative number of bytes ever written.
func (r *RingBuffer) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// Capacity returns the buffer's fixed size in bytes.
func (r *RingBuffer) Capacity() int64 {
	return r.capacity
}
