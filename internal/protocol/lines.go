// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import "bytes"

// MaxLineSize bounds a single newline-delimited protocol message. It applies
// to the rendezvous handshake, the splitter control channel, and the
// registry protocol alike.
const MaxLineSize = 8 * 1024

// LineAccumulator buffers partial reads from a connection and yields
// complete newline-delimited messages: accumulate, split on '\n', process
// each complete message, retain the tail. A pending message with no newline
// within MaxLineSize is a protocol error; Feed resets the buffer and
// reports it rather than growing without bound.
type LineAccumulator struct {
	buf bytes.Buffer
}

// Feed appends p to the pending buffer and returns every complete line it
// now contains (without the trailing '\n'). ok is false if the pending
// buffer overflowed MaxLineSize without a newline; the accumulator resets
// itself in that case, discarding the oversize partial message.
func (a *LineAccumulator) Feed(p []byte) (lines [][]byte, ok bool) {
	a.buf.Write(p)

	for {
		raw := a.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		lines = append(lines, line)
		a.buf.Next(idx + 1)
	}

	if a.buf.Len() > MaxLineSize {
		a.buf.Reset()
		return lines, false
	}
	return lines, true
}

// Reset discards any pending partial message.
func (a *LineAccumulator) Reset() {
	a.buf.Reset()
}
