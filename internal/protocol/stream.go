// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package protocol implements the wire formats spoken on the relay's five
// listening ports: the binary stream header, the rendezvous handshake, the
// splitter control channel, and the registry's newline-delimited JSON.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// StreamHeaderSize is the on-wire size of a StreamHeader, in bytes.
const StreamHeaderSize = 16

// MagicStreamHeader identifies a StreamHeader frame ("FT32").
var MagicStreamHeader = [4]byte{'F', 'T', '3', '2'}

// MagicDataFrame identifies a DataFrame header ("DATA"). The relay never
// inspects DataFrame contents; this constant exists only so a caller that
// wants to locate frame boundaries in a captured stream can recognize one.
var MagicDataFrame = [4]byte{'D', 'A', 'T', 'A'}

// StreamHeader is the 16-byte preamble replayed to every new Consumer before
// any payload byte: magic, sample rate in Hz, two reserved words. Fields are
// written little-endian so the encoding is stable across architectures.
type StreamHeader struct {
	SampleRate uint32
	Reserved1  uint32
	Reserved2  uint32
}

// Encode renders the header as its 16-byte wire form.
func (h StreamHeader) Encode() [StreamHeaderSize]byte {
	var buf [StreamHeaderSize]byte
	copy(buf[0:4], MagicStreamHeader[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.SampleRate)
	binary.LittleEndian.PutUint32(buf[8:12], h.Reserved1)
	binary.LittleEndian.PutUint32(buf[12:16], h.Reserved2)
	return buf
}

// DataFrameHeader mirrors the producer's DataFrame preamble. The relay
// forwards it as opaque payload bytes; DecodeDataFrameHeader exists only for
// tests and diagnostics that want to log frame boundaries without altering
// the pass-through path.
type DataFrameHeader struct {
	Sequence   uint32
	NumSamples uint32
	Reserved   uint32
}

// DecodeDataFrameHeader parses a 16-byte DataFrame header from r and returns
// ErrInvalidMagic if the first four bytes are not "DATA". The live relay path
// never calls it, so it cannot reject forwarded traffic.
func DecodeDataFrameHeader(r io.Reader) (*DataFrameHeader, error) {
	var buf [16]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("reading data frame header: %w", err)
	}
	if buf[0] != MagicDataFrame[0] || buf[1] != MagicDataFrame[1] ||
		buf[2] != MagicDataFrame[2] || buf[3] != MagicDataFrame[3] {
		return nil, fmt.Errorf("%w: expected DATA, got %q", ErrInvalidMagic, string(buf[0:4]))
	}
	return &DataFrameHeader{
		Sequence:   binary.LittleEndian.Uint32(buf[4:8]),
		NumSamples: binary.LittleEndian.Uint32(buf[8:12]),
		Reserved:   binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}
