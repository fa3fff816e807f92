// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

// Package diag writes a rotated, gzip-compressed JSONL trail of periodic
// relay snapshots. It is a write-only debug artifact: the relay never reads
// it back, and it is not the registry's source of truth.
package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Writer appends JSON-encoded snapshots to a gzip stream, rotating to a new
// numbered file once maxLines is reached. A gzip stream can't be rewritten
// in place to drop old lines, so rotation means "start a fresh file": the
// prior file is left on disk as a complete, independently decompressible
// snapshot segment.
type Writer struct {
	mu       sync.Mutex
	dir      string
	maxLines int

	seq   int
	lines int

	file *os.File
	gz   *gzip.Writer
}

// New opens (or creates) dir and begins writing to its first segment.
func New(dir string, maxLines int) (*Writer, error) {
	if maxLines <= 0 {
		maxLines = 20000
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating diagnostics dir: %w", err)
	}
	w := &Writer{dir: dir, maxLines: maxLines}
	if err := w.openSegment(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) segmentPath() string {
	return filepath.Join(w.dir, fmt.Sprintf("snapshot-%05d.jsonl.gz", w.seq))
}

func (w *Writer) openSegment() error {
	f, err := os.OpenFile(w.segmentPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("opening diagnostics segment: %w", err)
	}
	w.file = f
	w.gz = gzip.NewWriter(f)
	w.lines = 0
	return nil
}

// Write appends v as one JSON line to the current segment, rotating to a
// new segment first if the current one has reached maxLines.
func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lines >= w.maxLines {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.gz.Write(data); err != nil {
		return err
	}
	if err := w.gz.Flush(); err != nil {
		return err
	}
	w.lines++
	return nil
}

func (w *Writer) rotate() error {
	if err := w.gz.Close(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.seq++
	return w.openSegment()
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.gz.Close(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
