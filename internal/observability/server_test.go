// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pnrelay/signal-relay/internal/config"
	"github.com/pnrelay/signal-relay/internal/protocol"
	"github.com/pnrelay/signal-relay/internal/relay"
)

type fakeSnapshotter struct {
	snapshot relay.StatusReport
	services []protocol.RegistryService
}

func (f *fakeSnapshotter) Snapshot() relay.StatusReport         { return f.snapshot }
func (f *fakeSnapshotter) Services() []protocol.RegistryService { return f.services }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleStatusReturnsSnapshotJSON(t *testing.T) {
	fake := &fakeSnapshotter{snapshot: relay.StatusReport{UptimeSeconds: 42}}
	s := NewServer(config.WebUIConfig{}, fake, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got relay.StatusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.UptimeSeconds != 42 {
		t.Fatalf("uptime = %v, want 42", got.UptimeSeconds)
	}
}

func TestHandleServicesReturnsServiceList(t *testing.T) {
	fake := &fakeSnapshotter{services: []protocol.RegistryService{
		{ID: "node-1", Svc: "sdr_server", Port: 4535, Data: 4536},
	}}
	s := NewServer(config.WebUIConfig{}, fake, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/services", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var got []protocol.RegistryService
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].ID != "node-1" {
		t.Fatalf("unexpected services: %+v", got)
	}
}
