// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRegistryHeloRoundTrip(t *testing.T) {
	msg := NewRegistryHelo("KY4OLB-SDR1", "sdr_server", 4535, 4536, "rsp1a")

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	cmd, err := ParseRegistryCommand(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd != RegCmdHelo {
		t.Fatalf("cmd = %q, want %q", cmd, RegCmdHelo)
	}

	var decoded RegistryHelo
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != "KY4OLB-SDR1" || decoded.Svc != "sdr_server" || decoded.Port != 4535 || decoded.Data != 4536 || decoded.Caps != "rsp1a" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestRegistryReplyRoundTrip(t *testing.T) {
	services := []RegistryService{
		{ID: "KY4OLB-SDR1", Svc: "sdr_server", IP: "203.0.113.5", Port: 4535, Data: 4536, Caps: "rsp1a"},
	}
	raw, err := json.Marshal(NewRegistryReply(RegCmdFind, services))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded RegistryReply
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Magic != RegistryEnvelopeMagic || decoded.Ver != 1 {
		t.Fatalf("envelope mismatch: %+v", decoded)
	}
	if len(decoded.Services) != 1 || decoded.Services[0].ID != "KY4OLB-SDR1" {
		t.Fatalf("expected 1 service, got %+v", decoded.Services)
	}
}

func TestRegistryReplyEmptyServicesNotNull(t *testing.T) {
	raw, err := json.Marshal(NewRegistryReply(RegCmdList, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got := string(raw); !strings.Contains(got, `"services":[]`) {
		t.Fatalf("expected empty array, got %s", got)
	}
}

func TestParseRegistryCommandRejectsNonObject(t *testing.T) {
	if _, err := ParseRegistryCommand([]byte(`not json`)); err == nil {
		t.Fatal("expected error for non-JSON line")
	}
}
