// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package relay

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/pnrelay/signal-relay/internal/protocol"
)

// attachEdge starts a registry session the way handleRegistryConn would
// after a real accept, returning the client side of the connection.
func attachEdge(t *testing.T, r *Relay) net.Conn {
	t.Helper()
	client, server := loopback(t)
	go r.serveRegistryConn(server)
	return client
}

func queryServices(t *testing.T, conn net.Conn, query protocol.RegistryQuery) []protocol.RegistryService {
	t.Helper()
	payload, _ := json.Marshal(query)
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		t.Fatalf("writing query: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}

	var reply protocol.RegistryReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Magic != protocol.RegistryEnvelopeMagic || reply.Ver != 1 || reply.Cmd != protocol.RegCmdList {
		t.Fatalf("unexpected envelope: %+v", reply)
	}
	return reply.Services
}

// TestRegistrySessionHeloFindRoundTrip drives the registry protocol over
// real sockets: one edge advertises an sdr_server, a second edge finds it,
// and the reply carries the advertiser's own IP with the advertised ports.
func TestRegistrySessionHeloFindRoundTrip(t *testing.T) {
	r := New(testConfig(), discardLogger())

	advertiser := attachEdge(t, r)
	defer advertiser.Close()

	helo := protocol.NewRegistryHelo("KY4OLB-SDR1", "sdr_server", 4535, 4536, "rsp1a")
	payload, _ := json.Marshal(helo)
	if _, err := advertiser.Write(append(payload, '\n')); err != nil {
		t.Fatalf("writing helo: %v", err)
	}

	// The helo has no reply; wait until the registry reflects it before
	// querying from the second edge.
	deadline := time.Now().Add(2 * time.Second)
	for r.registry.Stats().Services == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	seeker := attachEdge(t, r)
	defer seeker.Close()

	found := queryServices(t, seeker, protocol.NewRegistryFindRequest("sdr_server"))
	if len(found) != 1 {
		t.Fatalf("expected exactly 1 service, got %d", len(found))
	}
	svc := found[0]
	if svc.ID != "KY4OLB-SDR1" || svc.Svc != "sdr_server" || svc.Port != 4535 || svc.Data != 4536 || svc.Caps != "rsp1a" {
		t.Fatalf("unexpected service: %+v", svc)
	}
	wantIP, _, _ := net.SplitHostPort(advertiser.LocalAddr().String())
	if svc.IP != wantIP {
		t.Fatalf("service IP = %q, want the advertising edge's address %q", svc.IP, wantIP)
	}

	if none := queryServices(t, seeker, protocol.NewRegistryFindRequest("controller")); len(none) != 0 {
		t.Fatalf("expected no controller services, got %+v", none)
	}
}

// TestRegistrySessionDisconnectPurgesServices covers the edge-disconnect
// rule: closing the advertising edge's socket withdraws everything it
// advertised, so an immediate list from another edge comes back empty.
func TestRegistrySessionDisconnectPurgesServices(t *testing.T) {
	r := New(testConfig(), discardLogger())

	advertiser := attachEdge(t, r)
	helo := protocol.NewRegistryHelo("KY4OLB-SDR1", "sdr_server", 4535, 4536, "rsp1a")
	payload, _ := json.Marshal(helo)
	if _, err := advertiser.Write(append(payload, '\n')); err != nil {
		t.Fatalf("writing helo: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.registry.Stats().Services == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	advertiser.Close()
	deadline = time.Now().Add(2 * time.Second)
	for r.registry.Stats().Edges != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	seeker := attachEdge(t, r)
	defer seeker.Close()
	if remaining := queryServices(t, seeker, protocol.NewRegistryListRequest()); len(remaining) != 0 {
		t.Fatalf("expected empty service list after edge disconnect, got %+v", remaining)
	}
}

// TestRegistrySessionIgnoresGarbageLines confirms the session survives a
// non-JSON line and an unknown command without dropping the connection.
func TestRegistrySessionIgnoresGarbageLines(t *testing.T) {
	r := New(testConfig(), discardLogger())

	edge := attachEdge(t, r)
	defer edge.Close()

	edge.Write([]byte("PING not-json\n"))
	edge.Write([]byte(`{"cmd":"frobnicate"}` + "\n"))

	// The connection must still service a well-formed query afterward.
	if services := queryServices(t, edge, protocol.NewRegistryListRequest()); len(services) != 0 {
		t.Fatalf("expected empty list, got %+v", services)
	}
}
