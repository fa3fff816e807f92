// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package relay

import (
	"errors"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pnrelay/signal-relay/internal/protocol"
)

// ErrEdgeCapReached is returned by AddEdge once MaxEdges sessions are open.
var ErrEdgeCapReached = errors.New("relay: registry at edge capacity")

// ErrServiceCapReached is returned by Helo once MaxServices entries exist.
var ErrServiceCapReached = errors.New("relay: registry at service capacity")

// EdgeNode is one connected registry session. Edges are keyed by a
// monotonic id assigned on accept rather than a dense array index, so
// removal never requires renumbering survivors. SessionID is a separate,
// process-unique correlation id logged on this edge's connect, disconnect
// and idle-sweep lines, distinct from the stable ID used as the map key and
// in Service.EdgeID.
type EdgeNode struct {
	ID           uint64
	SessionID    string
	conn         net.Conn
	IP           string
	lastSeen     atomic.Int64 // unix nanos
	serviceCount atomic.Int32
}

func (e *EdgeNode) touch() { e.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen reports the last time this edge sent anything to the registry.
func (e *EdgeNode) LastSeen() time.Time { return time.Unix(0, e.lastSeen.Load()) }

// Service is a single advertised endpoint, unique per (id, kind), owned by
// exactly one EdgeNode. Its IP is always inherited from the owning edge,
// never trusted from the advertising message.
type Service struct {
	ID           string
	Kind         string
	EdgeID       uint64
	IP           string
	ControlPort  int
	DataPort     int
	Capabilities string
	RegisteredAt time.Time
}

// Registry is the flat in-memory database of EdgeNodes and the Services
// they advertise. All operations are safe for concurrent use. Lookup is
// map-keyed rather than a linear scan, but the fixed resource caps remain.
type Registry struct {
	logger *slog.Logger

	maxEdges    int
	maxServices int
	idleTimeout time.Duration

	mu       sync.RWMutex
	edges    map[uint64]*EdgeNode
	services map[string]*Service // keyed by id+"\x00"+kind

	nextEdgeID atomic.Uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry(maxEdges, maxServices int, idleTimeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		logger:      logger.With("component", "registry"),
		maxEdges:    maxEdges,
		maxServices: maxServices,
		idleTimeout: idleTimeout,
		edges:       make(map[uint64]*EdgeNode),
		services:    make(map[string]*Service),
	}
}

func serviceKey(id, kind string) string { return id + "\x00" + kind }

// UpdateCaps retunes the edge/service caps in place, for a config watcher to
// apply without dropping any currently connected edge.
func (r *Registry) UpdateCaps(maxEdges, maxServices int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxEdges > 0 {
		r.maxEdges = maxEdges
	}
	if maxServices > 0 {
		r.maxServices = maxServices
	}
}

// AddEdge registers a newly accepted registry connection and returns its
// EdgeNode, or ErrEdgeCapReached if the registry is already full.
func (r *Registry) AddEdge(conn net.Conn) (*EdgeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.edges) >= r.maxEdges {
		return nil, ErrEdgeCapReached
	}

	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if ip == "" {
		ip = conn.RemoteAddr().String()
	}

	e := &EdgeNode{ID: r.nextEdgeID.Add(1), SessionID: uuid.NewString(), conn: conn, IP: ip}
	e.touch()
	r.edges[e.ID] = e
	r.logger.Info("edge connected", "edge_id", e.ID, "session_id", e.SessionID, "ip", e.IP)
	return e, nil
}

// RemoveEdge deletes an EdgeNode and every Service it owns under one lock
// acquisition, so no query can ever observe a service whose owning edge is
// gone. With id-keyed storage no renumbering is required.
func (r *Registry) RemoveEdge(edgeID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.edges[edgeID]
	if !ok {
		return
	}
	delete(r.edges, edgeID)

	removed := 0
	for key, svc := range r.services {
		if svc.EdgeID == edgeID {
			delete(r.services, key)
			removed++
		}
	}
	r.logger.Info("edge disconnected", "edge_id", edgeID, "session_id", e.SessionID, "services_removed", removed)
}

// Touch refreshes an edge's last-seen timestamp. Called on every successful
// receive from that edge's connection.
func (r *Registry) Touch(edgeID uint64) {
	r.mu.RLock()
	e, ok := r.edges[edgeID]
	r.mu.RUnlock()
	if ok {
		e.touch()
	}
}

// Helo upserts a Service keyed by (id, kind), owned by edgeID. The IP is
// always the owning edge's IP, never the value in the message. Returns
// ErrServiceCapReached if inserting would exceed maxServices.
func (r *Registry) Helo(edgeID uint64, svcID, kind string, controlPort, dataPort int, caps string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.edges[edgeID]
	if !ok {
		return errors.New("relay: unknown edge id")
	}
	e.touch()

	key := serviceKey(svcID, kind)
	if _, exists := r.services[key]; !exists {
		if len(r.services) >= r.maxServices {
			return ErrServiceCapReached
		}
		e.serviceCount.Add(1)
	}

	r.services[key] = &Service{
		ID:           svcID,
		Kind:         kind,
		EdgeID:       edgeID,
		IP:           e.IP,
		ControlPort:  controlPort,
		DataPort:     dataPort,
		Capabilities: caps,
		RegisteredAt: time.Now(),
	}
	return nil
}

// Bye withdraws a Service. If kind is empty, every Service owned by id is
// withdrawn.
func (r *Registry) Bye(edgeID uint64, svcID, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.edges[edgeID]
	if ok {
		e.touch()
	}

	for key, svc := range r.services {
		if svc.ID != svcID || svc.EdgeID != edgeID {
			continue
		}
		if kind != "" && svc.Kind != kind {
			continue
		}
		delete(r.services, key)
		if ok {
			e.serviceCount.Add(-1)
		}
	}
}

// List returns every currently advertised Service, in a deterministic order.
func (r *Registry) List() []protocol.RegistryService {
	return r.find("")
}

// Find returns every Service of the given kind.
func (r *Registry) Find(kind string) []protocol.RegistryService {
	return r.find(kind)
}

func (r *Registry) find(kind string) []protocol.RegistryService {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.services))
	for k := range r.services {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]protocol.RegistryService, 0, len(keys))
	for _, k := range keys {
		svc := r.services[k]
		if kind != "" && svc.Kind != kind {
			continue
		}
		out = append(out, protocol.RegistryService{
			ID:   svc.ID,
			Svc:  svc.Kind,
			IP:   svc.IP,
			Port: svc.ControlPort,
			Data: svc.DataPort,
			Caps: svc.Capabilities,
		})
	}
	return out
}

// SweepIdleEdges removes every EdgeNode whose last-seen timestamp is older
// than the configured idle timeout (120s default), closing its connection
// and purging its services.
func (r *Registry) SweepIdleEdges() int {
	now := time.Now()

	r.mu.RLock()
	var stale []*EdgeNode
	for _, e := range r.edges {
		if now.Sub(e.LastSeen()) > r.idleTimeout {
			stale = append(stale, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range stale {
		r.logger.Info("sweeping idle edge", "edge_id", e.ID, "session_id", e.SessionID, "idle_for", now.Sub(e.LastSeen()))
		e.conn.Close()
		r.RemoveEdge(e.ID)
	}
	return len(stale)
}

// RegistryStats is a point-in-time snapshot for the status report.
type RegistryStats struct {
	Edges    int
	Services int
}

// Stats returns a point-in-time snapshot of the registry's size.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RegistryStats{Edges: len(r.edges), Services: len(r.services)}
}
