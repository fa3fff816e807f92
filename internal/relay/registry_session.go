// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package relay

import (
	"encoding/json"
	"net"

	"github.com/pnrelay/signal-relay/internal/protocol"
)

// serveRegistryConn runs the receive loop for one accepted registry
// connection: it registers an EdgeNode, accumulates newline-delimited JSON
// lines, dispatches each to the Registry, and removes the edge when the
// socket closes.
func (r *Relay) serveRegistryConn(conn net.Conn) {
	edge, err := r.registry.AddEdge(conn)
	if err != nil {
		r.logger.Warn("rejecting registry connection", "error", err, "addr", conn.RemoteAddr().String())
		conn.Close()
		return
	}
	defer func() {
		r.registry.RemoveEdge(edge.ID)
		conn.Close()
	}()

	var acc protocol.LineAccumulator
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			lines, ok := acc.Feed(buf[:n])
			if !ok {
				r.logger.Warn("registry message overflow, resetting buffer", "edge_id", edge.ID)
			}
			for _, line := range lines {
				r.registry.Touch(edge.ID)
				r.handleRegistryLine(conn, edge, line)
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *Relay) handleRegistryLine(conn net.Conn, edge *EdgeNode, line []byte) {
	if len(line) == 0 || line[0] != '{' {
		return
	}
	cmd, err := protocol.ParseRegistryCommand(line)
	if err != nil {
		r.logger.Debug("malformed registry line", "error", err)
		return
	}

	switch cmd {
	case protocol.RegCmdHelo:
		var helo protocol.RegistryHelo
		if err := json.Unmarshal(line, &helo); err != nil {
			return
		}
		if err := r.registry.Helo(edge.ID, helo.ID, helo.Svc, helo.Port, helo.Data, helo.Caps); err != nil {
			r.logger.Warn("helo rejected", "edge_id", edge.ID, "id", helo.ID, "svc", helo.Svc, "error", err)
		}

	case protocol.RegCmdBye:
		var bye protocol.RegistryBye
		if err := json.Unmarshal(line, &bye); err != nil {
			return
		}
		r.registry.Bye(edge.ID, bye.ID, bye.Svc)

	case protocol.RegCmdList:
		r.writeRegistryReply(conn, r.registry.List())

	case protocol.RegCmdFind:
		var q protocol.RegistryQuery
		if err := json.Unmarshal(line, &q); err != nil {
			return
		}
		// Reply envelopes always carry "cmd":"list", even for a find
		// request; existing clients key on that, not on an echo of their
		// own command.
		r.writeRegistryReply(conn, r.registry.Find(q.Svc))

	default:
		// unrecognized cmd: dropped, connection retained
	}
}

func (r *Relay) writeRegistryReply(conn net.Conn, services []protocol.RegistryService) {
	reply := protocol.NewRegistryReply(protocol.RegCmdList, services)
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	conn.Write(append(data, '\n'))
}
