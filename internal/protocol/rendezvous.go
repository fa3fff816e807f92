// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import "encoding/json"

// Rendezvous message types, all carrying "t":"r" on the wire.
const (
	CmdHello  = "hello"
	CmdAssign = "assign"
	CmdReady  = "ready"
	CmdPorts  = "ports"
	CmdPong   = "pong"
)

// RendezvousHello is the producer's initial identity announcement.
type RendezvousHello struct {
	Type string `json:"t"`
	Cmd  string `json:"c"`
	ID   string `json:"id"`
}

// NewRendezvousHello builds a hello message ready to marshal.
func NewRendezvousHello(nodeID string) RendezvousHello {
	return RendezvousHello{Type: "r", Cmd: CmdHello, ID: nodeID}
}

// RendezvousAssign grants the producer its private control port.
type RendezvousAssign struct {
	Type string `json:"t"`
	Cmd  string `json:"c"`
	Port int    `json:"p"`
}

// NewRendezvousAssign builds an assign reply.
func NewRendezvousAssign(port int) RendezvousAssign {
	return RendezvousAssign{Type: "r", Cmd: CmdAssign, Port: port}
}

// RendezvousReady requests the detector/display data ports, once the
// producer has reconnected on its assigned control port.
type RendezvousReady struct {
	Type   string `json:"t"`
	Cmd    string `json:"c"`
	HasSDR string `json:"has_sdr"`
}

// NewRendezvousReady builds a ready message.
func NewRendezvousReady(hasSDR bool) RendezvousReady {
	v := "false"
	if hasSDR {
		v = "true"
	}
	return RendezvousReady{Type: "r", Cmd: CmdReady, HasSDR: v}
}

// RendezvousPorts grants the detector and display data ports.
type RendezvousPorts struct {
	Type string `json:"t"`
	Cmd  string `json:"c"`
	Det  int    `json:"det"`
	Disp int    `json:"disp"`
}

// NewRendezvousPorts builds a ports reply.
func NewRendezvousPorts(det, disp int) RendezvousPorts {
	return RendezvousPorts{Type: "r", Cmd: CmdPorts, Det: det, Disp: disp}
}

// rendezvousEnvelope is used only to sniff the "c" field before deciding
// which concrete struct to unmarshal into.
type rendezvousEnvelope struct {
	Type string `json:"t"`
	Cmd  string `json:"c"`
}

// ParseRendezvousCommand reports the "c" field of a rendezvous line without
// fully decoding it, so the caller can dispatch to the matching struct.
func ParseRendezvousCommand(line []byte) (cmd string, err error) {
	var env rendezvousEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", err
	}
	if env.Type != "r" {
		return "", ErrUnknownCmd
	}
	return env.Cmd, nil
}
