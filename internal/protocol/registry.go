// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/json"
	"fmt"
)

// RegistryEnvelopeMagic identifies the registry's reply envelope on the
// wire ("m":"PNSD"). Requests an edge sends carry no envelope magic; only
// replies the relay sends are wrapped in it.
const RegistryEnvelopeMagic = "PNSD"

// Registry commands.
const (
	RegCmdHelo = "helo"
	RegCmdBye  = "bye"
	RegCmdList = "list"
	RegCmdFind = "find"
)

// RegistryService describes one advertised service, exactly as carried in a
// helo request and in a list/find reply.
type RegistryService struct {
	ID   string `json:"id"`
	Svc  string `json:"svc"`
	IP   string `json:"ip,omitempty"`
	Port int    `json:"port"`
	Data int    `json:"data"`
	Caps string `json:"caps,omitempty"`
}

// RegistryHelo announces (or updates) a service advertisement.
type RegistryHelo struct {
	Cmd  string `json:"cmd"`
	ID   string `json:"id"`
	Svc  string `json:"svc"`
	Port int    `json:"port"`
	Data int    `json:"data"`
	Caps string `json:"caps,omitempty"`
}

// NewRegistryHelo builds a helo announcement.
func NewRegistryHelo(id, svc string, port, data int, caps string) RegistryHelo {
	return RegistryHelo{Cmd: RegCmdHelo, ID: id, Svc: svc, Port: port, Data: data, Caps: caps}
}

// RegistryBye withdraws a previously announced service. Svc is optional;
// when empty, every service owned by ID is withdrawn.
type RegistryBye struct {
	Cmd string `json:"cmd"`
	ID  string `json:"id"`
	Svc string `json:"svc,omitempty"`
}

// NewRegistryBye builds a bye withdrawal.
func NewRegistryBye(id, svc string) RegistryBye {
	return RegistryBye{Cmd: RegCmdBye, ID: id, Svc: svc}
}

// RegistryQuery is a list or find request. Svc is empty for a plain list.
type RegistryQuery struct {
	Cmd string `json:"cmd"`
	Svc string `json:"svc,omitempty"`
}

// NewRegistryListRequest builds a list query.
func NewRegistryListRequest() RegistryQuery {
	return RegistryQuery{Cmd: RegCmdList}
}

// NewRegistryFindRequest builds a find query for the given service kind.
func NewRegistryFindRequest(svc string) RegistryQuery {
	return RegistryQuery{Cmd: RegCmdFind, Svc: svc}
}

// RegistryReply is the PNSD envelope sent in response to list/find:
// `{"m":"PNSD","v":1,"cmd":"list","services":[...]}`.
type RegistryReply struct {
	Magic    string            `json:"m"`
	Ver      int               `json:"v"`
	Cmd      string            `json:"cmd"`
	Services []RegistryService `json:"services"`
}

// NewRegistryReply builds a list/find reply carrying the matching services.
// On the wire the envelope's cmd is always "list" regardless of whether a
// list or find request produced it, so callers should pass RegCmdList
// rather than echoing the request's own command.
func NewRegistryReply(cmd string, services []RegistryService) RegistryReply {
	if services == nil {
		services = []RegistryService{}
	}
	return RegistryReply{Magic: RegistryEnvelopeMagic, Ver: 1, Cmd: cmd, Services: services}
}

// registryEnvelope is used to sniff "cmd" before picking a concrete type.
type registryEnvelope struct {
	Cmd string `json:"cmd"`
}

// ParseRegistryCommand reports the "cmd" field of a registry line. An
// unrecognized or missing cmd is the caller's job to drop silently; this
// only surfaces a JSON parse failure.
func ParseRegistryCommand(line []byte) (cmd string, err error) {
	var env registryEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAnObject, err)
	}
	return env.Cmd, nil
}
