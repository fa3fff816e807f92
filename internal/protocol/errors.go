// Copyright (c) 2026 Phoenix Relay Project. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package protocol

import "errors"

// Protocol-level errors, shared across the rendezvous, control, and registry
// wire formats.
var (
	ErrInvalidMagic = errors.New("protocol: invalid magic bytes")
	ErrLineTooLong  = errors.New("protocol: message exceeds max line size")
	ErrNotAnObject  = errors.New("protocol: line is not a JSON object")
	ErrUnknownCmd   = errors.New("protocol: unrecognized command")
)
