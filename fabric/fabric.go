// Package fabric is the transport collaborator: reliable-ish, ordered-
// per-peer message send with explicit ack, referenced by interface only
// per the spec. InMem (mem.go) is a reference in-process
// implementation used by tests and migratectl's single-process demo —
// not a network transport.
/*
 * Copyright (c) 2024, Aerostore. All rights reserved.
 */
package fabric

import "github.com/aerostore/migrate/migrate/wire"

// Channel is the priority lane a message is sent on.
type Channel int

const (
	Low Channel = iota
	Medium
)

// SendStatus mirrors the fabric collaborator's send outcomes.
type SendStatus int

const (
	OK SendStatus = iota
	QueueFull
	NoNode
)

// Handler receives MIGRATE messages addressed to a node.
type Handler func(src string, msg *wire.Message)

// Fabric is the transport collaborator interface named in spec §6.
// Message ownership transfers to the fabric on OK; callers keep
// ownership (and may retry) on any other status.
type Fabric interface {
	Send(node string, msg *wire.Message, ch Channel) SendStatus
	RegisterHandler(h Handler)
}
