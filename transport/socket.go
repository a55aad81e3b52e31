// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the non-blocking datagram socket
// abstraction peer protocol endpoints send and receive through
// (spec.md §6.2), plus a reference UDP implementation.
package transport

import "github.com/synctide/rollback/wire"

// Packet pairs a decoded message with the address it arrived from.
type Packet struct {
	From Addr
	Msg  *wire.Message
}

// Addr is the address abstraction a Socket operates over. A
// *net.UDPAddr satisfies this via its String method; hosts using a
// different transport (in-process pipes for tests, a game platform's
// own networking layer) supply their own Addr implementation.
type Addr interface {
	String() string
}

// Socket is the capability set every peer endpoint is constructed
// with: non-blocking send, and a drain-everything receive. Datagram
// boundaries are preserved; the transport is assumed unreliable,
// unordered, and potentially duplicating (spec.md §6.2).
type Socket interface {
	// SendTo transmits msg to addr. It never blocks and may silently
	// drop the datagram; send failures are not surfaced to callers
	// (spec.md §7 treats the transport as unreliable).
	SendTo(msg *wire.Message, addr Addr)

	// ReceiveAll returns every datagram that has arrived since the last
	// call, decoded into Packets. It never blocks.
	ReceiveAll() []Packet
}
