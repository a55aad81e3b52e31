// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package protocol implements the per-remote peer protocol state
// machine (spec.md §4.3): handshake, input transmission with acks,
// quality measurement, keep-alive, and disconnect detection. It knows
// nothing about the sync layer or saved state; it only moves
// PlayerInput values and connection-status vectors across a
// transport.Socket and reports what happened via Event.
package protocol

import (
	"time"

	"github.com/synctide/rollback"
)

// EventKind discriminates what an Endpoint observed since the last
// drain. These map onto the session-level rollback.Event the host
// ultimately sees, with the Input kind additionally handed off to the
// sync layer rather than the host.
type EventKind int

const (
	EventSynchronizing EventKind = iota
	EventSynchronized
	EventNetworkInterrupted
	EventNetworkResumed
	EventDisconnected
	EventInput
)

func (k EventKind) String() string {
	switch k {
	case EventSynchronizing:
		return "Synchronizing"
	case EventSynchronized:
		return "Synchronized"
	case EventNetworkInterrupted:
		return "NetworkInterrupted"
	case EventNetworkResumed:
		return "NetworkResumed"
	case EventDisconnected:
		return "Disconnected"
	case EventInput:
		return "Input"
	default:
		return "Unknown"
	}
}

// Event is a single notification an Endpoint queues between Poll/
// HandleMessage calls and a caller drains.
type Event struct {
	Kind EventKind

	// Synchronizing
	Total int
	Count int

	// NetworkInterrupted
	DisconnectTimeout time.Duration

	// Input
	Input rollback.PlayerInput
}
