// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package rollback implements a peer-to-peer rollback netcode session
// library for deterministic lockstep games. It does not own the game
// simulation: it issues ordered requests (save state, load state,
// advance one frame) that the host application fulfills.
package rollback

// Frame identifies a single simulation step. Valid frames are
// monotonically non-decreasing starting at 0.
type Frame int32

// NullFrame means "no frame / unknown".
const NullFrame Frame = -1

// PlayerHandle names a local or remote player slot.
type PlayerHandle int

const (
	// MaxPlayers is the largest number of input-contributing players a
	// session supports. Spectator handles occupy a disjoint range above it.
	MaxPlayers = 8

	// MaxPredictionFrames bounds how far current_frame may run ahead of
	// last_confirmed_frame before add_local_input starts rejecting input.
	MaxPredictionFrames = 8

	// MaxSpectators is the largest number of spectator endpoints a P2P
	// session will broadcast confirmed input to.
	MaxSpectators = 16

	// SpectatorPlayerHandleBase is the first handle in the disjoint
	// spectator handle range.
	SpectatorPlayerHandleBase PlayerHandle = 1000
)

// savedStateRingCapacity is MAX_PREDICTION_FRAMES + 2 per spec.md §3.
const savedStateRingCapacity = MaxPredictionFrames + 2
