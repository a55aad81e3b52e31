// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

package rollback

// GameState is a single saved-state cell, owned by the sync layer and
// handed to the host by reference during save/load requests. Payload
// and Checksum are written by the host's SaveGameState handler and
// read back by its LoadGameState handler.
type GameState struct {
	Frame    Frame
	Payload  []byte
	Checksum uint64

	// HasChecksum distinguishes "checksum 0" from "no checksum
	// supplied", since Payload/Checksum are host-owned opaque values.
	HasChecksum bool
}

// SavedStateRing is the fixed-capacity array of GameState cells
// indexed by frame mod capacity. At most one cell per residue class is
// live; overwriting is allowed and expected once a slot's frame is no
// longer needed for rollback.
type SavedStateRing struct {
	cells [savedStateRingCapacity]GameState
}

// NewSavedStateRing builds an empty ring with every cell stamped
// NullFrame.
func NewSavedStateRing() *SavedStateRing {
	r := &SavedStateRing{}
	for i := range r.cells {
		r.cells[i].Frame = NullFrame
	}
	return r
}

func (r *SavedStateRing) index(f Frame) int {
	return int(f) % savedStateRingCapacity
}

// Cell returns a pointer to the ring slot for frame f, creating no new
// storage: the host writes through this pointer during SaveGameState
// and reads through it during LoadGameState.
func (r *SavedStateRing) Cell(f Frame) *GameState {
	return &r.cells[r.index(f)]
}

// Reset clears the ring slot for frame f back to empty, used when
// discarding saved states beyond a rollback target.
func (r *SavedStateRing) Reset(f Frame) {
	r.cells[r.index(f)] = GameState{Frame: NullFrame}
}
