// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

package rollback

import "bytes"

// PlayerInput is a fixed-size byte buffer tagged with a frame index,
// the atom of all input traffic. Two inputs are equal iff their
// buffers are byte-identical; Size is fixed per session after
// construction.
type PlayerInput struct {
	Frame  Frame
	Size   uint16
	Buffer []byte
}

// NewInput builds a PlayerInput for frame f with a zeroed buffer of
// size n.
func NewInput(f Frame, n uint16) PlayerInput {
	return PlayerInput{Frame: f, Size: n, Buffer: make([]byte, n)}
}

// NewInputFromBytes builds a PlayerInput for frame f by copying buf.
func NewInputFromBytes(f Frame, buf []byte) PlayerInput {
	b := make([]byte, len(buf))
	copy(b, buf)
	return PlayerInput{Frame: f, Size: uint16(len(buf)), Buffer: b}
}

// Equal reports whether two inputs have byte-identical buffers.
func (p PlayerInput) Equal(other PlayerInput) bool {
	return bytes.Equal(p.Buffer, other.Buffer)
}

// Clone returns a PlayerInput with the same frame and an independent
// copy of the buffer.
func (p PlayerInput) Clone() PlayerInput {
	b := make([]byte, len(p.Buffer))
	copy(b, p.Buffer)
	return PlayerInput{Frame: p.Frame, Size: p.Size, Buffer: b}
}

// WithFrame returns a copy of p re-stamped with a different frame,
// leaving the buffer untouched. Used to serve a prediction for
// whichever frame the sync layer is currently asking about.
func (p PlayerInput) WithFrame(f Frame) PlayerInput {
	return PlayerInput{Frame: f, Size: p.Size, Buffer: p.Buffer}
}

// BlankInput returns a zero-byte-payload input stamped with NullFrame,
// used to seed queues and to represent "no input" for a disconnected
// player.
func BlankInput(size uint16) PlayerInput {
	return PlayerInput{Frame: NullFrame, Size: size, Buffer: make([]byte, size)}
}
