// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package compression implements the wire compression codec for
// batches of player input: XOR-delta against a reference input,
// followed by a bitfield run-length encoding biased toward long runs
// of zero bits (which is what the XOR step tends to produce, since
// consecutive inputs in a game rarely change much frame to frame).
package compression

import (
	"encoding/binary"
	"fmt"

	"github.com/synctide/rollback"
)

// Encode XOR-deltas each of pending against reference, concatenates
// the result, and bitfield-RLE-encodes it. The reference frame and the
// start frame of pending are not part of the returned payload; callers
// carry them in the surrounding message (spec.md §4.2).
func Encode(reference rollback.PlayerInput, pending []rollback.PlayerInput) []byte {
	return rleEncode(deltaEncode(reference, pending))
}

// Decode reverses Encode: it RLE-decodes data, then XORs each
// reference.Size-sized chunk back against reference, stamping the
// results with consecutive frames starting at startFrame.
func Decode(reference rollback.PlayerInput, startFrame rollback.Frame, data []byte) ([]rollback.PlayerInput, error) {
	buf, err := rleDecode(data)
	if err != nil {
		return nil, fmt.Errorf("compression: rle decode: %w", err)
	}
	return deltaDecode(reference, startFrame, buf)
}

func deltaEncode(reference rollback.PlayerInput, pending []rollback.PlayerInput) []byte {
	refBytes := reference.Buffer
	out := make([]byte, 0, len(pending)*int(reference.Size))
	for _, in := range pending {
		for i, b := range in.Buffer {
			out = append(out, b^refBytes[i])
		}
	}
	return out
}

func deltaDecode(reference rollback.PlayerInput, startFrame rollback.Frame, data []byte) ([]rollback.PlayerInput, error) {
	size := int(reference.Size)
	if size == 0 || len(data)%size != 0 {
		return nil, fmt.Errorf("compression: delta payload length %d is not a multiple of input size %d", len(data), size)
	}
	count := len(data) / size
	out := make([]rollback.PlayerInput, 0, count)
	for i := 0; i < count; i++ {
		buf := make([]byte, size)
		for j := 0; j < size; j++ {
			buf[j] = reference.Buffer[j] ^ data[i*size+j]
		}
		out = append(out, rollback.PlayerInput{
			Frame:  startFrame + rollback.Frame(i),
			Size:   reference.Size,
			Buffer: buf,
		})
	}
	return out, nil
}

// rleEncode packs data's bits into alternating runs, starting with a
// run of zero bits (possibly length zero if the first bit is set).
// The format is: varint total-bit-count, then varint run lengths
// alternating 0-run, 1-run, 0-run, ... until total-bit-count bits have
// been accounted for.
func rleEncode(data []byte) []byte {
	totalBits := len(data) * 8
	out := make([]byte, 0, len(data)+binary.MaxVarintLen64)
	out = appendUvarint(out, uint64(totalBits))

	bit := func(i int) bool {
		return data[i/8]&(1<<uint(7-i%8)) != 0
	}

	i := 0
	current := false
	for i < totalBits {
		run := 0
		for i < totalBits && bit(i) == current {
			run++
			i++
		}
		out = appendUvarint(out, uint64(run))
		current = !current
	}
	return out
}

func rleDecode(data []byte) ([]byte, error) {
	totalBits, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("compression: truncated rle header")
	}
	data = data[n:]

	out := make([]byte, (totalBits+7)/8)
	bitPos := uint64(0)
	current := false

	setBit := func(i uint64) {
		out[i/8] |= 1 << uint(7-i%8)
	}

	for bitPos < totalBits {
		run, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("compression: truncated rle run")
		}
		data = data[n:]

		for j := uint64(0); j < run; j++ {
			if bitPos >= totalBits {
				return nil, fmt.Errorf("compression: rle run overruns declared bit count")
			}
			if current {
				setBit(bitPos)
			}
			bitPos++
		}
		current = !current
	}
	return out, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
