// SPDX-FileCopyrightText: © 2024 rollback contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package xrand provides the injectable randomness used for magic
// numbers and sync nonces, imitating the teacher's
// core/crypto/rand.Reader convention (client2/arq.go) rather than
// reaching for a process-wide singleton, per spec.md §9 Design Notes
// ("Global state... is injected; no process-wide singletons").
package xrand

import (
	"crypto/rand"
	"encoding/binary"
	"io"
)

// Source generates the random values peer endpoints need. The default
// Source wraps crypto/rand.Reader; tests may substitute a deterministic
// io.Reader.
type Source struct {
	reader io.Reader
}

// New builds a Source reading from r. Passing a nil r defaults to
// crypto/rand.Reader.
func New(r io.Reader) *Source {
	if r == nil {
		r = rand.Reader
	}
	return &Source{reader: r}
}

// Default is the package-level Source used by callers that don't need
// a deterministic seed, backed by crypto/rand.Reader.
var Default = New(nil)

// Uint16 returns a random 16-bit value, used for endpoint magic numbers.
func (s *Source) Uint16() uint16 {
	var b [2]byte
	if _, err := io.ReadFull(s.reader, b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint16(b[:])
}

// Uint32 returns a random 32-bit value, used for sync handshake nonces.
func (s *Source) Uint32() uint32 {
	var b [4]byte
	if _, err := io.ReadFull(s.reader, b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(b[:])
}
