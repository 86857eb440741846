// Copyright (c) Ken Bannister
// SPDX-License-Identifier: MPL-2.0

package exchange

import (
	"math/rand"
	"sync"
)

// MIDSource issues sequential message IDs from a random start.
type MIDSource struct {
	mu   sync.Mutex
	next uint16
}

func NewMIDSource() *MIDSource {
	return &MIDSource{next: uint16(rand.Intn(1 << 16))}
}

func (s *MIDSource) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.next
	s.next++
	return v
}

// TokenSource issues sequential two-byte tokens from a random start,
// unique until wraparound.
type TokenSource struct {
	mu   sync.Mutex
	next uint16
}

func NewTokenSource() *TokenSource {
	return &TokenSource{next: uint16(rand.Intn(1 << 16))}
}

func (s *TokenSource) Next() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.next
	s.next++
	return []byte{byte(v >> 8), byte(v)}
}
