// Package testutil provides choice sources for generated operation
// sequences, so the same driver can run from a fixed seed or from fuzz
// input.
package testutil

import "math/rand/v2"

// DefaultMaxFuzzOperations caps how many operations one fuzz input drives.
const DefaultMaxFuzzOperations = 512

// Source yields bounded choices.
type Source interface {
	// IntN returns a value in [0, n). n must be positive.
	IntN(n int) int

	// Done reports whether the source has run out of choices.
	Done() bool
}

// ByteSource draws choices from fuzz input, one byte per choice.
//
// Once exhausted every draw returns 0, so the same input always produces
// the same sequence.
type ByteSource struct {
	bytes []byte
	pos   int
}

// NewByteSource returns a source over b.
func NewByteSource(b []byte) *ByteSource {
	return &ByteSource{bytes: b}
}

// IntN returns the next byte modulo n.
func (s *ByteSource) IntN(n int) int {
	if n <= 0 || s.pos >= len(s.bytes) {
		return 0
	}

	v := s.bytes[s.pos]
	s.pos++

	return int(v) % n
}

// Done reports whether every byte has been consumed.
func (s *ByteSource) Done() bool {
	return s.pos >= len(s.bytes)
}

// RandSource draws choices from a seeded PCG. It never runs out.
type RandSource struct {
	rng *rand.Rand
}

// NewRandSource returns a deterministic source for seed.
func NewRandSource(seed uint64) *RandSource {
	return &RandSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))} //nolint:gosec // deterministic test input
}

// IntN returns a uniform value in [0, n).
func (s *RandSource) IntN(n int) int {
	return s.rng.IntN(n)
}

// Done always reports false.
func (*RandSource) Done() bool {
	return false
}
