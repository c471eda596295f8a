// Package bitset wraps cometbft's BitArray as the vote bitset used by
// aggregating QCs (§4.5) and the finality proof wire format (§6): a
// fixed-length, index-addressable bit vector with a length-prefixed
// binary encoding.
package bitset

import (
	"encoding/binary"
	"errors"
	"fmt"

	cmtbits "github.com/cometbft/cometbft/libs/bits"
)

// ErrSizeMismatch is returned when an operation compares or decodes a
// bitset against a size it does not match.
var ErrSizeMismatch = errors.New("bitset: size mismatch")

// Set is a fixed-length bit vector indexed by a policy's finalizer
// ordering (§4.5's vote_bitsets, §6's strong_votes/weak_votes).
type Set struct {
	bits *cmtbits.BitArray
}

// New allocates a zeroed Set of the given size.
func New(size int) *Set {
	return &Set{bits: cmtbits.NewBitArray(size)}
}

// Size returns the number of addressable indices.
func (s *Set) Size() int {
	if s.bits == nil {
		return 0
	}
	return s.bits.Size()
}

// Get reports whether index i is set.
func (s *Set) Get(i int) bool {
	return s.bits.GetIndex(i)
}

// Set marks index i. Reports false if i is out of range.
func (s *Set) Set(i int) bool {
	return s.bits.SetIndex(i, true)
}

// Count returns the number of set bits.
func (s *Set) Count() int {
	return s.bits.NumTrueIndices()
}

// Clone returns an independent copy of s.
func (s *Set) Clone() *Set {
	return &Set{bits: s.bits.Copy()}
}

// Encode produces a length-prefixed binary encoding: u32 LE size followed
// by ceil(size/8) bytes, matching §6's "bitsets length-prefixed".
func (s *Set) Encode() []byte {
	size := s.Size()
	out := make([]byte, 4+(size+7)/8)
	binary.LittleEndian.PutUint32(out[:4], uint32(size))
	for i := 0; i < size; i++ {
		if s.Get(i) {
			out[4+i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// Decode parses the encoding produced by Encode.
func Decode(data []byte) (*Set, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: encoding too short", ErrSizeMismatch)
	}
	size := int(binary.LittleEndian.Uint32(data[:4]))
	need := 4 + (size+7)/8
	if len(data) != need {
		return nil, fmt.Errorf("%w: got %d bytes, want %d for size %d", ErrSizeMismatch, len(data), need, size)
	}
	s := New(size)
	for i := 0; i < size; i++ {
		if data[4+i/8]&(1<<uint(i%8)) != 0 {
			s.Set(i)
		}
	}
	return s, nil
}
