// Package merkle implements the incremental merkle tree used by the
// finality digest and by finality proofs (§4.1).
//
// Two leaves combine as H(left ∥ right); an odd trailing leaf at any level
// is promoted to the next level unchanged rather than duplicated. A proof
// for leaf i among n leaves is the sequence of sibling hashes actually
// consumed while climbing from i to the root - levels where i's node is
// promoted unchanged contribute no sibling. The implicit path (which side
// the sibling sits on, and whether a level promotes) is always rederived
// from the pair (i, n) at each level, never stored.
package merkle

import (
	"errors"
	"fmt"

	"github.com/savanna/finality/pkg/digest"
)

var (
	// ErrEmptyTree is returned building a tree from zero leaves.
	ErrEmptyTree = errors.New("merkle: cannot build tree from empty leaves")
	// ErrInvalidProof is returned when a proof fails to recompute the root.
	ErrInvalidProof = errors.New("merkle: invalid inclusion proof")
	// ErrIndexOutOfRange is returned by Proof/Leaf lookups past tree bounds.
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// Tree is a complete incremental merkle tree over a fixed leaf set. It is
// immutable after construction; there is no append-in-place, matching the
// per-block append-only leaf lists that build the finality mroot.
type Tree struct {
	levels [][]digest.Hash // levels[0] is the leaf level
}

// Build constructs a Tree from leaves. len(leaves) must be > 0.
func Build(leaves []digest.Hash) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	level := make([]digest.Hash, len(leaves))
	copy(level, leaves)

	levels := [][]digest.Hash{level}
	for len(level) > 1 {
		next := make([]digest.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, digest.Sum(level[i][:], level[i+1][:]))
			} else {
				next = append(next, level[i]) // odd trailing leaf, promoted unchanged
			}
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{levels: levels}, nil
}

// Root returns the tree's root hash.
func (t *Tree) Root() digest.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Len returns the number of leaves in the tree.
func (t *Tree) Len() int {
	return len(t.levels[0])
}

// Leaf returns the leaf at index i.
func (t *Tree) Leaf(i int) (digest.Hash, error) {
	if i < 0 || i >= len(t.levels[0]) {
		return digest.Hash{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}
	return t.levels[0][i], nil
}

// Proof is an inclusion proof for one leaf: the sequence of sibling hashes
// consumed while climbing from the leaf to the root. Paired with the
// leaf's original (index, leaf-count) it is sufficient to recompute the
// root; no left/right tags are stored (§4.1, §6 merkle_proof).
type Proof struct {
	Siblings []digest.Hash
}

// MaxDepth fixes the expected upper bound on a proof's sibling count for
// n leaves: ceil(log2(n)). Used together with the (index, n) walk to
// reject malformed proofs before any hashing happens - see VerifyProof.
func MaxDepth(n int) int {
	depth := 0
	for size := 1; size < n; size *= 2 {
		depth++
	}
	return depth
}

// Proof generates the inclusion proof for the leaf at index i.
func (t *Tree) Proof(i int) (*Proof, error) {
	if i < 0 || i >= len(t.levels[0]) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, i)
	}

	p := &Proof{}
	idx := i
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		n := len(nodes)
		if idx%2 == 0 {
			if idx+1 < n {
				p.Siblings = append(p.Siblings, nodes[idx+1])
			}
			// else: promoted unchanged, no sibling consumed
		} else {
			p.Siblings = append(p.Siblings, nodes[idx-1])
		}
		idx = idx / 2
	}
	return p, nil
}

// VerifyProof recomputes the root from leaf, the proof's sibling sequence,
// and the original (index, n) pair, and compares it against root.
// It returns ErrInvalidProof both on a sibling-count mismatch (derived by
// walking (index, n), capped by MaxDepth(n) as a sanity bound) and on a
// root mismatch.
func VerifyProof(leaf digest.Hash, proof *Proof, index, n int, root digest.Hash) error {
	if index < 0 || index >= n {
		return fmt.Errorf("%w: index %d out of range for %d leaves", ErrInvalidProof, index, n)
	}
	if len(proof.Siblings) > MaxDepth(n) {
		return fmt.Errorf("%w: proof has %d siblings, max depth for %d leaves is %d", ErrInvalidProof, len(proof.Siblings), n, MaxDepth(n))
	}

	cur := leaf
	idx, size := index, n
	si := 0
	for size > 1 {
		if idx%2 == 0 {
			if idx+1 < size {
				if si >= len(proof.Siblings) {
					return fmt.Errorf("%w: ran out of siblings", ErrInvalidProof)
				}
				cur = digest.Sum(cur[:], proof.Siblings[si][:])
				si++
			}
			// else: promoted unchanged
		} else {
			if si >= len(proof.Siblings) {
				return fmt.Errorf("%w: ran out of siblings", ErrInvalidProof)
			}
			cur = digest.Sum(proof.Siblings[si][:], cur[:])
			si++
		}
		idx = idx / 2
		size = (size + 1) / 2
	}

	if si != len(proof.Siblings) {
		return fmt.Errorf("%w: %d unconsumed siblings", ErrInvalidProof, len(proof.Siblings)-si)
	}
	if cur != root {
		return ErrInvalidProof
	}
	return nil
}
