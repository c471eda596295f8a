// Package digest provides the domain-separated SHA-256 hashing used
// throughout the finality core: no field of a structural hash is ever
// produced by general-purpose reflection or JSON encoding, only by a
// fixed, explicit byte layout.
package digest

import (
	"crypto/sha256"
	"encoding/binary"
)

// Size is the length in bytes of every digest produced by this package.
const Size = 32

// Hash is a 32-byte SHA-256 digest.
type Hash [Size]byte

// IsZero reports whether h is the all-zero digest (the sentinel used for
// "no ancestor" / "no action root" contexts).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// FromBytes copies b (which must be exactly Size bytes) into a Hash.
func FromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != Size {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

// weakDomainTag is the fixed domain separator prepended before hashing a
// strong digest into its corresponding weak digest (§3, §4.2).
const weakDomainTag = "WEAK"

// Sum hashes the concatenation of parts with SHA-256. It is the single
// hashing primitive every other function in this package builds on, so
// that every structural digest in the core goes through one code path.
func Sum(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// WeakDigest derives a block's weak digest from its strong digest:
// H("WEAK" ∥ strong_digest).
func WeakDigest(strong Hash) Hash {
	return Sum([]byte(weakDomainTag), strong[:])
}

// PutUint32 / PutUint64 append a little-endian integer to buf, matching the
// canonical encodings used by §3/§4.3 (u32 LE / u64 LE fields).
func PutUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func PutUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// FinalityDigest computes the per-block finality digest (§3):
//
//	H(active_gen, final_on_strong_qc_block_num, finality_tree_root, H(pending_policy_digest, base_digest))
//
// pendingPolicyDigest may be the zero hash when the block has no pending
// policy; baseDigest is the block's own strong digest input (the
// header-derived base, prior to folding in policy/finality-tree state).
func FinalityDigest(activeGen uint32, finalOnStrongQCBlockNum uint32, financeTreeRoot Hash, pendingPolicyDigest, baseDigest Hash) Hash {
	witness := WitnessHash(pendingPolicyDigest, baseDigest)
	return FinalityDigestFromWitness(activeGen, finalOnStrongQCBlockNum, financeTreeRoot, witness)
}

// FinalityDigestFromWitness recomputes the finality digest given an
// already-combined witness_hash, matching §6's wire format which carries
// witness_hash pre-combined rather than its two inputs separately.
func FinalityDigestFromWitness(activeGen uint32, finalOnStrongQCBlockNum uint32, financeTreeRoot, witnessHash Hash) Hash {
	buf := make([]byte, 0, 4+4+Size+Size)
	buf = PutUint32(buf, activeGen)
	buf = PutUint32(buf, finalOnStrongQCBlockNum)
	buf = append(buf, financeTreeRoot[:]...)
	return Sum(buf, witnessHash[:])
}

// WitnessHash recomputes the H(pending_policy_digest, base_digest) term
// independently, since §6's wire format carries it pre-combined as a
// single witness_hash field rather than its two inputs.
func WitnessHash(pendingPolicyDigest, baseDigest Hash) Hash {
	return Sum(pendingPolicyDigest[:], baseDigest[:])
}

// FinalityLeaf computes a block's finality-merkle leaf (§3):
// H(block_num, finality_digest, action_mroot).
func FinalityLeaf(blockNum uint32, finalityDigest, actionMRoot Hash) Hash {
	buf := make([]byte, 0, 4+Size+Size)
	buf = PutUint32(buf, blockNum)
	buf = append(buf, finalityDigest[:]...)
	buf = append(buf, actionMRoot[:]...)
	return Sum(buf)
}
