// Package policy implements the finalizer policy module (§4.3): a
// weighted set of BLS finalizer authorities, its canonical serialization
// and digest, and deterministic diff/apply_diff against a prior policy.
package policy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/savanna/finality/pkg/crypto/bls"
	"github.com/savanna/finality/pkg/digest"
)

var (
	// ErrInvalidPolicy is returned when a policy violates one of its
	// structural invariants (§3): sum(weights) >= threshold,
	// threshold > sum(weights)/2, every weight > 0.
	ErrInvalidPolicy = errors.New("policy: invalid finalizer policy")
	// ErrGenerationNotIncreasing is returned by validations that compare a
	// candidate policy against its predecessor in the lineage.
	ErrGenerationNotIncreasing = errors.New("policy: generation did not increase")
	// ErrDiffMismatch is returned by ApplyDiff when the diff's base digest
	// does not match the supplied base policy.
	ErrDiffMismatch = errors.New("policy: diff does not apply to the given base policy")
)

// Authority is a single finalizer's weighted voting authority (§3).
type Authority struct {
	Description string
	Weight      uint64
	PublicKey   *bls.PublicKey
}

// Policy is a generation-stamped, weighted finalizer set (§3).
type Policy struct {
	Generation uint32
	Threshold  uint64
	Finalizers []Authority
}

// Validate checks the structural invariants fixed by §3.
func (p *Policy) Validate() error {
	if len(p.Finalizers) == 0 {
		return fmt.Errorf("%w: no finalizers", ErrInvalidPolicy)
	}
	var sum uint64
	for i, f := range p.Finalizers {
		if f.Weight == 0 {
			return fmt.Errorf("%w: finalizer %d has zero weight", ErrInvalidPolicy, i)
		}
		sum += f.Weight
	}
	if sum < p.Threshold {
		return fmt.Errorf("%w: sum of weights %d below threshold %d", ErrInvalidPolicy, sum, p.Threshold)
	}
	if p.Threshold <= sum/2 {
		return fmt.Errorf("%w: threshold %d does not exceed half of total weight %d", ErrInvalidPolicy, p.Threshold, sum)
	}
	return nil
}

// IndexOf returns the position of the finalizer with the given public key
// within the policy's ordered finalizer list, or -1 if absent. Bitset
// indices throughout C5/C8 refer to this ordering.
func (p *Policy) IndexOf(pub *bls.PublicKey) int {
	for i := range p.Finalizers {
		if p.Finalizers[i].PublicKey.Equal(pub) {
			return i
		}
	}
	return -1
}

// TotalWeight returns sum(weights) across all finalizers.
func (p *Policy) TotalWeight() uint64 {
	var sum uint64
	for _, f := range p.Finalizers {
		sum += f.Weight
	}
	return sum
}

// Encode writes the canonical serialization (§4.3):
//
//	generation(u32 LE) ∥ threshold(u64 LE) ∥ varint len ∥ (desc_len ∥ desc ∥ weight ∥ 96-byte key)*
func (p *Policy) Encode() []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[:4], p.Generation)
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint64(tmp[:8], p.Threshold)
	buf.Write(tmp[:8])

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(p.Finalizers)))
	buf.Write(lenBuf[:n])

	for _, f := range p.Finalizers {
		descBuf := lenBuf[:binary.PutUvarint(lenBuf[:], uint64(len(f.Description)))]
		buf.Write(descBuf)
		buf.WriteString(f.Description)
		binary.LittleEndian.PutUint64(tmp[:8], f.Weight)
		buf.Write(tmp[:8])
		buf.Write(f.PublicKey.LittleEndianBytes())
	}
	return buf.Bytes()
}

// Digest returns SHA-256 of the canonical serialization (§4.3).
func (p *Policy) Digest() digest.Hash {
	return digest.Sum(p.Encode())
}

// Decode parses the canonical serialization produced by Encode.
func Decode(data []byte) (*Policy, error) {
	r := bytes.NewReader(data)
	var tmp [8]byte

	if _, err := readFull(r, tmp[:4]); err != nil {
		return nil, fmt.Errorf("policy: read generation: %w", err)
	}
	gen := binary.LittleEndian.Uint32(tmp[:4])

	if _, err := readFull(r, tmp[:8]); err != nil {
		return nil, fmt.Errorf("policy: read threshold: %w", err)
	}
	threshold := binary.LittleEndian.Uint64(tmp[:8])

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("policy: read finalizer count: %w", err)
	}

	finalizers := make([]Authority, 0, count)
	for i := uint64(0); i < count; i++ {
		descLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("policy: read description length for finalizer %d: %w", i, err)
		}
		descBytes := make([]byte, descLen)
		if _, err := readFull(r, descBytes); err != nil {
			return nil, fmt.Errorf("policy: read description for finalizer %d: %w", i, err)
		}
		if _, err := readFull(r, tmp[:8]); err != nil {
			return nil, fmt.Errorf("policy: read weight for finalizer %d: %w", i, err)
		}
		weight := binary.LittleEndian.Uint64(tmp[:8])
		keyBytes := make([]byte, bls.PublicKeySize)
		if _, err := readFull(r, keyBytes); err != nil {
			return nil, fmt.Errorf("policy: read public key for finalizer %d: %w", i, err)
		}
		pub, err := bls.PublicKeyFromBytes(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("policy: finalizer %d public key: %w", i, err)
		}
		finalizers = append(finalizers, Authority{
			Description: string(descBytes),
			Weight:      weight,
			PublicKey:   pub,
		})
	}

	return &Policy{Generation: gen, Threshold: threshold, Finalizers: finalizers}, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n := 0
	for n < len(b) {
		m, err := r.Read(b[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Diff is a compact delta between two policies, sufficient with the base
// policy to reconstruct the target via ApplyDiff (§4.3, §8's round-trip
// property). It is encoded as the target's full canonical serialization
// together with the base digest it was computed against, which keeps
// diff/apply_diff trivially deterministic at the cost of compactness -
// see DESIGN.md for why a field-level delta was not pursued.
type Diff struct {
	BaseDigest   digest.Hash
	TargetBytes  []byte
	TargetDigest digest.Hash
}

// ComputeDiff produces a deterministic delta from base to target.
func ComputeDiff(base, target *Policy) *Diff {
	targetBytes := target.Encode()
	return &Diff{
		BaseDigest:   base.Digest(),
		TargetBytes:  targetBytes,
		TargetDigest: digest.Sum(targetBytes),
	}
}

// ApplyDiff reconstructs the target policy from base and d. It fails if d
// was not computed against base (digest mismatch), guaranteeing
// apply_diff(base, diff(base, target)) == target exactly when diffs are
// not cross-applied to the wrong base.
func ApplyDiff(base *Policy, d *Diff) (*Policy, error) {
	if base.Digest() != d.BaseDigest {
		return nil, ErrDiffMismatch
	}
	target, err := Decode(d.TargetBytes)
	if err != nil {
		return nil, fmt.Errorf("policy: apply diff: %w", err)
	}
	if target.Digest() != d.TargetDigest {
		return nil, fmt.Errorf("%w: target digest mismatch after decode", ErrDiffMismatch)
	}
	if target.Generation <= base.Generation {
		return nil, fmt.Errorf("%w: base generation %d, target generation %d", ErrGenerationNotIncreasing, base.Generation, target.Generation)
	}
	return target, nil
}
