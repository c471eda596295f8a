package policy

import (
	"testing"

	"github.com/savanna/finality/pkg/crypto/bls"
)

func mustAuthority(t *testing.T, desc string, weight uint64) Authority {
	t.Helper()
	_, pub, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return Authority{Description: desc, Weight: weight, PublicKey: pub}
}

func samplePolicy(t *testing.T, gen uint32) *Policy {
	t.Helper()
	return &Policy{
		Generation: gen,
		Threshold:  5,
		Finalizers: []Authority{
			mustAuthority(t, "alice", 1),
			mustAuthority(t, "bob", 3),
			mustAuthority(t, "carol", 5),
		},
	}
}

func TestValidate(t *testing.T) {
	p := samplePolicy(t, 1)
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsThresholdBelowHalf(t *testing.T) {
	p := samplePolicy(t, 1)
	p.Threshold = 4 // sum is 9, half is 4.5, so 4 does not exceed half
	if err := p.Validate(); err == nil {
		t.Fatalf("expected validation error for threshold not exceeding half")
	}
}

func TestValidateRejectsThresholdAboveSum(t *testing.T) {
	p := samplePolicy(t, 1)
	p.Threshold = 100
	if err := p.Validate(); err == nil {
		t.Fatalf("expected validation error for threshold above sum of weights")
	}
}

func TestValidateRejectsZeroWeight(t *testing.T) {
	p := samplePolicy(t, 1)
	p.Finalizers[0].Weight = 0
	if err := p.Validate(); err == nil {
		t.Fatalf("expected validation error for zero weight finalizer")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := samplePolicy(t, 7)
	encoded := p.Encode()

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Generation != p.Generation || decoded.Threshold != p.Threshold {
		t.Fatalf("decoded header mismatch: got %+v", decoded)
	}
	if len(decoded.Finalizers) != len(p.Finalizers) {
		t.Fatalf("finalizer count mismatch: got %d, want %d", len(decoded.Finalizers), len(p.Finalizers))
	}
	for i := range p.Finalizers {
		if decoded.Finalizers[i].Description != p.Finalizers[i].Description {
			t.Fatalf("finalizer %d description mismatch", i)
		}
		if decoded.Finalizers[i].Weight != p.Finalizers[i].Weight {
			t.Fatalf("finalizer %d weight mismatch", i)
		}
		if !decoded.Finalizers[i].PublicKey.Equal(p.Finalizers[i].PublicKey) {
			t.Fatalf("finalizer %d public key mismatch", i)
		}
	}
	if decoded.Digest() != p.Digest() {
		t.Fatalf("digest mismatch after round trip")
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	p := samplePolicy(t, 3)
	d1 := p.Digest()
	d2 := p.Digest()
	if d1 != d2 {
		t.Fatalf("digest is not deterministic across calls")
	}
}

func TestDigestChangesWithGeneration(t *testing.T) {
	p1 := samplePolicy(t, 1)
	p2 := &Policy{Generation: 2, Threshold: p1.Threshold, Finalizers: p1.Finalizers}
	if p1.Digest() == p2.Digest() {
		t.Fatalf("expected digest to change when generation changes")
	}
}

func TestIndexOf(t *testing.T) {
	p := samplePolicy(t, 1)
	idx := p.IndexOf(p.Finalizers[1].PublicKey)
	if idx != 1 {
		t.Fatalf("IndexOf = %d, want 1", idx)
	}
	_, unknown, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if idx := p.IndexOf(unknown); idx != -1 {
		t.Fatalf("IndexOf(unknown) = %d, want -1", idx)
	}
}

func TestDiffApplyRoundTrip(t *testing.T) {
	base := samplePolicy(t, 1)
	target := samplePolicy(t, 2)
	target.Finalizers = append(target.Finalizers, mustAuthority(t, "dave", 2))
	target.Threshold = 6

	d := ComputeDiff(base, target)
	got, err := ApplyDiff(base, d)
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if got.Digest() != target.Digest() {
		t.Fatalf("apply_diff(base, diff(base, target)) != target")
	}
}

func TestApplyDiffRejectsNonIncreasingGeneration(t *testing.T) {
	base := samplePolicy(t, 3)
	target := samplePolicy(t, 3) // same generation as base
	d := ComputeDiff(base, target)
	if _, err := ApplyDiff(base, d); err == nil {
		t.Fatalf("expected ApplyDiff to reject a target whose generation does not increase over base")
	}
}

func TestApplyDiffRejectsWrongBase(t *testing.T) {
	base := samplePolicy(t, 1)
	target := samplePolicy(t, 2)
	wrongBase := samplePolicy(t, 1)
	wrongBase.Threshold = 6

	d := ComputeDiff(base, target)
	if _, err := ApplyDiff(wrongBase, d); err == nil {
		t.Fatalf("expected ApplyDiff to reject a diff computed against a different base")
	}
}
