package merkle

import (
	"crypto/sha256"
	"math/rand"
	"testing"

	"github.com/savanna/finality/pkg/digest"
)

func leafAt(i int) digest.Hash {
	return sha256.Sum256([]byte{byte(i), byte(i >> 8)})
}

func TestBuildSingleLeaf(t *testing.T) {
	leaf := leafAt(0)
	tree, err := Build([]digest.Hash{leaf})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if tree.Root() != leaf {
		t.Fatalf("single leaf root mismatch: got %x, want %x", tree.Root(), leaf)
	}
}

func TestBuildEmptyRejected(t *testing.T) {
	if _, err := Build(nil); err != ErrEmptyTree {
		t.Fatalf("Build(nil): got %v, want ErrEmptyTree", err)
	}
}

func TestRoundTripAllSizes(t *testing.T) {
	for n := 1; n <= 37; n++ {
		leaves := make([]digest.Hash, n)
		for i := range leaves {
			leaves[i] = leafAt(i)
		}
		tree, err := Build(leaves)
		if err != nil {
			t.Fatalf("n=%d: Build: %v", n, err)
		}
		for i := 0; i < n; i++ {
			proof, err := tree.Proof(i)
			if err != nil {
				t.Fatalf("n=%d i=%d: Proof: %v", n, i, err)
			}
			if err := VerifyProof(leaves[i], proof, i, n, tree.Root()); err != nil {
				t.Fatalf("n=%d i=%d: VerifyProof: %v", n, i, err)
			}
		}
	}
}

func TestVerifyProofRejectsTamperedSibling(t *testing.T) {
	leaves := make([]digest.Hash, 5)
	for i := range leaves {
		leaves[i] = leafAt(i)
	}
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	proof, err := tree.Proof(2)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	if len(proof.Siblings) == 0 {
		t.Fatalf("expected at least one sibling")
	}
	proof.Siblings[0][0] ^= 0xFF
	if err := VerifyProof(leaves[2], proof, 2, 5, tree.Root()); err == nil {
		t.Fatalf("expected tampered proof to fail verification")
	}
}

func TestVerifyProofRejectsWrongLength(t *testing.T) {
	leaves := make([]digest.Hash, 8)
	for i := range leaves {
		leaves[i] = leafAt(i)
	}
	tree, err := Build(leaves)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	proof, err := tree.Proof(3)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	tooLong := &Proof{Siblings: append(append([]digest.Hash{}, proof.Siblings...), leafAt(99))}
	if err := VerifyProof(leaves[3], tooLong, 3, 8, tree.Root()); err == nil {
		t.Fatalf("expected over-length proof to fail verification")
	}
	tooShort := &Proof{Siblings: proof.Siblings[:len(proof.Siblings)-1]}
	if err := VerifyProof(leaves[3], tooShort, 3, 8, tree.Root()); err == nil {
		t.Fatalf("expected short proof to fail verification")
	}
}

func TestMaxDepth(t *testing.T) {
	cases := map[int]int{1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 9: 4, 16: 4, 17: 5}
	for n, want := range cases {
		if got := MaxDepth(n); got != want {
			t.Errorf("MaxDepth(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestRandomizedRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		n := 1 + r.Intn(64)
		leaves := make([]digest.Hash, n)
		for i := range leaves {
			leaves[i] = leafAt(i*7 + trial)
		}
		tree, err := Build(leaves)
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		i := r.Intn(n)
		proof, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("Proof: %v", err)
		}
		if err := VerifyProof(leaves[i], proof, i, n, tree.Root()); err != nil {
			t.Fatalf("trial=%d n=%d i=%d: VerifyProof: %v", trial, n, i, err)
		}
	}
}
