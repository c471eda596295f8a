package bitset

import "testing"

func TestSetGet(t *testing.T) {
	s := New(5)
	if s.Count() != 0 {
		t.Fatalf("new set should start empty")
	}
	if !s.Set(2) {
		t.Fatalf("Set(2) should succeed")
	}
	if !s.Get(2) {
		t.Fatalf("expected index 2 to be set")
	}
	if s.Get(0) || s.Get(4) {
		t.Fatalf("expected other indices to remain unset")
	}
	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := New(4)
	s.Set(1)
	clone := s.Clone()
	clone.Set(2)
	if s.Get(2) {
		t.Fatalf("mutating the clone must not affect the original")
	}
	if !clone.Get(1) {
		t.Fatalf("clone must carry over bits set before cloning")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := New(13)
	s.Set(0)
	s.Set(7)
	s.Set(12)

	encoded := s.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Size() != s.Size() {
		t.Fatalf("decoded size = %d, want %d", decoded.Size(), s.Size())
	}
	for i := 0; i < s.Size(); i++ {
		if decoded.Get(i) != s.Get(i) {
			t.Fatalf("bit %d mismatch after round trip", i)
		}
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	s := New(20)
	s.Set(5)
	encoded := s.Encode()
	if _, err := Decode(encoded[:len(encoded)-1]); err == nil {
		t.Fatalf("expected Decode to reject truncated input")
	}
}

func TestEncodeOfEmptySet(t *testing.T) {
	s := New(0)
	encoded := s.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Size() != 0 {
		t.Fatalf("expected zero-size set to round trip")
	}
}
