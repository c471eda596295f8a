package forkdb

import (
	"testing"

	"github.com/savanna/finality/pkg/blockstate"
	"github.com/savanna/finality/pkg/crypto/bls"
	"github.com/savanna/finality/pkg/digest"
	"github.com/savanna/finality/pkg/policy"
)

func testPolicy(t *testing.T) *policy.Policy {
	t.Helper()
	_, pub, err := bls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return &policy.Policy{
		Generation: 1,
		Threshold:  3,
		Finalizers: []policy.Authority{{Description: "f0", Weight: 5, PublicKey: pub}},
	}
}

func block(id string, previous digest.Hash, num uint32, ts int64, p *policy.Policy) *blockstate.BlockState {
	return &blockstate.BlockState{
		ID:                     digest.Sum([]byte(id)),
		Previous:               previous,
		BlockNum:               num,
		Timestamp:              ts,
		LatestQCBlockTimestamp: ts,
		ActivePolicy:           p,
	}
}

func newRootedDB(t *testing.T) (*ForkDB, *blockstate.BlockState) {
	t.Helper()
	db := New(nil)
	p := testPolicy(t)
	root := block("root", digest.Hash{}, 0, 100, p)
	db.ResetRoot(root)
	return db, root
}

func TestAddAppendedToHead(t *testing.T) {
	db, root := newRootedDB(t)
	b1 := block("b1", root.ID, 1, 101, root.ActivePolicy)
	outcome, err := db.Add(b1, OnDuplicateIgnore, nil, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if outcome != AddAppendedToHead {
		t.Fatalf("outcome = %v, want appended_to_head", outcome)
	}
}

func TestAddForkSwitch(t *testing.T) {
	db, root := newRootedDB(t)
	b1 := block("b1", root.ID, 1, 101, root.ActivePolicy)
	if _, err := db.Add(b1, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add b1: %v", err)
	}
	b2 := block("b2", root.ID, 1, 102, root.ActivePolicy) // sibling of b1, higher timestamp
	outcome, err := db.Add(b2, OnDuplicateIgnore, nil, nil)
	if err != nil {
		t.Fatalf("Add b2: %v", err)
	}
	if outcome != AddForkSwitch {
		t.Fatalf("outcome = %v, want fork_switch", outcome)
	}
	head, ok := db.Head(false)
	if !ok || head.ID != b2.ID {
		t.Fatalf("expected b2 to be the new head")
	}
}

func TestAddDuplicate(t *testing.T) {
	db, root := newRootedDB(t)
	b1 := block("b1", root.ID, 1, 101, root.ActivePolicy)
	if _, err := db.Add(b1, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	outcome, err := db.Add(b1, OnDuplicateIgnore, nil, nil)
	if err != nil {
		t.Fatalf("Add (dup): %v", err)
	}
	if outcome != AddDuplicate {
		t.Fatalf("outcome = %v, want duplicate", outcome)
	}
	if _, err := db.Add(b1, OnDuplicateError, nil, nil); err == nil {
		t.Fatalf("expected error with OnDuplicateError")
	}
}

func TestAddUnlinkableBlock(t *testing.T) {
	db, _ := newRootedDB(t)
	orphan := block("orphan", digest.Sum([]byte("nonexistent parent")), 5, 200, testPolicy(t))
	if _, err := db.Add(orphan, OnDuplicateIgnore, nil, nil); err == nil {
		t.Fatalf("expected unlinkable_block error")
	}
}

func TestAdvanceRootPrunesOtherBranches(t *testing.T) {
	db, root := newRootedDB(t)
	b1 := block("b1", root.ID, 1, 101, root.ActivePolicy)
	b1Fork := block("b1fork", root.ID, 1, 100, root.ActivePolicy)
	if _, err := db.Add(b1, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add b1: %v", err)
	}
	if _, err := db.Add(b1Fork, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add b1Fork: %v", err)
	}
	b2 := block("b2", b1.ID, 2, 102, root.ActivePolicy)
	if _, err := db.Add(b2, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add b2: %v", err)
	}

	if err := db.AdvanceRoot(b1.ID); err != nil {
		t.Fatalf("AdvanceRoot: %v", err)
	}
	if db.Root().ID != b1.ID {
		t.Fatalf("expected root to be b1")
	}
	if db.Len() != 1 {
		t.Fatalf("expected only b2 to remain indexed, got %d entries", db.Len())
	}
	if _, ok := db.SearchOnBranch(b2.ID, 1, false); ok {
		t.Fatalf("b1 should no longer be separately indexed after excision")
	}
}

func TestSearchOnBranch(t *testing.T) {
	db, root := newRootedDB(t)
	b1 := block("b1", root.ID, 1, 101, root.ActivePolicy)
	b2 := block("b2", b1.ID, 2, 102, root.ActivePolicy)
	if _, err := db.Add(b1, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add b1: %v", err)
	}
	if _, err := db.Add(b2, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add b2: %v", err)
	}
	found, ok := db.SearchOnBranch(b2.ID, 1, true)
	if !ok || found.ID != b1.ID {
		t.Fatalf("expected to find b1 at height 1 on b2's branch")
	}
	foundRoot, ok := db.SearchOnBranch(b2.ID, 0, true)
	if !ok || foundRoot.ID != root.ID {
		t.Fatalf("expected to find root at height 0")
	}
	if _, ok := db.SearchOnBranch(b2.ID, 0, false); ok {
		t.Fatalf("expected search to exclude root when includeRoot is false")
	}
}

func TestIsDescendantOf(t *testing.T) {
	db, root := newRootedDB(t)
	b1 := block("b1", root.ID, 1, 101, root.ActivePolicy)
	b2 := block("b2", b1.ID, 2, 102, root.ActivePolicy)
	if _, err := db.Add(b1, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add b1: %v", err)
	}
	if _, err := db.Add(b2, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add b2: %v", err)
	}
	if !db.IsDescendantOf(b1.ID, b2.ID) {
		t.Fatalf("expected b2 to be a descendant of b1")
	}
	if db.IsDescendantOf(b2.ID, b1.ID) {
		t.Fatalf("expected b1 not to be a descendant of b2")
	}
}

func TestFetchBranch(t *testing.T) {
	db, root := newRootedDB(t)
	b1 := block("b1", root.ID, 1, 101, root.ActivePolicy)
	b2 := block("b2", b1.ID, 2, 102, root.ActivePolicy)
	if _, err := db.Add(b1, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add b1: %v", err)
	}
	if _, err := db.Add(b2, OnDuplicateIgnore, nil, nil); err != nil {
		t.Fatalf("Add b2: %v", err)
	}
	branch, err := db.FetchBranch(b2.ID, 10)
	if err != nil {
		t.Fatalf("FetchBranch: %v", err)
	}
	if len(branch) != 2 || branch[0].ID != b2.ID || branch[1].ID != b1.ID {
		t.Fatalf("unexpected branch contents: %+v", branch)
	}
}

func TestIncompatibleFeaturesRejected(t *testing.T) {
	db, root := newRootedDB(t)
	b1 := block("b1", root.ID, 1, 101, root.ActivePolicy)
	validate := func(parent *blockstate.BlockState, features []string) bool { return false }
	if _, err := db.Add(b1, OnDuplicateIgnore, validate, []string{"new_feature"}); err != ErrIncompatibleFeatures {
		t.Fatalf("Add = %v, want ErrIncompatibleFeatures", err)
	}
}
