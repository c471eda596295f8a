// Package forkdb implements the fork database (C6): an in-memory tree of
// candidate block-states rooted at the last known-final block, with three
// indices and the operations in §4.6.
//
// The best-branch index is a single mutex-guarded slice kept sorted by
// the §4.6 comparator via sort.Search insertion; the corpus has no
// ordered-map/btree library to ground a fancier structure on, and at
// fork-db scale (a handful of candidate branches a few blocks deep) a
// sorted slice is more than sufficient - see DESIGN.md.
package forkdb

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cometbft/cometbft/libs/log"

	"github.com/savanna/finality/pkg/blockstate"
	"github.com/savanna/finality/pkg/digest"
	"github.com/savanna/finality/pkg/metrics"
)

var (
	ErrRootNotSet         = errors.New("forkdb: root not set")
	ErrUnlinkableBlock    = errors.New("forkdb: parent not present in index and not equal to root")
	ErrDuplicateBlock     = errors.New("forkdb: duplicate block id")
	ErrIncompatibleFeatures = errors.New("forkdb: incompatible features")
	ErrInvalidAdvanceRoot = errors.New("forkdb: advance_root target missing or not valid")
	ErrBlockNotFound      = errors.New("forkdb: block not found")
)

// OnDuplicate selects add's behavior when a colliding id is already
// present in the index.
type OnDuplicate int

const (
	// OnDuplicateIgnore returns AddDuplicate instead of failing.
	OnDuplicateIgnore OnDuplicate = iota
	// OnDuplicateError fails with ErrDuplicateBlock.
	OnDuplicateError
)

// AddOutcome is the result of a successful (non-error) add (§4.6).
type AddOutcome int

const (
	AddAdded AddOutcome = iota
	AddAppendedToHead
	AddForkSwitch
	AddDuplicate
)

func (o AddOutcome) String() string {
	switch o {
	case AddAdded:
		return "added"
	case AddAppendedToHead:
		return "appended_to_head"
	case AddForkSwitch:
		return "fork_switch"
	case AddDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// FeatureValidator is the caller-supplied predicate add runs, given the
// parent block-state and the new block's declared protocol features,
// before linkage (§4.6).
type FeatureValidator func(parent *blockstate.BlockState, newFeatures []string) bool

// ForkDB is the mutex-guarded fork database (§4.6, §5). A single lock
// guards the entire structure; every public method holds it for the
// duration of the call.
type ForkDB struct {
	mu sync.Mutex

	root *blockstate.BlockState

	byID       map[digest.Hash]*blockstate.BlockState
	byPrevious map[digest.Hash][]digest.Hash // non-unique: previous -> children ids

	bestBranch []digest.Hash // sorted descending by the §4.6 comparator; [0] is head

	pendingSavannaLibID digest.Hash

	logger log.Logger
}

// New returns an empty, unrooted ForkDB. Callers must call ResetRoot
// before any other operation. If logger is nil, a no-op logger is used.
func New(logger log.Logger) *ForkDB {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ForkDB{
		byID:       make(map[digest.Hash]*blockstate.BlockState),
		byPrevious: make(map[digest.Hash][]digest.Hash),
		logger:     logger,
	}
}

// ResetRoot sets root = bs, clears the index, clears
// pending_savanna_lib_id, and marks bs valid (§4.6). Called once on
// start.
func (db *ForkDB) ResetRoot(bs *blockstate.BlockState) {
	db.mu.Lock()
	defer db.mu.Unlock()

	bs.MarkValid()
	db.root = bs
	db.byID = make(map[digest.Hash]*blockstate.BlockState)
	db.byPrevious = make(map[digest.Hash][]digest.Hash)
	db.bestBranch = nil
	db.pendingSavannaLibID = digest.Hash{}
}

// less implements the §4.6 best-branch comparator on
// (latest_qc_block_timestamp, timestamp, id), used descending so index 0
// is the head.
func less(a, b *blockstate.BlockState) bool {
	if a.LatestQCBlockTimestamp != b.LatestQCBlockTimestamp {
		return a.LatestQCBlockTimestamp > b.LatestQCBlockTimestamp
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	return bytesLess(a.ID[:], b.ID[:]) // descending id as tiebreak, matching the rest of the tuple
}

func bytesLess(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

func (db *ForkDB) insertBestBranch(id digest.Hash) {
	bs := db.byID[id]
	idx := sort.Search(len(db.bestBranch), func(i int) bool {
		return less(bs, db.byID[db.bestBranch[i]])
	})
	db.bestBranch = append(db.bestBranch, digest.Hash{})
	copy(db.bestBranch[idx+1:], db.bestBranch[idx:])
	db.bestBranch[idx] = id
}

func (db *ForkDB) removeBestBranch(id digest.Hash) {
	for i, existing := range db.bestBranch {
		if existing == id {
			db.bestBranch = append(db.bestBranch[:i], db.bestBranch[i+1:]...)
			return
		}
	}
}

// Add links bs into the fork tree (§4.6). validate, if non-nil, is the
// caller's feature-compatibility predicate; newFeatures are the block's
// declared new protocol features.
func (db *ForkDB) Add(bs *blockstate.BlockState, onDup OnDuplicate, validate FeatureValidator, newFeatures []string) (AddOutcome, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.root == nil {
		return 0, ErrRootNotSet
	}

	parent, parentIsRoot := db.parentOf(bs.Previous)
	if parent == nil && !parentIsRoot {
		return 0, fmt.Errorf("%w: previous=%x", ErrUnlinkableBlock, bs.Previous)
	}

	if validate != nil {
		var parentState *blockstate.BlockState = parent
		if parentIsRoot {
			parentState = db.root
		}
		if !validate(parentState, newFeatures) {
			return 0, ErrIncompatibleFeatures
		}
	}

	if _, exists := db.byID[bs.ID]; exists {
		if onDup == OnDuplicateError {
			return 0, fmt.Errorf("%w: id=%x", ErrDuplicateBlock, bs.ID)
		}
		return AddDuplicate, nil
	}

	var prevHead digest.Hash
	hadHead := len(db.bestBranch) > 0
	if hadHead {
		prevHead = db.bestBranch[0]
	}

	bs.MarkValid()
	db.byID[bs.ID] = bs
	db.byPrevious[bs.Previous] = append(db.byPrevious[bs.Previous], bs.ID)
	db.insertBestBranch(bs.ID)

	db.maybeAdvancePendingLib(bs)
	metrics.SetForkDBSize(len(db.byID))

	outcome := AddAdded
	switch newHead := db.bestBranch[0]; {
	case newHead != bs.ID:
		outcome = AddAdded
	case !hadHead:
		outcome = AddAppendedToHead
	case bs.Previous == prevHead:
		outcome = AddAppendedToHead
	default:
		outcome = AddForkSwitch
	}

	db.logger.Info("block_add", "block_id", fmt.Sprintf("%x", bs.ID), "block_num", bs.BlockNum, "outcome", outcome.String())
	return outcome, nil
}

func (db *ForkDB) parentOf(previous digest.Hash) (parent *blockstate.BlockState, isRoot bool) {
	if db.root != nil && previous == db.root.ID {
		return nil, true
	}
	if p, ok := db.byID[previous]; ok {
		return p, false
	}
	return nil, false
}

// maybeAdvancePendingLib implements §4.6's add-time pending_savanna_lib_id
// advance: a strong QC claim above the current pending lib height whose
// target is reachable from bs's parent advances the pointer, regardless
// of whether bs itself ever becomes final.
func (db *ForkDB) maybeAdvancePendingLib(bs *blockstate.BlockState) {
	claim := bs.QCClaim
	if !claim.IsStrong {
		return
	}
	if db.pendingSavannaLibID != (digest.Hash{}) {
		if current, ok := db.byID[db.pendingSavannaLibID]; ok && claim.BlockNum <= current.BlockNum {
			return
		}
		if db.root != nil && claim.BlockNum <= db.root.BlockNum {
			return
		}
	}

	target, found := db.searchOnBranchFrom(bs.Previous, claim.BlockNum, true)
	if !found {
		return
	}
	db.pendingSavannaLibID = target.ID
}

// AdvanceRoot moves root to the block with id (§4.6). The chain of
// ancestors strictly between the old and new root is removed along with
// every subtree hanging off it or off the old root, except the new root's
// own descendants.
func (db *ForkDB) AdvanceRoot(id digest.Hash) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	newRoot, ok := db.byID[id]
	if !ok || !newRoot.IsValid() {
		return ErrInvalidAdvanceRoot
	}

	ancestors := []digest.Hash{}
	cur := newRoot.Previous
	for cur != db.root.ID {
		ancestor, ok := db.byID[cur]
		if !ok {
			break
		}
		ancestors = append(ancestors, cur)
		cur = ancestor.Previous
	}

	// The old root is not in byID, so excise is a no-op for it; only its
	// children off the retained path are pruned.
	for _, ancestorID := range append(ancestors, db.root.ID) {
		children := append([]digest.Hash{}, db.byPrevious[ancestorID]...)
		for _, childID := range children {
			if childID != id && !db.isAncestorEventuallyLeadingTo(childID, id) {
				db.removeSubtree(childID)
			}
		}
		db.excise(ancestorID)
	}

	db.excise(id)
	db.root = newRoot
	metrics.SetForkDBSize(len(db.byID))
	db.logger.Info("root_advance", "block_id", fmt.Sprintf("%x", id), "block_num", newRoot.BlockNum)
	return nil
}

// isAncestorEventuallyLeadingTo reports whether walking previous-links
// from childID reaches target, used during AdvanceRoot to distinguish the
// new root's own ancestry (on the retained path) from siblings to prune.
func (db *ForkDB) isAncestorEventuallyLeadingTo(childID, target digest.Hash) bool {
	cur := childID
	for {
		if cur == target {
			return true
		}
		bs, ok := db.byID[cur]
		if !ok {
			return false
		}
		cur = bs.Previous
	}
}

// excise removes a single block-state from the index without touching
// its children's byPrevious linkage, so children remain reachable (used
// for the chain of ancestors being collapsed, and for the new root
// itself, in AdvanceRoot).
func (db *ForkDB) excise(id digest.Hash) {
	bs, ok := db.byID[id]
	if !ok {
		return
	}
	delete(db.byID, id)
	db.removeBestBranch(id)
	siblings := db.byPrevious[bs.Previous]
	for i, s := range siblings {
		if s == id {
			db.byPrevious[bs.Previous] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
}

// removeSubtree deletes id and every descendant, BFS-style (§4.6 remove).
func (db *ForkDB) removeSubtree(id digest.Hash) {
	queue := []digest.Hash{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children := append([]digest.Hash{}, db.byPrevious[cur]...)
		queue = append(queue, children...)
		delete(db.byPrevious, cur)
		if _, ok := db.byID[cur]; ok {
			delete(db.byID, cur)
			db.removeBestBranch(cur)
		}
	}
	if bs, ok := db.byID[id]; ok {
		siblings := db.byPrevious[bs.Previous]
		for i, s := range siblings {
			if s == id {
				db.byPrevious[bs.Previous] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
}

// Remove deletes the subtree rooted at id (§4.6).
func (db *ForkDB) Remove(id digest.Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.removeSubtree(id)
}

// RemoveAtOrAbove deletes every block at or above blockNum.
func (db *ForkDB) RemoveAtOrAbove(blockNum uint32) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var targets []digest.Hash
	for id, bs := range db.byID {
		if bs.BlockNum >= blockNum {
			targets = append(targets, id)
		}
	}
	for _, id := range targets {
		if _, ok := db.byID[id]; ok {
			db.removeSubtree(id)
		}
	}
}

// Head returns the first element under best-branch order, or root if the
// index is empty and includeRoot is set (§4.6).
func (db *ForkDB) Head(includeRoot bool) (*blockstate.BlockState, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if len(db.bestBranch) > 0 {
		return db.byID[db.bestBranch[0]], true
	}
	if includeRoot && db.root != nil {
		return db.root, true
	}
	return nil, false
}

func (db *ForkDB) searchOnBranchFrom(from digest.Hash, blockNum uint32, includeRoot bool) (*blockstate.BlockState, bool) {
	cur := from
	for {
		if cur == db.root.ID {
			if includeRoot && db.root.BlockNum == blockNum {
				return db.root, true
			}
			return nil, false
		}
		bs, ok := db.byID[cur]
		if !ok {
			return nil, false
		}
		if bs.BlockNum == blockNum {
			return bs, true
		}
		if bs.BlockNum < blockNum {
			return nil, false
		}
		cur = bs.Previous
	}
}

// SearchOnBranch walks from h toward root through previous links,
// returning the block-state at height blockNum (§4.6).
func (db *ForkDB) SearchOnBranch(h digest.Hash, blockNum uint32, includeRoot bool) (*blockstate.BlockState, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.root == nil {
		return nil, false
	}
	return db.searchOnBranchFrom(h, blockNum, includeRoot)
}

// FetchBranch returns the block-states from h to root (exclusive) with
// block_num <= trimAfter, head-to-root order (§4.6).
func (db *ForkDB) FetchBranch(h digest.Hash, trimAfter uint32) ([]*blockstate.BlockState, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.root == nil {
		return nil, ErrRootNotSet
	}

	var out []*blockstate.BlockState
	cur := h
	for cur != db.root.ID {
		bs, ok := db.byID[cur]
		if !ok {
			return nil, fmt.Errorf("%w: id=%x", ErrBlockNotFound, h)
		}
		if bs.BlockNum <= trimAfter {
			out = append(out, bs)
		}
		cur = bs.Previous
	}
	return out, nil
}

// FetchBranches two-pointer-walks from hA and hB down to their shared
// parent (excluded), returning each branch head-to-parent (§4.6).
func (db *ForkDB) FetchBranches(hA, hB digest.Hash) (branchA, branchB []*blockstate.BlockState, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	bsA, okA := db.byID[hA]
	bsB, okB := db.byID[hB]
	if hA != db.root.ID && !okA {
		return nil, nil, fmt.Errorf("%w: id=%x", ErrBlockNotFound, hA)
	}
	if hB != db.root.ID && !okB {
		return nil, nil, fmt.Errorf("%w: id=%x", ErrBlockNotFound, hB)
	}

	curA, curB := hA, hB
	for curA != curB {
		numA, numB := db.numOf(curA), db.numOf(curB)
		if numA >= numB && curA != db.root.ID {
			branchA = append(branchA, bsA)
			curA = bsA.Previous
			bsA = db.byID[curA]
		} else if curB != db.root.ID {
			branchB = append(branchB, bsB)
			curB = bsB.Previous
			bsB = db.byID[curB]
		} else {
			break
		}
	}
	return branchA, branchB, nil
}

func (db *ForkDB) numOf(id digest.Hash) uint32 {
	if id == db.root.ID {
		return db.root.BlockNum
	}
	if bs, ok := db.byID[id]; ok {
		return bs.BlockNum
	}
	return 0
}

// IsDescendantOf reports whether walking previous links from d reaches a
// or a's num is exceeded; the root is not consulted (§4.6).
func (db *ForkDB) IsDescendantOf(a, d digest.Hash) bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	aNum := db.numOf(a)
	cur := d
	for {
		bs, ok := db.byID[cur]
		if !ok {
			return false
		}
		if bs.Previous == a {
			return true
		}
		if bs.BlockNum <= aNum {
			return false
		}
		cur = bs.Previous
	}
}

// Root returns the current root block-state.
func (db *ForkDB) Root() *blockstate.BlockState {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.root
}

// PendingSavannaLibID returns the current candidate next-root id.
func (db *ForkDB) PendingSavannaLibID() digest.Hash {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.pendingSavannaLibID
}

// Len returns the number of block-states currently indexed (excluding
// root).
func (db *ForkDB) Len() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.byID)
}
