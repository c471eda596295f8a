// Package controller implements the finality controller (C7): the
// per-block state machine, the two-generation strong-claim finalization
// rule, and the promotion signals that feed the next block's header
// (§4.7).
package controller

import (
	"fmt"
	"sync"
	"time"

	"github.com/cometbft/cometbft/libs/log"
	"github.com/google/uuid"

	"github.com/savanna/finality/pkg/blockstate"
	"github.com/savanna/finality/pkg/digest"
	"github.com/savanna/finality/pkg/forkdb"
	"github.com/savanna/finality/pkg/metrics"
	"github.com/savanna/finality/pkg/qc"
)

// State is a block's position in the §4.7 state machine.
type State int

const (
	StateReceived State = iota
	StateLinked
	StateVoted
	StateQCComplete
	StateClaimedByChild
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateLinked:
		return "linked"
	case StateVoted:
		return "voted"
	case StateQCComplete:
		return "qc-complete"
	case StateClaimedByChild:
		return "claimed-by-child"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Clock abstracts wall-clock time so controller tests can drive
// finalization deterministically without a real timer.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// BlockStartEvent, AcceptedBlockHeaderEvent, AcceptedBlockEvent, and
// IrreversibleBlockEvent are the four signals the controller publishes;
// each carries a CorrelationID so subscribers can trace one block's
// passage through the pipeline across log lines and callbacks.
type BlockStartEvent struct {
	CorrelationID uuid.UUID
	BlockNum      uint32
	At            time.Time
}

type AcceptedBlockHeaderEvent struct {
	CorrelationID uuid.UUID
	BlockID       digest.Hash
	Outcome       forkdb.AddOutcome
}

type AcceptedBlockEvent struct {
	CorrelationID uuid.UUID
	BlockID       digest.Hash
	QC            *qc.QC
}

type IrreversibleBlockEvent struct {
	CorrelationID uuid.UUID
	BlockID       digest.Hash
	BlockNum      uint32
}

// EquivocationEvent carries a qc.Equivocation surfaced by a vote that was
// rejected as Duplicate-with-differing-mode or ConflictingDualVote, so a
// subscriber can build slashing/evidence tooling on top (§4.5, the
// finalizer-equivocation supplement described in DESIGN.md).
type EquivocationEvent struct {
	CorrelationID uuid.UUID
	BlockID       digest.Hash
	Evidence      qc.Equivocation
}

type (
	BlockStartFunc          func(BlockStartEvent)
	AcceptedBlockHeaderFunc func(AcceptedBlockHeaderEvent)
	AcceptedBlockFunc       func(AcceptedBlockEvent)
	IrreversibleBlockFunc   func(IrreversibleBlockEvent)
	EquivocationFunc        func(EquivocationEvent)
)

// Controller drives block state transitions over a ForkDB (§4.7). It
// holds no lock of its own over ForkDB's internals; its own bookkeeping
// (per-block State, promotion origins, subscriptions) is guarded
// independently.
type Controller struct {
	mu sync.Mutex

	db     *forkdb.ForkDB
	clock  Clock
	logger log.Logger

	state map[digest.Hash]State

	// proposalOriginBlock/pendingOriginBlock record the block number at
	// which the current last-proposed/last-pending policy lineage
	// pointer was introduced, so NextHeaderPromotions can tell a block
	// builder when finalizing that block should promote the policy
	// (§3's promotion invariants).
	proposalOriginBlock *uint32
	pendingOriginBlock  *uint32
	promoteProposed     bool
	promotePending      bool

	blockStartSubs          map[uuid.UUID]BlockStartFunc
	acceptedBlockHeaderSubs map[uuid.UUID]AcceptedBlockHeaderFunc
	acceptedBlockSubs       map[uuid.UUID]AcceptedBlockFunc
	irreversibleBlockSubs   map[uuid.UUID]IrreversibleBlockFunc
	equivocationSubs        map[uuid.UUID]EquivocationFunc
}

// New builds a Controller over db. If clock is nil, SystemClock is used;
// if logger is nil, a no-op logger is used.
func New(db *forkdb.ForkDB, clock Clock, logger log.Logger) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Controller{
		db:                      db,
		clock:                   clock,
		logger:                  logger,
		state:                   make(map[digest.Hash]State),
		blockStartSubs:          make(map[uuid.UUID]BlockStartFunc),
		acceptedBlockHeaderSubs: make(map[uuid.UUID]AcceptedBlockHeaderFunc),
		acceptedBlockSubs:       make(map[uuid.UUID]AcceptedBlockFunc),
		irreversibleBlockSubs:   make(map[uuid.UUID]IrreversibleBlockFunc),
		equivocationSubs:        make(map[uuid.UUID]EquivocationFunc),
	}
}

func (c *Controller) OnBlockStart(f BlockStartFunc) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New()
	c.blockStartSubs[id] = f
	return id
}

func (c *Controller) OnAcceptedBlockHeader(f AcceptedBlockHeaderFunc) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New()
	c.acceptedBlockHeaderSubs[id] = f
	return id
}

func (c *Controller) OnAcceptedBlock(f AcceptedBlockFunc) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New()
	c.acceptedBlockSubs[id] = f
	return id
}

func (c *Controller) OnIrreversibleBlock(f IrreversibleBlockFunc) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New()
	c.irreversibleBlockSubs[id] = f
	return id
}

// OnEquivocation registers f to be called whenever a vote is rejected with
// attached equivocation evidence (§4.5's Duplicate-with-differing-mode and
// ConflictingDualVote outcomes).
func (c *Controller) OnEquivocation(f EquivocationFunc) uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.New()
	c.equivocationSubs[id] = f
	return id
}

// Unsubscribe removes a previously registered callback of any kind by
// its id; a no-op if id is not found.
func (c *Controller) Unsubscribe(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blockStartSubs, id)
	delete(c.acceptedBlockHeaderSubs, id)
	delete(c.acceptedBlockSubs, id)
	delete(c.irreversibleBlockSubs, id)
	delete(c.equivocationSubs, id)
}

// BeginBlock announces the start of processing for blockNum, publishing
// block_start with a fresh correlation id.
func (c *Controller) BeginBlock(blockNum uint32) uuid.UUID {
	corrID := uuid.New()
	evt := BlockStartEvent{CorrelationID: corrID, BlockNum: blockNum, At: c.clock.Now()}

	c.mu.Lock()
	subs := make([]BlockStartFunc, 0, len(c.blockStartSubs))
	for _, f := range c.blockStartSubs {
		subs = append(subs, f)
	}
	c.mu.Unlock()

	c.logger.Debug("block_start", "correlation_id", corrID.String(), "block_num", blockNum)
	for _, f := range subs {
		f(evt)
	}
	return corrID
}

// AddBlock links bs into the fork database, transitions it received →
// linked on success, and runs the two-generation strong-claim check
// against its own qc_claim (§4.6, §4.7).
func (c *Controller) AddBlock(bs *blockstate.BlockState, corrID uuid.UUID, onDup forkdb.OnDuplicate, validate forkdb.FeatureValidator, newFeatures []string) (forkdb.AddOutcome, error) {
	outcome, err := c.db.Add(bs, onDup, validate, newFeatures)
	if err != nil {
		return outcome, fmt.Errorf("controller: add block: %w", err)
	}
	metrics.RecordBlockAdded(outcome.String())

	c.mu.Lock()
	c.state[bs.ID] = StateLinked
	c.mu.Unlock()

	c.logger.Info("accepted_block_header", "correlation_id", corrID.String(), "block_id", fmt.Sprintf("%x", bs.ID), "outcome", outcome.String())
	c.publishAcceptedBlockHeader(AcceptedBlockHeaderEvent{CorrelationID: corrID, BlockID: bs.ID, Outcome: outcome})

	if outcome != forkdb.AddDuplicate {
		c.processStrongClaim(bs, corrID)
	}
	return outcome, nil
}

func (c *Controller) publishAcceptedBlockHeader(evt AcceptedBlockHeaderEvent) {
	c.mu.Lock()
	subs := make([]AcceptedBlockHeaderFunc, 0, len(c.acceptedBlockHeaderSubs))
	for _, f := range c.acceptedBlockHeaderSubs {
		subs = append(subs, f)
	}
	c.mu.Unlock()
	for _, f := range subs {
		f(evt)
	}
}

// Vote feeds a vote into bs's aggregating QC, self-transitioning on
// acceptance and advancing to qc-complete the moment quorum is reached
// (§4.5, §4.7).
func (c *Controller) Vote(bs *blockstate.BlockState, v qc.Vote, corrID uuid.UUID) qc.VoteResult {
	result, equiv := bs.AggregatingQC.AggregateVote(v)
	metrics.RecordVote(result.String())
	if equiv != nil {
		kind := "duplicate_mode_mismatch"
		if result == qc.ConflictingDualVote {
			kind = "conflicting_dual_vote"
		}
		metrics.RecordEquivocation(kind)
		c.logger.Error("equivocation", "correlation_id", corrID.String(), "block_id", fmt.Sprintf("%x", bs.ID), "kind", kind)
		c.publishEquivocation(EquivocationEvent{CorrelationID: corrID, BlockID: bs.ID, Evidence: *equiv})
	}
	if result != qc.Success {
		return result
	}

	c.mu.Lock()
	if c.state[bs.ID] == StateLinked {
		c.state[bs.ID] = StateVoted
	}
	nowComplete := bs.AggregatingQC.IsComplete()
	if nowComplete && c.state[bs.ID] != StateQCComplete {
		c.state[bs.ID] = StateQCComplete
	}
	c.mu.Unlock()

	if nowComplete {
		snap := bs.AggregatingQC.Snapshot()
		metrics.RecordQCCompleted()
		c.logger.Info("qc_complete", "correlation_id", corrID.String(), "block_id", fmt.Sprintf("%x", bs.ID))
		c.publishAcceptedBlock(AcceptedBlockEvent{CorrelationID: corrID, BlockID: bs.ID, QC: snap})
	}
	return result
}

func (c *Controller) publishEquivocation(evt EquivocationEvent) {
	c.mu.Lock()
	subs := make([]EquivocationFunc, 0, len(c.equivocationSubs))
	for _, f := range c.equivocationSubs {
		subs = append(subs, f)
	}
	c.mu.Unlock()
	for _, f := range subs {
		f(evt)
	}
}

func (c *Controller) publishAcceptedBlock(evt AcceptedBlockEvent) {
	c.mu.Lock()
	subs := make([]AcceptedBlockFunc, 0, len(c.acceptedBlockSubs))
	for _, f := range c.acceptedBlockSubs {
		subs = append(subs, f)
	}
	c.mu.Unlock()
	for _, f := range subs {
		f(evt)
	}
}

// processStrongClaim implements qc-complete→claimed-by-child and the
// two-generation claimed-by-child→finalized rule (§4.7): bs's own
// qc_claim, if strong, marks its target claimed-by-child; if that
// target's own strong claim target was already claimed-by-child, the
// claim chain is two generations deep and that grandparent finalizes.
func (c *Controller) processStrongClaim(bs *blockstate.BlockState, corrID uuid.UUID) {
	if !bs.QCClaim.IsStrong {
		return
	}
	target, ok := c.db.SearchOnBranch(bs.Previous, bs.QCClaim.BlockNum, true)
	if !ok {
		return
	}

	c.mu.Lock()
	if c.state[target.ID] != StateQCComplete {
		c.mu.Unlock()
		return
	}
	c.state[target.ID] = StateClaimedByChild
	c.mu.Unlock()

	c.logger.Info("claimed_by_child", "correlation_id", corrID.String(), "block_id", fmt.Sprintf("%x", target.ID))

	if !target.QCClaim.IsStrong {
		return
	}
	grandparent, ok := c.db.SearchOnBranch(target.Previous, target.QCClaim.BlockNum, true)
	if !ok {
		return
	}

	c.mu.Lock()
	alreadyClaimed := c.state[grandparent.ID] == StateClaimedByChild
	c.mu.Unlock()
	if !alreadyClaimed {
		return
	}

	c.finalize(grandparent, corrID)
}

// finalize marks target finalized, advances the fork database root to
// it, records promotion origins for the next block builder, and
// publishes irreversible_block (§4.7).
func (c *Controller) finalize(target *blockstate.BlockState, corrID uuid.UUID) {
	c.mu.Lock()
	c.state[target.ID] = StateFinalized
	if c.proposalOriginBlock != nil && *c.proposalOriginBlock == target.BlockNum {
		c.promoteProposed = true
	}
	if c.pendingOriginBlock != nil && *c.pendingOriginBlock == target.BlockNum {
		c.promotePending = true
	}
	c.mu.Unlock()

	if err := c.db.AdvanceRoot(target.ID); err != nil {
		c.logger.Error("advance_root failed after finalization", "block_id", fmt.Sprintf("%x", target.ID), "err", err)
		return
	}
	metrics.RecordRootAdvance()

	c.logger.Info("irreversible_block", "correlation_id", corrID.String(), "block_id", fmt.Sprintf("%x", target.ID), "block_num", target.BlockNum)
	c.mu.Lock()
	subs := make([]IrreversibleBlockFunc, 0, len(c.irreversibleBlockSubs))
	for _, f := range c.irreversibleBlockSubs {
		subs = append(subs, f)
	}
	c.mu.Unlock()
	evt := IrreversibleBlockEvent{CorrelationID: corrID, BlockID: target.ID, BlockNum: target.BlockNum}
	for _, f := range subs {
		f(evt)
	}
}

// RecordProposedPolicyOrigin notes that the current last-proposed-policy
// lineage pointer was introduced at blockNum, so finalizing that block
// later triggers the proposed→pending promotion signal.
func (c *Controller) RecordProposedPolicyOrigin(blockNum uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proposalOriginBlock = &blockNum
	c.promoteProposed = false
}

// RecordPendingPolicyOrigin notes that the current last-pending-policy
// lineage pointer took effect at blockNum, so finalizing that block
// later triggers the pending→active promotion signal.
func (c *Controller) RecordPendingPolicyOrigin(blockNum uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingOriginBlock = &blockNum
	c.promotePending = false
}

// NextHeaderPromotions reports whether the next block header should set
// PromoteProposedToPending / PromotePendingToActive (§4.4's Header
// fields), consuming the signal exactly once.
func (c *Controller) NextHeaderPromotions() (promoteProposed, promotePending bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	promoteProposed, promotePending = c.promoteProposed, c.promotePending
	c.promoteProposed = false
	c.promotePending = false
	return
}

// StateOf returns the tracked state machine position of id, or
// StateReceived if untracked.
func (c *Controller) StateOf(id digest.Hash) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[id]
}
