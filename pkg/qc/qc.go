// Package qc implements the aggregating quorum certificate (§4.5): the
// per-block vote set that accumulates BLS votes against a block's active
// and optional pending finalizer policy until quorum is reached, at
// which point it snapshots an immutable QC.
package qc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/savanna/finality/pkg/bitset"
	"github.com/savanna/finality/pkg/crypto/bls"
	"github.com/savanna/finality/pkg/digest"
	"github.com/savanna/finality/pkg/policy"
)

// VoteResult is the outcome of aggregate_vote (§4.5).
type VoteResult int

const (
	Success VoteResult = iota
	Duplicate
	UnknownPublicKey
	InvalidSignature
	ConflictingDualVote
)

func (r VoteResult) String() string {
	switch r {
	case Success:
		return "success"
	case Duplicate:
		return "duplicate"
	case UnknownPublicKey:
		return "unknown_public_key"
	case InvalidSignature:
		return "invalid_signature"
	case ConflictingDualVote:
		return "conflicting_dual_vote"
	default:
		return "unknown"
	}
}

// Vote is a single finalizer's vote on a block (§3).
type Vote struct {
	BlockID         digest.Hash
	Strong          bool
	FinalizerPubKey *bls.PublicKey
	Signature       *bls.Signature
}

// Equivocation records a finalizer observed voting twice, in conflicting
// modes, against the same aggregating QC: once strong and once weak
// (Duplicate with a differing mode), or once against the active policy
// and once against the pending policy in different modes
// (ConflictingDualVote). The core itself takes no action on this beyond
// rejecting the second vote - it is evidence a caller can build
// slashing/evidence tooling on top of (no staking/slashing logic here;
// that stays a Non-goal).
type Equivocation struct {
	FinalizerPubKey *bls.PublicKey
	FirstVote       Vote
	ConflictingVote Vote
}

// dualMode records the first strong/weak mode a dual-present finalizer
// was observed voting, so later conflicting votes are rejected at
// aggregation time (§4.5).
type dualMode int

const (
	dualModeUnknown dualMode = iota
	dualModeStrong
	dualModeWeak
)

// policySig accumulates one policy's bitsets, weight, and running
// aggregate signature.
type policySig struct {
	strongVotes *bitset.Set
	weakVotes   *bitset.Set
	strongAgg   []*bls.Signature
	weakAgg     []*bls.Signature
	weight      uint64
	quorumMet   bool

	// firstVote retains the originally accepted vote per finalizer index,
	// so a later duplicate or conflicting vote from the same finalizer
	// can be reported as Equivocation evidence rather than just a dropped
	// status code.
	firstVote map[int]Vote
}

func newPolicySig(size int) *policySig {
	return &policySig{
		strongVotes: bitset.New(size),
		weakVotes:   bitset.New(size),
		firstVote:   make(map[int]Vote),
	}
}

// Sig is the immutable, snapshotted signature tuple for one policy once
// voting is frozen for reporting purposes (§3's qc_sig, §6).
type Sig struct {
	StrongVotes      *bitset.Set
	WeakVotes        *bitset.Set
	AggregateSignature *bls.Signature
}

// QC is the immutable snapshot produced once all required policies reach
// quorum (§3).
type QC struct {
	BlockNum     uint32
	ActiveSig    Sig
	PendingSig   *Sig
}

// AggregatingQC is the mutable per-block vote accumulator (§4.5). It is
// created bound to a block's active policy and, if present, its pending
// policy, and is the sole piece of per-block mutable state besides the
// is_valid bit (§4.4's observable contract).
type AggregatingQC struct {
	mu sync.Mutex

	blockNum uint32

	strongDigest digest.Hash
	// weakSigningMessage is the BLS signing domain for weak votes
	// (§4.2): H("WEAK_BLS_SIG_PREFIX" ∥ strongDigest). This is distinct
	// from the block-level weak_digest (§3) computed by
	// digest.WeakDigest - see DESIGN.md.
	weakSigningMessage []byte

	active  *policy.Policy
	pending *policy.Policy

	activeSig  *policySig
	pendingSig *policySig

	dualMode map[int]dualMode // keyed by index in the active policy's finalizer list

	complete bool
	snapshot *QC
}

// New binds a fresh aggregating QC to blockNum and the block's policies and
// digests. pending may be nil when the block has no pending policy.
// weakDigest is the block-level weak digest (§3, H("WEAK" ∥ strongDigest));
// it is accepted here only so QC stays agnostic of how callers derive it,
// but the BLS weak-vote signing domain is independently derived from
// strongDigest per §4.2, not from weakDigest.
func New(blockNum uint32, strongDigest, weakDigest digest.Hash, active, pending *policy.Policy) *AggregatingQC {
	q := &AggregatingQC{
		blockNum:           blockNum,
		strongDigest:       strongDigest,
		weakSigningMessage: bls.WeakSigningMessage(strongDigest[:]),
		active:             active,
		pending:            pending,
		activeSig:          newPolicySig(len(active.Finalizers)),
		dualMode:           make(map[int]dualMode),
	}
	if pending != nil {
		q.pendingSig = newPolicySig(len(pending.Finalizers))
	}
	return q
}

// IsComplete reports whether all required policies have reached quorum.
func (q *AggregatingQC) IsComplete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.complete
}

// Snapshot returns the immutable QC once complete, or nil beforehand.
// Once non-nil, the returned value's payload never changes (§5's ordering
// guarantee: "once the aggregating QC reports quorum, the QC's payload is
// stable").
func (q *AggregatingQC) Snapshot() *QC {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot
}

// RestoreSnapshot marks q complete with a previously-built QC snapshot,
// without replaying the individual votes that produced it. Used by
// pkg/blockstate.Decode when a persisted block state had already reached
// quorum before the snapshot was written (§6's on-disk format carries the
// completed qc_sig, not the vote-by-vote history).
func (q *AggregatingQC) RestoreSnapshot(snap *QC) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.complete = true
	q.snapshot = snap
}

// AggregateVote processes a single vote against the bound policies
// (§4.5's aggregate_vote contract). The returned Equivocation is non-nil
// only when the result is Duplicate with a differing vote mode from the
// one already on record, or ConflictingDualVote.
func (q *AggregatingQC) AggregateVote(v Vote) (VoteResult, *Equivocation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	activeIdx := q.active.IndexOf(v.FinalizerPubKey)
	var pendingIdx int = -1
	if q.pending != nil {
		pendingIdx = q.pending.IndexOf(v.FinalizerPubKey)
	}
	if activeIdx < 0 && pendingIdx < 0 {
		return UnknownPublicKey, nil
	}

	alreadyInActive := activeIdx >= 0 && hasVoted(q.activeSig, activeIdx)
	alreadyInPending := pendingIdx >= 0 && hasVoted(q.pendingSig, pendingIdx)
	presentInActive := activeIdx >= 0
	presentInPending := pendingIdx >= 0
	dup := true
	if presentInActive && !alreadyInActive {
		dup = false
	}
	if presentInPending && !alreadyInPending {
		dup = false
	}
	if dup {
		first, ok := firstVoteFor(q.activeSig, activeIdx, q.pendingSig, pendingIdx)
		if ok && first.Strong != v.Strong {
			if presentInActive && presentInPending {
				return ConflictingDualVote, &Equivocation{FinalizerPubKey: v.FinalizerPubKey, FirstVote: first, ConflictingVote: v}
			}
			return Duplicate, &Equivocation{FinalizerPubKey: v.FinalizerPubKey, FirstVote: first, ConflictingVote: v}
		}
		return Duplicate, nil
	}

	msg := q.strongDigest[:]
	if !v.Strong {
		msg = q.weakSigningMessage
	}
	if !bls.VerifyAggregate([]*bls.PublicKey{v.FinalizerPubKey}, v.Signature, msg) {
		return InvalidSignature, nil
	}

	if activeIdx >= 0 && pendingIdx >= 0 {
		mode := dualModeStrong
		if !v.Strong {
			mode = dualModeWeak
		}
		seen, ok := q.dualMode[activeIdx]
		if ok && seen != dualModeUnknown && seen != mode {
			first := q.activeSig.firstVote[activeIdx]
			return ConflictingDualVote, &Equivocation{FinalizerPubKey: v.FinalizerPubKey, FirstVote: first, ConflictingVote: v}
		}
		q.dualMode[activeIdx] = mode
	}

	weight := uint64(0)
	if activeIdx >= 0 {
		weight = q.active.Finalizers[activeIdx].Weight
		applyVote(q.activeSig, activeIdx, v, weight)
	}
	if pendingIdx >= 0 {
		weight = q.pending.Finalizers[pendingIdx].Weight
		applyVote(q.pendingSig, pendingIdx, v, weight)
	}

	q.activeSig.quorumMet = q.activeSig.weight >= q.active.Threshold
	if q.pendingSig != nil {
		q.pendingSig.quorumMet = q.pendingSig.weight >= q.pending.Threshold
	}

	requiredMet := q.activeSig.quorumMet && (q.pendingSig == nil || q.pendingSig.quorumMet)
	if requiredMet && !q.complete {
		q.complete = true
		q.snapshot = q.buildSnapshot()
	}

	return Success, nil
}

// firstVoteFor looks up the originally accepted vote for a finalizer
// present in the active and/or pending policy, preferring whichever
// policySig actually has it on record.
func firstVoteFor(activeSig *policySig, activeIdx int, pendingSig *policySig, pendingIdx int) (Vote, bool) {
	if activeSig != nil && activeIdx >= 0 {
		if v, ok := activeSig.firstVote[activeIdx]; ok {
			return v, true
		}
	}
	if pendingSig != nil && pendingIdx >= 0 {
		if v, ok := pendingSig.firstVote[pendingIdx]; ok {
			return v, true
		}
	}
	return Vote{}, false
}

// hasVoted reports whether finalizer idx has already cast any vote
// (strong or weak) against this policy, independent of the mode of the
// incoming vote - a finalizer gets exactly one accepted vote per policy
// per block (§8), not one accepted vote per mode.
func hasVoted(ps *policySig, idx int) bool {
	if ps == nil {
		return false
	}
	return ps.strongVotes.Get(idx) || ps.weakVotes.Get(idx)
}

func applyVote(ps *policySig, idx int, v Vote, weight uint64) {
	if v.Strong {
		ps.strongVotes.Set(idx)
		ps.strongAgg = append(ps.strongAgg, v.Signature)
	} else {
		ps.weakVotes.Set(idx)
		ps.weakAgg = append(ps.weakAgg, v.Signature)
	}
	ps.firstVote[idx] = v
	ps.weight += weight
}

func (ps *policySig) aggregate() (*bls.Signature, error) {
	var all []*bls.Signature
	all = append(all, ps.strongAgg...)
	all = append(all, ps.weakAgg...)
	if len(all) == 0 {
		return nil, errors.New("qc: no votes to aggregate")
	}
	return bls.AggregateSignatures(all)
}

func (q *AggregatingQC) buildSnapshot() *QC {
	activeAgg, err := q.activeSig.aggregate()
	if err != nil {
		// Unreachable under the quorum precondition: quorum requires at
		// least one accumulated vote.
		panic(fmt.Sprintf("qc: quorum reached with no votes: %v", err))
	}
	snap := &QC{
		BlockNum: q.blockNum,
		ActiveSig: Sig{
			StrongVotes:        q.activeSig.strongVotes.Clone(),
			WeakVotes:          q.activeSig.weakVotes.Clone(),
			AggregateSignature: activeAgg,
		},
	}
	if q.pendingSig != nil {
		pendingAgg, err := q.pendingSig.aggregate()
		if err != nil {
			panic(fmt.Sprintf("qc: pending quorum reached with no votes: %v", err))
		}
		snap.PendingSig = &Sig{
			StrongVotes:        q.pendingSig.strongVotes.Clone(),
			WeakVotes:          q.pendingSig.weakVotes.Clone(),
			AggregateSignature: pendingAgg,
		}
	}
	return snap
}

// Encode writes the canonical serialization of a completed Sig (§6's
// qc_sig): strong_votes ∥ weak_votes (each bitset.Encode's length-prefixed
// form) ∥ varint len ∥ agg_sig bytes.
func (s *Sig) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(s.StrongVotes.Encode())
	buf.Write(s.WeakVotes.Encode())
	sigBytes := s.AggregateSignature.LittleEndianBytes()
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(sigBytes)))
	buf.Write(lenBuf[:n])
	buf.Write(sigBytes)
	return buf.Bytes()
}

// DecodeSig parses the encoding produced by Sig.Encode.
func DecodeSig(r *bytes.Reader) (*Sig, error) {
	strong, err := decodeBitset(r)
	if err != nil {
		return nil, fmt.Errorf("qc: decode sig strong_votes: %w", err)
	}
	weak, err := decodeBitset(r)
	if err != nil {
		return nil, fmt.Errorf("qc: decode sig weak_votes: %w", err)
	}
	sigLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("qc: decode sig agg_sig length: %w", err)
	}
	sigBytes := make([]byte, sigLen)
	if _, err := io.ReadFull(r, sigBytes); err != nil {
		return nil, fmt.Errorf("qc: decode sig agg_sig: %w", err)
	}
	agg, err := bls.SignatureFromBytes(sigBytes)
	if err != nil {
		return nil, fmt.Errorf("qc: decode sig agg_sig: %w", err)
	}
	return &Sig{StrongVotes: strong, WeakVotes: weak, AggregateSignature: agg}, nil
}

func decodeBitset(r *bytes.Reader) (*bitset.Set, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int(binary.LittleEndian.Uint32(sizeBuf[:]))
	body := make([]byte, (size+7)/8)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return bitset.Decode(append(sizeBuf[:], body...))
}

// Encode writes the canonical serialization of a completed QC (§6's
// qc_block_finality_data/qc_sig pairing, persisted form): block_num(u32 LE)
// ∥ u8 has_pending ∥ active_sig ∥ (pending_sig if has_pending).
func (q *QC) Encode() []byte {
	var buf bytes.Buffer
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], q.BlockNum)
	buf.Write(tmp[:])
	if q.PendingSig != nil {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(q.ActiveSig.Encode())
	if q.PendingSig != nil {
		buf.Write(q.PendingSig.Encode())
	}
	return buf.Bytes()
}

// DecodeQC parses the encoding produced by QC.Encode.
func DecodeQC(r *bytes.Reader) (*QC, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return nil, fmt.Errorf("qc: decode block_num: %w", err)
	}
	blockNum := binary.LittleEndian.Uint32(tmp[:])
	hasPending, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("qc: decode has_pending: %w", err)
	}
	active, err := DecodeSig(r)
	if err != nil {
		return nil, fmt.Errorf("qc: decode active_sig: %w", err)
	}
	qc := &QC{BlockNum: blockNum, ActiveSig: *active}
	if hasPending == 1 {
		pending, err := DecodeSig(r)
		if err != nil {
			return nil, fmt.Errorf("qc: decode pending_sig: %w", err)
		}
		qc.PendingSig = pending
	}
	return qc, nil
}
