// Package blockstate implements block state (C4): the per-candidate-block
// record of digests, policy pointers, and aggregating QC derived when a
// new block links onto the fork database (§3, §4.4).
package blockstate

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/savanna/finality/pkg/digest"
	"github.com/savanna/finality/pkg/merkle"
	"github.com/savanna/finality/pkg/policy"
	"github.com/savanna/finality/pkg/qc"
)

// ErrNonIncreasingTimestamp is returned by Derive when a candidate
// block's timestamp does not strictly exceed its parent's (§4.4 step 1).
var ErrNonIncreasingTimestamp = errors.New("blockstate: timestamp must strictly increase over parent")

// QCClaim names which ancestor a block's QC vote is claiming finality
// for, and whether that claim is strong or weak (§3).
type QCClaim struct {
	BlockNum uint32
	IsStrong bool
}

// Header is the externally supplied per-block input Derive consumes:
// everything about the new candidate block that isn't inherited from its
// parent or computed by the digest/merkle services.
type Header struct {
	ID                     digest.Hash
	Previous               digest.Hash
	BlockNum               uint32
	Timestamp              int64
	LatestQCBlockTimestamp int64
	ActionMRoot            digest.Hash
	QCClaim                QCClaim

	// ProposedPolicyDiff, if non-nil, is a new finalizer policy diff
	// carried in this block's header extension; Derive stores it as this
	// block's LastProposedPolicyDiff in place of the parent's, without
	// applying it to any policy (§4.4 step 4). A stored diff is applied
	// only when PromoteProposedToPending takes effect, against the parent's
	// active policy. Nil means "no new proposal, inherit the parent's".
	ProposedPolicyDiff *policy.Diff

	// PromoteProposedToPending and PromotePendingToActive are signalled
	// by the finality controller (C7) when this block is the one at
	// which a promotion takes effect (§3's promotion invariants,
	// §4.7). Both default to false for ordinary blocks.
	PromoteProposedToPending bool
	PromotePendingToActive   bool
}

// BlockState is the immutable-after-construction record for one candidate
// block (§3, §4.4). Only AggregatingQC's interior vote state and the
// valid bit mutate post-construction.
type BlockState struct {
	ID                     digest.Hash
	Previous               digest.Hash
	BlockNum               uint32
	Timestamp              int64
	LatestQCBlockTimestamp int64

	StrongDigest digest.Hash
	WeakDigest   digest.Hash

	FinalOnStrongQCBlockNum uint32
	FinalityTreeRoot        digest.Hash
	FinalityDigest          digest.Hash
	FinalityLeaf            digest.Hash
	ActionMRoot             digest.Hash

	// WitnessHash is H(pending_policy_digest, base_digest), retained
	// separately from FinalityDigest because §6's wire format carries it
	// pre-combined as qc_block_finality_data.witness_hash so a finality
	// proof verifier can recompute FinalityDigest without needing the
	// block's raw header fields (digest.FinalityDigestFromWitness).
	WitnessHash digest.Hash

	ActivePolicy            *policy.Policy
	PendingPolicy           *policy.Policy
	LastProposedPolicyDiff  *policy.Diff
	LastPendingPolicyBlock  uint32

	QCClaim QCClaim

	AggregatingQC *qc.AggregatingQC

	valid bool
}

// IsValid reports the monotonic false→true validity bit (§4.4's
// observable contract).
func (bs *BlockState) IsValid() bool { return bs.valid }

// MarkValid sets the valid bit. Called by the fork database on successful
// linkage (§4.6 reset_root / add) and on snapshot load; calling it again
// has no further effect.
func (bs *BlockState) MarkValid() { bs.valid = true }

// baseDigest computes the fixed-schema header digest folded into the
// finality digest (§3): everything about the block except the
// finality-tree/pending-policy witness, which FinalityDigest folds in
// separately.
func baseDigest(h *Header, activePolicyDigest digest.Hash) digest.Hash {
	buf := make([]byte, 0, 32+4+8+8+32+32)
	buf = append(buf, h.Previous[:]...)
	buf = digest.PutUint32(buf, h.BlockNum)
	buf = append(buf, int64LE(h.Timestamp)...)
	buf = append(buf, int64LE(h.LatestQCBlockTimestamp)...)
	buf = append(buf, activePolicyDigest[:]...)
	buf = append(buf, h.ActionMRoot[:]...)
	return digest.Sum(buf)
}

func int64LE(v int64) []byte {
	buf := make([]byte, 0, 8)
	return digest.PutUint64(buf, uint64(v))
}

// AncestorLookup supplies the finality leaves of the retained branch from
// the root up to (and including) the block the new block's QC claim
// points at, in root-to-claim order, so Derive can build the finality
// merkle tree (§3's finality_mroot).
type AncestorLookup interface {
	// FinalityLeavesUpTo returns the ordered finality leaves from the
	// root of the retained branch up to and including the block at
	// claimBlockNum, given the parent block state to walk back from.
	FinalityLeavesUpTo(parent *BlockState, claimBlockNum uint32) ([]digest.Hash, error)
}

// Derive constructs a new BlockState from its parent and header, per the
// eight-step algorithm in §4.4.
func Derive(parent *BlockState, h Header, ancestors AncestorLookup) (*BlockState, error) {
	if h.Timestamp <= parent.Timestamp {
		return nil, fmt.Errorf("%w: block_num=%d parent_ts=%d ts=%d", ErrNonIncreasingTimestamp, h.BlockNum, parent.Timestamp, h.Timestamp)
	}

	active := parent.ActivePolicy
	if h.PromotePendingToActive && parent.PendingPolicy != nil {
		active = parent.PendingPolicy
	}

	pending := parent.PendingPolicy
	if h.PromoteProposedToPending && parent.LastProposedPolicyDiff != nil {
		promoted, err := policy.ApplyDiff(parent.ActivePolicy, parent.LastProposedPolicyDiff)
		if err != nil {
			return nil, fmt.Errorf("blockstate: promote proposed policy: %w", err)
		}
		pending = promoted
	}

	proposedDiff := parent.LastProposedPolicyDiff
	if h.ProposedPolicyDiff != nil {
		proposedDiff = h.ProposedPolicyDiff
	}

	activeDigest := active.Digest()
	base := baseDigest(&h, activeDigest)

	var pendingPolicyDigest digest.Hash
	if pending != nil {
		pendingPolicyDigest = pending.Digest()
	}

	finalOnStrongQCBlockNum := parent.FinalOnStrongQCBlockNum
	if h.QCClaim.IsStrong {
		finalOnStrongQCBlockNum = h.QCClaim.BlockNum
	}

	leaves, err := ancestors.FinalityLeavesUpTo(parent, h.QCClaim.BlockNum)
	if err != nil {
		return nil, fmt.Errorf("blockstate: collect finality leaves: %w", err)
	}
	var financeTreeRoot digest.Hash
	if len(leaves) > 0 {
		tree, err := merkle.Build(leaves)
		if err != nil {
			return nil, fmt.Errorf("blockstate: build finality tree: %w", err)
		}
		financeTreeRoot = tree.Root()
	}

	witnessHash := digest.WitnessHash(pendingPolicyDigest, base)
	finalityDigest := digest.FinalityDigestFromWitness(active.Generation, finalOnStrongQCBlockNum, financeTreeRoot, witnessHash)
	finalityLeaf := digest.FinalityLeaf(h.BlockNum, finalityDigest, h.ActionMRoot)
	weak := digest.WeakDigest(finalityDigest)

	bs := &BlockState{
		ID:                     h.ID,
		Previous:               h.Previous,
		BlockNum:               h.BlockNum,
		Timestamp:              h.Timestamp,
		LatestQCBlockTimestamp: h.LatestQCBlockTimestamp,

		StrongDigest: finalityDigest,
		WeakDigest:   weak,

		FinalOnStrongQCBlockNum: finalOnStrongQCBlockNum,
		FinalityTreeRoot:        financeTreeRoot,
		FinalityDigest:          finalityDigest,
		FinalityLeaf:            finalityLeaf,
		WitnessHash:             witnessHash,
		ActionMRoot:             h.ActionMRoot,

		ActivePolicy:           active,
		PendingPolicy:          pending,
		LastProposedPolicyDiff: proposedDiff,

		QCClaim: h.QCClaim,
	}

	bs.AggregatingQC = qc.New(bs.BlockNum, bs.StrongDigest, bs.WeakDigest, active, pending)

	return bs, nil
}

// Encode writes the canonical serialization of bs for §6's on-disk
// fork-database snapshot (pkg/forkdb/persist.go): the fixed digest/claim
// fields, both full policies (not diffs - a snapshot is read back with no
// parent to diff against), the last proposed policy diff if any, and
// either a completed aggregating QC snapshot or a marker that voting was
// still in progress when the snapshot was taken. In-flight (incomplete)
// vote state is not persisted: §5 confines persistence to controller
// start/stop, never mid-voting, so a restart's worst case is re-collecting
// votes for a block that had not yet reached quorum.
func (bs *BlockState) Encode() []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	buf.Write(bs.ID[:])
	buf.Write(bs.Previous[:])
	binary.LittleEndian.PutUint32(tmp[:4], bs.BlockNum)
	buf.Write(tmp[:4])
	binary.LittleEndian.PutUint64(tmp[:8], uint64(bs.Timestamp))
	buf.Write(tmp[:8])
	binary.LittleEndian.PutUint64(tmp[:8], uint64(bs.LatestQCBlockTimestamp))
	buf.Write(tmp[:8])

	buf.Write(bs.StrongDigest[:])
	buf.Write(bs.WeakDigest[:])

	binary.LittleEndian.PutUint32(tmp[:4], bs.FinalOnStrongQCBlockNum)
	buf.Write(tmp[:4])
	buf.Write(bs.FinalityTreeRoot[:])
	buf.Write(bs.FinalityDigest[:])
	buf.Write(bs.FinalityLeaf[:])
	buf.Write(bs.ActionMRoot[:])
	buf.Write(bs.WitnessHash[:])

	writeBytes(&buf, bs.ActivePolicy.Encode())
	if bs.PendingPolicy != nil {
		buf.WriteByte(1)
		writeBytes(&buf, bs.PendingPolicy.Encode())
	} else {
		buf.WriteByte(0)
	}

	if bs.LastProposedPolicyDiff != nil {
		buf.WriteByte(1)
		writeDiff(&buf, bs.LastProposedPolicyDiff)
	} else {
		buf.WriteByte(0)
	}
	binary.LittleEndian.PutUint32(tmp[:4], bs.LastPendingPolicyBlock)
	buf.Write(tmp[:4])

	binary.LittleEndian.PutUint32(tmp[:4], bs.QCClaim.BlockNum)
	buf.Write(tmp[:4])
	if bs.QCClaim.IsStrong {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	if bs.valid {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	var snap *qc.QC
	if bs.AggregatingQC != nil {
		snap = bs.AggregatingQC.Snapshot()
	}
	if snap != nil {
		buf.WriteByte(1)
		writeBytes(&buf, snap.Encode())
	} else {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	buf.Write(lenBuf[:n])
	buf.Write(b)
}

func writeDiff(buf *bytes.Buffer, d *policy.Diff) {
	buf.Write(d.BaseDigest[:])
	writeBytes(buf, d.TargetBytes)
	buf.Write(d.TargetDigest[:])
}

func readHash(r *bytes.Reader) (digest.Hash, error) {
	var h digest.Hash
	_, err := io.ReadFull(r, h[:])
	return h, err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readDiff(r *bytes.Reader) (*policy.Diff, error) {
	base, err := readHash(r)
	if err != nil {
		return nil, fmt.Errorf("read base_digest: %w", err)
	}
	targetBytes, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("read target_bytes: %w", err)
	}
	target, err := readHash(r)
	if err != nil {
		return nil, fmt.Errorf("read target_digest: %w", err)
	}
	return &policy.Diff{BaseDigest: base, TargetBytes: targetBytes, TargetDigest: target}, nil
}

// Decode parses the encoding produced by Encode. The returned BlockState's
// AggregatingQC is freshly bound via qc.New against the decoded policies;
// if the encoding carried a completed QC snapshot, Decode replays it so
// IsComplete/Snapshot observe the same post-quorum state the snapshot was
// taken in.
func Decode(data []byte) (*BlockState, error) {
	r := bytes.NewReader(data)
	bs := &BlockState{}

	var err error
	if bs.ID, err = readHash(r); err != nil {
		return nil, fmt.Errorf("blockstate: read id: %w", err)
	}
	if bs.Previous, err = readHash(r); err != nil {
		return nil, fmt.Errorf("blockstate: read previous: %w", err)
	}
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:4]); err != nil {
		return nil, fmt.Errorf("blockstate: read block_num: %w", err)
	}
	bs.BlockNum = binary.LittleEndian.Uint32(tmp[:4])
	if _, err := io.ReadFull(r, tmp[:8]); err != nil {
		return nil, fmt.Errorf("blockstate: read timestamp: %w", err)
	}
	bs.Timestamp = int64(binary.LittleEndian.Uint64(tmp[:8]))
	if _, err := io.ReadFull(r, tmp[:8]); err != nil {
		return nil, fmt.Errorf("blockstate: read latest_qc_block_timestamp: %w", err)
	}
	bs.LatestQCBlockTimestamp = int64(binary.LittleEndian.Uint64(tmp[:8]))

	if bs.StrongDigest, err = readHash(r); err != nil {
		return nil, fmt.Errorf("blockstate: read strong_digest: %w", err)
	}
	if bs.WeakDigest, err = readHash(r); err != nil {
		return nil, fmt.Errorf("blockstate: read weak_digest: %w", err)
	}
	if _, err := io.ReadFull(r, tmp[:4]); err != nil {
		return nil, fmt.Errorf("blockstate: read final_on_strong_qc_block_num: %w", err)
	}
	bs.FinalOnStrongQCBlockNum = binary.LittleEndian.Uint32(tmp[:4])
	if bs.FinalityTreeRoot, err = readHash(r); err != nil {
		return nil, fmt.Errorf("blockstate: read finality_tree_root: %w", err)
	}
	if bs.FinalityDigest, err = readHash(r); err != nil {
		return nil, fmt.Errorf("blockstate: read finality_digest: %w", err)
	}
	if bs.FinalityLeaf, err = readHash(r); err != nil {
		return nil, fmt.Errorf("blockstate: read finality_leaf: %w", err)
	}
	if bs.ActionMRoot, err = readHash(r); err != nil {
		return nil, fmt.Errorf("blockstate: read action_mroot: %w", err)
	}
	if bs.WitnessHash, err = readHash(r); err != nil {
		return nil, fmt.Errorf("blockstate: read witness_hash: %w", err)
	}

	activeBytes, err := readBytes(r)
	if err != nil {
		return nil, fmt.Errorf("blockstate: read active_policy: %w", err)
	}
	active, err := policy.Decode(activeBytes)
	if err != nil {
		return nil, fmt.Errorf("blockstate: decode active_policy: %w", err)
	}
	bs.ActivePolicy = active

	hasPending, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("blockstate: read has_pending_policy: %w", err)
	}
	if hasPending == 1 {
		pendingBytes, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("blockstate: read pending_policy: %w", err)
		}
		pending, err := policy.Decode(pendingBytes)
		if err != nil {
			return nil, fmt.Errorf("blockstate: decode pending_policy: %w", err)
		}
		bs.PendingPolicy = pending
	}

	hasDiff, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("blockstate: read has_proposed_diff: %w", err)
	}
	if hasDiff == 1 {
		diff, err := readDiff(r)
		if err != nil {
			return nil, fmt.Errorf("blockstate: read proposed_diff: %w", err)
		}
		bs.LastProposedPolicyDiff = diff
	}
	if _, err := io.ReadFull(r, tmp[:4]); err != nil {
		return nil, fmt.Errorf("blockstate: read last_pending_policy_block: %w", err)
	}
	bs.LastPendingPolicyBlock = binary.LittleEndian.Uint32(tmp[:4])

	if _, err := io.ReadFull(r, tmp[:4]); err != nil {
		return nil, fmt.Errorf("blockstate: read qc_claim.block_num: %w", err)
	}
	bs.QCClaim.BlockNum = binary.LittleEndian.Uint32(tmp[:4])
	isStrong, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("blockstate: read qc_claim.is_strong: %w", err)
	}
	bs.QCClaim.IsStrong = isStrong == 1

	validByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("blockstate: read valid: %w", err)
	}
	bs.valid = validByte == 1

	bs.AggregatingQC = qc.New(bs.BlockNum, bs.StrongDigest, bs.WeakDigest, bs.ActivePolicy, bs.PendingPolicy)

	hasQC, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("blockstate: read has_qc_snapshot: %w", err)
	}
	if hasQC == 1 {
		qcBytes, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("blockstate: read qc_snapshot: %w", err)
		}
		snap, err := qc.DecodeQC(bytes.NewReader(qcBytes))
		if err != nil {
			return nil, fmt.Errorf("blockstate: decode qc_snapshot: %w", err)
		}
		bs.AggregatingQC.RestoreSnapshot(snap)
	}

	return bs, nil
}
