// Package finalityproof implements the finality proof builder/verifier
// (C8, §4.8, §6): serializing a finalizer policy, a QC block's finality
// data, its vote signatures, and a merkle inclusion proof into a package
// an external light client can verify without trusting the fork database
// that produced it. Build and Verify share no state with the live
// controller - the verifier is the same logic an external consumer runs.
package finalityproof

import (
	"errors"
	"fmt"

	"github.com/savanna/finality/pkg/blockstate"
	"github.com/savanna/finality/pkg/crypto/bls"
	"github.com/savanna/finality/pkg/digest"
	"github.com/savanna/finality/pkg/merkle"
	"github.com/savanna/finality/pkg/policy"
	"github.com/savanna/finality/pkg/qc"
)

// Failure kinds §4.8/§7 map proof verification errors to.
var (
	ErrInvalidQC           = errors.New("finalityproof: invalid qc")
	ErrInvalidQCSignature  = errors.New("finalityproof: invalid qc signature")
	ErrInvalidMerkleProof  = errors.New("finalityproof: invalid merkle proof")
	ErrPolicyMismatch      = errors.New("finalityproof: policy mismatch")
	ErrConflictingDualVote = errors.New("finalityproof: conflicting dual vote")
)

// QCBlockFinalityData is the §6 qc_block_finality_data wire tuple: enough
// of the QC block's state to recompute its strong digest independent of
// the rest of its header.
type QCBlockFinalityData struct {
	ActiveGen               uint32
	PendingGen              *uint32 // nil iff the QC block had no pending policy
	FinalOnStrongQCBlockNum uint32
	FinalityMRoot           digest.Hash
	WitnessHash             digest.Hash
}

// MerkleProofWire is the §6 merkle_proof wire tuple.
type MerkleProofWire struct {
	TargetIndex uint64
	LastIndex   uint64
	Siblings    []digest.Hash
}

func (m MerkleProofWire) toProof() *merkle.Proof {
	return &merkle.Proof{Siblings: m.Siblings}
}

// ActionInclusion is the optional inner proof binding a target action's
// digest into the target block's action_mroot (§3, §4.8 step 4).
type ActionInclusion struct {
	ActionDigest digest.Hash
	ActionMRoot  digest.Hash
	Proof        MerkleProofWire
}

// Proof is the full external finality proof package (§3's "Finality proof
// package", §6's wire format).
type Proof struct {
	Policy        *policy.Policy // the QC block's active finalizer policy, F
	PendingPolicy *policy.Policy // non-nil iff the QC block had a pending policy

	QCData     QCBlockFinalityData
	ActiveSig  qc.Sig
	PendingSig *qc.Sig // required iff PendingPolicy != nil

	TargetBlockNum     uint32
	TargetFinalityLeaf digest.Hash
	MerkleProof        MerkleProofWire // LastIndex+1 gives n, the (index, n) pair VerifyProof needs

	ActionProof *ActionInclusion // optional
}

// Build constructs a Proof binding qcBlock's completed QC to the inclusion
// of target's finality leaf within the finality tree built from leaves
// (the leaves supplied to the same merkle.Build call that produced
// qcBlock.FinalityTreeRoot). targetIndex is target's position within
// leaves. actionProof, if non-nil, is carried through unchanged.
func Build(qcBlock *blockstate.BlockState, leaves []digest.Hash, targetIndex int, target *blockstate.BlockState, actionProof *ActionInclusion) (*Proof, error) {
	snap := qcBlock.AggregatingQC.Snapshot()
	if snap == nil {
		return nil, fmt.Errorf("%w: qc block has not reached quorum", ErrInvalidQC)
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, fmt.Errorf("finalityproof: build finality tree: %w", err)
	}
	if tree.Root() != qcBlock.FinalityTreeRoot {
		return nil, fmt.Errorf("%w: supplied leaves do not reproduce the qc block's finality_mroot", ErrInvalidMerkleProof)
	}
	mproof, err := tree.Proof(targetIndex)
	if err != nil {
		return nil, fmt.Errorf("finalityproof: build inclusion proof: %w", err)
	}
	leaf, err := tree.Leaf(targetIndex)
	if err != nil {
		return nil, fmt.Errorf("finalityproof: read target leaf: %w", err)
	}
	if leaf != target.FinalityLeaf {
		return nil, fmt.Errorf("%w: leaf at targetIndex does not match target block's finality leaf", ErrInvalidMerkleProof)
	}

	p := &Proof{
		Policy:        qcBlock.ActivePolicy,
		PendingPolicy: qcBlock.PendingPolicy,
		QCData: QCBlockFinalityData{
			ActiveGen:               qcBlock.ActivePolicy.Generation,
			FinalOnStrongQCBlockNum: qcBlock.FinalOnStrongQCBlockNum,
			FinalityMRoot:           qcBlock.FinalityTreeRoot,
			WitnessHash:             qcBlock.WitnessHash,
		},
		ActiveSig:          snap.ActiveSig,
		PendingSig:         snap.PendingSig,
		TargetBlockNum:     target.BlockNum,
		TargetFinalityLeaf: target.FinalityLeaf,
		MerkleProof:        MerkleProofWire{TargetIndex: uint64(targetIndex), LastIndex: uint64(len(leaves) - 1), Siblings: mproof.Siblings},
		ActionProof:        actionProof,
	}
	if qcBlock.PendingPolicy != nil {
		gen := qcBlock.PendingPolicy.Generation
		p.QCData.PendingGen = &gen
	}
	return p, nil
}

// Verify runs the §4.8 verifier contract against p, returning nil iff the
// proof is valid.
func Verify(p *Proof) error {
	if p.Policy == nil {
		return fmt.Errorf("%w: missing finalizer policy", ErrPolicyMismatch)
	}
	if p.QCData.ActiveGen != p.Policy.Generation {
		return fmt.Errorf("%w: qc active_gen %d does not match policy generation %d", ErrPolicyMismatch, p.QCData.ActiveGen, p.Policy.Generation)
	}

	hasPending := p.PendingPolicy != nil
	if hasPending != (p.QCData.PendingGen != nil) || hasPending != (p.PendingSig != nil) {
		return fmt.Errorf("%w: pending policy, pending_gen, and pending_qc_sig must all be present or all absent", ErrPolicyMismatch)
	}
	if hasPending && *p.QCData.PendingGen != p.PendingPolicy.Generation {
		return fmt.Errorf("%w: qc pending_gen %d does not match pending policy generation %d", ErrPolicyMismatch, *p.QCData.PendingGen, p.PendingPolicy.Generation)
	}

	strongDigest := digest.FinalityDigestFromWitness(p.QCData.ActiveGen, p.QCData.FinalOnStrongQCBlockNum, p.QCData.FinalityMRoot, p.QCData.WitnessHash)
	weakMsg := bls.WeakSigningMessage(strongDigest[:])

	if err := verifyTuple(p.Policy, &p.ActiveSig, strongDigest[:], weakMsg); err != nil {
		return err
	}
	if hasPending {
		if err := verifyTuple(p.PendingPolicy, p.PendingSig, strongDigest[:], weakMsg); err != nil {
			return err
		}
		if err := checkDualFinalizerRule(p.Policy, &p.ActiveSig, p.PendingPolicy, p.PendingSig); err != nil {
			return err
		}
	}

	if err := merkle.VerifyProof(p.TargetFinalityLeaf, p.MerkleProof.toProof(), int(p.MerkleProof.TargetIndex), int(p.MerkleProof.LastIndex)+1, p.QCData.FinalityMRoot); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMerkleProof, err)
	}

	if p.ActionProof != nil {
		ap := p.ActionProof
		if err := merkle.VerifyProof(ap.ActionDigest, ap.Proof.toProof(), int(ap.Proof.TargetIndex), int(ap.Proof.LastIndex)+1, ap.ActionMRoot); err != nil {
			return fmt.Errorf("%w: action inclusion: %v", ErrInvalidMerkleProof, err)
		}
	}

	return nil
}

// verifyTuple implements §4.8 step 2 for a single (policy, qc_sig) pair.
func verifyTuple(pol *policy.Policy, sig *qc.Sig, strongMsg, weakMsg []byte) error {
	n := len(pol.Finalizers)
	if sig.StrongVotes.Size() != n || sig.WeakVotes.Size() != n {
		return fmt.Errorf("%w: bitset size does not match policy finalizer count %d", ErrInvalidQC, n)
	}

	var strongPubs, weakPubs []*bls.PublicKey
	var strongWeight, weakWeight uint64
	for i, f := range pol.Finalizers {
		switch {
		case sig.StrongVotes.Get(i):
			strongPubs = append(strongPubs, f.PublicKey)
			strongWeight += f.Weight
		case sig.WeakVotes.Get(i):
			weakPubs = append(weakPubs, f.PublicKey)
			weakWeight += f.Weight
		}
	}

	if weakWeight == 0 {
		if strongWeight < pol.Threshold {
			return fmt.Errorf("%w: strong weight %d below threshold %d", ErrInvalidQC, strongWeight, pol.Threshold)
		}
	} else if strongWeight+weakWeight < pol.Threshold {
		return fmt.Errorf("%w: combined weight %d below threshold %d", ErrInvalidQC, strongWeight+weakWeight, pol.Threshold)
	}

	var strongAgg, weakAgg *bls.PublicKey
	var err error
	if len(strongPubs) > 0 {
		strongAgg, err = bls.AggregatePublicKeys(strongPubs)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQC, err)
		}
	}
	if len(weakPubs) > 0 {
		weakAgg, err = bls.AggregatePublicKeys(weakPubs)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidQC, err)
		}
	}

	if !bls.VerifyDualMessage(strongAgg, weakAgg, sig.AggregateSignature, strongMsg, weakMsg) {
		return ErrInvalidQCSignature
	}
	return nil
}

// checkDualFinalizerRule enforces §4.8 step 2's dual-finalizer rule: a
// finalizer present in both the active and pending policies must have
// voted the same mode (strong or weak) in both qc_sig tuples.
func checkDualFinalizerRule(active *policy.Policy, activeSig *qc.Sig, pending *policy.Policy, pendingSig *qc.Sig) error {
	for i, f := range active.Finalizers {
		j := pending.IndexOf(f.PublicKey)
		if j < 0 {
			continue
		}
		activeStrong, activeWeak := activeSig.StrongVotes.Get(i), activeSig.WeakVotes.Get(i)
		pendingStrong, pendingWeak := pendingSig.StrongVotes.Get(j), pendingSig.WeakVotes.Get(j)
		if !activeStrong && !activeWeak {
			continue
		}
		if !pendingStrong && !pendingWeak {
			continue
		}
		if activeStrong != pendingStrong || activeWeak != pendingWeak {
			return ErrConflictingDualVote
		}
	}
	return nil
}
