// pipelines.go - The deposit, withdraw and transfer pipelines.
//
// Each pipeline is a straight-line sequence of phase transitions; a phase is
// entered before the call it waits on, every collaborator failure converts
// to the terminal error phase with a message, and no fault propagates past
// the orchestrator boundary. Notes are only mutated at the confirmed
// terminal transition.

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/veilcash/vault/internal/merkle"
	"github.com/veilcash/vault/internal/relayer"
	"github.com/veilcash/vault/internal/store"
	"github.com/veilcash/vault/internal/transfer"
	"github.com/veilcash/vault/internal/vault"
)

var (
	// ErrBadAmount reports a malformed operation amount.
	ErrBadAmount = errors.New("amount must be positive")
	// ErrBadRecipient reports a missing withdraw destination.
	ErrBadRecipient = errors.New("recipient required")
)

// Deposit starts a shielded deposit of amount in the given asset.
// The sole entry out of idle for the deposit flow; rejected while another
// operation is in flight.
func (o *Orchestrator) Deposit(amount *big.Int, asset string) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrBadAmount
	}
	ctx, gen, err := o.begin(KindDeposit)
	if err != nil {
		return err
	}
	go o.runDeposit(ctx, gen, amount, vault.AssetID(asset))
	return nil
}

func (o *Orchestrator) runDeposit(ctx context.Context, gen uint64, amount *big.Int, assetID fr.Element) {
	o.transition(gen, PhaseKeys, "deriving vault keys")
	kp, err := o.deps.Keys.Unlock(ctx)
	if err != nil {
		o.collaboratorFailure(gen, "key unlock failed", err)
		return
	}

	o.transition(gen, PhaseApproving, "waiting for spending allowance")
	if err := o.deps.Approver.Approve(ctx, assetID, amount); err != nil {
		o.collaboratorFailure(gen, "allowance approval failed", err)
		return
	}

	note, err := vault.NewNote(kp.Pk, assetID, amount)
	if err != nil {
		o.failOp(gen, "deposit note: "+err.Error())
		return
	}

	payload := &relayer.OperationPayload{
		Kind:              string(KindDeposit),
		AssetID:           assetID.String(),
		PublicAmount:      amount.String(),
		OutputCommitments: []string{note.Cm.String()},
	}
	o.submitAndTrack(ctx, gen, payload, func(batchID, txHash string) error {
		return o.deps.Notes.Insert(kp.Pk, note, batchID)
	})
}

// Withdraw starts a full exit of the note with the given commitment to a
// public address.
func (o *Orchestrator) Withdraw(commitment fr.Element, toAddress string) error {
	if toAddress == "" {
		return ErrBadRecipient
	}
	ctx, gen, err := o.begin(KindWithdraw)
	if err != nil {
		return err
	}
	go o.runWithdraw(ctx, gen, commitment, toAddress)
	return nil
}

func (o *Orchestrator) runWithdraw(ctx context.Context, gen uint64, commitment fr.Element, toAddress string) {
	o.transition(gen, PhaseKeys, "deriving vault keys")
	kp, err := o.deps.Keys.Unlock(ctx)
	if err != nil {
		o.collaboratorFailure(gen, "key unlock failed", err)
		return
	}

	note, err := o.deps.Notes.Get(kp.Pk, commitment)
	if err != nil {
		o.failOp(gen, "unknown note: not found in the vault")
		return
	}
	if note.Spent {
		o.failOp(gen, "note already spent")
		return
	}

	proof, ok := o.resolveInputProof(ctx, gen, kp.Pk, note)
	if !ok {
		return
	}

	inputs := []fr.Element{commitment}
	if err := o.deps.Notes.LockInputs(kp.Pk, inputs); err != nil {
		o.failOp(gen, err.Error())
		return
	}
	o.trackLocks(gen, inputs)

	nf := vault.Nullifier(kp.Sk, commitment)
	payload := &relayer.OperationPayload{
		Kind:         string(KindWithdraw),
		AssetID:      note.Note.AssetID.String(),
		PublicAmount: note.Note.Amount().String(),
		Nullifiers:   []string{nf.String()},
		MerkleRoot:   proof.Root.String(),
		Recipient:    toAddress,
		ProofInputs:  encodeProofInputs(proof),
	}
	o.submitAndTrack(ctx, gen, payload, func(batchID, txHash string) error {
		if err := o.deps.Notes.MarkSpent(kp.Pk, commitment, batchID); err != nil {
			return err
		}
		o.clearLocks()
		return nil
	})
}

// Transfer starts a private 2-in/2-out transfer of amount to the recipient
// public key limbs. The two oldest unspent notes of the asset fund it.
func (o *Orchestrator) Transfer(amount *big.Int, asset string, recipient [4]fr.Element) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrBadAmount
	}
	ctx, gen, err := o.begin(KindTransfer)
	if err != nil {
		return err
	}
	go o.runTransfer(ctx, gen, amount, vault.AssetID(asset), recipient)
	return nil
}

func (o *Orchestrator) runTransfer(ctx context.Context, gen uint64, amount *big.Int, assetID fr.Element, recipient [4]fr.Element) {
	o.transition(gen, PhaseKeys, "deriving vault keys")
	kp, err := o.deps.Keys.Unlock(ctx)
	if err != nil {
		o.collaboratorFailure(gen, "key unlock failed", err)
		return
	}

	unspent, err := o.deps.Notes.UnspentNotes(kp.Pk, assetID)
	if err != nil {
		o.failOp(gen, "note store: "+err.Error())
		return
	}
	if len(unspent) < 2 {
		o.failOp(gen, "insufficient notes: a transfer needs two unspent notes")
		return
	}
	inputs := [2]*store.StoredNote{unspent[0], unspent[1]}

	var proofs [2]merkle.Proof
	for i, in := range inputs {
		proof, ok := o.resolveInputProof(ctx, gen, kp.Pk, in)
		if !ok {
			return
		}
		proofs[i] = proof
	}

	root, err := o.deps.Resolver.Root(ctx)
	if err != nil {
		o.collaboratorFailure(gen, "indexer root", err)
		return
	}

	cms := []fr.Element{inputs[0].Commitment, inputs[1].Commitment}
	if err := o.deps.Notes.LockInputs(kp.Pk, cms); err != nil {
		o.failOp(gen, err.Error())
		return
	}
	o.trackLocks(gen, cms)

	bundle, err := transfer.Build(inputs, kp, recipient, amount, root)
	if err != nil {
		o.failOp(gen, "transfer build: "+err.Error())
		return
	}

	payload := &relayer.OperationPayload{
		Kind:       string(KindTransfer),
		AssetID:    assetID.String(),
		Nullifiers: []string{bundle.Nullifiers[0].String(), bundle.Nullifiers[1].String()},
		OutputCommitments: []string{
			bundle.Outputs[0].Cm.String(),
			bundle.Outputs[1].Cm.String(),
		},
		MerkleRoot:  root.String(),
		ProofInputs: encodeProofInputs(proofs[0], proofs[1]),
	}
	o.submitAndTrack(ctx, gen, payload, func(batchID, txHash string) error {
		for _, cm := range cms {
			if err := o.deps.Notes.MarkSpent(kp.Pk, cm, batchID); err != nil {
				return err
			}
		}
		// The change note always comes back to us; the recipient note only
		// when we are the recipient.
		if err := o.deps.Notes.Insert(kp.Pk, bundle.Outputs[1], batchID); err != nil {
			return err
		}
		rcpt := bundle.Outputs[0].OwnerPubKey
		if rcpt.X.Equal(&kp.Pk.X) && rcpt.Y.Equal(&kp.Pk.Y) {
			if err := o.deps.Notes.Insert(kp.Pk, bundle.Outputs[0], batchID); err != nil {
				return err
			}
		}
		o.mu.Lock()
		o.lastBundle = bundle
		o.mu.Unlock()
		o.clearLocks()
		return nil
	})
}

// resolveInputProof fetches and persists the merkle proof for an input note
// and applies the pre-submission placeholder guard: an unindexed input fails
// the operation before any relayer call, with a message distinguishing
// "not yet indexed" from an invalid note.
func (o *Orchestrator) resolveInputProof(ctx context.Context, gen uint64, owner vault.PublicKey, note *store.StoredNote) (merkle.Proof, bool) {
	proof, err := o.deps.Resolver.Resolve(ctx, note.Commitment)
	if err != nil {
		o.collaboratorFailure(gen, "indexer", err)
		return merkle.Proof{}, false
	}
	if proof.IsPlaceholder() {
		o.failOp(gen, "note confirmed but not yet indexed; retry once the tree indexer catches up")
		return merkle.Proof{}, false
	}
	if err := o.deps.Notes.SetMerkleProof(owner, note.Commitment, proof); err != nil {
		o.failOp(gen, "note store: "+err.Error())
		return merkle.Proof{}, false
	}
	return proof, true
}

// encodeProofInputs packs per-input merkle data into the payload field the
// relayer's prover consumes. A marshal failure cannot happen for these
// types, so the raw message is returned directly.
func encodeProofInputs(proofs ...merkle.Proof) json.RawMessage {
	ins := make([]relayer.ProofInput, len(proofs))
	for i, p := range proofs {
		sib := make([]string, len(p.Siblings))
		for j := range p.Siblings {
			sib[j] = p.Siblings[j].String()
		}
		ins[i] = relayer.ProofInput{Siblings: sib, Index: p.Index}
	}
	raw, _ := json.Marshal(ins)
	return raw
}

// submitAndTrack runs the shared submit -> queued -> proving -> confirming
// tail of every pipeline and finishes with the terminal bookkeeping.
func (o *Orchestrator) submitAndTrack(ctx context.Context, gen uint64, payload *relayer.OperationPayload, commit func(batchID, txHash string) error) {
	o.transition(gen, PhaseSubmitting, "submitting operation to relayer")
	sctx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	batchID, err := o.deps.Relayer.Submit(sctx, payload)
	cancel()
	if err != nil {
		o.collaboratorFailure(gen, "submission failed", err)
		return
	}
	if batchID == "" {
		batchID = localBatchID()
	}
	o.setBatch(gen, batchID)

	o.transition(gen, PhaseQueued, "waiting in relayer batch queue")
	_, err = o.pollBatch(ctx, gen, batchID, o.cfg.QueueTimeout, "batch queue timed out", func(st *relayer.Status) bool {
		return st.Phase.Rank() >= relayer.BatchProving.Rank()
	})
	if err != nil {
		o.collaboratorFailure(gen, "", err)
		return
	}

	o.transition(gen, PhaseProving, "waiting for batch proof")
	st, err := o.pollBatch(ctx, gen, batchID, o.cfg.ProofTimeout, "proof timed out", func(st *relayer.Status) bool {
		return len(st.ProofArtifact) > 0
	})
	if err != nil {
		o.collaboratorFailure(gen, "", err)
		return
	}
	if o.deps.ProofCheck != nil {
		if err := o.deps.ProofCheck(st.ProofArtifact, st.PublicInputs); err != nil {
			o.failOp(gen, "invalid proof artifact: "+err.Error())
			return
		}
	}

	o.transition(gen, PhaseConfirming, "waiting for on-chain confirmation")
	st, err = o.pollBatch(ctx, gen, batchID, o.cfg.ConfirmTimeout, "confirmation timed out", func(st *relayer.Status) bool {
		return st.TxHash != ""
	})
	if err != nil {
		o.collaboratorFailure(gen, "", err)
		return
	}
	o.setTxHash(gen, st.TxHash)

	finalBatch := st.BatchID
	if finalBatch == "" {
		finalBatch = batchID
	}
	if err := commit(finalBatch, st.TxHash); err != nil {
		o.failOp(gen, "confirmation bookkeeping: "+err.Error())
		return
	}
	o.setBatch(gen, finalBatch)
	o.transition(gen, PhaseConfirmed, "operation confirmed")
}

// collaboratorFailure converts a collaborator error into phase=error,
// swallowing cancellations from Reset.
func (o *Orchestrator) collaboratorFailure(gen uint64, prefix string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	msg := err.Error()
	if prefix != "" {
		msg = fmt.Sprintf("%s: %s", prefix, msg)
	}
	o.failOp(gen, msg)
}
