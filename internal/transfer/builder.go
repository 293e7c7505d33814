// builder.go - Balanced two-input/two-output private transfer construction.
//
// The builder consumes exactly two unspent notes of one asset and produces a
// recipient note for the requested amount plus a change note for the
// remainder, each freshly blinded, together with the input nullifiers.
// Value conservation is an invariant, not a runtime condition: an unbalanced
// result is a defect and construction refuses to hand it out.

package transfer

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/veilcash/vault/internal/store"
	"github.com/veilcash/vault/internal/vault"
)

var (
	// ErrMissingInput reports fewer than two usable input notes.
	ErrMissingInput = errors.New("transfer requires two input notes")
	// ErrAssetMismatch reports inputs of different assets.
	ErrAssetMismatch = errors.New("input notes must share one asset")
	// ErrInputSpent reports a spent note offered as input.
	ErrInputSpent = errors.New("input note already spent")
	// ErrNotOwner reports an input the sender's key cannot spend.
	ErrNotOwner = errors.New("input note not owned by sender")
	// ErrBadAmount reports a non-positive transfer amount.
	ErrBadAmount = errors.New("transfer amount must be positive")
	// ErrInsufficientFunds reports inputs short of the requested amount.
	ErrInsufficientFunds = errors.New("inputs below requested amount")
	// ErrUnbalanced reports a conservation violation. This is a defect in
	// the builder, never a user input condition.
	ErrUnbalanced = errors.New("transfer outputs do not balance inputs")
)

// Bundle is a fully constructed transfer, ready for proof-input assembly.
type Bundle struct {
	Inputs     [2]*store.StoredNote
	Outputs    [2]*vault.Note // [0] recipient note, [1] change note
	Nullifiers [2]fr.Element
	Root       fr.Element // merkle root both inclusion proofs are stated against
}

// Build constructs the balanced note set for a transfer of amount to the
// recipient (packed public key limbs), spending the two given inputs.
func Build(inputs [2]*store.StoredNote, sender *vault.KeyPair, recipient [4]fr.Element, amount *big.Int, root fr.Element) (*Bundle, error) {
	if inputs[0] == nil || inputs[1] == nil {
		return nil, ErrMissingInput
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrBadAmount
	}
	asset := inputs[0].Note.AssetID
	for i, in := range inputs {
		if in.Spent {
			return nil, fmt.Errorf("%w: input %d", ErrInputSpent, i)
		}
		if !in.Note.AssetID.Equal(&asset) {
			return nil, ErrAssetMismatch
		}
		if !in.Note.OwnerPubKey.X.Equal(&sender.Pk.X) || !in.Note.OwnerPubKey.Y.Equal(&sender.Pk.Y) {
			return nil, fmt.Errorf("%w: input %d", ErrNotOwner, i)
		}
	}

	sum := new(big.Int).Add(inputs[0].Note.Amount(), inputs[1].Note.Amount())
	if sum.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrInsufficientFunds, sum, amount)
	}
	change := new(big.Int).Sub(sum, amount)

	recipientNote, err := vault.NewNote(vault.UnpackPublicKey(recipient), asset, amount)
	if err != nil {
		return nil, fmt.Errorf("recipient note: %w", err)
	}
	changeNote, err := vault.NewNote(sender.Pk, asset, change)
	if err != nil {
		return nil, fmt.Errorf("change note: %w", err)
	}

	// Conservation holds exactly, unsigned, no rounding. Anything else is a
	// defect and must not reach proof-input assembly.
	check := new(big.Int).Add(recipientNote.Amount(), changeNote.Amount())
	if check.Cmp(sum) != 0 {
		return nil, fmt.Errorf("%w: inputs %s, outputs %s", ErrUnbalanced, sum, check)
	}

	return &Bundle{
		Inputs:  inputs,
		Outputs: [2]*vault.Note{recipientNote, changeNote},
		Nullifiers: [2]fr.Element{
			vault.Nullifier(sender.Sk, inputs[0].Commitment),
			vault.Nullifier(sender.Sk, inputs[1].Commitment),
		},
		Root: root,
	}, nil
}
