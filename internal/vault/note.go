// note.go - Note type and commitment logic for the vault protocol.
//
// A Note represents one unit of shielded value owned by a public key.
// The commitment binds owner, asset, amount limbs and blinding factor and is
// computed exactly once, at construction; any field change is a logically
// different note.

package vault

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// amountLimbBits is the width of each amount limb. Amounts up to
// 2*amountLimbBits bits split losslessly across the lo/hi limbs.
const amountLimbBits = 64

var (
	// ErrAmountRange reports an amount that does not fit the two limbs.
	ErrAmountRange = errors.New("amount out of range")
	// ErrAmountNegative reports a negative or nil amount.
	ErrAmountNegative = errors.New("amount must be non-negative")
)

// Note is a unit of shielded value.
type Note struct {
	OwnerPubKey PublicKey  // owner's curve point, two field limbs
	AssetID     fr.Element // field identifier of the asset
	AmountLo    fr.Element // low 64 bits of the amount
	AmountHi    fr.Element // remaining high bits of the amount
	Blinding    fr.Element // commitment randomness
	Cm          fr.Element // cached commitment, set at construction
}

// NewNote creates a freshly blinded note for the given owner, asset and
// amount, and computes its commitment.
func NewNote(owner PublicKey, assetID fr.Element, amount *big.Int) (*Note, error) {
	blinding, err := RandomBlinding()
	if err != nil {
		return nil, err
	}
	return NewNoteWithBlinding(owner, assetID, amount, blinding)
}

// NewNoteWithBlinding creates a note with caller-supplied blinding.
// Used when the blinding must be shared with the prover or a recipient.
func NewNoteWithBlinding(owner PublicKey, assetID fr.Element, amount *big.Int, blinding fr.Element) (*Note, error) {
	lo, hi, err := SplitAmount(amount)
	if err != nil {
		return nil, err
	}
	n := &Note{
		OwnerPubKey: owner,
		AssetID:     assetID,
		AmountLo:    lo,
		AmountHi:    hi,
		Blinding:    blinding,
	}
	n.Cm = commitment(n)
	return n, nil
}

// commitment computes Cm = MiMC(pk.x, pk.y, asset, lo, hi, blinding).
func commitment(n *Note) fr.Element {
	return hashElements(n.OwnerPubKey.X, n.OwnerPubKey.Y, n.AssetID, n.AmountLo, n.AmountHi, n.Blinding)
}

// Amount reconstructs the full amount from the two limbs.
func (n *Note) Amount() *big.Int {
	return JoinAmount(n.AmountLo, n.AmountHi)
}

// SplitAmount splits an amount into its lo/hi field limbs.
func SplitAmount(amount *big.Int) (lo, hi fr.Element, err error) {
	if amount == nil || amount.Sign() < 0 {
		return lo, hi, ErrAmountNegative
	}
	if amount.BitLen() > 2*amountLimbBits {
		return lo, hi, fmt.Errorf("%w: %d bits", ErrAmountRange, amount.BitLen())
	}
	mask := new(big.Int).Lsh(big.NewInt(1), amountLimbBits)
	mask.Sub(mask, big.NewInt(1))
	lo.SetBigInt(new(big.Int).And(amount, mask))
	hi.SetBigInt(new(big.Int).Rsh(amount, amountLimbBits))
	return lo, hi, nil
}

// JoinAmount is the inverse of SplitAmount.
func JoinAmount(lo, hi fr.Element) *big.Int {
	out := hi.BigInt(new(big.Int))
	out.Lsh(out, amountLimbBits)
	return out.Add(out, lo.BigInt(new(big.Int)))
}
