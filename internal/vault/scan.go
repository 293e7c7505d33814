// scan.go - Recognition of incoming notes from announced batch outputs.

package vault

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// RecognizeOutput checks whether an announced batch output is addressed to
// pk and, if so, reconstructs the spendable note. The reconstructed
// commitment must match the announced one; an announcement that claims our
// key but does not recommit is not ours.
func RecognizeOutput(pk PublicKey, owner [4]fr.Element, assetID, amountLo, amountHi, blinding, commitment fr.Element) (*Note, bool) {
	announced := UnpackPublicKey(owner)
	if !announced.X.Equal(&pk.X) || !announced.Y.Equal(&pk.Y) {
		return nil, false
	}
	note, err := NewNoteWithBlinding(pk, assetID, JoinAmount(amountLo, amountHi), blinding)
	if err != nil {
		return nil, false
	}
	if !note.Cm.Equal(&commitment) {
		return nil, false
	}
	return note, true
}

// ParseElement decodes a decimal-string field element.
func ParseElement(s string) (fr.Element, error) {
	var el fr.Element
	if _, err := el.SetString(s); err != nil {
		return fr.Element{}, fmt.Errorf("bad field element %q: %w", s, err)
	}
	return el, nil
}
