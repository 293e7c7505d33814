// crypto.go - Cryptographic primitives for the vault note protocol.
//
// Commitments and nullifiers are MiMC hashes over BN254 scalar field
// elements. All randomness comes from crypto/rand.

package vault

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"golang.org/x/crypto/sha3"
)

// hashElements computes MiMC over a sequence of field elements.
// Every input is written in its canonical 32-byte encoding, so the hash is
// deterministic for a fixed input sequence.
func hashElements(elems ...fr.Element) fr.Element {
	h := mimc.NewMiMC()
	for i := range elems {
		b := elems[i].Bytes()
		h.Write(b[:])
	}
	var out fr.Element
	out.SetBytes(h.Sum(nil))
	return out
}

// HashToField reduces arbitrary bytes into a BN254 scalar field element via
// Keccak-256. Used for asset identifiers and key-seed derivation.
func HashToField(data []byte) fr.Element {
	k := sha3.NewLegacyKeccak256()
	k.Write(data)
	v := new(big.Int).SetBytes(k.Sum(nil))
	v.Mod(v, fr.Modulus())
	var out fr.Element
	out.SetBigInt(v)
	return out
}

// AssetID maps an asset symbol (e.g. "wBTC") to its field-element identifier.
func AssetID(symbol string) fr.Element {
	return HashToField([]byte("vault.asset." + symbol))
}

// Nullifier derives the spend nullifier for a note commitment under the
// given spending key. Deterministic: the same (sk, cm) pair always yields
// the same nullifier, which is what makes on-chain double-spend detection
// possible.
func Nullifier(sk, commitment fr.Element) fr.Element {
	return hashElements(sk, commitment)
}

// RandomBlinding returns a uniformly random field element for use as
// commitment randomness.
func RandomBlinding() (fr.Element, error) {
	var b fr.Element
	if _, err := b.SetRandom(); err != nil {
		return fr.Element{}, fmt.Errorf("blinding randomness: %w", err)
	}
	return b, nil
}
