// keys.go - Deterministic key derivation from a wallet signature.
//
// The spending key is derived by hashing the wallet signature into the Baby
// Jubjub scalar field; the public key is the matching point on the curve.
// Derivation is idempotent: the same signature always yields the same pair.
// Neither the signature nor the spending key is ever written to disk.

package vault

import (
	"errors"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards"
	"golang.org/x/crypto/sha3"
)

// keyDomain separates the spending-key hash from other uses of the wallet
// signature.
var keyDomain = []byte("vault.spending-key.v1")

// ErrEmptySignature reports a missing wallet signature.
var ErrEmptySignature = errors.New("wallet signature required")

// PublicKey is an owner key: an affine Baby Jubjub point, two field limbs.
type PublicKey struct {
	X fr.Element
	Y fr.Element
}

// KeyPair holds the derived spending key and its public counterpart.
type KeyPair struct {
	Sk fr.Element
	Pk PublicKey
}

// DeriveKeys derives the spending/public key pair from a wallet signature.
func DeriveKeys(signature []byte) (*KeyPair, error) {
	if len(signature) == 0 {
		return nil, ErrEmptySignature
	}
	k := sha3.NewLegacyKeccak256()
	k.Write(keyDomain)
	k.Write(signature)
	seed := new(big.Int).SetBytes(k.Sum(nil))

	curve := twistededwards.GetEdwardsCurve()
	scalar := new(big.Int).Mod(seed, &curve.Order)
	if scalar.Sign() == 0 {
		// Unreachable for any real signature, but a zero scalar would yield
		// the identity point.
		return nil, errors.New("degenerate spending key")
	}

	var pk twistededwards.PointAffine
	pk.ScalarMultiplication(&curve.Base, scalar)

	var sk fr.Element
	sk.SetBigInt(scalar)
	return &KeyPair{
		Sk: sk,
		Pk: PublicKey{X: pk.X, Y: pk.Y},
	}, nil
}

// OwnerHash returns the Keccak-256 hash of the public key, used to key the
// note store. It commits to both coordinates.
func (pk PublicKey) OwnerHash() [32]byte {
	k := sha3.NewLegacyKeccak256()
	xb := pk.X.Bytes()
	yb := pk.Y.Bytes()
	k.Write(xb[:])
	k.Write(yb[:])
	var out [32]byte
	copy(out[:], k.Sum(nil))
	return out
}

// ViewingKey packs the public key into four 31-bit field limbs: the low 62
// bits of each coordinate split into two limbs. This is the compact form
// consumed by the proof inputs.
func (pk PublicKey) ViewingKey() [4]fr.Element {
	split := func(c fr.Element) (lo, hi fr.Element) {
		v := c.BigInt(new(big.Int))
		mask := big.NewInt(1<<31 - 1)
		lo.SetBigInt(new(big.Int).And(v, mask))
		hi.SetBigInt(new(big.Int).And(new(big.Int).Rsh(v, 31), mask))
		return lo, hi
	}
	var out [4]fr.Element
	out[0], out[1] = split(pk.X)
	out[2], out[3] = split(pk.Y)
	return out
}

// PackPublicKey encodes a public key as four field limbs (128-bit halves of
// each coordinate), the wire form used to address transfer recipients.
func PackPublicKey(pk PublicKey) [4]fr.Element {
	split := func(c fr.Element) (lo, hi fr.Element) {
		v := c.BigInt(new(big.Int))
		mask := new(big.Int).Lsh(big.NewInt(1), 128)
		mask.Sub(mask, big.NewInt(1))
		lo.SetBigInt(new(big.Int).And(v, mask))
		hi.SetBigInt(new(big.Int).Rsh(v, 128))
		return lo, hi
	}
	var out [4]fr.Element
	out[0], out[1] = split(pk.X)
	out[2], out[3] = split(pk.Y)
	return out
}

// UnpackPublicKey is the inverse of PackPublicKey.
func UnpackPublicKey(limbs [4]fr.Element) PublicKey {
	join := func(lo, hi fr.Element) fr.Element {
		v := hi.BigInt(new(big.Int))
		v.Lsh(v, 128)
		v.Add(v, lo.BigInt(new(big.Int)))
		v.Mod(v, fr.Modulus())
		var out fr.Element
		out.SetBigInt(v)
		return out
	}
	return PublicKey{
		X: join(limbs[0], limbs[1]),
		Y: join(limbs[2], limbs[3]),
	}
}
