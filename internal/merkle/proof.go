// proof.go - Merkle inclusion proofs for the global note tree.
//
// The tree indexer may lag the chain: a commitment that is confirmed but not
// yet indexed resolves to the reserved placeholder (all-zero root, no
// siblings) instead of blocking or failing. A placeholder must never reach
// the prover; callers are responsible for the guard.

package merkle

import (
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// Proof proves that a commitment is a leaf of the append-only note tree at
// the stated root.
type Proof struct {
	Siblings []fr.Element
	Index    uint64
	Root     fr.Element
}

// Placeholder returns the reserved "not yet indexed" sentinel.
func Placeholder() Proof {
	return Proof{}
}

// IsPlaceholder reports whether the proof is the reserved sentinel.
// An all-zero root can never be a real tree root, so the root alone decides.
func (p Proof) IsPlaceholder() bool {
	return p.Root.IsZero()
}

// Valid reports whether the proof is acceptable as prover input for a tree
// of the given leaf count. Empty siblings are only acceptable for a
// single-leaf tree, where the leaf is itself the root.
func (p Proof) Valid(leafCount uint64) bool {
	if p.IsPlaceholder() {
		return false
	}
	if len(p.Siblings) == 0 {
		return leafCount == 1
	}
	return true
}
