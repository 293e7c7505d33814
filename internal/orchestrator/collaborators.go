// collaborators.go - Interfaces over the orchestrator's external services.
//
// Each suspension point in the pipeline waits on one of these. They are
// injected, never read from ambient globals, so tests can substitute
// deterministic fakes.

package orchestrator

import (
	"context"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/veilcash/vault/internal/vault"
)

// KeyService produces the session key pair from a wallet signature.
// Unlock must be idempotent within a session and re-callable after the
// prior unlock expired.
type KeyService interface {
	Unlock(ctx context.Context) (*vault.KeyPair, error)
}

// Approver sets up the public-side spending allowance for a deposit.
type Approver interface {
	Approve(ctx context.Context, assetID fr.Element, amount *big.Int) error
}
