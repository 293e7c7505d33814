// proof.go - Proof artifact handling.
//
// The proof attached to a batch status is an opaque serialized Groth16 proof
// over BN254. Before treating a batch as proven, the artifact is
// deserialized; a proof that does not even decode wastes a confirmation
// round-trip and is rejected on the client side. With a verifying key on
// disk the client goes further and verifies the proof against the public
// inputs the relayer publishes alongside the artifact.

package relayer

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
)

// ErrEmptyArtifact reports a batch status claiming a proof without bytes.
var ErrEmptyArtifact = errors.New("empty proof artifact")

// DecodeProof deserializes a Groth16 proof artifact.
func DecodeProof(artifact []byte) (groth16.Proof, error) {
	if len(artifact) == 0 {
		return nil, ErrEmptyArtifact
	}
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(artifact)); err != nil {
		return nil, fmt.Errorf("malformed proof artifact: %w", err)
	}
	return proof, nil
}

// CheckArtifact validates that an artifact decodes, discarding the result.
// Suitable as the orchestrator's proof check hook when no verifying key is
// configured; the public inputs are ignored.
func CheckArtifact(artifact []byte, _ []string) error {
	_, err := DecodeProof(artifact)
	return err
}

// LoadVerifyingKey reads a serialized Groth16 verifying key over BN254.
func LoadVerifyingKey(path string) (groth16.VerifyingKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open verifying key: %w", err)
	}
	defer f.Close()
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(f); err != nil {
		return nil, fmt.Errorf("malformed verifying key %s: %w", path, err)
	}
	return vk, nil
}

// VerifyProof verifies an artifact against the verifying key and the
// batch's public inputs, decimal field elements in circuit order.
func VerifyProof(artifact []byte, vk groth16.VerifyingKey, publicInputs []string) error {
	proof, err := DecodeProof(artifact)
	if err != nil {
		return err
	}
	pub, err := publicWitness(publicInputs)
	if err != nil {
		return err
	}
	if err := groth16.Verify(proof, vk, pub); err != nil {
		return fmt.Errorf("proof rejected: %w", err)
	}
	return nil
}

func publicWitness(inputs []string) (witness.Witness, error) {
	w, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return nil, err
	}
	values := make(chan any, len(inputs))
	for _, s := range inputs {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("bad public input %q", s)
		}
		values <- v
	}
	close(values)
	if err := w.Fill(len(inputs), 0, values); err != nil {
		return nil, fmt.Errorf("public witness: %w", err)
	}
	return w, nil
}
