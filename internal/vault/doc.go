// Package vault implements the shielded note model for the vault protocol.
//
// A note is a unit of shielded value bound by a MiMC commitment over the
// owner's public key, the asset identifier, the split amount limbs and a
// random blinding factor. Spending a note publishes its nullifier, a one-way
// derivation from the spending key and the note commitment; the on-chain
// nullifier set is the authoritative double-spend guard.
//
// Key material is derived deterministically from a single wallet signature
// per session and is never persisted.
package vault
