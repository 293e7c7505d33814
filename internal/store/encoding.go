// encoding.go - JSON encoding of stored notes.
//
// Field elements are persisted as decimal strings so records stay readable
// with plain tooling and stable across library versions.

package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/veilcash/vault/internal/vault"
)

type noteRecord struct {
	OwnerX     string    `json:"owner_x"`
	OwnerY     string    `json:"owner_y"`
	AssetID    string    `json:"asset_id"`
	AmountLo   string    `json:"amount_lo"`
	AmountHi   string    `json:"amount_hi"`
	Blinding   string    `json:"blinding"`
	Commitment string    `json:"commitment"`
	Spent      bool      `json:"spent"`
	BatchID    string    `json:"batch_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	MerklePath []string  `json:"merkle_path,omitempty"`
	MerkleRoot string    `json:"merkle_root,omitempty"`
}

func recordFromNote(note *vault.Note, batchID string) noteRecord {
	return noteRecord{
		OwnerX:     note.OwnerPubKey.X.String(),
		OwnerY:     note.OwnerPubKey.Y.String(),
		AssetID:    note.AssetID.String(),
		AmountLo:   note.AmountLo.String(),
		AmountHi:   note.AmountHi.String(),
		Blinding:   note.Blinding.String(),
		Commitment: note.Cm.String(),
		BatchID:    batchID,
		CreatedAt:  time.Now().UTC(),
	}
}

func decodeRecord(val []byte) (*StoredNote, error) {
	var rec noteRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, err
	}
	note := &vault.Note{}
	fields := []struct {
		dst  *fr.Element
		src  string
		name string
	}{
		{&note.OwnerPubKey.X, rec.OwnerX, "owner_x"},
		{&note.OwnerPubKey.Y, rec.OwnerY, "owner_y"},
		{&note.AssetID, rec.AssetID, "asset_id"},
		{&note.AmountLo, rec.AmountLo, "amount_lo"},
		{&note.AmountHi, rec.AmountHi, "amount_hi"},
		{&note.Blinding, rec.Blinding, "blinding"},
		{&note.Cm, rec.Commitment, "commitment"},
	}
	for _, f := range fields {
		if _, err := f.dst.SetString(f.src); err != nil {
			return nil, fmt.Errorf("note record %s %q: %w", f.name, f.src, err)
		}
	}
	out := &StoredNote{
		Note:       note,
		Commitment: note.Cm,
		Spent:      rec.Spent,
		BatchID:    rec.BatchID,
		CreatedAt:  rec.CreatedAt,
	}
	if rec.MerkleRoot != "" {
		if _, err := out.MerkleRoot.SetString(rec.MerkleRoot); err != nil {
			return nil, fmt.Errorf("note record merkle_root %q: %w", rec.MerkleRoot, err)
		}
	}
	if len(rec.MerklePath) > 0 {
		out.MerklePath = make([]fr.Element, len(rec.MerklePath))
		for i, s := range rec.MerklePath {
			if _, err := out.MerklePath[i].SetString(s); err != nil {
				return nil, fmt.Errorf("note record merkle_path[%d] %q: %w", i, s, err)
			}
		}
	}
	return out, nil
}
