// store.go - Durable, owner-keyed note store.
//
// Notes are persisted in a bbolt key/value file under a single bucket, keyed
// by ownerHash || commitment, and survive process restart. Values carry the
// note fields, spend status and batch bookkeeping; the spending key is never
// stored. Spent notes are kept forever for audit and history.
//
// The store also owns the client-side optimistic input locks: an in-flight
// operation marks its selected inputs in-use so an overlapping operation
// cannot double-select them. The authoritative double-spend guard remains
// the on-chain nullifier set.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	bolt "go.etcd.io/bbolt"

	"github.com/veilcash/vault/internal/merkle"
	"github.com/veilcash/vault/internal/vault"
)

var bucketNotes = []byte("notes")

var (
	// ErrUnknownNote reports a commitment absent from the store.
	ErrUnknownNote = errors.New("unknown note")
	// ErrNoteInUse reports an input already selected by another operation.
	ErrNoteInUse = errors.New("note already selected by another operation")
	// ErrNoteSpent reports an attempt to lock a spent note.
	ErrNoteSpent = errors.New("note already spent")
)

// StoredNote is the persistence wrapper around a note.
type StoredNote struct {
	Note       *vault.Note
	Commitment fr.Element
	Spent      bool
	BatchID    string // batch that created or consumed the note, "" if unknown
	CreatedAt  time.Time
	MerklePath []fr.Element // present once the commitment has been indexed
	MerkleRoot fr.Element   // zero until indexed
}

// Store is a bbolt-backed collection of shielded notes.
type Store struct {
	db *bolt.DB

	mu    sync.Mutex
	inUse map[[32]byte]bool
}

// Open opens (or creates) the note store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open note store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNotes)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create notes bucket: %w", err)
	}
	return &Store{db: db, inUse: make(map[[32]byte]bool)}, nil
}

// Ping verifies the database file is still readable.
func (s *Store) Ping() error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Insert appends a newly confirmed output note as unspent. Inserting the
// same commitment twice is a no-op, so retried confirmation handling and
// note scanning stay idempotent.
func (s *Store) Insert(owner vault.PublicKey, note *vault.Note, batchID string) error {
	key := noteKey(owner, note.Cm)
	rec := recordFromNote(note, batchID)
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode note: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotes)
		if b.Get(key) != nil {
			return nil
		}
		return b.Put(key, val)
	})
}

// MarkSpent sets spent=true for a commitment. The first call wins; a second
// call is a no-op rather than an error, to tolerate retried confirmations.
func (s *Store) MarkSpent(owner vault.PublicKey, commitment fr.Element, batchID string) error {
	key := noteKey(owner, commitment)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotes)
		val := b.Get(key)
		if val == nil {
			return fmt.Errorf("%w: %s", ErrUnknownNote, commitment.String())
		}
		var rec noteRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode note: %w", err)
		}
		if rec.Spent {
			return nil
		}
		rec.Spent = true
		rec.BatchID = batchID
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// SetMerkleProof records the inclusion proof for a commitment once the
// indexer has it.
func (s *Store) SetMerkleProof(owner vault.PublicKey, commitment fr.Element, proof merkle.Proof) error {
	if proof.IsPlaceholder() {
		return nil
	}
	key := noteKey(owner, commitment)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotes)
		val := b.Get(key)
		if val == nil {
			return fmt.Errorf("%w: %s", ErrUnknownNote, commitment.String())
		}
		var rec noteRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode note: %w", err)
		}
		rec.MerkleRoot = proof.Root.String()
		rec.MerklePath = make([]string, len(proof.Siblings))
		for i := range proof.Siblings {
			rec.MerklePath[i] = proof.Siblings[i].String()
		}
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
}

// Get returns a single stored note.
func (s *Store) Get(owner vault.PublicKey, commitment fr.Element) (*StoredNote, error) {
	key := noteKey(owner, commitment)
	var out *StoredNote
	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(bucketNotes).Get(key)
		if val == nil {
			return fmt.Errorf("%w: %s", ErrUnknownNote, commitment.String())
		}
		n, err := decodeRecord(val)
		if err != nil {
			return err
		}
		out = n
		return nil
	})
	return out, err
}

// UnspentNotes returns the owner's unspent notes for an asset, oldest first.
func (s *Store) UnspentNotes(owner vault.PublicKey, asset fr.Element) ([]*StoredNote, error) {
	notes, err := s.ownerNotes(owner)
	if err != nil {
		return nil, err
	}
	out := notes[:0]
	for _, n := range notes {
		if !n.Spent && n.Note.AssetID.Equal(&asset) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Commitment.Cmp(&out[j].Commitment) < 0
	})
	return out, nil
}

// ShieldedBalance sums the owner's unspent note amounts for an asset.
// Recomputed on every call; the note set changes rarely relative to reads.
func (s *Store) ShieldedBalance(owner vault.PublicKey, asset fr.Element) (*big.Int, error) {
	notes, err := s.UnspentNotes(owner, asset)
	if err != nil {
		return nil, err
	}
	total := new(big.Int)
	for _, n := range notes {
		total.Add(total, n.Note.Amount())
	}
	return total, nil
}

// LockInputs marks the given commitments in-use for an in-flight operation.
// All-or-nothing: if any note is already locked or spent, no lock is taken.
func (s *Store) LockInputs(owner vault.PublicKey, commitments []fr.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cm := range commitments {
		if s.inUse[cm.Bytes()] {
			return fmt.Errorf("%w: %s", ErrNoteInUse, cm.String())
		}
	}
	for _, cm := range commitments {
		n, err := s.Get(owner, cm)
		if err != nil {
			return err
		}
		if n.Spent {
			return fmt.Errorf("%w: %s", ErrNoteSpent, cm.String())
		}
	}
	for _, cm := range commitments {
		s.inUse[cm.Bytes()] = true
	}
	return nil
}

// ReleaseInputs clears in-use markers. Safe on unlocked commitments.
func (s *Store) ReleaseInputs(commitments []fr.Element) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cm := range commitments {
		delete(s.inUse, cm.Bytes())
	}
}

// Reconcile re-derives spend status from on-chain nullifier presence,
// healing a store left inconsistent by a crash between confirmation and the
// local mark-spent. Returns the number of notes newly marked spent.
func (s *Store) Reconcile(owner vault.PublicKey, sk fr.Element, nullifierSeen func(fr.Element) bool) (int, error) {
	notes, err := s.ownerNotes(owner)
	if err != nil {
		return 0, err
	}
	healed := 0
	for _, n := range notes {
		if n.Spent {
			continue
		}
		nf := vault.Nullifier(sk, n.Commitment)
		if nullifierSeen(nf) {
			if err := s.MarkSpent(owner, n.Commitment, "reconciled"); err != nil {
				return healed, err
			}
			healed++
		}
	}
	return healed, nil
}

// ownerNotes loads every note under the owner's key prefix.
func (s *Store) ownerNotes(owner vault.PublicKey) ([]*StoredNote, error) {
	prefix := owner.OwnerHash()
	var out []*StoredNote
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNotes).Cursor()
		for k, v := c.Seek(prefix[:]); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix[:]); k, v = c.Next() {
			n, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, n)
		}
		return nil
	})
	return out, err
}

func noteKey(owner vault.PublicKey, commitment fr.Element) []byte {
	oh := owner.OwnerHash()
	cb := commitment.Bytes()
	key := make([]byte, 0, len(oh)+len(cb))
	key = append(key, oh[:]...)
	return append(key, cb[:]...)
}
