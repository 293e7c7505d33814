// server_test.go - Handler tests for the scan and reconcile endpoints
package main

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilcash/vault/internal/relayer"
	"github.com/veilcash/vault/internal/store"
	"github.com/veilcash/vault/internal/vault"
)

// fakeOutputSource serves canned batch outputs and nullifier lookups.
type fakeOutputSource struct {
	outputs    map[string][]relayer.AnnouncedOutput
	nullifiers map[string]bool
}

func (f *fakeOutputSource) BatchOutputs(ctx context.Context, batchID string) ([]relayer.AnnouncedOutput, error) {
	return f.outputs[batchID], nil
}

func (f *fakeOutputSource) NullifierSeen(ctx context.Context, nullifier string) (bool, error) {
	return f.nullifiers[nullifier], nil
}

func newTestServer(t *testing.T, src relayer.OutputSource) (*Server, *store.Store) {
	t.Helper()
	logger, err := NewLogger("error", "", "")
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	notes, err := store.Open(filepath.Join(t.TempDir(), "notes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { notes.Close() })
	return &Server{
		log:     logger,
		metrics: NewMetricsCollector(),
		limiter: NewClientRateLimiter(100, 100, time.Second),
		notes:   notes,
		relayer: src,
		keys:    &sessionKeys{},
	}, notes
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:9999"
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	return rec
}

func announce(note *vault.Note) relayer.AnnouncedOutput {
	limbs := vault.PackPublicKey(note.OwnerPubKey)
	var owner [4]string
	for i := range limbs {
		owner[i] = limbs[i].String()
	}
	return relayer.AnnouncedOutput{
		Owner:      owner,
		AssetID:    note.AssetID.String(),
		AmountLo:   note.AmountLo.String(),
		AmountHi:   note.AmountHi.String(),
		Blinding:   note.Blinding.String(),
		Commitment: note.Cm.String(),
	}
}

func TestScanClaimsOwnOutputs(t *testing.T) {
	src := &fakeOutputSource{outputs: map[string][]relayer.AnnouncedOutput{}}
	s, notes := newTestServer(t, src)
	kp, err := s.keys.set([]byte("scan-sig"))
	require.NoError(t, err)
	stranger, err := vault.DeriveKeys([]byte("stranger-sig"))
	require.NoError(t, err)

	asset := vault.AssetID("wBTC")
	mine, err := vault.NewNote(kp.Pk, asset, big.NewInt(2500))
	require.NoError(t, err)
	theirs, err := vault.NewNote(stranger.Pk, asset, big.NewInt(900))
	require.NoError(t, err)
	src.outputs["b7"] = []relayer.AnnouncedOutput{announce(theirs), announce(mine)}

	rec := doRequest(t, s, http.MethodPost, "/scan", `{"batch_id":"b7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp["claimed"])

	bal, err := notes.ShieldedBalance(kp.Pk, asset)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2500), bal)

	// Re-scanning the batch never duplicates the note.
	rec = doRequest(t, s, http.MethodPost, "/scan", `{"batch_id":"b7"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	unspent, err := notes.UnspentNotes(kp.Pk, asset)
	require.NoError(t, err)
	require.Len(t, unspent, 1)
}

func TestScanRequiresUnlock(t *testing.T) {
	s, _ := newTestServer(t, &fakeOutputSource{})
	rec := doRequest(t, s, http.MethodPost, "/scan", `{"batch_id":"b1"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReconcileHealsSpentFlags(t *testing.T) {
	src := &fakeOutputSource{nullifiers: map[string]bool{}}
	s, notes := newTestServer(t, src)
	kp, err := s.keys.set([]byte("reconcile-sig"))
	require.NoError(t, err)

	asset := vault.AssetID("wBTC")
	note, err := vault.NewNote(kp.Pk, asset, big.NewInt(700))
	require.NoError(t, err)
	require.NoError(t, notes.Insert(kp.Pk, note, "b1"))
	nf := vault.Nullifier(kp.Sk, note.Cm)
	src.nullifiers[nf.String()] = true

	rec := doRequest(t, s, http.MethodPost, "/reconcile", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp["healed"])

	stored, err := notes.Get(kp.Pk, note.Cm)
	require.NoError(t, err)
	require.True(t, stored.Spent)
}
