package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"

	"github.com/veilcash/vault/internal/merkle"
	"github.com/veilcash/vault/internal/relayer"
	"github.com/veilcash/vault/internal/store"
	"github.com/veilcash/vault/internal/vault"
)

type fakeKeys struct {
	kp      *vault.KeyPair
	unlocks int
}

func (f *fakeKeys) Unlock(ctx context.Context) (*vault.KeyPair, error) {
	f.unlocks++
	return f.kp, nil
}

type fakeApprover struct {
	calls int
	err   error
}

func (f *fakeApprover) Approve(ctx context.Context, assetID fr.Element, amount *big.Int) error {
	f.calls++
	return f.err
}

// scriptedRelayer serves a fixed sequence of batch statuses, repeating the
// last one, and counts submissions.
type scriptedRelayer struct {
	mu        sync.Mutex
	submits   int
	submitted *relayer.OperationPayload
	batchID   string
	submitErr error
	statuses  []*relayer.Status
	statusErr error
	polls     int
}

func (r *scriptedRelayer) Submit(ctx context.Context, payload *relayer.OperationPayload) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits++
	r.submitted = payload
	if r.submitErr != nil {
		return "", r.submitErr
	}
	return r.batchID, nil
}

func (r *scriptedRelayer) BatchStatus(ctx context.Context, batchID string) (*relayer.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statusErr != nil {
		return nil, r.statusErr
	}
	i := r.polls
	if i >= len(r.statuses) {
		i = len(r.statuses) - 1
	}
	r.polls++
	st := *r.statuses[i]
	st.BatchID = batchID
	return &st, nil
}

func (r *scriptedRelayer) submitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submits
}

func (r *scriptedRelayer) lastPayload() *relayer.OperationPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitted
}

// fakeResolver serves proofs from a map; unknown commitments resolve to the
// placeholder sentinel, matching the indexer's 404 behavior.
type fakeResolver struct {
	proofs map[string]merkle.Proof
	root   fr.Element
}

func (f *fakeResolver) Resolve(ctx context.Context, commitment fr.Element) (merkle.Proof, error) {
	if p, ok := f.proofs[commitment.String()]; ok {
		return p, nil
	}
	return merkle.Placeholder(), nil
}

func (f *fakeResolver) Root(ctx context.Context) (fr.Element, error) {
	return f.root, nil
}

func confirmedScript() []*relayer.Status {
	return []*relayer.Status{
		{Phase: relayer.BatchQueued, QueuePosition: 3},
		{Phase: relayer.BatchProving, QueuePosition: 0},
		{Phase: relayer.BatchProven, ProofArtifact: []byte{0xaa}},
		{Phase: relayer.BatchConfirmed, ProofArtifact: []byte{0xaa}, TxHash: "0xfeed"},
	}
}

func testConfig() Config {
	return Config{
		PollInterval:   time.Millisecond,
		SubmitTimeout:  time.Second,
		QueueTimeout:   2 * time.Second,
		ProofTimeout:   2 * time.Second,
		ConfirmTimeout: 2 * time.Second,
	}
}

func testKeyPair(t *testing.T, seed string) *vault.KeyPair {
	t.Helper()
	kp, err := vault.DeriveKeys([]byte(seed))
	require.NoError(t, err)
	return kp
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "notes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// realProof builds a non-placeholder proof for a commitment.
func realProof(index uint64) merkle.Proof {
	var sib, root fr.Element
	sib.SetUint64(7 + index)
	root.SetUint64(42)
	return merkle.Proof{Siblings: []fr.Element{sib}, Index: index, Root: root}
}

func seedNote(t *testing.T, st *store.Store, kp *vault.KeyPair, asset fr.Element, amount int64, batchID string) *vault.Note {
	t.Helper()
	note, err := vault.NewNote(kp.Pk, asset, big.NewInt(amount))
	require.NoError(t, err)
	require.NoError(t, st.Insert(kp.Pk, note, batchID))
	return note
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("operation did not finish; snapshot %+v", o.Snapshot())
	}
}

func TestDepositPhaseSequence(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "deposit-sig")
	rel := &scriptedRelayer{batchID: "b1", statuses: confirmedScript()}
	app := &fakeApprover{}
	o := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: kp},
		Approver: app,
		Relayer:  rel,
		Resolver: &fakeResolver{},
		Notes:    st,
	})

	var mu sync.Mutex
	var phases []Phase
	var progress []int
	o.Subscribe(func(op Operation) {
		mu.Lock()
		defer mu.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != op.Phase {
			phases = append(phases, op.Phase)
			progress = append(progress, op.Progress)
		}
	})

	require.Equal(t, PhaseIdle, o.Snapshot().Phase)
	require.NoError(t, o.Deposit(big.NewInt(1000), "wBTC"))
	waitDone(t, o)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Phase{
		PhasePreparing, PhaseKeys, PhaseApproving, PhaseSubmitting,
		PhaseQueued, PhaseProving, PhaseConfirming, PhaseConfirmed,
	}, phases)
	for i := 1; i < len(progress); i++ {
		require.Greater(t, progress[i], progress[i-1])
	}

	snap := o.Snapshot()
	require.Equal(t, PhaseConfirmed, snap.Phase)
	require.Empty(t, snap.Err)
	require.Equal(t, "b1", snap.BatchID)
	require.Equal(t, "0xfeed", snap.TxHash)
	require.Equal(t, 1, app.calls)

	asset := vault.AssetID("wBTC")
	bal, err := st.ShieldedBalance(kp.Pk, asset)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1000), bal)
	notes, err := st.UnspentNotes(kp.Pk, asset)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "b1", notes[0].BatchID)
}

func TestDepositRejectsBadAmount(t *testing.T) {
	o := New(testConfig(), Deps{})
	require.ErrorIs(t, o.Deposit(big.NewInt(0), "wBTC"), ErrBadAmount)
	require.ErrorIs(t, o.Deposit(nil, "wBTC"), ErrBadAmount)
	require.Equal(t, PhaseIdle, o.Snapshot().Phase)
}

// blockingKeys holds Unlock until released, pinning a pipeline in the keys
// phase.
type blockingKeys struct {
	kp      *vault.KeyPair
	release chan struct{}
}

func (b *blockingKeys) Unlock(ctx context.Context) (*vault.KeyPair, error) {
	select {
	case <-b.release:
		return b.kp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestEntryGateClosesBeforeAcceptReturns(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "gate-sig")
	keys := &blockingKeys{kp: kp, release: make(chan struct{})}
	rel := &scriptedRelayer{batchID: "b1", statuses: confirmedScript()}
	o := New(testConfig(), Deps{
		Keys:     keys,
		Approver: &fakeApprover{},
		Relayer:  rel,
		Resolver: &fakeResolver{},
		Notes:    st,
	})

	// The second call lands before the first pipeline goroutine has run a
	// single step; it must still see the gate closed.
	require.NoError(t, o.Deposit(big.NewInt(100), "wBTC"))
	require.ErrorIs(t, o.Deposit(big.NewInt(200), "wBTC"), ErrOperationInProgress)
	require.NotEqual(t, PhaseIdle, o.Snapshot().Phase)

	close(keys.release)
	waitDone(t, o)
	require.Equal(t, PhaseConfirmed, o.Snapshot().Phase)
	require.Equal(t, 1, rel.submitCount())

	bal, err := st.ShieldedBalance(kp.Pk, vault.AssetID("wBTC"))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), bal)
}

func TestSingleOperationAtATime(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "busy-sig")
	// Never leaves the queue, so the first deposit stays in flight.
	rel := &scriptedRelayer{batchID: "b1", statuses: []*relayer.Status{{Phase: relayer.BatchQueued, QueuePosition: 1}}}
	o := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: kp},
		Approver: &fakeApprover{},
		Relayer:  rel,
		Resolver: &fakeResolver{},
		Notes:    st,
	})

	require.NoError(t, o.Deposit(big.NewInt(500), "wBTC"))
	require.Eventually(t, func() bool {
		return o.Snapshot().Phase == PhaseQueued
	}, 2*time.Second, time.Millisecond)

	require.ErrorIs(t, o.Deposit(big.NewInt(500), "wBTC"), ErrOperationInProgress)
	require.ErrorIs(t, o.Withdraw(fr.Element{}, "addr"), ErrOperationInProgress)
	o.Reset()
}

func TestPlaceholderGuardBlocksSubmission(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "guard-sig")
	asset := vault.AssetID("wBTC")
	note := seedNote(t, st, kp, asset, 100000, "seed")

	rel := &scriptedRelayer{batchID: "b1", statuses: confirmedScript()}
	// Resolver has no proof for the note, so it resolves to the placeholder.
	o := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: kp},
		Relayer:  rel,
		Resolver: &fakeResolver{},
		Notes:    st,
	})

	require.NoError(t, o.Withdraw(note.Cm, "0xdead"))
	waitDone(t, o)

	snap := o.Snapshot()
	require.Equal(t, PhaseError, snap.Phase)
	require.Contains(t, snap.Err, "not yet indexed")
	require.Zero(t, rel.submitCount())

	// The failed attempt must not leave the input locked.
	o.Reset()
	require.NoError(t, st.LockInputs(kp.Pk, []fr.Element{note.Cm}))
	st.ReleaseInputs([]fr.Element{note.Cm})
}

func TestWithdrawUnknownNote(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "unknown-sig")
	rel := &scriptedRelayer{batchID: "b1", statuses: confirmedScript()}
	o := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: kp},
		Relayer:  rel,
		Resolver: &fakeResolver{},
		Notes:    st,
	})

	var cm fr.Element
	cm.SetUint64(987654)
	require.NoError(t, o.Withdraw(cm, "0xdead"))
	waitDone(t, o)

	snap := o.Snapshot()
	require.Equal(t, PhaseError, snap.Phase)
	require.Contains(t, snap.Err, "unknown note")
	require.NotContains(t, snap.Err, "not yet indexed")
	require.Zero(t, rel.submitCount())
}

func TestResetFromAnyPhase(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "reset-sig")
	rel := &scriptedRelayer{batchID: "b1", statuses: []*relayer.Status{{Phase: relayer.BatchQueued, QueuePosition: 2}}}
	o := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: kp},
		Approver: &fakeApprover{},
		Relayer:  rel,
		Resolver: &fakeResolver{},
		Notes:    st,
	})

	// Reset while idle is a no-op.
	o.Reset()
	require.Equal(t, PhaseIdle, o.Snapshot().Phase)

	// Reset mid-flight cancels the pipeline and returns to idle.
	require.NoError(t, o.Deposit(big.NewInt(500), "wBTC"))
	require.Eventually(t, func() bool {
		return o.Snapshot().Phase == PhaseQueued
	}, 2*time.Second, time.Millisecond)
	o.Reset()
	snap := o.Snapshot()
	require.Equal(t, PhaseIdle, snap.Phase)
	require.Empty(t, snap.Err)
	require.Empty(t, snap.BatchID)

	// Idempotent.
	o.Reset()
	require.Equal(t, PhaseIdle, o.Snapshot().Phase)

	// Error is terminal until reset, then a new operation is accepted.
	rel2 := &scriptedRelayer{submitErr: errors.New("boom")}
	o2 := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: kp},
		Approver: &fakeApprover{},
		Relayer:  rel2,
		Resolver: &fakeResolver{},
		Notes:    st,
	})
	require.NoError(t, o2.Deposit(big.NewInt(500), "wBTC"))
	waitDone(t, o2)
	require.Equal(t, PhaseError, o2.Snapshot().Phase)
	require.ErrorIs(t, o2.Deposit(big.NewInt(500), "wBTC"), ErrOperationInProgress)
	o2.Reset()
	require.Equal(t, PhaseIdle, o2.Snapshot().Phase)
	require.NoError(t, o2.Deposit(big.NewInt(500), "wBTC"))
	o2.Reset()
}

func TestWithdrawEndToEnd(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "withdraw-sig")
	asset := vault.AssetID("wBTC")
	note := seedNote(t, st, kp, asset, 100000, "seed")

	res := &fakeResolver{proofs: map[string]merkle.Proof{note.Cm.String(): realProof(0)}}
	res.root = realProof(0).Root
	rel := &scriptedRelayer{batchID: "b1", statuses: confirmedScript()}
	o := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: kp},
		Relayer:  rel,
		Resolver: res,
		Notes:    st,
	})

	require.NoError(t, o.Withdraw(note.Cm, "0xdead"))
	waitDone(t, o)

	snap := o.Snapshot()
	require.Equal(t, PhaseConfirmed, snap.Phase)
	require.Equal(t, "b1", snap.BatchID)
	require.Equal(t, "0xfeed", snap.TxHash)

	// The payload carries the merkle data the prover needs for the input.
	var proofInputs []relayer.ProofInput
	require.NoError(t, json.Unmarshal(rel.lastPayload().ProofInputs, &proofInputs))
	require.Len(t, proofInputs, 1)
	require.Equal(t, uint64(0), proofInputs[0].Index)
	require.NotEmpty(t, proofInputs[0].Siblings)

	stored, err := st.Get(kp.Pk, note.Cm)
	require.NoError(t, err)
	require.True(t, stored.Spent)
	require.Equal(t, "b1", stored.BatchID)

	bal, err := st.ShieldedBalance(kp.Pk, asset)
	require.NoError(t, err)
	require.Zero(t, bal.Sign())

	// The confirmed withdrawal released its input lock.
	require.NoError(t, func() error {
		err := st.LockInputs(kp.Pk, []fr.Element{note.Cm})
		if errors.Is(err, store.ErrNoteSpent) {
			return nil // spent is expected; in-use would be a leak
		}
		return err
	}())
}

func TestWithdrawSpentNote(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "spent-sig")
	asset := vault.AssetID("wBTC")
	note := seedNote(t, st, kp, asset, 5000, "seed")
	require.NoError(t, st.MarkSpent(kp.Pk, note.Cm, "old"))

	rel := &scriptedRelayer{batchID: "b1", statuses: confirmedScript()}
	o := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: kp},
		Relayer:  rel,
		Resolver: &fakeResolver{},
		Notes:    st,
	})

	require.NoError(t, o.Withdraw(note.Cm, "0xdead"))
	waitDone(t, o)
	require.Equal(t, PhaseError, o.Snapshot().Phase)
	require.Contains(t, o.Snapshot().Err, "already spent")
	require.Zero(t, rel.submitCount())
}

func TestTransferEndToEnd(t *testing.T) {
	st := openTestStore(t)
	sender := testKeyPair(t, "transfer-sender")
	receiver := testKeyPair(t, "transfer-receiver")
	asset := vault.AssetID("wBTC")
	nA := seedNote(t, st, sender, asset, 30000, "seed")
	nB := seedNote(t, st, sender, asset, 70000, "seed")

	res := &fakeResolver{proofs: map[string]merkle.Proof{
		nA.Cm.String(): realProof(0),
		nB.Cm.String(): realProof(1),
	}}
	res.root = realProof(0).Root
	rel := &scriptedRelayer{batchID: "b1", statuses: confirmedScript()}
	o := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: sender},
		Relayer:  rel,
		Resolver: res,
		Notes:    st,
	})

	require.NoError(t, o.Transfer(big.NewInt(40000), "wBTC", vault.PackPublicKey(receiver.Pk)))
	waitDone(t, o)

	snap := o.Snapshot()
	require.Equal(t, PhaseConfirmed, snap.Phase)
	require.Equal(t, "b1", snap.BatchID)

	for _, cm := range []fr.Element{nA.Cm, nB.Cm} {
		stored, err := st.Get(sender.Pk, cm)
		require.NoError(t, err)
		require.True(t, stored.Spent)
		require.Equal(t, "b1", stored.BatchID)
	}

	// Only the change note remains spendable.
	notes, err := st.UnspentNotes(sender.Pk, asset)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, big.NewInt(60000), notes[0].Note.Amount())
	require.Equal(t, "b1", notes[0].BatchID)

	bundle := o.LastTransfer()
	require.NotNil(t, bundle)
	require.Equal(t, big.NewInt(40000), bundle.Outputs[0].Amount())
	require.True(t, bundle.Outputs[0].OwnerPubKey.X.Equal(&receiver.Pk.X))
	require.Equal(t, big.NewInt(60000), bundle.Outputs[1].Amount())

	total := new(big.Int).Add(bundle.Outputs[0].Amount(), bundle.Outputs[1].Amount())
	require.Equal(t, big.NewInt(100000), total)
}

func TestTransferNeedsTwoNotes(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "lonely-sig")
	asset := vault.AssetID("wBTC")
	seedNote(t, st, kp, asset, 30000, "seed")

	rel := &scriptedRelayer{batchID: "b1", statuses: confirmedScript()}
	o := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: kp},
		Relayer:  rel,
		Resolver: &fakeResolver{},
		Notes:    st,
	})

	require.NoError(t, o.Transfer(big.NewInt(10000), "wBTC", vault.PackPublicKey(kp.Pk)))
	waitDone(t, o)
	require.Equal(t, PhaseError, o.Snapshot().Phase)
	require.Contains(t, o.Snapshot().Err, "two unspent notes")
	require.Zero(t, rel.submitCount())
}

func TestSelfTransferKeepsBothOutputs(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "self-sig")
	asset := vault.AssetID("wBTC")
	nA := seedNote(t, st, kp, asset, 30000, "seed")
	nB := seedNote(t, st, kp, asset, 70000, "seed")

	res := &fakeResolver{proofs: map[string]merkle.Proof{
		nA.Cm.String(): realProof(0),
		nB.Cm.String(): realProof(1),
	}}
	res.root = realProof(0).Root
	rel := &scriptedRelayer{batchID: "b1", statuses: confirmedScript()}
	o := New(testConfig(), Deps{
		Keys:     &fakeKeys{kp: kp},
		Relayer:  rel,
		Resolver: res,
		Notes:    st,
	})

	require.NoError(t, o.Transfer(big.NewInt(40000), "wBTC", vault.PackPublicKey(kp.Pk)))
	waitDone(t, o)
	require.Equal(t, PhaseConfirmed, o.Snapshot().Phase)

	bal, err := st.ShieldedBalance(kp.Pk, asset)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100000), bal)
}

func TestQueueTimeoutMessage(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "timeout-sig")
	rel := &scriptedRelayer{batchID: "b1", statusErr: errors.New("connection refused")}
	cfg := testConfig()
	cfg.QueueTimeout = 30 * time.Millisecond
	o := New(cfg, Deps{
		Keys:     &fakeKeys{kp: kp},
		Approver: &fakeApprover{},
		Relayer:  rel,
		Resolver: &fakeResolver{},
		Notes:    st,
	})

	require.NoError(t, o.Deposit(big.NewInt(100), "wBTC"))
	waitDone(t, o)
	snap := o.Snapshot()
	require.Equal(t, PhaseError, snap.Phase)
	require.Contains(t, snap.Err, "batch queue timed out")
	require.Contains(t, snap.Err, "connection refused")
}

func TestProofCheckRejectsArtifact(t *testing.T) {
	st := openTestStore(t)
	kp := testKeyPair(t, "artifact-sig")
	rel := &scriptedRelayer{batchID: "b1", statuses: confirmedScript()}
	o := New(testConfig(), Deps{
		Keys:       &fakeKeys{kp: kp},
		Approver:   &fakeApprover{},
		Relayer:    rel,
		Resolver:   &fakeResolver{},
		Notes:      st,
		ProofCheck: func([]byte, []string) error { return errors.New("malformed points") },
	})

	require.NoError(t, o.Deposit(big.NewInt(100), "wBTC"))
	waitDone(t, o)
	snap := o.Snapshot()
	require.Equal(t, PhaseError, snap.Phase)
	require.Contains(t, snap.Err, "invalid proof artifact")
}
