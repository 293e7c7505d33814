// orchestrator.go - The transaction-phase state machine.
//
// One logical operation is in flight at a time. The orchestrator owns the
// externally visible phase/progress/error/batch tuple, drives it forward on
// collaborator responses rather than timers, and supports cancellation at
// every suspension point through Reset. Observers are notified on every
// snapshot change.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/veilcash/vault/internal/merkle"
	"github.com/veilcash/vault/internal/relayer"
	"github.com/veilcash/vault/internal/store"
	"github.com/veilcash/vault/internal/transfer"
)

// ErrOperationInProgress reports an entry call while not idle.
var ErrOperationInProgress = errors.New("operation in progress")

// Config bounds the orchestrator's polling suspension points. Exceeding a
// bound surfaces as phase=error with a message naming the suspension point.
type Config struct {
	PollInterval   time.Duration
	SubmitTimeout  time.Duration
	QueueTimeout   time.Duration
	ProofTimeout   time.Duration
	ConfirmTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 15 * time.Second
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 10 * time.Minute
	}
	if c.ProofTimeout <= 0 {
		c.ProofTimeout = 10 * time.Minute
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 5 * time.Minute
	}
	return c
}

// Deps are the orchestrator's injected collaborators.
type Deps struct {
	Keys     KeyService
	Approver Approver
	Relayer  relayer.Client
	Resolver merkle.Resolver
	Notes    *store.Store
	// ProofCheck validates a proof artifact before the batch is treated as
	// proven. Nil skips the check.
	ProofCheck func(artifact []byte, publicInputs []string) error
}

// Orchestrator drives deposit, withdraw and transfer operations through the
// phase pipeline.
type Orchestrator struct {
	cfg  Config
	deps Deps

	mu         sync.Mutex
	gen        uint64 // bumped on begin and reset; stale pipelines drop out
	op         Operation
	cancel     context.CancelFunc
	locked     []fr.Element
	done       chan struct{}
	doneClosed bool
	lastBundle *transfer.Bundle
	observers  []func(Operation)
}

// New creates an orchestrator in the idle state.
func New(cfg Config, deps Deps) *Orchestrator {
	closed := make(chan struct{})
	close(closed)
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		deps:       deps,
		op:         idleOperation(),
		done:       closed,
		doneClosed: true,
	}
}

// Subscribe registers an observer called on every snapshot change.
func (o *Orchestrator) Subscribe(fn func(Operation)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// Snapshot returns a copy of the current operation state.
func (o *Orchestrator) Snapshot() Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.op
}

// Done returns a channel closed when the current operation reaches a
// terminal phase or is reset. Closed immediately while idle.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// LastTransfer returns the bundle of the most recently confirmed transfer,
// or nil. Used by activity views.
func (o *Orchestrator) LastTransfer() *transfer.Bundle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastBundle
}

// Reset cancels any in-flight polling, releases input locks, clears error
// and batch state and returns to idle. Safe to call at any time; idempotent.
// It never un-spends a note that already confirmed spent.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if len(o.locked) > 0 {
		o.deps.Notes.ReleaseInputs(o.locked)
		o.locked = nil
	}
	o.gen++
	o.op = idleOperation()
	o.closeDoneLocked()
	obs, snap := o.observers, o.op
	o.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
}

// begin transitions idle -> preparing; the sole entry into the pipeline.
// Rejected while any operation, including a terminal error awaiting Reset,
// is present. The preparing phase is entered here, under the lock, so the
// not-idle gate is closed before begin returns; a second entry call can
// never slip in between acceptance and the pipeline goroutine's first step.
func (o *Orchestrator) begin(kind Kind) (context.Context, uint64, error) {
	o.mu.Lock()
	if o.op.Phase != PhaseIdle {
		err := fmt.Errorf("%w: %s is %s", ErrOperationInProgress, o.op.Kind, o.op.Phase)
		o.mu.Unlock()
		return nil, 0, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.gen++
	gen := o.gen
	o.op = Operation{
		Kind:          kind,
		Phase:         PhasePreparing,
		Message:       "preparing " + string(kind),
		Progress:      progressFor(PhasePreparing),
		QueuePosition: -1,
	}
	o.done = make(chan struct{})
	o.doneClosed = false
	obs, snap := o.observers, o.op
	o.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
	return ctx, gen, nil
}

// transition advances the visible phase. Stale generations (reset raced the
// pipeline) are dropped.
func (o *Orchestrator) transition(gen uint64, phase Phase, message string) bool {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return false
	}
	o.op.Phase = phase
	o.op.Message = message
	o.op.Progress = progressFor(phase)
	if phase.Terminal() {
		o.cancel = nil
		o.closeDoneLocked()
	}
	obs, snap := o.observers, o.op
	o.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
	return true
}

// failOp moves the machine to the terminal error phase with a
// human-readable message and releases any input locks.
func (o *Orchestrator) failOp(gen uint64, message string) {
	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		return
	}
	if len(o.locked) > 0 {
		o.deps.Notes.ReleaseInputs(o.locked)
		o.locked = nil
	}
	o.op.Phase = PhaseError
	o.op.Err = message
	o.op.Message = message
	o.cancel = nil
	o.closeDoneLocked()
	obs, snap := o.observers, o.op
	o.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
}

// setBatch records the batch id assigned at submission.
func (o *Orchestrator) setBatch(gen uint64, batchID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen == o.gen {
		o.op.BatchID = batchID
	}
}

// setQueuePosition publishes a queue position change.
func (o *Orchestrator) setQueuePosition(gen uint64, pos int) {
	o.mu.Lock()
	if gen != o.gen || o.op.QueuePosition == pos {
		o.mu.Unlock()
		return
	}
	o.op.QueuePosition = pos
	obs, snap := o.observers, o.op
	o.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
}

func (o *Orchestrator) setTxHash(gen uint64, hash string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen == o.gen {
		o.op.TxHash = hash
	}
}

// trackLocks remembers the input locks held by the current operation so a
// failure or reset can release them.
func (o *Orchestrator) trackLocks(gen uint64, commitments []fr.Element) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen == o.gen {
		o.locked = commitments
	}
}

// clearLocks releases and forgets the current operation's input locks.
func (o *Orchestrator) clearLocks() {
	o.mu.Lock()
	locked := o.locked
	o.locked = nil
	o.mu.Unlock()
	if len(locked) > 0 {
		o.deps.Notes.ReleaseInputs(locked)
	}
}

func (o *Orchestrator) closeDoneLocked() {
	if !o.doneClosed {
		close(o.done)
		o.doneClosed = true
	}
}

// pollBatch polls relayer batch status at the configured interval until
// `until` accepts a status, the bound elapses, the batch fails or the
// operation is cancelled. Transient relayer errors are tolerated until the
// bound elapses; the last one is folded into the timeout message.
func (o *Orchestrator) pollBatch(ctx context.Context, gen uint64, batchID string, bound time.Duration, timeoutMsg string, until func(*relayer.Status) bool) (*relayer.Status, error) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(bound)
	defer deadline.Stop()

	var lastErr error
	for {
		st, err := o.deps.Relayer.BatchStatus(ctx, batchID)
		switch {
		case err != nil:
			lastErr = err
		case st.Phase == relayer.BatchFailed:
			return nil, fmt.Errorf("batch %s rejected by relayer", batchID)
		default:
			o.setQueuePosition(gen, st.QueuePosition)
			if until(st) {
				return st, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return nil, fmt.Errorf("%s: %w", timeoutMsg, lastErr)
			}
			return nil, errors.New(timeoutMsg)
		case <-ticker.C:
		}
	}
}

// localBatchID generates a fallback id when the relayer did not echo one,
// so note bookkeeping always carries a batch reference.
func localBatchID() string {
	return "local-" + strconv.FormatInt(time.Now().UnixNano(), 10)
}
