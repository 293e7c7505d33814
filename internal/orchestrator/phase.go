// phase.go - Operation phases and the externally visible operation snapshot.
//
// Phases form a total order of forward progress; error is reachable from any
// non-terminal phase and, like confirmed, is terminal until an explicit
// Reset. No phase is ever skipped or revisited within one operation.

package orchestrator

// Phase is one stage of an in-flight vault operation.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePreparing  Phase = "preparing"
	PhaseKeys       Phase = "keys"
	PhaseApproving  Phase = "approving" // deposit only
	PhaseSubmitting Phase = "submitting"
	PhaseQueued     Phase = "queued"
	PhaseProving    Phase = "proving"
	PhaseConfirming Phase = "confirming"
	PhaseConfirmed  Phase = "confirmed"
	PhaseError      Phase = "error"
)

// Terminal reports whether the phase ends the operation.
func (p Phase) Terminal() bool {
	return p == PhaseConfirmed || p == PhaseError
}

// progressFor maps each phase onto the 0-100 progress scale.
func progressFor(p Phase) int {
	switch p {
	case PhasePreparing:
		return 10
	case PhaseKeys:
		return 20
	case PhaseApproving:
		return 30
	case PhaseSubmitting:
		return 40
	case PhaseQueued:
		return 55
	case PhaseProving:
		return 75
	case PhaseConfirming:
		return 90
	case PhaseConfirmed:
		return 100
	default:
		return 0
	}
}

// Kind names the logical flow an operation belongs to.
type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindWithdraw Kind = "withdraw"
	KindTransfer Kind = "transfer"
)

// Operation is the externally visible state of the one in-flight operation.
// It is created at submission and discarded on reset or terminal
// confirmation.
type Operation struct {
	Kind          Kind
	Phase         Phase
	Message       string
	Progress      int // 0-100
	Err           string
	BatchID       string
	QueuePosition int // -1 when unknown
	TxHash        string
}

func idleOperation() Operation {
	return Operation{Phase: PhaseIdle, QueuePosition: -1}
}
