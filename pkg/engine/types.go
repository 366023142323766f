package engine

import (
	"fmt"
	"time"
)

// Transaction is the journal entry of one Perform call.
type Transaction struct {
	// ID is the unique identifier for this transaction.
	ID string `json:"id"`

	// ProfileID is the profile the transaction operates on.
	ProfileID string `json:"profile_id"`

	// State is the current state of the transaction.
	State TransactionState `json:"state"`

	// Severity is the final outcome, set once the transaction is done.
	Severity Severity `json:"severity"`

	// Message summarizes the outcome.
	Message string `json:"message,omitempty"`

	// Phases lists the phase ids of the phase set, in order.
	Phases []string `json:"phases"`

	// OperandCount is the number of operands requested.
	OperandCount int `json:"operand_count"`

	// StartedAt is when the transaction started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the transaction finished.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// SnapshotTimestamp is the timestamp of the snapshot written on commit.
	SnapshotTimestamp int64 `json:"snapshot_timestamp,omitempty"`
}

// StepKind is the kind of a journaled transaction step.
type StepKind string

const (
	// StepPhaseStart marks the start of a phase.
	StepPhaseStart StepKind = "phase_start"

	// StepPhaseEnd marks the successful end of a phase.
	StepPhaseEnd StepKind = "phase_end"

	// StepExecute records an executed action.
	StepExecute StepKind = "execute"

	// StepUndo records an undone action.
	StepUndo StepKind = "undo"
)

// Validate checks if the step kind is valid.
func (k StepKind) Validate() error {
	switch k {
	case StepPhaseStart, StepPhaseEnd, StepExecute, StepUndo:
		return nil
	default:
		return fmt.Errorf("invalid step kind: %s", k)
	}
}

// TransactionStep is one journaled step of a transaction.
type TransactionStep struct {
	// TransactionID is the transaction the step belongs to.
	TransactionID string `json:"transaction_id"`

	// Sequence orders steps within a transaction, starting at 1.
	Sequence int `json:"sequence"`

	// Kind is the kind of step.
	Kind StepKind `json:"kind"`

	// Phase is the phase id.
	Phase string `json:"phase"`

	// Operand describes the operand, if any.
	Operand string `json:"operand,omitempty"`

	// Action describes the action, if any.
	Action string `json:"action,omitempty"`

	// RecordedAt is when the step was recorded.
	RecordedAt time.Time `json:"recorded_at"`
}
