package engine

import (
	"context"
)

// ProfileRegistry stores versioned profile snapshots and serializes writers.
// The engine only needs the lock, update and data directory operations.
type ProfileRegistry interface {
	// LockProfile acquires the profile for owner, blocking while another
	// owner in this process holds it. It fails if another process holds it
	// or if the profile is not the latest snapshot.
	LockProfile(ctx context.Context, profile *Profile, owner string) error

	// UnlockProfile releases a lock taken by owner.
	UnlockProfile(profile *Profile, owner string) error

	// UpdateProfile persists the profile as a new snapshot. The profile must
	// be locked.
	UpdateProfile(ctx context.Context, profile *Profile) error

	// ProfileDataDirectory returns the directory where actions may keep
	// per-profile data, creating it on demand.
	ProfileDataDirectory(id string) (string, error)
}

// TransactionRecorder journals transactions and their steps.
type TransactionRecorder interface {
	// BeginTransaction records a new transaction.
	BeginTransaction(ctx context.Context, tx *Transaction) error

	// RecordStep appends a step to a transaction.
	RecordStep(ctx context.Context, step *TransactionStep) error

	// EndTransaction stores the final state of a transaction.
	EndTransaction(ctx context.Context, tx *Transaction) error
}

// ProgressMonitor receives progress for a phase set run. Implementations
// must be safe to call from the goroutine running Perform.
type ProgressMonitor interface {
	// Begin announces the total amount of work.
	Begin(total int)

	// Subtask names the step about to run.
	Subtask(name string)

	// Worked reports completed work.
	Worked(amount int)

	// Done marks the run complete.
	Done()
}

// NopMonitor discards progress.
type NopMonitor struct{}

func (NopMonitor) Begin(int)      {}
func (NopMonitor) Subtask(string) {}
func (NopMonitor) Worked(int)     {}
func (NopMonitor) Done()          {}
