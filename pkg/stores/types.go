package stores

import (
	"context"

	"github.com/openfroyo/provision/pkg/engine"
)

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	// ProfileID restricts the result to one profile when set.
	ProfileID string

	// Limit caps the number of rows; zero means no limit.
	Limit int

	// Offset skips rows for pagination.
	Offset int
}

// Journal defines the interface for the transaction journal.
type Journal interface {
	engine.TransactionRecorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Queries
	GetTransaction(ctx context.Context, id string) (*engine.Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*engine.Transaction, error)
	ListSteps(ctx context.Context, transactionID string) ([]*engine.TransactionStep, error)

	// Retention
	DeleteTransaction(ctx context.Context, id string) error
	PruneTransactions(ctx context.Context, profileID string, keep int) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
