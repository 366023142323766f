package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/provision/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// SQLiteStore implements Journal using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Journal = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := s.cfg.Path +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTransaction records a new transaction.
func (s *SQLiteStore) BeginTransaction(ctx context.Context, tx *engine.Transaction) error {
	if tx == nil || tx.ID == "" {
		return fmt.Errorf("transaction id is required")
	}
	phases, err := json.Marshal(tx.Phases)
	if err != nil {
		return fmt.Errorf("failed to encode phases: %w", err)
	}

	query := `
		INSERT INTO transactions (id, profile_id, state, severity, message, phases, operand_count, started_at, completed_at, snapshot_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		tx.ID,
		tx.ProfileID,
		string(tx.State),
		int(tx.Severity),
		tx.Message,
		string(phases),
		tx.OperandCount,
		tx.StartedAt.UnixNano(),
		nullTime(tx.CompletedAt),
		tx.SnapshotTimestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	return nil
}

// RecordStep appends a step to a transaction.
func (s *SQLiteStore) RecordStep(ctx context.Context, step *engine.TransactionStep) error {
	if step == nil {
		return fmt.Errorf("step is required")
	}
	if err := step.Kind.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO transaction_steps (transaction_id, sequence, kind, phase, operand, action, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		step.TransactionID,
		step.Sequence,
		string(step.Kind),
		step.Phase,
		step.Operand,
		step.Action,
		step.RecordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record step %d of %s: %w", step.Sequence, step.TransactionID, err)
	}

	return nil
}

// EndTransaction stores the final state of a transaction.
func (s *SQLiteStore) EndTransaction(ctx context.Context, tx *engine.Transaction) error {
	if tx == nil {
		return fmt.Errorf("transaction is required")
	}

	query := `
		UPDATE transactions
		SET state = ?, severity = ?, message = ?, completed_at = ?, snapshot_timestamp = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(tx.State),
		int(tx.Severity),
		tx.Message,
		nullTime(tx.CompletedAt),
		tx.SnapshotTimestamp,
		tx.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("transaction not found: %s", tx.ID)
	}

	return nil
}

const transactionColumns = `id, profile_id, state, severity, message, phases, operand_count, started_at, completed_at, snapshot_timestamp`

// GetTransaction retrieves a transaction by ID
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*engine.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	return tx, nil
}

// ListTransactions lists transactions, newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*engine.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	var args []any
	if filter.ProfileID != "" {
		query += ` WHERE profile_id = ?`
		args = append(args, filter.ProfileID)
	}
	query += ` ORDER BY started_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txs := []*engine.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txs, nil
}

// ListSteps lists the steps of a transaction in sequence order.
func (s *SQLiteStore) ListSteps(ctx context.Context, transactionID string) ([]*engine.TransactionStep, error) {
	query := `
		SELECT transaction_id, sequence, kind, phase, operand, action, recorded_at
		FROM transaction_steps
		WHERE transaction_id = ?
		ORDER BY sequence
	`

	rows, err := s.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	steps := []*engine.TransactionStep{}
	for rows.Next() {
		var (
			step       engine.TransactionStep
			kind       string
			recordedAt int64
		)
		if err := rows.Scan(
			&step.TransactionID,
			&step.Sequence,
			&kind,
			&step.Phase,
			&step.Operand,
			&step.Action,
			&recordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.Kind = engine.StepKind(kind)
		step.RecordedAt = time.Unix(0, recordedAt)
		steps = append(steps, &step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// DeleteTransaction deletes a transaction and its steps.
func (s *SQLiteStore) DeleteTransaction(ctx context.Context, id string) error {
	n, err := s.deleteWhere(ctx, `id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("transaction not found: %s", id)
	}
	return nil
}

// PruneTransactions keeps the newest keep transactions of a profile and
// deletes the rest, returning how many were deleted.
func (s *SQLiteStore) PruneTransactions(ctx context.Context, profileID string, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative")
	}
	return s.deleteWhere(ctx, `profile_id = ? AND id NOT IN (
			SELECT id FROM transactions WHERE profile_id = ? ORDER BY started_at DESC, id LIMIT ?
		)`, profileID, profileID, keep)
}

func (s *SQLiteStore) deleteWhere(ctx context.Context, where string, args ...any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stepQuery := `DELETE FROM transaction_steps WHERE transaction_id IN (SELECT id FROM transactions WHERE ` + where + `)`
	if _, err := tx.ExecContext(ctx, stepQuery, args...); err != nil {
		return 0, fmt.Errorf("failed to delete steps: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete transactions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return n, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*engine.Transaction, error) {
	var (
		tx          engine.Transaction
		state       string
		severity    int
		phases      string
		startedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&tx.ID,
		&tx.ProfileID,
		&state,
		&severity,
		&tx.Message,
		&phases,
		&tx.OperandCount,
		&startedAt,
		&completedAt,
		&tx.SnapshotTimestamp,
	)
	if err != nil {
		return nil, err
	}

	tx.State = engine.TransactionState(state)
	tx.Severity = engine.Severity(severity)
	tx.StartedAt = time.Unix(0, startedAt)
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64)
		tx.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(phases), &tx.Phases); err != nil {
		return nil, fmt.Errorf("invalid phases of %s: %w", tx.ID, err)
	}
	return &tx, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
