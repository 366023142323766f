package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/openfroyo/provision/pkg/telemetry"
)

// Engine runs phase sets against profiles transactionally: either every
// operand is applied and a new snapshot is committed, or every executed
// action is undone and the profile is left as it was.
//
// An Engine is safe for concurrent use. Transactions on the same profile
// are serialized by the registry lock.
type Engine struct {
	registry ProfileRegistry
	resolver Resolver
	recorder TransactionRecorder
	logger   zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTransactionRecorder journals every transaction to rec.
func WithTransactionRecorder(rec TransactionRecorder) Option {
	return func(e *Engine) { e.recorder = rec }
}

// New creates an engine over a profile registry and an action resolver.
func New(registry ProfileRegistry, resolver Resolver, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		resolver: resolver,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("component", "engine").Logger()
	return e
}

// Resolver returns the action and touchpoint resolver.
func (e *Engine) Resolver() Resolver { return e.resolver }

// Perform applies operands to profile through the phases of ps. An empty
// operand list succeeds without touching the profile.
func (e *Engine) Perform(ctx context.Context, profile *Profile, ps *PhaseSet, operands []Operand, pctx *ProvisioningContext) (result *Status) {
	return e.PerformWithMonitor(ctx, profile, ps, operands, pctx, nil)
}

// PerformWithMonitor is Perform with progress reporting.
func (e *Engine) PerformWithMonitor(ctx context.Context, profile *Profile, ps *PhaseSet, operands []Operand,
	pctx *ProvisioningContext, monitor ProgressMonitor) (result *Status) {
	if profile == nil || ps == nil {
		return ErrorStatus("invalid arguments", NewValidationError("profile and phase set are required", nil))
	}
	if len(operands) == 0 {
		return OK()
	}
	if pctx == nil {
		pctx = NewProvisioningContext()
	}

	tx := &Transaction{
		ID:           uuid.New().String(),
		ProfileID:    profile.ID(),
		State:        TransactionIdle,
		Phases:       ps.PhaseIDs(),
		OperandCount: len(operands),
		StartedAt:    time.Now(),
	}
	logger := e.logger.With().
		Str("transaction_id", tx.ID).
		Str("profile_id", profile.ID()).
		Logger()

	ctx, span := telemetry.StartSpan(ctx, "engine.perform",
		telemetry.AttrTransactionID.String(tx.ID),
		telemetry.AttrProfileID.String(profile.ID()),
		attribute.Int("operands", len(operands)),
	)
	tel := telemetry.FromTelemetryContext(ctx)
	journaled := false
	defer func() {
		e.finish(ctx, tx, result, journaled, logger)
		if tel != nil {
			tel.Metrics.RecordTransactionCompleted(result.Severity.String(), time.Since(tx.StartedAt))
		}
		if err := result.AsError(); err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}()
	if tel != nil {
		tel.Metrics.RecordTransactionStarted(profile.ID())
	}

	e.transition(tx, TransactionLocking, logger)
	if HoldsProfile(ctx, profile.ID()) {
		err := ReentrantLockError(profile.ID())
		logger.Error().Err(err).Msg("Nested transaction on a locked profile")
		return StatusFromError("failed to lock profile "+profile.ID(), err)
	}
	lockStart := time.Now()
	if err := e.registry.LockProfile(ctx, profile, tx.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to lock profile")
		return StatusFromError("failed to lock profile "+profile.ID(), err)
	}
	ctx = WithHeldProfile(ctx, profile.ID())
	if tel != nil {
		tel.Metrics.RecordLockWait(time.Since(lockStart))
	}
	defer func() {
		if err := e.registry.UnlockProfile(profile, tx.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to unlock profile")
		}
		profile.SetChanged(false)
	}()

	if e.recorder != nil {
		if err := e.recorder.BeginTransaction(ctx, tx); err != nil {
			logger.Warn().Err(err).Msg("Failed to journal transaction start")
		} else {
			journaled = true
		}
	}
	if tel != nil {
		_ = tel.Events.PublishTransactionStarted(tx.ID, profile.ID(), len(operands))
	}

	dataDir, err := e.registry.ProfileDataDirectory(profile.ID())
	if err != nil {
		logger.Warn().Err(err).Msg("Profile data directory unavailable")
	}
	opts := []SessionOption{WithSessionLogger(e.logger), WithTransactionID(tx.ID)}
	if e.recorder != nil {
		opts = append(opts, WithRecorder(e.recorder))
	}
	session := NewSession(profile, dataDir, pctx, e.resolver, opts...)

	logger.Info().
		Strs("phases", tx.Phases).
		Int("operands", len(operands)).
		Int64("timestamp", profile.Timestamp()).
		Msg("Beginning engine operation")

	e.transition(tx, TransactionRunning, logger)
	status := ps.Perform(ctx, session, operands, monitor)

	if !status.Failed() {
		e.transition(tx, TransactionPreparing, logger)
		status.Merge(session.Prepare(ctx))
	}

	if !status.Failed() {
		e.transition(tx, TransactionCommitting, logger)
		if profile.Changed() {
			if err := e.registry.UpdateProfile(ctx, profile); err != nil {
				status.Add(ErrorStatus("failed to persist profile "+profile.ID(), err))
			} else {
				tx.SnapshotTimestamp = profile.Timestamp()
			}
		}
	}

	if status.Failed() {
		e.transition(tx, TransactionRollingBack, logger)
		logger.Info().Str("reason", status.Error()).Msg("Rolling back engine operation")
		rb := session.Rollback(ctx, status.Severity)
		if rb.Matches(SeverityError) {
			logger.Error().Str("rollback", rb.Error()).Msg("Rollback completed with errors")
			status.Children = append(status.Children, rb)
		}
		if tel != nil {
			_ = tel.Events.PublishTransactionRolledBack(tx.ID, profile.ID(), status.Error())
		}
	} else {
		cs := session.Commit(ctx)
		if cs.Matches(SeverityError) {
			logger.Error().Str("commit", cs.Error()).Msg("Touchpoint commit failed")
		}
		if tel != nil {
			_ = tel.Events.PublishTransactionCommitted(tx.ID, profile.ID(), tx.SnapshotTimestamp)
		}
	}

	return status.Collapse()
}

// Validate resolves every action the phase set would run without executing
// any of them.
func (e *Engine) Validate(ctx context.Context, profile *Profile, ps *PhaseSet, operands []Operand, pctx *ProvisioningContext) *Status {
	if profile == nil || ps == nil {
		return ErrorStatus("invalid arguments", NewValidationError("profile and phase set are required", nil))
	}
	return ps.Validate(ctx, e.resolver, profile, operands)
}

func (e *Engine) transition(tx *Transaction, state TransactionState, logger zerolog.Logger) {
	logger.Debug().
		Str("from", string(tx.State)).
		Str("to", string(state)).
		Msg("Transaction state change")
	tx.State = state
}

func (e *Engine) finish(ctx context.Context, tx *Transaction, result *Status, journaled bool, logger zerolog.Logger) {
	now := time.Now()
	tx.CompletedAt = &now
	tx.Severity = result.Severity
	tx.Message = result.Message
	e.transition(tx, TransactionDone, logger)

	ev := logger.Info()
	if result.Failed() {
		ev = logger.Warn()
	}
	ev.Str("severity", result.Severity.String()).
		Dur("duration", now.Sub(tx.StartedAt)).
		Msg("Engine operation finished")

	if journaled {
		if err := e.recorder.EndTransaction(ctx, tx); err != nil {
			logger.Warn().Err(err).Msg("Failed to journal transaction end")
		}
	}
}
