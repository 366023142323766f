package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provision/pkg/telemetry"
)

type operandRecord struct {
	operand Operand
	actions []Action
}

type phaseRecord struct {
	run     *phaseRun
	records []*operandRecord
}

// Session is the undo journal of one transaction. It records every phase,
// operand and executed action so that a failed transaction can be reversed,
// and collects the touchpoints to prepare, commit or roll back.
//
// The record methods enforce enter, start, end, exit ordering and panic on
// misuse: a violation is a bug in the phase pipeline, not a runtime failure.
type Session struct {
	txID     string
	profile  *Profile
	dataDir  string
	pctx     *ProvisioningContext
	resolver Resolver
	recorder TransactionRecorder
	logger   zerolog.Logger

	journal []*phaseRecord

	current        *phaseRun
	currentActive  bool
	currentRecords []*operandRecord
	currentRecord  *operandRecord

	touchpoints []Touchpoint
	seq         int
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithRecorder journals every step of the session to rec.
func WithRecorder(rec TransactionRecorder) SessionOption {
	return func(s *Session) { s.recorder = rec }
}

// WithTransactionID sets the id used in logs, events and the journal.
func WithTransactionID(id string) SessionOption {
	return func(s *Session) { s.txID = id }
}

// NewSession creates the session for one transaction on profile.
func NewSession(profile *Profile, dataDir string, pctx *ProvisioningContext, resolver Resolver, opts ...SessionOption) *Session {
	if pctx == nil {
		pctx = NewProvisioningContext()
	}
	s := &Session{
		profile:  profile,
		dataDir:  dataDir,
		pctx:     pctx,
		resolver: resolver,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().
		Str("component", "session").
		Str("profile_id", profile.ID()).
		Str("transaction_id", s.txID).
		Logger()
	return s
}

// Profile returns the profile being provisioned.
func (s *Session) Profile() *Profile { return s.profile }

// ProfileDataDirectory returns the profile's data directory.
func (s *Session) ProfileDataDirectory() string { return s.dataDir }

// Context returns the provisioning context.
func (s *Session) Context() *ProvisioningContext { return s.pctx }

// TransactionID returns the transaction id.
func (s *Session) TransactionID() string { return s.txID }

// Touchpoints returns the touchpoints used by executed actions, in first-use order.
func (s *Session) Touchpoints() []Touchpoint {
	return append([]Touchpoint(nil), s.touchpoints...)
}

func (s *Session) recordPhaseEnter(r *phaseRun) {
	if r == nil {
		panic("engine: nil phase")
	}
	if s.current != nil {
		panic(fmt.Sprintf("engine: phase %s entered while phase %s is current", r.phase.id, s.current.phase.id))
	}
	s.current = r
	s.logger.Debug().Str("phase", r.phase.id).Msg("Entering phase")
}

func (s *Session) recordPhaseStart(r *phaseRun) {
	if r == nil {
		panic("engine: nil phase")
	}
	if s.current != r {
		panic(fmt.Sprintf("engine: phase %s started but is not the current phase", r.phase.id))
	}
	s.currentActive = true
	s.currentRecords = nil
}

func (s *Session) recordPhaseEnd(r *phaseRun) {
	if s.current == nil {
		panic("engine: phase ended but no phase was started")
	}
	if s.current != r {
		panic(fmt.Sprintf("engine: phase %s ended but is not the current phase", r.phase.id))
	}
	s.journal = append(s.journal, &phaseRecord{run: r, records: s.currentRecords})
	s.currentRecords = nil
	s.currentActive = false
}

func (s *Session) recordPhaseExit(r *phaseRun) {
	if s.current == nil {
		panic("engine: phase exited but no phase was started")
	}
	if s.current != r {
		panic(fmt.Sprintf("engine: phase %s exited but is not the current phase", r.phase.id))
	}
	s.current = nil
	s.logger.Debug().Str("phase", r.phase.id).Msg("Exiting phase")
}

func (s *Session) recordOperandStart(op Operand) {
	if op == nil {
		panic("engine: nil operand")
	}
	if s.currentRecord != nil {
		panic(fmt.Sprintf("engine: operand %s started while %s is open", op, s.currentRecord.operand))
	}
	s.currentRecord = &operandRecord{operand: op}
	s.currentRecords = append(s.currentRecords, s.currentRecord)
	s.logger.Trace().Str("operand", op.String()).Msg("Starting operand")
}

func (s *Session) recordOperandEnd(op Operand) {
	if s.currentRecord == nil {
		panic("engine: operand ended but no operand was started")
	}
	if s.currentRecord.operand != op {
		panic(fmt.Sprintf("engine: operand %s ended but %s is current", op, s.currentRecord.operand))
	}
	s.currentRecord = nil
	s.logger.Trace().Str("operand", op.String()).Msg("Ending operand")
}

func (s *Session) recordActionExecute(ctx context.Context, phaseID string, a Action) {
	if a == nil {
		panic("engine: nil action")
	}
	s.currentRecord.actions = append(s.currentRecord.actions, a)
	if tp := touchpointOf(a); tp != nil && !s.hasTouchpoint(tp) {
		s.touchpoints = append(s.touchpoints, tp)
	}
	s.logger.Trace().Str("phase", phaseID).Str("action", describeAction(a)).Msg("Executing action")
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordActionExecuted(phaseID)
	}
	s.recordStep(ctx, StepExecute, phaseID, s.currentRecord.operand, a)
}

func (s *Session) hasTouchpoint(tp Touchpoint) bool {
	for _, t := range s.touchpoints {
		if t == tp {
			return true
		}
	}
	return false
}

func (s *Session) recordStep(ctx context.Context, kind StepKind, phaseID string, op Operand, a Action) {
	if s.recorder == nil {
		return
	}
	s.seq++
	step := &TransactionStep{
		TransactionID: s.txID,
		Sequence:      s.seq,
		Kind:          kind,
		Phase:         phaseID,
		RecordedAt:    time.Now(),
	}
	if op != nil {
		step.Operand = op.String()
	}
	if a != nil {
		step.Action = describeAction(a)
	}
	if err := s.recorder.RecordStep(ctx, step); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to journal transaction step")
	}
}

// contextString describes where in the transaction a failure happened.
func (s *Session) contextString(phase *Phase, op Operand, a Action) string {
	actionID := ""
	if a != nil {
		actionID = describeAction(a)
	}
	opID := ""
	if op != nil {
		opID = op.String()
	}
	return fmt.Sprintf("session context was:(profile=%s, phase=%s, operand=%s, action=%s)",
		s.profile.ID(), phase.id, opID, actionID)
}

// currentContextString describes the phase, operand and action last recorded.
func (s *Session) currentContextString() string {
	phaseID, opID, actionID := "", "", ""
	if s.current != nil {
		phaseID = s.current.phase.id
	}
	if s.currentRecord != nil {
		opID = s.currentRecord.operand.String()
		if n := len(s.currentRecord.actions); n > 0 {
			actionID = describeAction(s.currentRecord.actions[n-1])
		}
	}
	return fmt.Sprintf("session context was:(profile=%s, phase=%s, operand=%s, action=%s)",
		s.profile.ID(), phaseID, opID, actionID)
}

// Prepare asks every touchpoint used by the transaction to prepare for commit.
func (s *Session) Prepare(ctx context.Context) *Status {
	status := OK()
	for _, tp := range s.touchpoints {
		err := safeTouchpoint(tp, "prepare", func() error { return tp.Prepare(ctx, s.profile) })
		mergeErr(status, fmt.Sprintf("touchpoint %s failed to prepare", tp.Type()), err)
	}
	if status.Matches(SeverityError) {
		result := ErrorStatus(fmt.Sprintf("error preparing profile %s for commit", s.profile.ID()), nil)
		result.Merge(status)
		return result
	}
	return status
}

// Commit clears the journal and commits every touchpoint.
func (s *Session) Commit(ctx context.Context) *Status {
	s.journal = nil
	status := OK()
	for _, tp := range s.touchpoints {
		err := safeTouchpoint(tp, "commit", func() error { return tp.Commit(ctx, s.profile) })
		mergeErr(status, fmt.Sprintf("touchpoint %s failed to commit", tp.Type()), err)
	}
	if status.Matches(SeverityError) {
		result := ErrorStatus(fmt.Sprintf("error committing profile %s", s.profile.ID()), nil)
		result.Merge(status)
		return result
	}
	return status
}

// Rollback undoes the journal in reverse: the active phase first, then every
// completed phase, then touchpoint rollback. It never stops early; every
// failure is logged and aggregated into the returned status.
func (s *Session) Rollback(ctx context.Context, cause Severity) *Status {
	ctx, span := telemetry.StartSpan(ctx, "engine.rollback")
	defer span.End()

	s.logger.Info().
		Str("cause", cause.String()).
		Int("phases", len(s.journal)).
		Bool("active_phase", s.currentActive).
		Msg("Rolling back transaction")
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordRollback(cause.String())
	}

	status := OK()
	if s.currentActive {
		mergeStatus(status, s.rollBackPhase(ctx, s.current, s.currentRecords, true))
		s.currentActive = false
		s.currentRecords = nil
		s.currentRecord = nil
	}
	s.current = nil

	for i := len(s.journal) - 1; i >= 0; i-- {
		rec := s.journal[i]
		mergeStatus(status, s.rollBackPhase(ctx, rec.run, rec.records, false))
	}
	s.journal = nil

	for _, tp := range s.touchpoints {
		err := safeTouchpoint(tp, "rollback", func() error { return tp.Rollback(ctx, s.profile) })
		mergeErr(status, fmt.Sprintf("touchpoint %s failed to roll back", tp.Type()), err)
	}

	if status.Matches(SeverityError) {
		result := ErrorStatus(fmt.Sprintf("error rolling back profile %s", s.profile.ID()), nil)
		result.Merge(status)
		if err := status.AsError(); err != nil {
			telemetry.RecordError(span, err)
		}
		return result
	}
	telemetry.RecordSuccess(span)
	return status
}

func (s *Session) rollBackPhase(ctx context.Context, r *phaseRun, records []*operandRecord, active bool) (result *Status) {
	result = OK()
	defer func() {
		if p := recover(); p != nil {
			result.Add(ErrorStatus(fmt.Sprintf("phase %s panicked during rollback: %v", r.phase.id, p), nil))
		}
	}()

	if !active {
		r.prePerform(ctx, result)
	}
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		reversed := make([]Action, len(rec.actions))
		for j, a := range rec.actions {
			reversed[len(rec.actions)-1-j] = a
			s.recordStep(ctx, StepUndo, r.phase.id, rec.operand, a)
		}
		r.undo(ctx, result, rec.operand, reversed)
	}
	r.postPerform(ctx, result)
	r.phaseParams = Parameters{}
	return result
}

func (s *Session) phaseStarted(ctx context.Context, phaseID string) {
	s.logger.Debug().Str("phase", phaseID).Msg("Phase started")
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		_ = tel.Events.PublishPhaseStarted(s.txID, s.profile.ID(), phaseID)
	}
	s.recordStep(ctx, StepPhaseStart, phaseID, nil, nil)
}

func (s *Session) phaseCompleted(ctx context.Context, phaseID string) {
	s.logger.Debug().Str("phase", phaseID).Msg("Phase completed")
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		_ = tel.Events.PublishPhaseCompleted(s.txID, s.profile.ID(), phaseID)
	}
	s.recordStep(ctx, StepPhaseEnd, phaseID, nil, nil)
}

func (s *Session) undoFailed(ctx context.Context, phaseID string) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordUndoFailure(phaseID)
	}
}

func safeTouchpoint(tp Touchpoint, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewActionError(fmt.Sprintf("touchpoint %s panicked during %s: %v", tp.Type(), op, r), nil).
				WithCode(ErrCodeActionPanic)
		}
	}()
	return fn()
}
