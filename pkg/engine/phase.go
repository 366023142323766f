package engine

import (
	"context"
	"fmt"
	"strconv"
)

// PhaseBehavior supplies the phase-specific parts of a Phase: which operands
// it acts on and which actions it runs for each.
type PhaseBehavior interface {
	IsApplicable(op Operand) bool
	Actions(op Operand, resolver Resolver) ([]Action, error)
}

// PhaseInitializer is an optional PhaseBehavior hook run before any operand.
type PhaseInitializer interface {
	InitializePhase(ctx context.Context, profile *Profile, params Parameters) error
}

// PhaseCompleter is an optional PhaseBehavior hook run after every operand.
type PhaseCompleter interface {
	CompletePhase(ctx context.Context, profile *Profile, params Parameters) error
}

// OperandInitializer is an optional PhaseBehavior hook that may add
// parameters for one operand, including a "touchpoint" found through resolver.
type OperandInitializer interface {
	InitializeOperand(ctx context.Context, profile *Profile, op Operand, params Parameters, resolver TouchpointResolver) error
}

// OperandCompleter is an optional PhaseBehavior hook run after an operand's actions.
type OperandCompleter interface {
	CompleteOperand(ctx context.Context, profile *Profile, op Operand, params Parameters) error
}

// Phase is a reusable, named step of a phase set. Its per-run state lives
// in a phaseRun owned by the session, so one Phase may serve concurrent
// transactions on different profiles.
type Phase struct {
	id       string
	weight   int
	forced   bool
	behavior PhaseBehavior
}

// NewPhase creates a phase. A forced phase logs action failures and keeps going.
func NewPhase(id string, weight int, forced bool, behavior PhaseBehavior) (*Phase, error) {
	if id == "" {
		return nil, NewValidationError("phase id must be set", nil)
	}
	if weight <= 0 {
		return nil, NewValidationError(fmt.Sprintf("phase %s weight must be positive", id), nil)
	}
	if behavior == nil {
		return nil, NewValidationError(fmt.Sprintf("phase %s has no behavior", id), nil)
	}
	return &Phase{id: id, weight: weight, forced: forced, behavior: behavior}, nil
}

// ID returns the phase id.
func (p *Phase) ID() string { return p.id }

// Weight returns the phase's share of overall progress.
func (p *Phase) Weight() int { return p.weight }

// Forced reports whether action failures are tolerated.
func (p *Phase) Forced() bool { return p.forced }

// Behavior returns the phase-specific logic.
func (p *Phase) Behavior() PhaseBehavior { return p.behavior }

// WithWeight returns a copy of the phase with a different weight.
func (p *Phase) WithWeight(weight int) (*Phase, error) {
	return NewPhase(p.id, weight, p.forced, p.behavior)
}

// IsApplicable reports whether the phase acts on op.
func (p *Phase) IsApplicable(op Operand) bool { return p.behavior.IsApplicable(op) }

func (p *Phase) String() string {
	return fmt.Sprintf("%s - %d", p.id, p.weight)
}

func (p *Phase) problemMessage() string {
	return fmt.Sprintf("an error occurred during the %s phase", p.id)
}

// tpParams pairs a touchpoint with the parameters built for it.
type tpParams struct {
	touchpoint Touchpoint
	params     Parameters
}

type tpParamList []tpParams

func (l tpParamList) get(tp Touchpoint) (Parameters, bool) {
	for _, e := range l {
		if e.touchpoint == tp {
			return e.params, true
		}
	}
	return nil, false
}

// phaseRun is the state of one phase within one transaction.
type phaseRun struct {
	phase   *Phase
	session *Session

	phaseParams   Parameters
	operandParams Parameters
	tpPhase       tpParamList
	tpOperand     tpParamList
}

func newPhaseRun(phase *Phase, session *Session) *phaseRun {
	return &phaseRun{phase: phase, session: session, phaseParams: Parameters{}}
}

func (r *phaseRun) perform(ctx context.Context, status *Status, operands []Operand, gate *pauseGate) {
	s := r.session
	s.recordPhaseEnter(r)
	s.phaseStarted(ctx, r.phase.id)

	r.prePerform(ctx, status)
	if status.Failed() {
		return
	}
	s.recordPhaseStart(r)

	r.mainPerform(ctx, status, operands, gate)
	if status.Failed() {
		return
	}

	s.recordPhaseEnd(r)
	r.postPerform(ctx, status)
	r.phaseParams = Parameters{}
	if status.Failed() {
		return
	}
	s.phaseCompleted(ctx, r.phase.id)
	s.recordPhaseExit(r)
}

func (r *phaseRun) prePerform(ctx context.Context, status *Status) {
	s := r.session
	r.phaseParams = Parameters{
		ParamProfile:       ProfileValue(s.profile),
		ParamDataDirectory: Path(s.dataDir),
		ParamContext:       ContextValue(s.pctx),
		ParamPhaseID:       Text(r.phase.id),
		ParamForced:        Text(strconv.FormatBool(r.phase.forced)),
	}
	if h, ok := r.phase.behavior.(PhaseInitializer); ok {
		mergeErr(status, r.phase.problemMessage(), h.InitializePhase(ctx, s.profile, r.phaseParams))
	}
}

func (r *phaseRun) mainPerform(ctx context.Context, status *Status, operands []Operand, gate *pauseGate) {
	s := r.session
	for _, op := range operands {
		if err := ctx.Err(); err != nil {
			status.Add(CancelStatus("operation cancelled", err))
			return
		}
		if err := gate.wait(ctx); err != nil {
			status.Add(CancelStatus("operation cancelled while paused", err))
			return
		}
		if !r.phase.behavior.IsApplicable(op) {
			continue
		}

		s.recordOperandStart(op)
		actions, err := r.phase.behavior.Actions(op, s.resolver)
		if err != nil {
			status.Add(ErrorStatus(r.phase.problemMessage(), err))
			return
		}

		r.operandParams = r.phaseParams.Clone()
		r.operandParams[ParamOperand] = OperandValue(op)
		if h, ok := r.phase.behavior.(OperandInitializer); ok {
			mergeErr(status, r.phase.problemMessage(), h.InitializeOperand(ctx, s.profile, op, r.operandParams, s.resolver))
			if status.Failed() {
				r.operandParams = nil
				return
			}
		}

		if tp := r.operandParams.Touchpoint(); tp != nil {
			mergeErr(status, r.phase.problemMessage(), r.initializeTouchpoint(ctx, tp))
			if status.Failed() {
				return
			}
			r.operandParams, _ = r.tpOperand.get(tp)
		}

		var last Result
		for _, action := range actions {
			params := r.operandParams
			if tp := touchpointOf(action); tp != nil {
				mergeErr(status, r.phase.problemMessage(), r.initializeTouchpoint(ctx, tp))
				if status.Failed() {
					return
				}
				params, _ = r.tpOperand.get(tp)
			}
			if !last.IsZero() {
				params = params.Clone()
				params[lastResultInternal] = ResultValue(last)
			}

			s.recordActionExecute(ctx, r.phase.id, action)
			err := safeExecute(ctx, action, params)
			last = resultOf(action)
			if err != nil && r.phase.forced {
				st := StatusFromError(r.phase.problemMessage(), err)
				if st.Matches(SeverityError) {
					s.logger.Warn().
						Err(err).
						Str("phase", r.phase.id).
						Str("context", s.contextString(r.phase, op, action)).
						Msg("Forced phase ignored action failure")
					err = nil
				}
			}
			if err != nil {
				status.Merge(StatusFromError(r.phase.problemMessage(), err))
				if status.Failed() {
					return
				}
			}
		}

		mergeStatus(status, r.touchpointCompleteOperand(ctx))
		if h, ok := r.phase.behavior.(OperandCompleter); ok {
			mergeErr(status, r.phase.problemMessage(), h.CompleteOperand(ctx, s.profile, op, r.operandParams))
		}
		if status.Failed() {
			return
		}
		r.operandParams = nil
		s.recordOperandEnd(op)
	}
}

func (r *phaseRun) initializeTouchpoint(ctx context.Context, tp Touchpoint) error {
	if _, ok := r.tpOperand.get(tp); ok {
		return nil
	}
	profile := r.session.profile

	tpPhase, ok := r.tpPhase.get(tp)
	if !ok {
		tpPhase = r.phaseParams.Clone()
		if err := tp.InitializePhase(ctx, profile, r.phase.id, tpPhase); err != nil {
			if st := StatusFromError("", err); st.Failed() {
				return st
			}
		}
		r.tpPhase = append(r.tpPhase, tpParams{touchpoint: tp, params: tpPhase})
	}

	tpOperand := tpPhase.Clone()
	tpOperand.Merge(r.operandParams)
	if err := tp.InitializeOperand(ctx, profile, tpOperand); err != nil {
		if st := StatusFromError("", err); st.Failed() {
			return st
		}
	}
	r.tpOperand = append(r.tpOperand, tpParams{touchpoint: tp, params: tpOperand})
	return nil
}

func (r *phaseRun) postPerform(ctx context.Context, status *Status) {
	profile := r.session.profile
	mergeStatus(status, r.touchpointCompletePhase(ctx))
	if h, ok := r.phase.behavior.(PhaseCompleter); ok {
		mergeErr(status, r.phase.problemMessage(), h.CompletePhase(ctx, profile, r.phaseParams))
	}
}

func (r *phaseRun) touchpointCompletePhase(ctx context.Context) *Status {
	status := OK()
	for _, e := range r.tpPhase {
		mergeErr(status, r.phase.problemMessage(),
			e.touchpoint.CompletePhase(ctx, r.session.profile, r.phase.id, e.params))
	}
	r.tpPhase = nil
	return status
}

func (r *phaseRun) touchpointCompleteOperand(ctx context.Context) *Status {
	status := OK()
	for _, e := range r.tpOperand {
		mergeErr(status, r.phase.problemMessage(),
			e.touchpoint.CompleteOperand(ctx, r.session.profile, e.params))
	}
	r.tpOperand = nil
	return status
}

// undo reverses the actions recorded for one operand, which are given in
// reverse execution order. Undo failures are logged and added to status but
// never stop the remaining undos.
func (r *phaseRun) undo(ctx context.Context, status *Status, op Operand, actions []Action) {
	s := r.session
	if r.operandParams == nil {
		r.operandParams = r.phaseParams.Clone()
		r.operandParams[ParamOperand] = OperandValue(op)
		if h, ok := r.phase.behavior.(OperandInitializer); ok {
			mergeErr(status, r.phase.problemMessage(), h.InitializeOperand(ctx, s.profile, op, r.operandParams, s.resolver))
		}
		if tp := r.operandParams.Touchpoint(); tp != nil {
			mergeErr(status, r.phase.problemMessage(), r.initializeTouchpoint(ctx, tp))
			if status.Failed() {
				return
			}
			r.operandParams, _ = r.tpOperand.get(tp)
		}
	}

	for _, action := range actions {
		params := r.operandParams
		if tp := touchpointOf(action); tp != nil {
			if err := r.initializeTouchpoint(ctx, tp); err != nil {
				mergeErr(status, r.phase.problemMessage(), err)
				return
			}
			params, _ = r.tpOperand.get(tp)
		}
		if err := safeUndo(ctx, action, params); err != nil {
			st := StatusFromError(r.phase.problemMessage(), err)
			if st.Matches(SeverityError) {
				s.logger.Error().
					Err(err).
					Str("phase", r.phase.id).
					Str("context", s.contextString(r.phase, op, action)).
					Msg("Action undo failed")
				s.undoFailed(ctx, r.phase.id)
				status.Add(ErrorStatus(s.contextString(r.phase, op, action), err))
			}
		}
	}

	mergeStatus(status, r.touchpointCompleteOperand(ctx))
	if h, ok := r.phase.behavior.(OperandCompleter); ok {
		mergeErr(status, r.phase.problemMessage(), h.CompleteOperand(ctx, s.profile, op, r.operandParams))
	}
	r.operandParams = nil
}

func safeExecute(ctx context.Context, a Action, params Parameters) (err error) {
	defer recoverAction(a, "execute", &err)
	return a.Execute(ctx, params)
}

func safeUndo(ctx context.Context, a Action, params Parameters) (err error) {
	defer recoverAction(a, "undo", &err)
	return a.Undo(ctx, params)
}

func recoverAction(a Action, op string, err *error) {
	if r := recover(); r != nil {
		*err = NewActionError(fmt.Sprintf("action %s panicked during %s: %v", describeAction(a), op, r), nil).
			WithCode(ErrCodeActionPanic)
	}
}

func describeAction(a Action) string {
	if s, ok := a.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", a)
}

// mergeStatus folds a non-OK status into multi.
func mergeStatus(multi, st *Status) {
	if st != nil && !st.IsOK() {
		multi.Merge(st)
	}
}

// mergeErr folds a hook error into multi.
func mergeErr(multi *Status, message string, err error) {
	if err != nil {
		mergeStatus(multi, StatusFromError(message, err))
	}
}
