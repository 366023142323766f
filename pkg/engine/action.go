package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/provision/pkg/version"
)

// Action is one undoable step of a phase. Undo must reverse the effects of a
// previous Execute given the same parameters.
//
// Execute and Undo report failure through the returned error. Returning a
// *Status with WARNING or INFO severity is treated as success.
type Action interface {
	Execute(ctx context.Context, params Parameters) error
	Undo(ctx context.Context, params Parameters) error
}

// ResultProvider is implemented by actions that hand a typed value to the
// next action of the same operand.
type ResultProvider interface {
	Result() Result
}

// TouchpointAction is implemented by actions bound to a touchpoint. Such
// actions receive the touchpoint's operand parameters.
type TouchpointAction interface {
	Touchpoint() Touchpoint
}

// Touchpoint adapts actions to a kind of installable unit. Every hook may be
// left to BaseTouchpoint.
type Touchpoint interface {
	// Type identifies the touchpoint.
	Type() TouchpointType

	// QualifyAction maps an unqualified action name to a registered id.
	QualifyAction(name string) string

	InitializePhase(ctx context.Context, profile *Profile, phaseID string, params Parameters) error
	CompletePhase(ctx context.Context, profile *Profile, phaseID string, params Parameters) error
	InitializeOperand(ctx context.Context, profile *Profile, params Parameters) error
	CompleteOperand(ctx context.Context, profile *Profile, params Parameters) error

	Prepare(ctx context.Context, profile *Profile) error
	Commit(ctx context.Context, profile *Profile) error
	Rollback(ctx context.Context, profile *Profile) error
}

// BaseTouchpoint implements every Touchpoint hook as a no-op.
type BaseTouchpoint struct {
	TouchpointType
}

func (b BaseTouchpoint) Type() TouchpointType { return b.TouchpointType }

func (BaseTouchpoint) QualifyAction(name string) string { return name }

func (BaseTouchpoint) InitializePhase(context.Context, *Profile, string, Parameters) error {
	return nil
}

func (BaseTouchpoint) CompletePhase(context.Context, *Profile, string, Parameters) error {
	return nil
}

func (BaseTouchpoint) InitializeOperand(context.Context, *Profile, Parameters) error { return nil }

func (BaseTouchpoint) CompleteOperand(context.Context, *Profile, Parameters) error { return nil }

func (BaseTouchpoint) Prepare(context.Context, *Profile) error { return nil }

func (BaseTouchpoint) Commit(context.Context, *Profile) error { return nil }

func (BaseTouchpoint) Rollback(context.Context, *Profile) error { return nil }

// ActionResolver maps a qualified action id to a fresh action instance. A nil
// range accepts any version.
type ActionResolver interface {
	ResolveAction(id string, r *version.Range) (Action, bool)
}

// TouchpointResolver maps a touchpoint type to its implementation.
type TouchpointResolver interface {
	ResolveTouchpoint(t TouchpointType) (Touchpoint, bool)
}

// Resolver combines action and touchpoint lookup.
type Resolver interface {
	ActionResolver
	TouchpointResolver
}

// BindTouchpoint attaches a touchpoint to an action that does not carry one.
func BindTouchpoint(a Action, tp Touchpoint) Action {
	if tp == nil {
		return a
	}
	return &boundAction{Action: a, touchpoint: tp}
}

type boundAction struct {
	Action
	touchpoint Touchpoint
}

func (b *boundAction) Touchpoint() Touchpoint { return b.touchpoint }

func (b *boundAction) Result() Result {
	if rp, ok := b.Action.(ResultProvider); ok {
		return rp.Result()
	}
	return NoResult
}

// touchpointOf returns the touchpoint an action is bound to, or nil.
func touchpointOf(a Action) Touchpoint {
	if ta, ok := a.(TouchpointAction); ok {
		return ta.Touchpoint()
	}
	return nil
}

// resultOf returns the typed result of an executed action.
func resultOf(a Action) Result {
	if rp, ok := a.(ResultProvider); ok {
		return rp.Result()
	}
	return NoResult
}

// MissingAction stands in for an action id that no resolver knows. Executing
// it fails; undoing it succeeds so that rollback is never blocked.
type MissingAction struct {
	ID    string
	Range *version.Range
}

func (m *MissingAction) String() string {
	if m.Range == nil {
		return m.ID
	}
	return m.ID + "/" + m.Range.String()
}

func (m *MissingAction) Execute(context.Context, Parameters) error {
	return NewValidationError(fmt.Sprintf("action not found: %s", m), nil).WithCode(ErrCodeMissingAction)
}

func (m *MissingAction) Undo(context.Context, Parameters) error { return nil }

// ParameterizedAction binds an action to the literal parameters of one
// instruction statement. ${name} references are resolved against the
// operand parameters at execute time and reused verbatim by undo.
type ParameterizedAction struct {
	action    Action
	params    map[string]string
	statement string
	actual    map[string]Value
	result    Result
}

// NewParameterizedAction wraps action with the statement's parameters.
func NewParameterizedAction(action Action, params map[string]string, statement string) *ParameterizedAction {
	if params == nil {
		params = map[string]string{}
	}
	return &ParameterizedAction{
		action:    action,
		params:    params,
		statement: statement,
		actual:    make(map[string]Value),
	}
}

// Action returns the wrapped action.
func (a *ParameterizedAction) Action() Action { return a.action }

// Params returns the literal statement parameters.
func (a *ParameterizedAction) Params() map[string]string { return a.params }

// Statement returns the instruction text the action was parsed from.
func (a *ParameterizedAction) Statement() string { return a.statement }

func (a *ParameterizedAction) Execute(ctx context.Context, params Parameters) error {
	resolved, err := a.process(params)
	if err != nil {
		return err
	}
	err = a.action.Execute(ctx, resolved)
	a.result = resultOf(a.action)
	return err
}

func (a *ParameterizedAction) Undo(ctx context.Context, params Parameters) error {
	resolved, err := a.process(params)
	if err != nil {
		return err
	}
	return a.action.Undo(ctx, resolved)
}

// Result returns the wrapped action's result from the last Execute.
func (a *ParameterizedAction) Result() Result { return a.result }

// Touchpoint returns the wrapped action's touchpoint.
func (a *ParameterizedAction) Touchpoint() Touchpoint { return touchpointOf(a.action) }

func (a *ParameterizedAction) String() string { return a.statement }

func (a *ParameterizedAction) process(params Parameters) (Parameters, error) {
	out := params.Clone()
	for name, raw := range a.params {
		v, err := substitute(raw, params, a.actual, false)
		if err != nil {
			return nil, NewActionError(fmt.Sprintf("resolving parameter %q of %s", name, a.statement), err).
				WithCode(ErrCodeSubstitution)
		}
		out[name] = v
	}
	return out, nil
}
