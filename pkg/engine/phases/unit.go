package phases

import (
	"context"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/telemetry"
)

type side int

const (
	beforeSide side = iota
	afterSide
)

func hasBefore(op *engine.UnitOperand) bool { return op.Before != nil }

func hasAfter(op *engine.UnitOperand) bool { return op.After != nil }

// changedTo reports whether op installs a unit that was not there before.
func changedTo(op *engine.UnitOperand) bool {
	return op.After != nil && !op.After.Equal(op.Before)
}

// changedFrom reports whether op removes a unit that is not kept.
func changedFrom(op *engine.UnitOperand) bool {
	return op.Before != nil && !op.Before.Equal(op.After)
}

// unitPhase runs the touchpoint instructions of one side of a unit
// operand, optionally bracketed by before and after event actions.
type unitPhase struct {
	id      string
	side    side
	applies func(*engine.UnitOperand) bool

	// event is the telemetry event type published by the bracket actions.
	event string
	wrap  bool

	// adds and removes make the after action install or uninstall the unit.
	adds    bool
	removes bool
}

func (p *unitPhase) unit(op engine.Operand) *engine.Unit {
	uop, ok := op.(*engine.UnitOperand)
	if !ok {
		return nil
	}
	if p.side == beforeSide {
		return uop.Before
	}
	return uop.After
}

func (p *unitPhase) IsApplicable(op engine.Operand) bool {
	uop, ok := op.(*engine.UnitOperand)
	return ok && p.applies(uop)
}

func (p *unitPhase) InitializePhase(_ context.Context, profile *engine.Profile, params engine.Parameters) error {
	if folder, ok := profile.Property(engine.PropInstallFolder); ok {
		params[engine.ParamInstallFolder] = engine.Path(folder)
	}
	return nil
}

func (p *unitPhase) InitializeOperand(_ context.Context, _ *engine.Profile, op engine.Operand,
	params engine.Parameters, resolver engine.TouchpointResolver) error {
	u := p.unit(op)
	setUnitParams(params, u)
	if tp := touchpointFor(u, resolver); tp != nil {
		params[engine.ParamTouchpoint] = engine.TouchpointValue(tp)
	}
	return nil
}

func (p *unitPhase) Actions(op engine.Operand, resolver engine.Resolver) ([]engine.Action, error) {
	u := p.unit(op)
	tp := touchpointFor(u, resolver)

	var actions []engine.Action
	if p.wrap {
		actions = append(actions, engine.BindTouchpoint(&unitEventAction{kind: p.event, pre: true, adds: p.adds, removes: p.removes}, tp))
	}
	if !u.Fragment {
		parsed, err := instructionActions(u, p.id, resolver)
		if err != nil {
			return nil, err
		}
		actions = append(actions, parsed...)
	}
	if p.wrap {
		actions = append(actions, engine.BindTouchpoint(&unitEventAction{kind: p.event, adds: p.adds, removes: p.removes}, tp))
	}
	return actions, nil
}

// collectPhase gathers artifacts for units being installed. Without
// instructions of its own it falls back to the touchpoint's "collect"
// action, if one is registered.
type collectPhase struct {
	unitPhase
}

// InitializeOperand exposes the unit but not its touchpoint, so touchpoint
// hooks only run for touchpoint bound actions.
func (p *collectPhase) InitializeOperand(_ context.Context, _ *engine.Profile, op engine.Operand,
	params engine.Parameters, _ engine.TouchpointResolver) error {
	setUnitParams(params, p.unit(op))
	return nil
}

func (p *collectPhase) Actions(op engine.Operand, resolver engine.Resolver) ([]engine.Action, error) {
	u := p.unit(op)
	parsed, err := instructionActions(u, p.id, resolver)
	if err != nil || len(parsed) > 0 {
		return parsed, err
	}
	tp := touchpointFor(u, resolver)
	if tp == nil {
		return nil, nil
	}
	if a, ok := resolver.ResolveAction(tp.QualifyAction(p.id), nil); ok {
		return []engine.Action{a}, nil
	}
	return nil, nil
}

func setUnitParams(params engine.Parameters, u *engine.Unit) {
	params[engine.ParamUnit] = engine.UnitValue(u)
	if len(u.Artifacts) > 0 {
		params[engine.ParamArtifact] = engine.Text(u.Artifacts[0])
	}
}

func touchpointFor(u *engine.Unit, resolver engine.TouchpointResolver) engine.Touchpoint {
	if u == nil || u.Touchpoint.IsNone() {
		return nil
	}
	if tp, ok := resolver.ResolveTouchpoint(u.Touchpoint); ok {
		return tp
	}
	return nil
}

func instructionActions(u *engine.Unit, phaseID string, resolver engine.Resolver) ([]engine.Action, error) {
	var actions []engine.Action
	for _, in := range u.Instructions[phaseID] {
		parsed, err := engine.ParseActions(in, u.Touchpoint, resolver)
		if err != nil {
			return nil, err
		}
		actions = append(actions, parsed...)
	}
	return actions, nil
}

var inverseEvent = map[string]string{
	telemetry.EventTypeUnitInstall:     telemetry.EventTypeUnitUninstall,
	telemetry.EventTypeUnitUninstall:   telemetry.EventTypeUnitInstall,
	telemetry.EventTypeUnitConfigure:   telemetry.EventTypeUnitUnconfigure,
	telemetry.EventTypeUnitUnconfigure: telemetry.EventTypeUnitConfigure,
}

// unitEventAction brackets the instructions of a unit. The after action of
// install adds the unit to the profile; undoing the before action removes
// it again. Uninstall mirrors this.
type unitEventAction struct {
	kind    string
	pre     bool
	adds    bool
	removes bool
}

func (a *unitEventAction) Execute(ctx context.Context, params engine.Parameters) error {
	profile, u := params.Profile(), params.Unit()
	if !a.pre {
		switch {
		case a.adds:
			profile.AddUnit(u)
		case a.removes:
			profile.RemoveUnit(u)
		}
	}
	publishUnitEvent(ctx, a.kind, params, a.pre)
	return nil
}

func (a *unitEventAction) Undo(ctx context.Context, params engine.Parameters) error {
	profile, u := params.Profile(), params.Unit()
	if a.pre {
		switch {
		case a.adds:
			profile.RemoveUnit(u)
		case a.removes:
			profile.AddUnit(u)
		}
	}
	publishUnitEvent(ctx, inverseEvent[a.kind], params, !a.pre)
	return nil
}

func (a *unitEventAction) String() string {
	if a.pre {
		return "before " + a.kind
	}
	return "after " + a.kind
}

func publishUnitEvent(ctx context.Context, kind string, params engine.Parameters, pre bool) {
	tel := telemetry.FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	_ = tel.Events.PublishUnitEvent(kind, params.Profile().ID(), params.PhaseID(), params.Unit().String(), pre)
}
