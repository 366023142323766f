package phases

import (
	"context"

	"github.com/openfroyo/provision/pkg/engine"
)

// propertyPhase applies property operands and keeps unit properties in
// step with unit replacement and removal.
type propertyPhase struct{}

func (propertyPhase) IsApplicable(op engine.Operand) bool {
	switch op := op.(type) {
	case *engine.PropertyOperand, *engine.UnitPropertyOperand:
		return true
	case *engine.UnitOperand:
		return op.Before != nil && !op.Before.Equal(op.After)
	}
	return false
}

func (propertyPhase) Actions(op engine.Operand, _ engine.Resolver) ([]engine.Action, error) {
	switch op := op.(type) {
	case *engine.PropertyOperand, *engine.UnitPropertyOperand:
		return []engine.Action{&propertyAction{}}, nil
	case *engine.UnitOperand:
		if op.After != nil {
			return []engine.Action{&moveUnitPropertiesAction{}}, nil
		}
		return []engine.Action{&removeUnitPropertiesAction{}}, nil
	}
	return nil, nil
}

// propertyAction sets or removes the property named by a property operand.
type propertyAction struct{}

func (propertyAction) Execute(_ context.Context, params engine.Parameters) error {
	applyProperty(params, false)
	return nil
}

func (propertyAction) Undo(_ context.Context, params engine.Parameters) error {
	applyProperty(params, true)
	return nil
}

func (propertyAction) String() string { return "property" }

func applyProperty(params engine.Parameters, undo bool) {
	profile := params.Profile()

	var unit *engine.Unit
	var prop engine.PropertyOperand
	switch op := params.Operand().(type) {
	case *engine.UnitPropertyOperand:
		unit, prop = op.Unit, op.PropertyOperand
	case *engine.PropertyOperand:
		prop = *op
	default:
		return
	}

	value := prop.After
	if undo {
		value = prop.Before
	}
	switch {
	case value == nil && unit != nil:
		profile.RemoveUnitProperty(unit, prop.Key)
	case value == nil:
		profile.RemoveProperty(prop.Key)
	case unit != nil:
		profile.SetUnitProperty(unit, prop.Key, *value)
	default:
		profile.SetProperty(prop.Key, *value)
	}
}

// moveUnitPropertiesAction carries the properties of a replaced unit over
// to its replacement.
type moveUnitPropertiesAction struct {
	source map[string]string
	target map[string]string
}

func (a *moveUnitPropertiesAction) Execute(_ context.Context, params engine.Parameters) error {
	profile := params.Profile()
	op := params.Operand().(*engine.UnitOperand)

	a.source = profile.UnitProperties(op.Before)
	a.target = profile.UnitProperties(op.After)
	profile.AddUnitProperties(op.After, a.source)
	profile.ClearUnitProperties(op.Before)
	return nil
}

func (a *moveUnitPropertiesAction) Undo(_ context.Context, params engine.Parameters) error {
	profile := params.Profile()
	op := params.Operand().(*engine.UnitOperand)

	profile.ClearUnitProperties(op.Before)
	profile.AddUnitProperties(op.Before, a.source)
	profile.ClearUnitProperties(op.After)
	profile.AddUnitProperties(op.After, a.target)
	return nil
}

func (a *moveUnitPropertiesAction) String() string { return "move unit properties" }

// removeUnitPropertiesAction drops the properties of a removed unit.
type removeUnitPropertiesAction struct {
	source map[string]string
}

func (a *removeUnitPropertiesAction) Execute(_ context.Context, params engine.Parameters) error {
	profile := params.Profile()
	op := params.Operand().(*engine.UnitOperand)

	a.source = profile.UnitProperties(op.Before)
	profile.ClearUnitProperties(op.Before)
	return nil
}

func (a *removeUnitPropertiesAction) Undo(_ context.Context, params engine.Parameters) error {
	profile := params.Profile()
	op := params.Operand().(*engine.UnitOperand)

	profile.ClearUnitProperties(op.Before)
	profile.AddUnitProperties(op.Before, a.source)
	return nil
}

func (a *removeUnitPropertiesAction) String() string { return "remove unit properties" }
