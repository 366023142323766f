package engine

import (
	"fmt"

	"github.com/openfroyo/provision/pkg/version"
)

// TouchpointType identifies the touchpoint responsible for a unit.
type TouchpointType struct {
	ID      string          `yaml:"id" json:"id"`
	Version version.Version `yaml:"version" json:"version"`
}

// NoTouchpoint is the zero touchpoint type.
var NoTouchpoint = TouchpointType{}

// IsNone reports whether no touchpoint is set.
func (t TouchpointType) IsNone() bool {
	return t.ID == ""
}

func (t TouchpointType) String() string {
	if t.IsNone() {
		return "none"
	}
	return t.ID + "@" + t.Version.String()
}

// Instruction is the action text a unit carries for one phase.
type Instruction struct {
	// Body is a ';'-separated list of name(k:v,...) statements.
	Body string `yaml:"body" json:"body"`

	// Import maps short action names to qualified ids with optional
	// version ranges: "org.x.mkdir;version=[1.0,2.0),org.x.copy".
	Import string `yaml:"import,omitempty" json:"import,omitempty"`
}

// UnitKey identifies a unit within a profile.
type UnitKey struct {
	ID      string
	Version string
}

func (k UnitKey) String() string {
	return k.ID + "/" + k.Version
}

// Unit is an installable unit.
type Unit struct {
	ID         string          `yaml:"id" json:"id" validate:"required"`
	Version    version.Version `yaml:"version" json:"version"`
	Touchpoint TouchpointType  `yaml:"touchpoint,omitempty" json:"touchpoint,omitempty"`

	// Fragment units contribute no instructions of their own.
	Fragment bool `yaml:"fragment,omitempty" json:"fragment,omitempty"`

	// Artifacts lists artifact keys; the first is exposed as the "artifact" parameter.
	Artifacts []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`

	// Instructions maps phase ids to touchpoint instructions.
	Instructions map[string][]Instruction `yaml:"instructions,omitempty" json:"instructions,omitempty"`
}

// Key returns the unit's identity.
func (u *Unit) Key() UnitKey {
	return UnitKey{ID: u.ID, Version: u.Version.String()}
}

// Clone returns a copy that shares no slices or maps with u.
func (u *Unit) Clone() *Unit {
	if u == nil {
		return nil
	}
	c := *u
	if u.Artifacts != nil {
		c.Artifacts = append(make([]string, 0, len(u.Artifacts)), u.Artifacts...)
	}
	if u.Instructions != nil {
		c.Instructions = make(map[string][]Instruction, len(u.Instructions))
		for phase, ins := range u.Instructions {
			if ins != nil {
				ins = append(make([]Instruction, 0, len(ins)), ins...)
			}
			c.Instructions[phase] = ins
		}
	}
	return &c
}

// Equal compares units by identity.
func (u *Unit) Equal(o *Unit) bool {
	if u == nil || o == nil {
		return u == o
	}
	return u.ID == o.ID && u.Version.Compare(o.Version) == 0
}

// Less orders units by id then version.
func (u *Unit) Less(o *Unit) bool {
	if u.ID != o.ID {
		return u.ID < o.ID
	}
	return u.Version.Less(o.Version)
}

func (u *Unit) String() string {
	if u == nil {
		return "<none>"
	}
	return u.ID + " " + u.Version.String()
}

// Operand is one atomic requested change to a profile. The concrete types
// are UnitOperand, PropertyOperand and UnitPropertyOperand.
type Operand interface {
	fmt.Stringer
	operand()
}

// UnitOperand adds (Before nil), removes (After nil) or replaces a unit.
type UnitOperand struct {
	Before *Unit
	After  *Unit
}

// NewUnitOperand creates a unit operand. At least one side must be set.
func NewUnitOperand(before, after *Unit) (*UnitOperand, error) {
	if before == nil && after == nil {
		return nil, NewValidationError("unit operand has neither before nor after unit", nil).
			WithCode(ErrCodeInvalidOperand)
	}
	return &UnitOperand{Before: before, After: after}, nil
}

func (*UnitOperand) operand() {}

func (o *UnitOperand) String() string {
	return o.Before.String() + " --> " + o.After.String()
}

// PropertyOperand sets (Before nil), removes (After nil) or changes a
// profile property.
type PropertyOperand struct {
	Key    string
	Before *string
	After  *string
}

// NewPropertyOperand creates a property operand. At least one side must be set.
func NewPropertyOperand(key string, before, after *string) (*PropertyOperand, error) {
	if key == "" {
		return nil, NewValidationError("property operand has no key", nil).WithCode(ErrCodeInvalidOperand)
	}
	if before == nil && after == nil {
		return nil, NewValidationError(fmt.Sprintf("property operand %q has neither before nor after value", key), nil).
			WithCode(ErrCodeInvalidOperand)
	}
	return &PropertyOperand{Key: key, Before: before, After: after}, nil
}

func (*PropertyOperand) operand() {}

func (o *PropertyOperand) String() string {
	return fmt.Sprintf("[%s] %s --> %s", o.Key, strOrNone(o.Before), strOrNone(o.After))
}

// UnitPropertyOperand sets, removes or changes a property of one unit.
type UnitPropertyOperand struct {
	PropertyOperand
	Unit *Unit
}

// NewUnitPropertyOperand creates a unit property operand.
func NewUnitPropertyOperand(unit *Unit, key string, before, after *string) (*UnitPropertyOperand, error) {
	if unit == nil {
		return nil, NewValidationError("unit property operand has no unit", nil).WithCode(ErrCodeInvalidOperand)
	}
	p, err := NewPropertyOperand(key, before, after)
	if err != nil {
		return nil, err
	}
	return &UnitPropertyOperand{PropertyOperand: *p, Unit: unit}, nil
}

func (o *UnitPropertyOperand) String() string {
	return o.Unit.String() + " " + o.PropertyOperand.String()
}

func strOrNone(s *string) string {
	if s == nil {
		return "<none>"
	}
	return *s
}

// StringPtr is a helper for building property operands.
func StringPtr(s string) *string {
	return &s
}
