package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Parameter names supplied by the phase pipeline.
const (
	ParamProfile       = "profile"
	ParamDataDirectory = "profileDataDirectory"
	ParamContext       = "context"
	ParamPhaseID       = "phaseId"
	ParamForced        = "forced"
	ParamOperand       = "operand"
	ParamTouchpoint    = "touchpoint"
	ParamUnit          = "iu"
	ParamArtifact      = "artifact"
	ParamInstallFolder = "installFolder"

	// LastResult is the public name of the previous action's result.
	LastResult = "lastResult"

	lastResultInternal = "_internal_last_result_"
)

// ValueKind tags the closed set of parameter value types.
type ValueKind int

const (
	KindText ValueKind = iota
	KindPath
	KindProfile
	KindOperand
	KindUnit
	KindTouchpoint
	KindContext
	KindResult
)

func (k ValueKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPath:
		return "path"
	case KindProfile:
		return "profile"
	case KindOperand:
		return "operand"
	case KindUnit:
		return "unit"
	case KindTouchpoint:
		return "touchpoint"
	case KindContext:
		return "context"
	case KindResult:
		return "result"
	}
	return "unknown"
}

// Result is the typed outcome of an action, made visible to later actions
// of the same operand through ${lastResult}.
type Result struct {
	value any
}

// NoResult is returned by actions that produce nothing.
var NoResult = Result{}

// NewResult wraps a typed value.
func NewResult(v any) Result { return Result{value: v} }

// Value returns the wrapped value.
func (r Result) Value() any { return r.value }

// IsZero reports whether the result carries nothing.
func (r Result) IsZero() bool { return r.value == nil }

// IsString reports whether the wrapped value is a string.
func (r Result) IsString() bool {
	_, ok := r.value.(string)
	return ok
}

// Value is one parameter value.
type Value struct {
	kind       ValueKind
	text       string
	profile    *Profile
	operand    Operand
	unit       *Unit
	touchpoint Touchpoint
	context    *ProvisioningContext
	result     Result
}

// Text creates a text value.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Path creates a file path value.
func Path(p string) Value { return Value{kind: KindPath, text: p} }

// ProfileValue creates a profile reference.
func ProfileValue(p *Profile) Value { return Value{kind: KindProfile, profile: p} }

// OperandValue creates an operand reference.
func OperandValue(o Operand) Value { return Value{kind: KindOperand, operand: o} }

// UnitValue creates a unit reference.
func UnitValue(u *Unit) Value { return Value{kind: KindUnit, unit: u} }

// TouchpointValue creates a touchpoint reference.
func TouchpointValue(t Touchpoint) Value { return Value{kind: KindTouchpoint, touchpoint: t} }

// ContextValue creates a provisioning context reference.
func ContextValue(c *ProvisioningContext) Value { return Value{kind: KindContext, context: c} }

// ResultValue wraps an action result.
func ResultValue(r Result) Value { return Value{kind: KindResult, result: r} }

// Kind returns the value's tag.
func (v Value) Kind() ValueKind { return v.kind }

// Profile returns the referenced profile or nil.
func (v Value) Profile() *Profile { return v.profile }

// Operand returns the referenced operand or nil.
func (v Value) Operand() Operand { return v.operand }

// Unit returns the referenced unit or nil.
func (v Value) Unit() *Unit { return v.unit }

// Touchpoint returns the referenced touchpoint or nil.
func (v Value) Touchpoint() Touchpoint { return v.touchpoint }

// Context returns the referenced provisioning context or nil.
func (v Value) Context() *ProvisioningContext { return v.context }

// Result returns the wrapped action result.
func (v Value) Result() Result { return v.result }

// String renders the value as text, as used by infix substitution.
func (v Value) String() string {
	switch v.kind {
	case KindText, KindPath:
		return v.text
	case KindProfile:
		if v.profile != nil {
			return v.profile.ID()
		}
	case KindOperand:
		if v.operand != nil {
			return v.operand.String()
		}
	case KindUnit:
		return v.unit.String()
	case KindTouchpoint:
		if v.touchpoint != nil {
			return fmt.Sprintf("%T", v.touchpoint)
		}
	case KindResult:
		if v.result.value != nil {
			return fmt.Sprint(v.result.value)
		}
	}
	return ""
}

// Parameters is the bag handed to actions and touchpoints.
type Parameters map[string]Value

// Clone returns a shallow copy.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p)+2)
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge copies every entry of other into p.
func (p Parameters) Merge(other Parameters) {
	for k, v := range other {
		p[k] = v
	}
}

// Get returns a value by name.
func (p Parameters) Get(name string) (Value, bool) {
	v, ok := p[name]
	return v, ok
}

// Text returns the textual form of a value, or "" when unset.
func (p Parameters) Text(name string) string {
	return p[name].String()
}

// Bool parses a text value as a boolean; unset or malformed values are false.
func (p Parameters) Bool(name string) bool {
	b, _ := strconv.ParseBool(p.Text(name))
	return b
}

// Profile returns the profile being provisioned.
func (p Parameters) Profile() *Profile { return p[ParamProfile].profile }

// Operand returns the operand being processed.
func (p Parameters) Operand() Operand { return p[ParamOperand].operand }

// Unit returns the unit the current phase operates on.
func (p Parameters) Unit() *Unit { return p[ParamUnit].unit }

// Touchpoint returns the operand's touchpoint, if any.
func (p Parameters) Touchpoint() Touchpoint { return p[ParamTouchpoint].touchpoint }

// PhaseID returns the current phase id.
func (p Parameters) PhaseID() string { return p.Text(ParamPhaseID) }

// DataDirectory returns the profile data directory.
func (p Parameters) DataDirectory() string { return p.Text(ParamDataDirectory) }

// substitute resolves ${name} references in raw against params. Resolved
// values are cached in actual so that a later undo sees exactly what execute
// saw.
func substitute(raw string, params Parameters, actual map[string]Value, allowInfix bool) (Value, error) {
	begin := strings.Index(raw, "${")
	if begin == -1 {
		return Text(raw), nil
	}
	end := strings.IndexByte(raw[begin+2:], '}')
	if end == -1 {
		return Text(raw), nil
	}
	end += begin + 2

	pre := raw[:begin]
	name := raw[begin+2 : end]
	if name == LastResult {
		name = lastResultInternal
	}

	value, bound := actual[name]
	if !bound {
		value, bound = params[name]
		if bound {
			actual[name] = value
		}
	}

	var text string
	switch {
	case bound && value.kind == KindResult && !value.result.IsZero():
		if !allowInfix && begin == 0 && end == len(raw)-1 {
			return value, nil
		}
		s, ok := value.result.value.(string)
		if !ok {
			return Value{}, NewValidationError(
				fmt.Sprintf("variable %q holds a %T; infix substitution requires a string", raw[begin+2:end], value.result.value), nil).
				WithCode(ErrCodeSubstitution)
		}
		text = s
	case bound:
		text = value.String()
	case strings.HasPrefix(name, "#"):
		if code, err := strconv.Atoi(name[1:]); err == nil && code >= 0 && code < 65536 {
			text = string(rune(code))
		}
	}

	post, err := substitute(raw[end+1:], params, actual, true)
	if err != nil {
		return Value{}, err
	}
	return Text(pre + text + post.text), nil
}
