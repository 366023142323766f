package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstitute(t *testing.T) {
	params := Parameters{
		"name":             Text("value"),
		"dir":              Path("/opt/app"),
		lastResultInternal: ResultValue(NewResult("r1")),
	}

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "literal", raw: "plain", want: "plain"},
		{name: "whole", raw: "${name}", want: "value"},
		{name: "infix", raw: "pre-${name}-post", want: "pre-value-post"},
		{name: "twice", raw: "${dir}/${name}", want: "/opt/app/value"},
		{name: "unbound", raw: "a${missing}b", want: "ab"},
		{name: "char code", raw: "a${#59}b", want: "a;b"},
		{name: "bad char code", raw: "a${#x}b", want: "ab"},
		{name: "unterminated", raw: "a${name", want: "a${name"},
		{name: "string result infix", raw: "got ${lastResult}", want: "got r1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := substitute(tt.raw, params, map[string]Value{}, false)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.String())
		})
	}
}

func TestSubstituteTypedResult(t *testing.T) {
	params := Parameters{lastResultInternal: ResultValue(NewResult(42))}

	v, err := substitute("${lastResult}", params, map[string]Value{}, false)
	require.NoError(t, err)
	assert.Equal(t, KindResult, v.Kind())
	assert.Equal(t, 42, v.Result().Value())

	_, err = substitute("n=${lastResult}", params, map[string]Value{}, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, &EngineError{Class: ErrorClassValidation, Code: ErrCodeSubstitution})
}

func TestSubstituteCachesActualValues(t *testing.T) {
	actual := map[string]Value{}
	_, err := substitute("${name}", Parameters{"name": Text("first")}, actual, false)
	require.NoError(t, err)

	v, err := substitute("${name}", Parameters{"name": Text("second")}, actual, false)
	require.NoError(t, err)
	assert.Equal(t, "first", v.String())
}

type captureAction struct {
	executed Parameters
	undone   Parameters
}

func (c *captureAction) Execute(_ context.Context, params Parameters) error {
	c.executed = params
	return nil
}

func (c *captureAction) Undo(_ context.Context, params Parameters) error {
	c.undone = params
	return nil
}

func TestParameterizedActionUndoSeesExecuteValues(t *testing.T) {
	inner := &captureAction{}
	a := NewParameterizedAction(inner, map[string]string{"target": "${dir}/bin", "mode": "755"}, "chmod(target:${dir}/bin,mode:755)")

	require.NoError(t, a.Execute(context.Background(), Parameters{"dir": Path("/opt/a")}))
	assert.Equal(t, "/opt/a/bin", inner.executed.Text("target"))
	assert.Equal(t, "755", inner.executed.Text("mode"))
	assert.Equal(t, "/opt/a", inner.executed.Text("dir"))

	require.NoError(t, a.Undo(context.Background(), Parameters{"dir": Path("/somewhere/else")}))
	assert.Equal(t, "/opt/a/bin", inner.undone.Text("target"))
	assert.Equal(t, "chmod(target:${dir}/bin,mode:755)", a.String())
}

func TestParametersAccessors(t *testing.T) {
	profile := testProfile("p")
	u := testUnit("a", "1.0.0")
	op := &UnitOperand{After: u}
	params := Parameters{
		ParamProfile:       ProfileValue(profile),
		ParamOperand:       OperandValue(op),
		ParamUnit:          UnitValue(u),
		ParamPhaseID:       Text("install"),
		ParamDataDirectory: Path("/data"),
		"flag":             Text("true"),
	}

	assert.Same(t, profile, params.Profile())
	assert.Equal(t, Operand(op), params.Operand())
	assert.Same(t, u, params.Unit())
	assert.Nil(t, params.Touchpoint())
	assert.Equal(t, "install", params.PhaseID())
	assert.Equal(t, "/data", params.DataDirectory())
	assert.True(t, params.Bool("flag"))
	assert.False(t, params.Bool("missing"))
	assert.Equal(t, "p", params[ParamProfile].String())

	clone := params.Clone()
	clone["flag"] = Text("false")
	assert.True(t, params.Bool("flag"))
}
