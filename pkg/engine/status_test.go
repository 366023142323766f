package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMerge(t *testing.T) {
	multi := NewMultiStatus("")
	multi.Merge(OK())
	assert.True(t, multi.IsOK())
	assert.Empty(t, multi.Children)

	multi.Merge(WarningStatus("careful", nil))
	assert.Equal(t, SeverityWarning, multi.Severity)
	require.Len(t, multi.Children, 1)

	nested := NewMultiStatus("nested")
	nested.Add(ErrorStatus("broken", errors.New("boom")))
	nested.Add(NewStatus(SeverityInfo, "fyi", nil))
	multi.Merge(nested)

	assert.Equal(t, SeverityError, multi.Severity)
	assert.Len(t, multi.Children, 3)
	assert.True(t, multi.Failed())
}

func TestStatusCollapse(t *testing.T) {
	multi := NewMultiStatus("wrapper")
	leaf := ErrorStatus("leaf", nil)
	multi.Add(leaf)
	assert.Same(t, leaf, multi.Collapse())

	multi.Add(WarningStatus("second", nil))
	assert.Same(t, multi, multi.Collapse())
}

func TestStatusError(t *testing.T) {
	st := ErrorStatus("failed", errors.New("boom"))
	st.Add(WarningStatus("careful", nil))
	assert.Equal(t, "[error] failed: boom\n  [warning] careful", st.Error())
}

func TestStatusFromError(t *testing.T) {
	assert.True(t, StatusFromError("x", nil).IsOK())

	warn := WarningStatus("soft", nil)
	assert.Same(t, warn, StatusFromError("x", warn))

	st := StatusFromError("x", context.Canceled)
	assert.Equal(t, SeverityCancel, st.Severity)

	st = StatusFromError("x", errors.New("boom"))
	assert.Equal(t, SeverityError, st.Severity)
	assert.Equal(t, "x", st.Message)
}

func TestStatusUnwrap(t *testing.T) {
	lockErr := NewLockError("held", nil).WithCode(ErrCodeProfileInUse)
	st := NewMultiStatus("outer")
	st.Add(ErrorStatus("inner", lockErr))

	assert.True(t, IsLock(st))
	assert.ErrorIs(t, st, &EngineError{Class: ErrorClassLock, Code: ErrCodeProfileInUse})
	assert.NotErrorIs(t, st, &EngineError{Class: ErrorClassLock, Code: ErrCodeNotCurrent})
	assert.NoError(t, WarningStatus("soft", nil).AsError())
	assert.Error(t, st.AsError())
}

func TestSeverityJSON(t *testing.T) {
	data, err := json.Marshal(SeverityWarning)
	require.NoError(t, err)
	assert.Equal(t, `"warning"`, string(data))

	var sev Severity
	require.NoError(t, json.Unmarshal([]byte(`"cancel"`), &sev))
	assert.Equal(t, SeverityCancel, sev)
	assert.Error(t, json.Unmarshal([]byte(`"fatal"`), &sev))
}

func TestEngineErrorFormat(t *testing.T) {
	err := NewPersistenceError("write failed", errors.New("disk full")).
		WithProfile("p").
		WithOperation("update")
	assert.Equal(t, "[persistence] write failed (profile=p, operation=update): disk full", err.Error())
	assert.True(t, IsPersistence(err))
	assert.False(t, IsLock(err))
}

func TestMissingActionsErrorSorted(t *testing.T) {
	err := &MissingActionsError{Actions: []*MissingAction{{ID: "z.b"}, {ID: "a.c"}}}
	assert.Equal(t, "actions not found: a.c, z.b", err.Error())
}
