package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/engine"
)

func TestProfileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	l := NewProfileLock(path)
	ctx := context.Background()

	_, err := l.Lock(ctx, "")
	assert.True(t, engine.IsLock(err))

	ok, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", l.Owner())
	assert.FileExists(t, path)

	ok, err = l.TryLock("b")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, engine.IsLock(l.Unlock("b")))

	require.NoError(t, l.Unlock("a"))
	assert.False(t, l.HeldByProcess())

	ok, err = l.TryLock("b")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Unlock("b"))
}

func TestProfileLockExcludesSecondHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	first := NewProfileLock(path)
	second := NewProfileLock(path)

	ok, err := first.TryLock("a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.Lock(context.Background(), "b")
	require.NoError(t, err)
	assert.False(t, ok, "the OS lock is held through another handle")

	require.NoError(t, first.Unlock("a"))
	ok, err = second.TryLock("b")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock("b"))
}

func TestStatePropertiesEncoding(t *testing.T) {
	state := stateProperties{
		2: {"b": "x\\y", "a b:c": "line1\nline2", "tag": "${not.expanded}"},
		1: {"k": "v"},
		3: {"dropped": "yes"},
	}
	data, err := state.encode(map[int64]bool{1: true, 2: true})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "1.k = v\n"), string(data))
	assert.NotContains(t, string(data), "dropped")

	path := filepath.Join(t.TempDir(), stateFileName)
	require.NoError(t, writeFileAtomic(path, data, 0o644))
	got, err := readStateProperties(path)
	require.NoError(t, err)
	delete(state, 3)
	assert.Equal(t, state, got)

	missing, err := readStateProperties(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)
	assert.Empty(t, missing)

	require.NoError(t, os.WriteFile(path, []byte("notimestamp = x\n"), 0o644))
	_, err = readStateProperties(path)
	assert.Error(t, err)
}

func TestValidateStateProperty(t *testing.T) {
	assert.NoError(t, validateStateProperty("tag", "baseline"))
	assert.NoError(t, validateStateProperty("a b", "trailing "))
	assert.True(t, engine.IsValidation(validateStateProperty("", "v")))
	assert.True(t, engine.IsValidation(validateStateProperty("a=b", "v")))
	assert.True(t, engine.IsValidation(validateStateProperty("k", " padded")))
}
