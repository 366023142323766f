package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/engine/phases"
	"github.com/openfroyo/provision/pkg/version"
)

// fixedClock always returns the same instant so that timestamps advance by
// exactly one per snapshot.
func fixedClock() time.Time { return time.UnixMilli(1000) }

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r, err := New(t.TempDir(), append([]Option{WithClock(fixedClock)}, opts...)...)
	require.NoError(t, err)
	return r
}

func unit(id, v string) *engine.Unit {
	return &engine.Unit{ID: id, Version: version.MustParse(v)}
}

// commit applies fn to the current profile under a lock and persists it.
func commit(t *testing.T, r *Registry, id string, fn func(p *engine.Profile)) *engine.Profile {
	t.Helper()
	ctx := context.Background()
	p, err := r.GetProfile(id)
	require.NoError(t, err)
	require.NoError(t, r.LockProfile(ctx, p, "test"))
	fn(p)
	require.NoError(t, r.UpdateProfile(ctx, p))
	require.NoError(t, r.UnlockProfile(p, "test"))
	return p
}

func hasCode(err error, code string) bool {
	var ee *engine.EngineError
	return errors.As(err, &ee) && ee.Code == code
}

func TestEscapeID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{id: "plain", want: "plain"},
		{id: "a/b", want: "a%47;b"},
		{id: `c:\x`, want: "c%58;%92;x"},
		{id: "100%", want: "100%37;"},
		{id: `*?"<>|`, want: "%42;%63;%34;%60;%62;%124;"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeID(tt.id))
			assert.Equal(t, tt.id, unescapeID(tt.want))
		})
	}
	assert.Equal(t, "a%zz;b", unescapeID("a%zz;b"))
	assert.Equal(t, "a%", unescapeID("a%"))
}

func TestAddAndGetProfile(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	parent, err := r.AddProfile(ctx, "parent", map[string]string{"shared": "yes"}, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), parent.Timestamp())

	child, err := r.AddProfile(ctx, "child/one", map[string]string{"own": "1"}, "parent")
	require.NoError(t, err)
	v, ok := child.Property("shared")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)

	_, err = r.AddProfile(ctx, "parent", nil, "")
	assert.True(t, hasCode(err, engine.ErrCodeAlreadyExists))
	_, err = r.AddProfile(ctx, "orphan", nil, "missing")
	assert.True(t, hasCode(err, engine.ErrCodeNotFound))

	got, err := r.GetProfile("child/one")
	require.NoError(t, err)
	assert.False(t, got.Changed())
	assert.Equal(t, "parent", got.Parent().ID())
	assert.DirExists(t, filepath.Join(r.Root(), "child%47;one.profile"))

	profiles := r.GetProfiles()
	require.Len(t, profiles, 2)
	assert.Equal(t, "child/one", profiles[0].ID())

	_, err = r.GetProfile("nope")
	assert.True(t, engine.IsValidation(err))
	assert.True(t, r.ContainsProfile("parent"))
	assert.False(t, r.ContainsProfile("nope"))
}

func TestUpdateProfileWritesNewSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.AddProfile(ctx, "p", map[string]string{"k": "v"}, "")
	require.NoError(t, err)

	a := unit("a", "1.0.0")
	p := commit(t, r, "p", func(p *engine.Profile) {
		p.AddUnit(a)
		p.SetUnitProperty(a, "pinned", "true")
		p.SetUnitProperty(unit("gone", "1.0.0"), "x", "y")
		p.RemoveProperty("k")
	})
	assert.Equal(t, int64(1001), p.Timestamp())
	assert.Empty(t, p.UnitProperties(unit("gone", "1.0.0")), "orphaned unit properties are cleared")

	stamps, err := r.ListProfileTimestamps("p")
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 1001}, stamps)

	current, err := r.GetProfile("p")
	require.NoError(t, err)
	assert.True(t, current.ContainsUnit(a))
	v, _ := current.UnitProperty(a, "pinned")
	assert.Equal(t, "true", v)
	_, ok := current.Property("k")
	assert.False(t, ok)

	first, err := r.GetProfileAt("p", 1000)
	require.NoError(t, err)
	assert.Equal(t, 0, first.UnitCount())
	v, _ = first.Property("k")
	assert.Equal(t, "v", v)

	_, err = r.GetProfileAt("p", 5)
	assert.True(t, hasCode(err, engine.ErrCodeNotFound))
	assert.True(t, r.IsCurrent(current))
	assert.False(t, r.IsCurrent(first))

	r.ResetProfiles()
	reloaded, err := r.GetProfile("p")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), reloaded.Timestamp())
	assert.Equal(t, []*engine.Unit{a}, reloaded.Units())
}

func TestUpdateProfileRequiresLock(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	p, err := r.AddProfile(ctx, "p", nil, "")
	require.NoError(t, err)

	err = r.UpdateProfile(ctx, p)
	assert.True(t, engine.IsLock(err))
	assert.True(t, hasCode(err, engine.ErrCodeNotLocked))

	err = r.UnlockProfile(p, "nobody")
	assert.True(t, engine.IsLock(err))
}

func TestLockProfileNotCurrent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.AddProfile(ctx, "p", nil, "")
	require.NoError(t, err)

	stale, err := r.GetProfile("p")
	require.NoError(t, err)
	commit(t, r, "p", func(p *engine.Profile) { p.SetProperty("x", "1") })

	err = r.LockProfile(ctx, stale, "late")
	require.Error(t, err)
	assert.True(t, engine.IsLock(err))
	assert.True(t, hasCode(err, engine.ErrCodeNotCurrent))

	fresh, err := r.GetProfile("p")
	require.NoError(t, err)
	require.NoError(t, r.LockProfile(ctx, fresh, "late"), "failed lock attempt must release the lock")
	require.NoError(t, r.UnlockProfile(fresh, "late"))
}

func TestLockProfileRejectsChangedProfile(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	p, err := r.AddProfile(ctx, "p", nil, "")
	require.NoError(t, err)

	p.SetProperty("dirty", "true")
	err = r.LockProfile(ctx, p, "owner")
	assert.True(t, hasCode(err, engine.ErrCodeProfileChanged))
}

func TestLockProfileWaitsForLocalOwner(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	p, err := r.AddProfile(ctx, "p", nil, "")
	require.NoError(t, err)

	require.NoError(t, r.LockProfile(ctx, p, "first"))
	err = r.LockProfile(ctx, p, "first")
	assert.True(t, hasCode(err, engine.ErrCodeReentrantLock))

	done := make(chan error, 1)
	go func() { done <- r.LockProfile(ctx, p, "second") }()

	select {
	case err := <-done:
		t.Fatalf("second owner acquired a held lock: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, r.UnlockProfile(p, "first"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("second owner was not woken")
	}
	require.NoError(t, r.UnlockProfile(p, "second"))
}

func TestLockProfileCancelledWhileWaiting(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.AddProfile(context.Background(), "p", nil, "")
	require.NoError(t, err)
	require.NoError(t, r.LockProfile(context.Background(), p, "holder"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.LockProfile(ctx, p, "waiter") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, engine.IsCancel(err))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter ignored cancellation")
	}
	require.NoError(t, r.UnlockProfile(p, "holder"))
}

// funcAction runs fn on execute.
type funcAction struct {
	fn func(ctx context.Context) error
}

func (a funcAction) Execute(ctx context.Context, _ engine.Parameters) error { return a.fn(ctx) }

func (funcAction) Undo(context.Context, engine.Parameters) error { return nil }

// funcPhase runs one funcAction for every operand.
type funcPhase struct {
	fn func(ctx context.Context) error
}

func (funcPhase) IsApplicable(engine.Operand) bool { return true }

func (p funcPhase) Actions(engine.Operand, engine.Resolver) ([]engine.Action, error) {
	return []engine.Action{funcAction{fn: p.fn}}, nil
}

func funcPhaseSet(t *testing.T, fn func(ctx context.Context) error) *engine.PhaseSet {
	t.Helper()
	phase, err := engine.NewPhase("run", 1, false, funcPhase{fn: fn})
	require.NoError(t, err)
	ps, err := engine.NewPhaseSet(phase)
	require.NoError(t, err)
	return ps
}

func TestNestedPerformOnLockedProfile(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.AddProfile(context.Background(), "p", nil, "")
	require.NoError(t, err)
	e := engine.New(r, emptyResolver{})
	noop := funcPhaseSet(t, func(context.Context) error { return nil })

	var nested *engine.Status
	var waited time.Duration
	outer := funcPhaseSet(t, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		p, err := r.GetProfile("p")
		if err != nil {
			return err
		}
		start := time.Now()
		nested = e.Perform(ctx, p, noop, []engine.Operand{&engine.UnitOperand{After: unit("b", "1.0.0")}}, nil)
		waited = time.Since(start)
		return nil
	})

	p, err := r.GetProfile("p")
	require.NoError(t, err)
	st := e.Perform(context.Background(), p, outer, []engine.Operand{&engine.UnitOperand{After: unit("a", "1.0.0")}}, nil)
	require.False(t, st.Failed(), st.Error())

	require.NotNil(t, nested)
	assert.True(t, nested.Matches(engine.SeverityError))
	assert.True(t, hasCode(nested, engine.ErrCodeReentrantLock))
	assert.Less(t, waited, time.Second)

	held := engine.WithHeldProfile(context.Background(), "p")
	err = r.LockProfile(held, p, "other")
	assert.True(t, hasCode(err, engine.ErrCodeReentrantLock))
}

func TestLockAcrossRegistries(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r1, err := New(root, WithClock(fixedClock))
	require.NoError(t, err)
	p, err := r1.AddProfile(ctx, "shared", map[string]string{"k": "v"}, "")
	require.NoError(t, err)
	require.NoError(t, r1.LockProfile(ctx, p, "one"))

	r2, err := New(root, WithClock(fixedClock))
	require.NoError(t, err)
	assert.True(t, r2.ContainsProfile("shared"))
	r2.mu.Lock()
	assert.True(t, r2.profiles["shared"].placeholder())
	r2.mu.Unlock()

	other, err := r2.GetProfile("shared")
	require.NoError(t, err)
	v, _ := other.Property("k")
	assert.Equal(t, "v", v)

	err = r2.LockProfile(ctx, other, "two")
	require.Error(t, err)
	assert.True(t, hasCode(err, engine.ErrCodeProfileInUse))

	require.NoError(t, r1.UnlockProfile(p, "one"))
	require.NoError(t, r2.LockProfile(ctx, other, "two"))

	err = r1.LockProfile(ctx, p, "one")
	assert.True(t, hasCode(err, engine.ErrCodeProfileInUse))
	require.NoError(t, r2.UnlockProfile(other, "two"))
}

func TestRestoreSkipsCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r, err := New(root, WithClock(fixedClock))
	require.NoError(t, err)
	_, err = r.AddProfile(ctx, "p", map[string]string{"k": "v"}, "")
	require.NoError(t, err)
	commit(t, r, "p", func(p *engine.Profile) { p.AddUnit(unit("a", "1.0.0")) })

	corrupt := filepath.Join(root, "p.profile", "5000.snapshot")
	require.NoError(t, os.WriteFile(corrupt, []byte("id: [unterminated\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "p.profile", "notes.txt"), []byte("x"), 0o644))

	reopened, err := New(root)
	require.NoError(t, err)
	p, err := reopened.GetProfile("p")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), p.Timestamp())
	assert.Equal(t, 1, p.UnitCount())

	stamps, err := reopened.ListProfileTimestamps("p")
	require.NoError(t, err)
	assert.Equal(t, []int64{1000, 1001, 5000}, stamps)
}

func TestCommitAfterCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r, err := New(root, WithClock(fixedClock))
	require.NoError(t, err)
	_, err = r.AddProfile(ctx, "p", nil, "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "p.profile", "5000.snapshot"), []byte("{{{not yaml"), 0o644))

	reopened, err := New(root, WithClock(fixedClock))
	require.NoError(t, err)
	p, err := reopened.GetProfile("p")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.Timestamp())

	require.NoError(t, reopened.LockProfile(ctx, p, "owner"))
	p.AddUnit(unit("a", "1.0.0"))
	require.NoError(t, reopened.UpdateProfile(ctx, p))
	require.NoError(t, reopened.UnlockProfile(p, "owner"))
	assert.Equal(t, int64(5001), p.Timestamp(), "new snapshots sort above the corrupt file")

	reopened.ResetProfiles()
	current, err := reopened.GetProfile("p")
	require.NoError(t, err)
	assert.Equal(t, int64(5001), current.Timestamp())
	assert.Equal(t, 1, current.UnitCount())

	stale, err := reopened.GetProfileAt("p", 1000)
	require.NoError(t, err)
	err = reopened.LockProfile(ctx, stale, "owner")
	assert.True(t, hasCode(err, engine.ErrCodeNotCurrent))
}

func TestCompressedSnapshots(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	r, err := New(root, WithClock(fixedClock), WithCompression(true))
	require.NoError(t, err)
	_, err = r.AddProfile(ctx, "p", map[string]string{"k": "v"}, "")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "p.profile", "1000.snapshot.gz"))

	reopened, err := New(root)
	require.NoError(t, err)
	p, err := reopened.GetProfile("p")
	require.NoError(t, err)
	v, _ := p.Property("k")
	assert.Equal(t, "v", v)
}

func TestRemoveProfile(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.AddProfile(ctx, "parent", nil, "")
	require.NoError(t, err)
	_, err = r.AddProfile(ctx, "child", nil, "parent")
	require.NoError(t, err)

	require.NoError(t, r.RemoveProfile(ctx, "parent"))
	assert.False(t, r.ContainsProfile("parent"))
	assert.False(t, r.ContainsProfile("child"))
	assert.NoDirExists(t, filepath.Join(r.Root(), "child.profile"))
	assert.True(t, hasCode(r.RemoveProfile(ctx, "parent"), engine.ErrCodeNotFound))
}

func TestRemoveProfileAt(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.AddProfile(ctx, "p", nil, "")
	require.NoError(t, err)
	commit(t, r, "p", func(p *engine.Profile) { p.SetProperty("x", "1") })
	require.NoError(t, r.SetProfileStateProperty(ctx, "p", 1000, "tag", "first"))
	require.NoError(t, r.SetProfileStateProperty(ctx, "p", 1001, "tag", "second"))

	err = r.RemoveProfileAt(ctx, "p", 1001)
	assert.True(t, engine.IsValidation(err), "current snapshot cannot be removed")
	assert.True(t, hasCode(r.RemoveProfileAt(ctx, "p", 7), engine.ErrCodeNotFound))

	require.NoError(t, r.RemoveProfileAt(ctx, "p", 1000))
	stamps, err := r.ListProfileTimestamps("p")
	require.NoError(t, err)
	assert.Equal(t, []int64{1001}, stamps)

	byKey, err := r.ProfileStatePropertiesByKey("p", "tag")
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1001: "second"}, byKey)

	data, err := os.ReadFile(filepath.Join(r.Root(), "p.profile", stateFileName))
	require.NoError(t, err)
	assert.Equal(t, "1001.tag=second\n", string(data))
}

func TestStateProperties(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.AddProfile(ctx, "p", nil, "")
	require.NoError(t, err)

	require.NoError(t, r.SetProfileStateProperties(ctx, "p", 1000, map[string]string{
		"a":            "1",
		"b":            "2",
		"with space:x": "multi\nline",
	}))
	props, err := r.ProfileStateProperties("p", 1000)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "with space:x": "multi\nline"}, props)

	err = r.SetProfileStateProperty(ctx, "p", 1000, "with=eq", "v")
	assert.True(t, engine.IsValidation(err))

	require.NoError(t, r.RemoveProfileStateProperties(ctx, "p", 1000, "a"))
	props, err = r.ProfileStateProperties("p", 1000)
	require.NoError(t, err)
	assert.NotContains(t, props, "a")

	require.NoError(t, r.RemoveProfileStateProperties(ctx, "p", 1000))
	props, err = r.ProfileStateProperties("p", 1000)
	require.NoError(t, err)
	assert.Empty(t, props)

	assert.True(t, hasCode(r.SetProfileStateProperty(ctx, "p", 42, "k", "v"), engine.ErrCodeNotFound))
	_, err = r.ProfileStateProperties("p", 42)
	assert.True(t, hasCode(err, engine.ErrCodeNotFound))
	_, err = r.ProfileStateProperties("missing", 1000)
	assert.True(t, hasCode(err, engine.ErrCodeNotFound))
}

func TestStatePropertiesPrunedOnWrite(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.AddProfile(ctx, "p", nil, "")
	require.NoError(t, err)

	path := filepath.Join(r.Root(), "p.profile", stateFileName)
	require.NoError(t, os.WriteFile(path, []byte("999.stale=x\n1000.keep=y\n"), 0o644))
	require.NoError(t, r.SetProfileStateProperty(ctx, "p", 1000, "new", "z"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1000.keep = y\n1000.new = z\n", string(data))
}

func TestProfileDataDirectory(t *testing.T) {
	r := newTestRegistry(t)
	dir, err := r.ProfileDataDirectory("a:b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.Root(), "a%58;b.profile", ".data"), dir)
	assert.DirExists(t, dir)
}

type emptyResolver struct{}

func (emptyResolver) ResolveAction(string, *version.Range) (engine.Action, bool) { return nil, false }

func (emptyResolver) ResolveTouchpoint(engine.TouchpointType) (engine.Touchpoint, bool) {
	return nil, false
}

// A replace commits a new snapshot while the previous one keeps the old unit.
func TestPerformReplaceCommitsNewSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.AddProfile(ctx, "p1", nil, "")
	require.NoError(t, err)
	a, b := unit("A", "1.0.0"), unit("B", "1.0.0")
	t0 := commit(t, r, "p1", func(p *engine.Profile) { p.AddUnit(a) }).Timestamp()

	e := engine.New(r, emptyResolver{})
	p, err := r.GetProfile("p1")
	require.NoError(t, err)
	op, err := engine.NewUnitOperand(a, b)
	require.NoError(t, err)

	st := e.Perform(ctx, p, phases.DefaultSet(), []engine.Operand{op}, nil)
	require.True(t, st.IsOK(), st.Error())

	current, err := r.GetProfile("p1")
	require.NoError(t, err)
	assert.Greater(t, current.Timestamp(), t0)
	assert.Equal(t, []*engine.Unit{b}, current.Units())

	old, err := r.GetProfileAt("p1", t0)
	require.NoError(t, err)
	assert.Equal(t, []*engine.Unit{a}, old.Units())
}
