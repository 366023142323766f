package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/openfroyo/provision/pkg/version"
)

// journal collects the calls made by test actions and touchpoints.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// stepAction logs its execute and undo calls.
type stepAction struct {
	name    string
	log     *journal
	fail    bool
	panics  bool
	undoErr error
	result  Result
	onExec  func()
	got     Parameters
}

func (a *stepAction) Execute(_ context.Context, params Parameters) error {
	a.log.add("exec %s", a.name)
	a.got = params
	if a.onExec != nil {
		a.onExec()
	}
	if a.panics {
		panic("kaboom")
	}
	if a.fail {
		return errors.New(a.name + " failed")
	}
	return nil
}

func (a *stepAction) Undo(_ context.Context, _ Parameters) error {
	a.log.add("undo %s", a.name)
	return a.undoErr
}

func (a *stepAction) Result() Result { return a.result }

func (a *stepAction) String() string { return a.name }

// addUnitAction installs the After unit of the current operand.
type addUnitAction struct{}

func (addUnitAction) Execute(_ context.Context, params Parameters) error {
	op := params.Operand().(*UnitOperand)
	if op.Before != nil {
		params.Profile().RemoveUnit(op.Before)
	}
	params.Profile().AddUnit(op.After)
	return nil
}

func (addUnitAction) Undo(_ context.Context, params Parameters) error {
	op := params.Operand().(*UnitOperand)
	params.Profile().RemoveUnit(op.After)
	if op.Before != nil {
		params.Profile().AddUnit(op.Before)
	}
	return nil
}

// scriptPhase is a PhaseBehavior driven by closures.
type scriptPhase struct {
	applies func(Operand) bool
	actions func(Operand) []Action
}

func (s *scriptPhase) IsApplicable(op Operand) bool {
	if s.applies == nil {
		return true
	}
	return s.applies(op)
}

func (s *scriptPhase) Actions(op Operand, _ Resolver) ([]Action, error) {
	return s.actions(op), nil
}

func mustPhase(id string, forced bool, actions func(Operand) []Action) *Phase {
	p, err := NewPhase(id, 10, forced, &scriptPhase{actions: actions})
	if err != nil {
		panic(err)
	}
	return p
}

func mustPhaseSet(phases ...*Phase) *PhaseSet {
	ps, err := NewPhaseSet(phases...)
	if err != nil {
		panic(err)
	}
	return ps
}

// recordingTouchpoint logs every hook.
type recordingTouchpoint struct {
	BaseTouchpoint
	log         *journal
	rollbackErr error
}

func (t *recordingTouchpoint) InitializePhase(_ context.Context, _ *Profile, phaseID string, _ Parameters) error {
	t.log.add("tp initPhase %s", phaseID)
	return nil
}

func (t *recordingTouchpoint) CompletePhase(_ context.Context, _ *Profile, phaseID string, _ Parameters) error {
	t.log.add("tp completePhase %s", phaseID)
	return nil
}

func (t *recordingTouchpoint) InitializeOperand(_ context.Context, _ *Profile, params Parameters) error {
	t.log.add("tp initOperand %s", params.Operand())
	params["tp.marker"] = Text("set by touchpoint")
	return nil
}

func (t *recordingTouchpoint) CompleteOperand(_ context.Context, _ *Profile, params Parameters) error {
	t.log.add("tp completeOperand %s", params.Operand())
	return nil
}

func (t *recordingTouchpoint) Prepare(context.Context, *Profile) error {
	t.log.add("tp prepare")
	return nil
}

func (t *recordingTouchpoint) Commit(context.Context, *Profile) error {
	t.log.add("tp commit")
	return nil
}

func (t *recordingTouchpoint) Rollback(context.Context, *Profile) error {
	t.log.add("tp rollback")
	return t.rollbackErr
}

// mapResolver resolves actions from factories keyed by id.
type mapResolver struct {
	actions     map[string]func() Action
	touchpoints map[string]Touchpoint
	ranges      map[string]*version.Range
}

func newMapResolver() *mapResolver {
	return &mapResolver{
		actions:     map[string]func() Action{},
		touchpoints: map[string]Touchpoint{},
		ranges:      map[string]*version.Range{},
	}
}

func (r *mapResolver) ResolveAction(id string, rng *version.Range) (Action, bool) {
	r.ranges[id] = rng
	f, ok := r.actions[id]
	if !ok {
		return nil, false
	}
	return f(), true
}

func (r *mapResolver) ResolveTouchpoint(t TouchpointType) (Touchpoint, bool) {
	tp, ok := r.touchpoints[t.ID]
	return tp, ok
}

// memRegistry is an in-memory ProfileRegistry.
type memRegistry struct {
	mu        sync.Mutex
	locked    map[string]string
	lockErr   error
	updateErr error
	updates   int
	lockCalls int
	dataDir   string
}

func newMemRegistry() *memRegistry {
	return &memRegistry{locked: map[string]string{}, dataDir: "/tmp/profile-data"}
}

func (m *memRegistry) LockProfile(_ context.Context, p *Profile, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockCalls++
	if m.lockErr != nil {
		return m.lockErr
	}
	if _, ok := m.locked[p.ID()]; ok {
		return NewLockError("profile in use", nil).WithCode(ErrCodeProfileInUse)
	}
	m.locked[p.ID()] = owner
	return nil
}

func (m *memRegistry) UnlockProfile(p *Profile, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked[p.ID()] != owner {
		return NewLockError("not locked by owner", nil).WithCode(ErrCodeNotLocked)
	}
	delete(m.locked, p.ID())
	return nil
}

func (m *memRegistry) UpdateProfile(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates++
	p.SetTimestamp(p.Timestamp() + 1)
	return nil
}

func (m *memRegistry) ProfileDataDirectory(string) (string, error) { return m.dataDir, nil }

// memRecorder captures journal calls.
type memRecorder struct {
	mu    sync.Mutex
	began []*Transaction
	steps []*TransactionStep
	ended []*Transaction
}

func (r *memRecorder) BeginTransaction(_ context.Context, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tx
	r.began = append(r.began, &cp)
	return nil
}

func (r *memRecorder) RecordStep(_ context.Context, step *TransactionStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
	return nil
}

func (r *memRecorder) EndTransaction(_ context.Context, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *tx
	r.ended = append(r.ended, &cp)
	return nil
}

func testUnit(id, v string) *Unit {
	return &Unit{ID: id, Version: version.MustParse(v)}
}

func testProfile(id string) *Profile {
	p, err := NewProfile(id, nil, nil)
	if err != nil {
		panic(err)
	}
	return p
}
