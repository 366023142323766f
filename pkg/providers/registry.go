// Package providers resolves action ids and touchpoint types to the
// implementations registered with a static Registry.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/version"
)

// ActionFactory creates a fresh action instance for every resolution.
type ActionFactory func() engine.Action

// Module bundles a touchpoint with its actions.
type Module interface {
	Register(r *Registry) error
}

// ActionInfo describes a registered action.
type ActionInfo struct {
	ID      string          `json:"id" yaml:"id"`
	Version version.Version `json:"version" yaml:"version"`
}

type actionEntry struct {
	version version.Version
	factory ActionFactory
}

// Registry is an engine.Resolver over statically registered actions and
// touchpoints. It is safe for concurrent use.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// actions maps action id to its versions, sorted ascending.
	actions map[string][]actionEntry

	// touchpoints maps touchpoint type id to its versions, sorted ascending.
	touchpoints map[string][]engine.Touchpoint
}

var _ engine.Resolver = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		actions:     make(map[string][]actionEntry),
		touchpoints: make(map[string][]engine.Touchpoint),
	}
}

// RegisterAction registers factory for id at version v. Registering the same
// id and version again replaces the factory.
func (r *Registry) RegisterAction(id string, v version.Version, factory ActionFactory) error {
	if id == "" {
		return fmt.Errorf("action id is required")
	}
	if factory == nil {
		return fmt.Errorf("action %s: factory is required", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.actions[id]
	for i := range entries {
		if entries[i].version.Compare(v) == 0 {
			entries[i].factory = factory
			return nil
		}
	}
	entries = append(entries, actionEntry{version: v, factory: factory})
	sort.Slice(entries, func(i, j int) bool { return entries[i].version.Less(entries[j].version) })
	r.actions[id] = entries
	return nil
}

// RegisterTouchpoint registers tp under its type. Registering the same type
// again replaces the touchpoint.
func (r *Registry) RegisterTouchpoint(tp engine.Touchpoint) error {
	if tp == nil {
		return fmt.Errorf("touchpoint is required")
	}
	t := tp.Type()
	if t.IsNone() {
		return fmt.Errorf("touchpoint type id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.touchpoints[t.ID]
	for i := range entries {
		if entries[i].Type().Version.Compare(t.Version) == 0 {
			entries[i] = tp
			return nil
		}
	}
	entries = append(entries, tp)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Type().Version.Less(entries[j].Type().Version) })
	r.touchpoints[t.ID] = entries
	return nil
}

// RegisterModules registers every module in order.
func (r *Registry) RegisterModules(modules ...Module) error {
	for _, m := range modules {
		if err := m.Register(r); err != nil {
			return fmt.Errorf("failed to register module: %w", err)
		}
	}
	return nil
}

// ResolveAction returns a new instance of the highest registered version of
// id within rng. A nil range accepts any version.
func (r *Registry) ResolveAction(id string, rng *version.Range) (engine.Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.actions[id]
	for i := len(entries) - 1; i >= 0; i-- {
		if rng == nil || rng.Includes(entries[i].version) {
			return entries[i].factory(), true
		}
	}
	return nil, false
}

// ResolveTouchpoint returns the touchpoint registered for t. A zero version
// selects the highest registered one; otherwise the version must match.
func (r *Registry) ResolveTouchpoint(t engine.TouchpointType) (engine.Touchpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.touchpoints[t.ID]
	if len(entries) == 0 {
		return nil, false
	}
	if t.Version.IsZero() {
		return entries[len(entries)-1], true
	}
	for _, tp := range entries {
		if tp.Type().Version.Compare(t.Version) == 0 {
			return tp, true
		}
	}
	return nil, false
}

// Actions lists registered actions ordered by id then version.
func (r *Registry) Actions() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ActionInfo
	for id, entries := range r.actions {
		for _, e := range entries {
			out = append(out, ActionInfo{ID: id, Version: e.version})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version.Less(out[j].Version)
	})
	return out
}

// Touchpoints lists registered touchpoint types ordered by id then version.
func (r *Registry) Touchpoints() []engine.TouchpointType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []engine.TouchpointType
	for _, entries := range r.touchpoints {
		for _, tp := range entries {
			out = append(out, tp.Type())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Version.Less(out[j].Version)
	})
	return out
}
