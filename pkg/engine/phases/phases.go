// Package phases provides the built-in provisioning phases and the phase
// set factory used by the engine.
package phases

import (
	"fmt"
	"sort"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/telemetry"
)

// Built-in phase ids.
const (
	Collect     = "collect"
	Unconfigure = "unconfigure"
	Uninstall   = "uninstall"
	Property    = "property"
	Install     = "install"
	Configure   = "configure"
)

// DefaultOrder is the order phases run in.
var DefaultOrder = []string{Collect, Unconfigure, Uninstall, Property, Install, Configure}

// DefaultWeights are the progress weights of the built-in phases.
var DefaultWeights = map[string]int{
	Collect:     100,
	Unconfigure: 10,
	Uninstall:   50,
	Property:    1,
	Install:     50,
	Configure:   10,
}

// Options selects and tunes the built-in phases.
type Options struct {
	// Include restricts the set to these ids. Empty means all.
	Include []string

	// Exclude removes these ids.
	Exclude []string

	// Weights overrides default weights.
	Weights map[string]int

	// ForcedUninstall makes unconfigure and uninstall tolerate action
	// failures so that broken units can still be removed.
	ForcedUninstall bool
}

// NewSet builds a phase set from opts. Unknown phase ids are an error.
func NewSet(opts Options) (*engine.PhaseSet, error) {
	for _, id := range append(append([]string(nil), opts.Include...), opts.Exclude...) {
		if _, ok := DefaultWeights[id]; !ok {
			return nil, fmt.Errorf("unknown phase %q", id)
		}
	}
	for id, w := range opts.Weights {
		if _, ok := DefaultWeights[id]; !ok {
			return nil, fmt.Errorf("unknown phase %q", id)
		}
		if w <= 0 {
			return nil, fmt.Errorf("phase %s weight must be positive, got %d", id, w)
		}
	}

	include := toSet(opts.Include)
	exclude := toSet(opts.Exclude)

	var list []*engine.Phase
	for _, id := range DefaultOrder {
		if len(include) > 0 && !include[id] {
			continue
		}
		if exclude[id] {
			continue
		}
		weight := DefaultWeights[id]
		if w, ok := opts.Weights[id]; ok {
			weight = w
		}
		p, err := New(id, weight, opts.ForcedUninstall && (id == Uninstall || id == Unconfigure))
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return engine.NewPhaseSet(list...)
}

// DefaultSet returns every built-in phase with default weights.
func DefaultSet() *engine.PhaseSet {
	ps, err := NewSet(Options{})
	if err != nil {
		panic(err)
	}
	return ps
}

// SetIncluding returns the built-in phases named by ids, in default order.
func SetIncluding(ids ...string) (*engine.PhaseSet, error) {
	if len(ids) == 0 {
		return engine.NewPhaseSet()
	}
	return NewSet(Options{Include: ids})
}

// SetExcluding returns every built-in phase except those named by ids.
func SetExcluding(ids ...string) (*engine.PhaseSet, error) {
	return NewSet(Options{Exclude: ids})
}

// WithWeights returns a copy of ps with the weights of the named phases
// replaced.
func WithWeights(ps *engine.PhaseSet, weights map[string]int) (*engine.PhaseSet, error) {
	var list []*engine.Phase
	for _, p := range ps.Phases() {
		if w, ok := weights[p.ID()]; ok {
			np, err := p.WithWeight(w)
			if err != nil {
				return nil, err
			}
			p = np
		}
		list = append(list, p)
	}
	return engine.NewPhaseSet(list...)
}

// New creates one built-in phase.
func New(id string, weight int, forced bool) (*engine.Phase, error) {
	var behavior engine.PhaseBehavior
	switch id {
	case Collect:
		behavior = &collectPhase{unitPhase{id: id, side: afterSide, applies: changedTo}}
	case Unconfigure:
		behavior = &unitPhase{id: id, side: beforeSide, applies: hasBefore, event: telemetry.EventTypeUnitUnconfigure, wrap: true}
	case Uninstall:
		behavior = &unitPhase{id: id, side: beforeSide, applies: changedFrom, event: telemetry.EventTypeUnitUninstall, wrap: true, removes: true}
	case Property:
		behavior = propertyPhase{}
	case Install:
		behavior = &unitPhase{id: id, side: afterSide, applies: changedTo, event: telemetry.EventTypeUnitInstall, wrap: true, adds: true}
	case Configure:
		behavior = &unitPhase{id: id, side: afterSide, applies: hasAfter, event: telemetry.EventTypeUnitConfigure, wrap: true}
	default:
		return nil, fmt.Errorf("unknown phase %q", id)
	}
	return engine.NewPhase(id, weight, forced, behavior)
}

// IDs returns the built-in phase ids sorted alphabetically.
func IDs() []string {
	ids := make([]string, 0, len(DefaultWeights))
	for id := range DefaultWeights {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
