package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/provision/pkg/telemetry"
)

// PhaseSet is an ordered pipeline of phases. A PhaseSet may be reused for
// many transactions but runs one at a time as far as Pause and Resume are
// concerned.
type PhaseSet struct {
	phases []*Phase
	gate   pauseGate
}

// NewPhaseSet creates a phase set. Phase ids must be unique.
func NewPhaseSet(phases ...*Phase) (*PhaseSet, error) {
	seen := make(map[string]bool, len(phases))
	for _, p := range phases {
		if p == nil {
			return nil, NewValidationError("phase set contains a nil phase", nil)
		}
		if seen[p.id] {
			return nil, NewValidationError(fmt.Sprintf("duplicate phase id %s", p.id), nil)
		}
		seen[p.id] = true
	}
	return &PhaseSet{phases: append([]*Phase(nil), phases...)}, nil
}

// Phases returns the phases in order.
func (ps *PhaseSet) Phases() []*Phase {
	return append([]*Phase(nil), ps.phases...)
}

// PhaseIDs returns the phase ids in order.
func (ps *PhaseSet) PhaseIDs() []string {
	ids := make([]string, len(ps.phases))
	for i, p := range ps.phases {
		ids[i] = p.id
	}
	return ids
}

// Pause stops the running set at the next operand boundary. It returns
// false if the set is not running or already paused.
func (ps *PhaseSet) Pause() bool { return ps.gate.pause() }

// Resume releases a paused set. It returns false if the set is not running
// or not paused.
func (ps *PhaseSet) Resume() bool { return ps.gate.resume() }

// Perform runs every phase over operands. The returned status is OK, INFO or
// WARNING on success. On ERROR or CANCEL the session holds what is needed to
// roll back.
func (ps *PhaseSet) Perform(ctx context.Context, session *Session, operands []Operand, monitor ProgressMonitor) *Status {
	if monitor == nil {
		monitor = NopMonitor{}
	}
	weights := ps.progressWeights(operands)
	total := 0
	for _, w := range weights {
		total += w
	}
	monitor.Begin(total)
	defer monitor.Done()

	ps.gate.start()
	defer ps.gate.stop()

	status := NewMultiStatus("")
	for i, phase := range ps.phases {
		if err := ctx.Err(); err != nil {
			status.Add(CancelStatus("operation cancelled", err))
			return status
		}
		monitor.Subtask(phase.id)

		started := time.Now()
		phaseCtx, span := telemetry.StartSpan(ctx, "phase."+phase.id)
		ps.performPhase(phaseCtx, newPhaseRun(phase, session), status, operands)
		span.End()
		if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
			tel.Metrics.RecordPhase(phase.id, status.Severity.String(), time.Since(started))
		}

		switch {
		case status.Matches(SeverityCancel):
			result := CancelStatus("Operation canceled by user", nil)
			result.Merge(status)
			return result
		case status.Matches(SeverityError):
			result := ErrorStatus(phase.problemMessage(), nil)
			result.Add(ErrorStatus(session.currentContextString(), nil))
			result.Merge(status)
			return result
		}
		monitor.Worked(weights[i])
	}
	return status
}

func (ps *PhaseSet) performPhase(ctx context.Context, run *phaseRun, status *Status, operands []Operand) {
	defer func() {
		if r := recover(); r != nil {
			status.Add(ErrorStatus(fmt.Sprintf("phase %s panicked: %v", run.phase.id, r), nil))
		}
	}()
	run.perform(ctx, status, operands, &ps.gate)
}

// Validate resolves the actions of every applicable phase and operand pair
// without executing anything. All unresolvable action ids are reported in a
// single ValidationError wrapping a *MissingActionsError.
func (ps *PhaseSet) Validate(ctx context.Context, resolver Resolver, profile *Profile, operands []Operand) *Status {
	missing := make(map[string]*MissingAction)
	for _, phase := range ps.phases {
		for _, op := range operands {
			if err := ctx.Err(); err != nil {
				return CancelStatus("validation cancelled", err)
			}
			if !phase.IsApplicable(op) {
				continue
			}
			actions, err := phase.behavior.Actions(op, resolver)
			if err != nil {
				return ErrorStatus(fmt.Sprintf("session context was:(profile=%s, phase=%s, operand=%s, action=)",
					profile.ID(), phase.id, op), err)
			}
			for _, a := range actions {
				if m, ok := a.(*MissingAction); ok {
					missing[m.String()] = m
				}
			}
		}
	}
	if len(missing) == 0 {
		return OK()
	}

	keys := make([]string, 0, len(missing))
	for k := range missing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	merr := &MissingActionsError{}
	for _, k := range keys {
		merr.Actions = append(merr.Actions, missing[k])
	}
	err := NewValidationError(merr.Error(), merr).WithCode(ErrCodeMissingAction).WithProfile(profile.ID())
	return ErrorStatus("validation failed", err)
}

// progressWeights scales each phase weight by the share of operands it
// applies to.
func (ps *PhaseSet) progressWeights(operands []Operand) []int {
	weights := make([]int, len(ps.phases))
	for i, p := range ps.phases {
		if len(operands) == 0 {
			weights[i] = p.weight
			continue
		}
		applicable := 0
		for _, op := range operands {
			if p.IsApplicable(op) {
				applicable++
			}
		}
		weights[i] = p.weight * applicable / len(operands)
	}
	return weights
}

// pauseGate blocks the phase loop between operands while paused.
type pauseGate struct {
	mu      sync.Mutex
	running bool
	paused  bool
	resumed chan struct{}
}

func (g *pauseGate) start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = true
	g.paused = false
}

func (g *pauseGate) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
	if g.paused {
		g.paused = false
		close(g.resumed)
	}
}

func (g *pauseGate) pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running || g.paused {
		return false
	}
	g.paused = true
	g.resumed = make(chan struct{})
	return true
}

func (g *pauseGate) resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running || !g.paused {
		return false
	}
	g.paused = false
	close(g.resumed)
	return true
}

// wait returns once the gate is open or ctx is done.
func (g *pauseGate) wait(ctx context.Context) error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	if !g.paused {
		g.mu.Unlock()
		return nil
	}
	ch := g.resumed
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
