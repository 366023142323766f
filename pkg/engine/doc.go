// Package engine provides the transactional core of the provisioning engine.
//
// # Overview
//
// A profile records which installable units are present in an installation,
// together with profile and per-unit properties. The engine applies a list of
// requested changes (operands) to a profile as one transaction:
//
//  1. Lock - The profile is locked through the ProfileRegistry
//  2. Prepare - Every phase resolves the actions for every operand
//  3. Execute - Phases run in order, each action on each applicable operand
//  4. Commit - Touchpoints commit and a new profile snapshot is persisted
//  5. Rollback - On failure or cancellation every executed action is undone
//     in reverse order and touchpoints roll back
//
// Validate runs only the prepare step, so that missing actions and malformed
// instructions are reported without touching the profile.
//
// # Core Domain Types
//
//   - Unit: An installable unit with a touchpoint type and per-phase instructions
//   - Operand: UnitOperand, PropertyOperand or UnitPropertyOperand
//   - Profile: The mutable working copy of a profile snapshot
//   - Phase and PhaseSet: The ordered, weighted pipeline of work
//   - Session: The per-transaction record of executed actions
//   - Status: A severity-ranked result tree
//   - Plan: A builder that derives operands from a profile
//
// # Actions and Touchpoints
//
// Actions are the unit of work and always come in execute/undo pairs:
//
//	type Action interface {
//	    Execute(ctx context.Context, params Parameters) error
//	    Undo(ctx context.Context, params Parameters) error
//	}
//
// Instructions name actions as "name(key:value,...)" statements. A
// Touchpoint qualifies short names for its unit type and takes part in the
// phase and transaction lifecycle. Actions and touchpoints are looked up
// through a Resolver, see ParseActions.
//
// # Error Classification
//
//   - validation: Unresolvable actions or malformed input, nothing ran
//   - lock: The profile is in use or no longer current
//   - action: An action failed while executing or undoing
//   - phase: Aggregated action failures within a phase
//   - cancel: The caller cancelled the context
//   - persistence: Reading or writing a snapshot failed
//
// Use the predicates to inspect errors:
//
//	if engine.IsLock(err) {
//	    // Reload the profile and retry
//	}
//
// # Example Usage
//
//	plan := engine.NewPlan(profile, engine.NewProvisioningContext())
//	plan.AddUnit(unit)
//	plan.SetProfileProperty("channel", "stable")
//
//	eng := engine.New(registry, resolver, engine.WithLogger(logger))
//	status := eng.Perform(ctx, plan.Profile(), phases.DefaultSet(), plan.Operands(), plan.Context())
//	if status.Failed() {
//	    // The profile is unchanged
//	}
//
// # Thread Safety
//
// An Engine may be shared. Writers to one profile are serialized by the
// registry's lock; a Profile value itself is not safe for concurrent use.
package engine
