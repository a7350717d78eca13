// Package initmanager implements the async start-up barrier described in
// spec.md §4.1: a fan-out of InitTargets collapses into one continuation.
// The state machine and snapshot-then-iterate discipline are grounded on
// tenant.Manager's own "snapshot the live set under lock, then act
// outside it" pattern (tenant/manager.go's gc and cachegc loops).
package initmanager

import (
	"fmt"

	"golang.org/x/exp/maps"
)

// State is the InitManager's monotonically advancing lifecycle state.
type State int

const (
	NotInitialized State = iota
	Initializing
	Initialized
)

func (s State) String() string {
	switch s {
	case NotInitialized:
		return "NotInitialized"
	case Initializing:
		return "Initializing"
	case Initialized:
		return "Initialized"
	default:
		return "unknown"
	}
}

// Target is anything with an async Initialize whose completion the
// Manager must await before the barrier fires. Targets have no failure
// channel in this contract: a Target that cannot progress must retry
// internally or cause the process to exit (spec.md §4.1).
type Target interface {
	// Initialize must eventually call done, exactly once.
	Initialize(done func())
	// Name is used only for logging/diagnostics.
	Name() string
}

// Manager is the barrier. The zero value is not usable; use New.
type Manager struct {
	name    string
	state   State
	pending map[Target]struct{}
	done    func()
}

// New constructs a Manager. name is used only in panic messages and
// logging, to distinguish which barrier misbehaved when a process hosts
// more than one (e.g. the main cluster-manager barrier plus any
// secondary warm-up barriers).
func New(name string) *Manager {
	return &Manager{
		name:    name,
		state:   NotInitialized,
		pending: make(map[Target]struct{}),
	}
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State { return m.state }

// Targets returns the number of targets still pending completion. Valid
// at any state; it's 0 once Initialized.
func (m *Manager) Targets() int { return len(m.pending) }

// RegisterTarget adds target to the pending set. RegisterTarget is only
// valid while the manager is NotInitialized; calling it later is a
// programming error (the same class of mistake as tenant.Manager.Stop
// being called twice), so it panics rather than returning an error.
func (m *Manager) RegisterTarget(target Target) {
	if m.state != NotInitialized {
		panic(fmt.Sprintf("initmanager(%s): RegisterTarget after state=%s", m.name, m.state))
	}
	m.pending[target] = struct{}{}
}

// Initialize transitions NotInitialized -> Initializing and begins
// every registered target's async Initialize, or transitions directly
// to Initialized and calls done synchronously if no targets were ever
// registered (spec.md §8 property 2). Initialize must be called exactly
// once.
func (m *Manager) Initialize(done func()) {
	if m.state != NotInitialized {
		panic(fmt.Sprintf("initmanager(%s): Initialize called twice", m.name))
	}
	m.done = done
	m.state = Initializing

	if len(m.pending) == 0 {
		m.state = Initialized
		m.done()
		return
	}

	// Snapshot the target set before firing any callback: a target's
	// completion callback removes itself from m.pending, and targets may
	// call back re-entrantly (synchronously, from within Initialize's own
	// call to target.Initialize). Iterating a live map while a callback
	// mutates it is undefined; iterating a snapshot is not.
	targets := maps.Keys(m.pending)
	for _, target := range targets {
		target := target
		target.Initialize(func() {
			m.completeTarget(target)
		})
	}
}

func (m *Manager) completeTarget(target Target) {
	if _, ok := m.pending[target]; !ok {
		// Already completed (or was never registered) — a misbehaving
		// target called done twice. Ignore rather than corrupt state;
		// targets promising to call back "exactly once" can still fail
		// to uphold that, and the barrier should not be taken down by it.
		return
	}
	delete(m.pending, target)
	if len(m.pending) == 0 {
		m.state = Initialized
		m.done()
	}
}
