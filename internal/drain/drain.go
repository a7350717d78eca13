// Package drain implements the probabilistic graceful-close gate
// described in spec.md §4.2: once draining starts, drainClose() returns
// true with linearly ramping probability so that live connections
// self-terminate over the drain horizon without any central traversal
// of a connection set. The per-instance (never package-global) random
// source follows tenant.Manager's style of keeping all mutable state on
// the receiver rather than behind a package-level variable.
package drain

import (
	"math/rand"
	"sync"
	"time"

	"github.com/nodalmesh/proxycore/internal/dispatcher"
)

// Manager is a time-based gate answering "should I close this
// connection now?" for every live connection that polls it.
type Manager struct {
	horizon time.Duration

	mu      sync.Mutex
	startAt time.Time
	started bool
	rng     *rand.Rand
}

// New constructs a Manager with drain horizon d (spec.md's "D"). d must
// be positive; a zero-or-negative horizon would make every post-start
// drainClose call return true immediately, which is a valid but
// degenerate configuration callers should set explicitly rather than by
// omission, so New does not default it.
func New(d time.Duration) *Manager {
	return &Manager{
		horizon: d,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// StartDrainSequence records T0 = now. Idempotent: subsequent calls are
// no-ops, so a SIGTERM racing an admin /healthcheck/fail-triggered drain
// can't reset the ramp and extend the effective drain window.
func (m *Manager) StartDrainSequence() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.startAt = time.Now()
}

// Draining reports whether StartDrainSequence has been called. Callers
// use this to skip evaluating DrainClose entirely while not draining,
// since a connection handler with thousands of live connections
// shouldn't burn a random draw per connection per poll for no reason.
func (m *Manager) Draining() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// StartedAt returns T0 and whether draining has begun, for a stats-flush
// timer to publish drain progress.
func (m *Manager) StartedAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startAt, m.started
}

// DrainClose returns false until StartDrainSequence has been called;
// afterward it returns true with probability min(1, (t-T0)/D), evaluated
// at the moment of the call.
func (m *Manager) DrainClose() bool {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return false
	}
	elapsed := time.Since(m.startAt)
	m.mu.Unlock()

	if m.horizon <= 0 {
		return true
	}
	p := float64(elapsed) / float64(m.horizon)
	if p >= 1 {
		return true
	}
	if p <= 0 {
		return false
	}
	m.mu.Lock()
	draw := m.rng.Float64()
	m.mu.Unlock()
	return draw < p
}

// parentTerminator is the minimal hot-restart capability
// StartParentShutdownSequence needs — a capability interface exposing
// only what the callee needs, the cyclic-reference break spec.md §9
// describes for the Server/Config/ClusterManager/hot-restart graph.
type parentTerminator interface {
	TerminateParent()
}

// StartParentShutdownSequence schedules a one-shot timer for
// parentShutdownSeconds, after which restarter.TerminateParent is
// called. Only meaningful on a successor process during a hot restart.
func StartParentShutdownSequence(disp *dispatcher.Dispatcher, restarter parentTerminator, parentShutdownSeconds time.Duration) {
	disp.CreateTimer(parentShutdownSeconds, func() {
		restarter.TerminateParent()
	})
}
