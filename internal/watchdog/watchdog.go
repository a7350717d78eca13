// Package watchdog implements the per-thread liveness token (WatchDog) and
// the background poller that watches all of them (GuardDog), per
// spec.md §4.3. Registration uses tenant.Manager's snapshot-under-lock,
// act-outside-it discipline (tenant/manager.go's gc/cachegc loops): the
// tick loop copies the live set under one mutex, then evaluates each
// WatchDog without holding it.
package watchdog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dchest/siphash"
)

// ID is a stable, loggable identity for a guarded thread. Go does not
// expose an OS thread id for a goroutine, so identity is derived instead
// from a caller-supplied label via siphash, the same hashing the pack
// uses to turn a variable-length string into a fixed, comparable token
// (cmd/snellerd/splitter.go's ETag hashing).
type ID uint64

// NewID derives a stable ID from label. Two calls with the same label
// produce the same ID; callers typically label by worker index
// ("worker-0") or role ("main").
func NewID(label string) ID {
	return ID(siphash.Hash(0, 0, []byte(label)))
}

// WatchDog is a per-thread liveness record. Only the owning
// thread/goroutine calls Touch; GuardDog only reads.
type WatchDog struct {
	id        ID
	lastTouch int64 // nanoseconds since monoBase, monotonic; atomic

	missed     bool // debounce flag for watchdog_miss transition
	megaMissed bool // debounce flag for watchdog_mega_miss transition
}

// ID returns the WatchDog's stable identity.
func (w *WatchDog) ID() ID { return w.id }

// monoBase anchors touch times to a monotonic clock reading, so a
// wall-clock step never changes a computed stall duration.
var monoBase = time.Now()

// Touch records now as the last-touch time. Called only from the loop
// this WatchDog guards.
func (w *WatchDog) Touch() {
	atomic.StoreInt64(&w.lastTouch, int64(time.Since(monoBase)))
}

func (w *WatchDog) sinceTouch(now time.Time) time.Duration {
	last := atomic.LoadInt64(&w.lastTouch)
	return now.Sub(monoBase) - time.Duration(last)
}

// Config holds the GuardDog's timing thresholds. A zero KillTimeout or
// MultikillTimeout disables that particular abort path, matching
// spec.md's "kill_timeout > 0" gate.
type Config struct {
	MissMargin       time.Duration
	MegaMissMargin   time.Duration
	KillTimeout      time.Duration
	MultikillTimeout time.Duration
}

// period returns the GuardDog's own tick interval.
func (c Config) period() time.Duration {
	p := c.MissMargin
	if c.MegaMissMargin < p {
		p = c.MegaMissMargin
	}
	return p / 2
}

// Aborter is invoked when the GuardDog decides the process must die.
// Abstracted behind an interface so tests can observe the decision
// instead of actually raising SIGABRT.
type Aborter interface {
	Abort(reason string)
}

// processAborter calls the real abort path: raise(SIGABRT) so the
// default handler produces a core dump, matching spec.md's
// "abort the process (raise SIGABRT)".
type processAborter struct{}

func (processAborter) Abort(reason string) {
	abortProcess(reason)
}

// GuardDog polls every registered WatchDog on its own timer and aborts
// the process if one (or, for multikill, several at once) goes silent
// for too long.
type GuardDog struct {
	cfg Config

	missCounter     *uint64
	megaMissCounter *uint64
	aborter         Aborter

	mu   sync.Mutex
	dogs map[ID]*WatchDog

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a GuardDog. missCounter and megaMissCounter are owned
// by the caller (the stats store); the GuardDog only ever atomically
// increments them, the same inversion tenant.Manager uses to take a
// logger without importing the logging package's setup.
func New(cfg Config, missCounter, megaMissCounter *uint64) *GuardDog {
	return &GuardDog{
		cfg:             cfg,
		missCounter:     missCounter,
		megaMissCounter: megaMissCounter,
		aborter:         processAborter{},
		dogs:            make(map[ID]*WatchDog),
		stop:            make(chan struct{}),
	}
}

// withAborter overrides the abort path, for tests.
func (g *GuardDog) withAborter(a Aborter) *GuardDog {
	g.aborter = a
	return g
}

// CreateWatchDog registers and returns a new WatchDog for id, touched
// immediately so a freshly spawned worker has a full margin before its
// first real tick.
func (g *GuardDog) CreateWatchDog(id ID) *WatchDog {
	w := &WatchDog{id: id}
	w.Touch()
	g.mu.Lock()
	g.dogs[id] = w
	g.mu.Unlock()
	return w
}

// StopWatching deregisters w. Safe to call from any goroutine.
func (g *GuardDog) StopWatching(w *WatchDog) {
	g.mu.Lock()
	delete(g.dogs, w.id)
	g.mu.Unlock()
}

// snapshot copies the live registration set under lock.
func (g *GuardDog) snapshot() []*WatchDog {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*WatchDog, 0, len(g.dogs))
	for _, w := range g.dogs {
		out = append(out, w)
	}
	return out
}

// Run starts the GuardDog's own ticking loop and blocks until Stop is
// called. Intended to be run on its own dedicated goroutine (spec.md's
// "GuardDog runs its own thread").
func (g *GuardDog) Run() {
	period := g.cfg.period()
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case now := <-ticker.C:
			g.tick(now)
		}
	}
}

// Stop ends Run's loop.
func (g *GuardDog) Stop() {
	close(g.stop)
}

func (g *GuardDog) tick(now time.Time) {
	dogs := g.snapshot()

	breached := 0
	var breachedIDs []ID
	for _, w := range dogs {
		since := w.sinceTouch(now)

		if since > g.cfg.MissMargin {
			if !w.missed {
				w.missed = true
				if g.missCounter != nil {
					atomic.AddUint64(g.missCounter, 1)
				}
			}
		} else {
			w.missed = false
		}

		if since > g.cfg.MegaMissMargin {
			if !w.megaMissed {
				w.megaMissed = true
				if g.megaMissCounter != nil {
					atomic.AddUint64(g.megaMissCounter, 1)
				}
			}
		} else {
			w.megaMissed = false
		}

		if g.cfg.KillTimeout > 0 && since > g.cfg.KillTimeout {
			g.aborter.Abort("watchdog: single thread stalled past kill_timeout")
			return
		}

		if g.cfg.MultikillTimeout > 0 && since > g.cfg.MultikillTimeout {
			breached++
			breachedIDs = append(breachedIDs, w.id)
		}
	}

	// Multikill requires at least two threads breaching simultaneously:
	// a single stuck thread may be a legitimately slow filter, a
	// process-wide hang across several is a deadlock.
	if len(breachedIDs) >= 2 {
		g.aborter.Abort("watchdog: multiple threads stalled past multikill_timeout")
	}
}
