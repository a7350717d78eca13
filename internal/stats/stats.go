// Package stats implements the counter/gauge store spec.md §4.6's
// "Stats flush" timer iterates: per-slot atomic accumulators, latched
// (delta-since-last-flush) for counters and absolute for gauges, with a
// used() gate so a metric nobody ever touched never crosses a Sink.
// Wire formats to external systems are out of scope (spec.md §1); Sink
// is the fixed external-collaborator contract this package hosts
// instead of implementing one.
package stats

import (
	"sync"
	"sync/atomic"
)

// Sink receives latched counter deltas and absolute gauge values during
// a flush. Wire format and transport are external collaborators per
// spec.md §1; this package only defines the contract a sink fulfills.
type Sink interface {
	EmitCounter(name string, delta uint64)
	EmitGauge(name string, value uint64)
}

// metric is one named counter or gauge: a live atomic value plus the
// value observed at the previous flush (for a counter's latch delta)
// and a used flag, set on first touch, gating whether Flush ever
// considers it.
type metric struct {
	value uint64 // atomic
	last  uint64 // owned by Flush; only read/written while flushing
	used  int32  // atomic bool
}

// Store holds every counter and gauge a process registers, keyed by
// name. Safe for concurrent use from any goroutine: each Worker (and
// the GuardDog) holds its own handles returned by Counter/Gauge and
// only ever calls atomic ops on them directly; Store itself is only
// locked for registration and for the snapshot Flush takes, matching
// spec.md §5's "per-slot thread-local accumulators flushed to the
// global store" shape without needing real thread-local storage, since
// a *uint64 handle already gives every caller a private increment
// target backed by the same atomic cacheline.
type Store struct {
	mu       sync.Mutex
	counters map[string]*metric
	gauges   map[string]*metric
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		counters: make(map[string]*metric),
		gauges:   make(map[string]*metric),
	}
}

// Counter returns the named counter's live value, creating it if
// necessary. The returned pointer is safe to pass to atomic.AddUint64
// from any goroutine (e.g. GuardDog's watchdog_miss/watchdog_mega_miss).
func (s *Store) Counter(name string) *uint64 {
	return s.handle(s.counters, name)
}

// Gauge returns the named gauge's live value, creating it if necessary.
// Callers use atomic.StoreUint64 to publish the current value.
func (s *Store) Gauge(name string) *uint64 {
	return s.handle(s.gauges, name)
}

func (s *Store) handle(set map[string]*metric, name string) *uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := set[name]
	if !ok {
		m = &metric{}
		set[name] = m
	}
	atomic.StoreInt32(&m.used, 1)
	return &m.value
}

// Flush reports every used() counter's latch() delta and every used()
// gauge's current value to each sink, in the order spec.md §4.6
// describes ("iterate counters... and gauges..."). A metric is skipped
// if used()==false, i.e. Counter/Gauge was never called for it.
func (s *Store) Flush(sinks []Sink) {
	s.mu.Lock()
	counters := make(map[string]*metric, len(s.counters))
	for k, v := range s.counters {
		counters[k] = v
	}
	gauges := make(map[string]*metric, len(s.gauges))
	for k, v := range s.gauges {
		gauges[k] = v
	}
	s.mu.Unlock()

	for name, m := range counters {
		if atomic.LoadInt32(&m.used) == 0 {
			continue
		}
		cur := atomic.LoadUint64(&m.value)
		delta := cur - m.last
		m.last = cur
		for _, sink := range sinks {
			sink.EmitCounter(name, delta)
		}
	}
	for name, m := range gauges {
		if atomic.LoadInt32(&m.used) == 0 {
			continue
		}
		val := atomic.LoadUint64(&m.value)
		for _, sink := range sinks {
			sink.EmitGauge(name, val)
		}
	}
}

// Dump returns a point-in-time snapshot of every used metric's current
// value, for read-only admin display (e.g. GET /stats). Unlike Flush,
// Dump never mutates a counter's latch state, so it can be called at
// any time without perturbing the next scheduled flush's delta.
func (s *Store) Dump() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counters)+len(s.gauges))
	for name, m := range s.counters {
		if atomic.LoadInt32(&m.used) == 0 {
			continue
		}
		out[name] = atomic.LoadUint64(&m.value)
	}
	for name, m := range s.gauges {
		if atomic.LoadInt32(&m.used) == 0 {
			continue
		}
		out[name] = atomic.LoadUint64(&m.value)
	}
	return out
}

// LogSink writes every emitted metric through a *log.Logger, matching
// the teacher's nil-is-silent convention: a nil *LogSink (or one
// wrapping a nil logger) is valid and simply drops everything, the same
// inversion tenant.Manager uses for its own optional logger.
type LogSink struct {
	Logger interface{ Printf(string, ...any) }
}

func (s *LogSink) EmitCounter(name string, delta uint64) {
	if s == nil || s.Logger == nil || delta == 0 {
		return
	}
	s.Logger.Printf("stats: counter %s +%d", name, delta)
}

func (s *LogSink) EmitGauge(name string, value uint64) {
	if s == nil || s.Logger == nil {
		return
	}
	s.Logger.Printf("stats: gauge %s=%d", name, value)
}
