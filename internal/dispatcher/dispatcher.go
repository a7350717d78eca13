// Package dispatcher implements the single-threaded event loop each
// main/worker/guard-dog goroutine owns: a task queue, a timer heap, and
// an os/signal bridge. It is the Go-idiomatic stand-in for spec.md's
// Glossary "Dispatcher" — everything that mutates loop-owned state must
// cross into the loop via Post, the same inversion tenant.Manager uses
// for its control-socket accept loop (Manager.Serve/Manager.gc).
package dispatcher

import (
	"container/heap"
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"time"
)

// ErrClosed is returned by Post once the dispatcher has exited; it mirrors tenant.Manager's ErrOverloaded in shape (a sentinel
// the caller is expected to check, not a panic).
var ErrClosed = errors.New("dispatcher: loop has exited")

// Dispatcher is a single-threaded event loop. Exactly one goroutine
// should call Run; every other goroutine talks to it exclusively
// through Post.
type Dispatcher struct {
	tasks chan func()
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	timers timerHeap

	sigMu   sync.Mutex
	sigStop []func()

	onPanic func(recovered any)
}

// SetPanicHandler installs fn to be called, on the loop goroutine, if a
// posted task or fired timer panics. Without a handler, a panicking
// task crashes the process the ordinary Go way; with one, the loop
// itself survives so the handler can log and orchestrate an orderly
// exit (spec.md §7's "log critical and exit" path for an in-dispatcher
// exception) rather than taking down the loop mid-recover. Grounded on
// the evaluated-and-rejected go-eventloop package's safeExecute
// concept, reimplemented here directly since that package does not
// compile as retrieved (see DESIGN.md).
func (d *Dispatcher) SetPanicHandler(fn func(recovered any)) {
	d.onPanic = fn
}

func (d *Dispatcher) safeExecute(fn func()) {
	if d.onPanic == nil {
		fn()
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.onPanic(r)
		}
	}()
	fn()
}

// New constructs a Dispatcher. The task queue is buffered generously so
// that a burst of posts (e.g. every worker signaling readiness at once
// during a hot restart) never blocks the posting goroutine.
func New() *Dispatcher {
	return &Dispatcher{
		tasks: make(chan func(), 256),
		done:  make(chan struct{}),
	}
}

// Post enqueues fn to run on the loop goroutine, in FIFO order relative
// to every other Post on this Dispatcher. Post never blocks on the
// callback itself; it only blocks as long as it takes to enqueue.
func (d *Dispatcher) Post(fn func()) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.mu.Unlock()
	select {
	case d.tasks <- fn:
		return nil
	case <-d.done:
		return ErrClosed
	}
}

// Exit stops the loop. Run returns (nil) once it observes the exit
// signal and has drained no further tasks. Exit is idempotent.
func (d *Dispatcher) Exit() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.done)
}

// Run blocks the calling goroutine, servicing posted tasks and fired
// timers until Exit is called or ctx is done. This is the loop's one
// and only suspension point, matching spec.md §5's "suspension points:
// only inside dispatcher.run."
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		var timerC <-chan time.Time
		var t *time.Timer
		if d.timers.Len() > 0 {
			delay := time.Until(d.timers[0].when)
			if delay < 0 {
				delay = 0
			}
			t = time.NewTimer(delay)
			timerC = t.C
		}

		select {
		case <-d.done:
			if t != nil {
				t.Stop()
			}
			return nil
		case <-ctx.Done():
			if t != nil {
				t.Stop()
			}
			return ctx.Err()
		case fn := <-d.tasks:
			if t != nil {
				t.Stop()
			}
			d.safeExecute(fn)
		case <-timerC:
			d.fireExpiredTimers()
		}
	}
}

type timer struct {
	when time.Time
	fn   func()
	// recur is non-zero for CreateRecurringTimer entries: on fire, the
	// timer is immediately rescheduled recur in the future.
	recur time.Duration
	// canceled is checked when the heap entry is popped so Timer.Stop
	// doesn't need to mutate the heap from an arbitrary goroutine.
	canceled *bool
	// push re-schedules the next occurrence of a recurring timer; nil
	// for one-shot timers.
	push func()
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timer)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Timer is a handle returned by CreateTimer/CreateRecurringTimer.
type Timer interface {
	// Stop cancels the timer. It may be called any number of times, from
	// the loop goroutine or after Run has returned; the cancel flag is a
	// plain bool, not synchronized for writes from other goroutines.
	Stop()
}

type timerHandle struct {
	canceled *bool
}

func (h *timerHandle) Stop() {
	*h.canceled = true
}

// CreateTimer schedules fn to run once, after d elapses, on the loop
// goroutine. It must be called from the loop goroutine (the same
// constraint spec.md places on every Worker/ServerInstance timer use).
func (d *Dispatcher) CreateTimer(delay time.Duration, fn func()) Timer {
	canceled := new(bool)
	heap.Push(&d.timers, &timer{
		when:     time.Now().Add(delay),
		fn:       fn,
		canceled: canceled,
	})
	return &timerHandle{canceled: canceled}
}

// CreateRecurringTimer is CreateTimer that reschedules itself every
// interval after firing, the shape spec.md's watchdog-touch and
// stats-flush timers both need.
func (d *Dispatcher) CreateRecurringTimer(interval time.Duration, fn func()) Timer {
	canceled := new(bool)
	var push func()
	// Every entry carries push so each fire reschedules the next one:
	// fireExpiredTimers calls it after fn when t.recur != 0.
	push = func() {
		heap.Push(&d.timers, &timer{
			when:     time.Now().Add(interval),
			fn:       fn,
			recur:    interval,
			canceled: canceled,
			push:     push,
		})
	}
	push()
	return &timerHandle{canceled: canceled}
}

func (d *Dispatcher) fireExpiredTimers() {
	now := time.Now()
	for d.timers.Len() > 0 && !d.timers[0].when.After(now) {
		t := heap.Pop(&d.timers).(*timer)
		if *t.canceled {
			continue
		}
		d.safeExecute(t.fn)
		if t.recur != 0 && !*t.canceled && t.push != nil {
			t.push()
		}
	}
}

// ListenForSignal arms fn to run on the loop goroutine whenever sig is
// delivered to the process, the same bridge cmd/snellerd's run_daemon
// uses (a dedicated signal.Notify channel, read on its own goroutine,
// with the actual work done through the owning component) except here
// the handoff is explicit via Post rather than implicit in which
// goroutine happens to read the channel.
func (d *Dispatcher) ListenForSignal(sig os.Signal, fn func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)
	stop := make(chan struct{})
	d.sigMu.Lock()
	d.sigStop = append(d.sigStop, func() { close(stop); signal.Stop(ch) })
	d.sigMu.Unlock()
	go func() {
		for {
			select {
			case <-ch:
				_ = d.Post(fn)
			case <-stop:
				return
			case <-d.done:
				return
			}
		}
	}()
}

// StopSignals tears down every ListenForSignal bridge goroutine. Called
// during ServerInstance teardown so a lingering dispatcher doesn't keep
// signal-delivery goroutines alive past process exit.
func (d *Dispatcher) StopSignals() {
	d.sigMu.Lock()
	defer d.sigMu.Unlock()
	for _, stop := range d.sigStop {
		stop()
	}
	d.sigStop = nil
}
