package drain

import (
	"context"
	"testing"
	"time"

	"github.com/nodalmesh/proxycore/internal/dispatcher"
)

func TestDrainCloseFalseBeforeStart(t *testing.T) {
	m := New(time.Minute)
	for i := 0; i < 100; i++ {
		if m.DrainClose() {
			t.Fatal("DrainClose returned true before StartDrainSequence")
		}
	}
}

func TestStartDrainSequenceIdempotent(t *testing.T) {
	m := New(time.Hour)
	m.StartDrainSequence()
	first, _ := m.StartedAt()
	time.Sleep(5 * time.Millisecond)
	m.StartDrainSequence()
	second, _ := m.StartedAt()
	if !first.Equal(second) {
		t.Fatal("second StartDrainSequence call moved T0")
	}
}

func TestDrainRamp(t *testing.T) {
	// D is tiny and in the past: elapsed/D >> 1, so every draw must close.
	m := New(10 * time.Millisecond)
	m.StartDrainSequence()
	time.Sleep(50 * time.Millisecond)
	for i := 0; i < 50; i++ {
		if !m.DrainClose() {
			t.Fatal("DrainClose returned false well past the drain horizon")
		}
	}
}

func TestDrainRampApproximatesProbability(t *testing.T) {
	d := 400 * time.Millisecond
	m := New(d)
	m.StartDrainSequence()
	time.Sleep(d / 2)

	const trials = 20000
	closed := 0
	for i := 0; i < trials; i++ {
		if m.DrainClose() {
			closed++
		}
	}
	got := float64(closed) / float64(trials)
	// Expect roughly 0.5 with generous slack for timing jitter across the
	// trial loop's own wall-clock duration.
	if got < 0.3 || got > 0.7 {
		t.Fatalf("drain ratio = %f, want close to 0.5", got)
	}
}

func TestDraining(t *testing.T) {
	m := New(time.Second)
	if m.Draining() {
		t.Fatal("Draining() true before StartDrainSequence")
	}
	m.StartDrainSequence()
	if !m.Draining() {
		t.Fatal("Draining() false after StartDrainSequence")
	}
}

type fakeRestarter struct {
	terminated chan struct{}
}

func (f *fakeRestarter) TerminateParent() {
	close(f.terminated)
}

func TestStartParentShutdownSequenceFiresTimer(t *testing.T) {
	disp := dispatcher.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- disp.Run(ctx) }()

	r := &fakeRestarter{terminated: make(chan struct{})}
	done := make(chan struct{})
	if err := disp.Post(func() {
		StartParentShutdownSequence(disp, r, 10*time.Millisecond)
		close(done)
	}); err != nil {
		t.Fatal(err)
	}
	<-done

	select {
	case <-r.terminated:
	case <-time.After(time.Second):
		t.Fatal("TerminateParent was never called")
	}
	disp.Exit()
	<-errc
}
