package worker

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nodalmesh/proxycore/internal/listener"
	"github.com/nodalmesh/proxycore/internal/watchdog"
)

type fakeGuardDog struct {
	mu      sync.Mutex
	created []watchdog.ID
	stopped []watchdog.ID
}

func (f *fakeGuardDog) CreateWatchDog(id watchdog.ID) *watchdog.WatchDog {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, id)
	g := watchdog.New(watchdog.Config{MissMargin: time.Hour, MegaMissMargin: time.Hour}, nil, nil)
	return g.CreateWatchDog(id)
}

func (f *fakeGuardDog) StopWatching(w *watchdog.WatchDog) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, w.ID())
}

func TestWorkerLifecycle(t *testing.T) {
	w := New("worker-test")
	gd := &fakeGuardDog{}

	w.InitializeConfiguration(Config{
		GuardDog:      gd,
		MissInterval:  10 * time.Millisecond,
		HighWatermark: 0,
	})

	// give the goroutine a moment to reach its dispatcher.Run loop
	time.Sleep(20 * time.Millisecond)

	w.Exit()
	done := make(chan struct{})
	go func() {
		w.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after Exit()")
	}

	gd.mu.Lock()
	defer gd.mu.Unlock()
	if len(gd.created) != 1 || gd.created[0] != w.ID() {
		t.Fatalf("CreateWatchDog not called with worker id: %v", gd.created)
	}
	if len(gd.stopped) != 1 || gd.stopped[0] != w.ID() {
		t.Fatalf("StopWatching not called with worker id: %v", gd.stopped)
	}
}

func TestWorkerBindsSharedListener(t *testing.T) {
	sock, err := listener.Bind("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	lc := &listener.ListenerConfig{Name: "l0", Network: "tcp"}

	w := New("worker-listen")
	gd := &fakeGuardDog{}
	w.InitializeConfiguration(Config{
		Listeners:     []*listener.ListenerConfig{lc},
		SocketMap:     map[*listener.ListenerConfig]*listener.ListenSocket{lc: sock},
		GuardDog:      gd,
		MissInterval:  10 * time.Millisecond,
		HighWatermark: 0,
	})

	deadline := time.After(time.Second)
	for w.Handler() == nil {
		select {
		case <-deadline:
			t.Fatal("handler never initialized")
		case <-time.After(time.Millisecond):
		}
	}

	w.Exit()
	done := make(chan struct{})
	go func() {
		w.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after Exit()")
	}
	sock.Close()
}

// fakeDrainGate is a stub DrainGate whose fields can be flipped from the
// test goroutine; both methods take the lock since the worker's drain
// timer reads them from its own dispatcher goroutine.
type fakeDrainGate struct {
	mu       sync.Mutex
	draining bool
	close    bool
}

func (g *fakeDrainGate) Draining() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.draining
}

func (g *fakeDrainGate) DrainClose() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.close
}

func (g *fakeDrainGate) setDraining(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.draining = v
}

func (g *fakeDrainGate) setClose(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.close = v
}

// TestWorkerDrainPollClosesLiveConnections exercises the full Worker-level
// wiring behind DrainGate: a live connection survives while the gate
// reports not-draining, then gets closed once the gate starts reporting
// draining=true and close=true, without any Worker.Exit() hard stop.
func TestWorkerDrainPollClosesLiveConnections(t *testing.T) {
	sock, err := listener.Bind("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	lc := &listener.ListenerConfig{Name: "l0", Network: "tcp"}

	w := New("worker-drain")
	gd := &fakeGuardDog{}
	gate := &fakeDrainGate{}
	w.InitializeConfiguration(Config{
		Listeners:         []*listener.ListenerConfig{lc},
		SocketMap:         map[*listener.ListenerConfig]*listener.ListenSocket{lc: sock},
		GuardDog:          gd,
		DrainManager:      gate,
		DrainPollInterval: 10 * time.Millisecond,
		MissInterval:      10 * time.Millisecond,
		HighWatermark:     0,
	})

	deadline := time.After(time.Second)
	for w.Handler() == nil {
		select {
		case <-deadline:
			t.Fatal("handler never initialized")
		case <-time.After(time.Millisecond):
		}
	}

	conn, err := net.Dial(sock.Addr().Network(), sock.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	waitForCount := func(want int, msg string) {
		deadline := time.After(time.Second)
		for {
			var n int
			done := make(chan struct{})
			_ = w.Dispatcher().Post(func() {
				n = w.Handler().NumConnections()
				close(done)
			})
			<-done
			if n == want {
				return
			}
			select {
			case <-deadline:
				t.Fatalf("%s: NumConnections() = %d, want %d", msg, n, want)
			case <-time.After(time.Millisecond):
			}
		}
	}
	waitForCount(1, "connection never registered")

	// Not draining yet: the poll timer must leave the connection alone.
	time.Sleep(50 * time.Millisecond)
	waitForCount(1, "connection closed before draining began")

	gate.setDraining(true)
	gate.setClose(true)
	waitForCount(0, "connection was never drained")

	w.Exit()
	done := make(chan struct{})
	go func() {
		w.Join()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after Exit()")
	}
	sock.Close()
}
