package server

import (
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodalmesh/proxycore/internal/listener"
	"github.com/nodalmesh/proxycore/internal/watchdog"
	"github.com/nodalmesh/proxycore/internal/worker"
)

func TestComputeVersionDeterministic(t *testing.T) {
	v1, err := computeVersion("deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	v2, err := computeVersion("deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v2 {
		t.Fatalf("computeVersion not deterministic: %d != %d", v1, v2)
	}

	v3, err := computeVersion("cafef00d")
	if err != nil {
		t.Fatal(err)
	}
	if v1 == v3 {
		t.Fatalf("computeVersion collided for distinct inputs: %d", v1)
	}
}

func TestComputeVersionRejectsUnusableSHA(t *testing.T) {
	if _, err := computeVersion(""); err == nil {
		t.Fatal("expected error for empty build SHA")
	}
	if _, err := computeVersion("not-hex!"); err == nil {
		t.Fatal("expected error for non-hex build SHA")
	}
}

func TestReloadFlagsAndFeatureEnabled(t *testing.T) {
	dir := t.TempDir()
	s := &ServerInstance{
		logger:      nil,
		threadLocal: make(map[string]bool),
	}
	s.opts.FlagsPath = dir

	s.reloadFlags()
	if s.HealthCheckFailing() {
		t.Fatal("HealthCheckFailing() true before drain flag exists")
	}
	if s.featureEnabled("drain") {
		t.Fatal("featureEnabled(drain) true before the file exists")
	}

	if err := os.WriteFile(filepath.Join(dir, "drain"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	s.reloadFlags()
	if !s.HealthCheckFailing() {
		t.Fatal("HealthCheckFailing() false after drain flag written")
	}
	if !s.featureEnabled("drain") {
		t.Fatal("featureEnabled(drain) false after the file exists")
	}
}

func TestRegisterAndTeardownThreadLocal(t *testing.T) {
	s := &ServerInstance{threadLocal: make(map[string]bool)}
	s.registerThreadLocal("main")
	s.registerThreadLocal("worker-0")
	if len(s.threadLocal) != 2 {
		t.Fatalf("threadLocal has %d entries, want 2", len(s.threadLocal))
	}
	s.teardownThreadLocal()
	if len(s.threadLocal) != 0 {
		t.Fatalf("threadLocal has %d entries after teardown, want 0", len(s.threadLocal))
	}
}

func TestTotalConnectionsNoWorkers(t *testing.T) {
	s := &ServerInstance{}
	if n := s.totalConnections(); n != 0 {
		t.Fatalf("totalConnections() = %d, want 0", n)
	}
}

func TestTotalConnectionsSumsAcrossWorkers(t *testing.T) {
	sock, err := listener.Bind("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	lc := &listener.ListenerConfig{Name: "l0", Network: "tcp"}

	w := worker.New("worker-0")
	gd := watchdog.New(watchdog.Config{MissMargin: time.Hour, MegaMissMargin: time.Hour}, nil, nil)
	w.InitializeConfiguration(worker.Config{
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

	c, err := net.Dial("tcp", sock.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	s := &ServerInstance{workers: []*worker.Worker{w}}

	deadline = time.After(time.Second)
	for {
		if s.totalConnections() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("totalConnections() never reached 1, last = %d", s.totalConnections())
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

func TestAdminHandlersHotRestartVersion(t *testing.T) {
	s := &ServerInstance{version: 0x123456}
	a := &adminHandlers{s: s}

	rr := httptest.NewRecorder()
	a.HotRestartVersion(rr, nil)
	if got := rr.Body.String(); got != "1193046\n" {
		t.Fatalf("HotRestartVersion body = %q, want %q", got, "1193046\n")
	}
}

func TestAdminHandlersHealthCheckFail(t *testing.T) {
	s := &ServerInstance{}
	a := &adminHandlers{s: s}

	if s.HealthCheckFailing() {
		t.Fatal("HealthCheckFailing() true before /healthcheck/fail")
	}
	rr := httptest.NewRecorder()
	a.HealthCheckFail(rr, nil)
	if !s.HealthCheckFailing() {
		t.Fatal("HealthCheckFailing() false after /healthcheck/fail")
	}
	if rr.Code != 200 {
		t.Fatalf("HealthCheckFail status = %d, want 200", rr.Code)
	}
}
