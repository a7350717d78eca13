package listener

import (
	"net"
	"testing"
	"time"
)

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	c, err := net.Dial(addr.Network(), addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func TestAddListenerAcceptsConnections(t *testing.T) {
	sock, err := Bind("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h := New(0, nil)
	cfg := &ListenerConfig{Name: "test", Network: "tcp"}
	h.AddListener(cfg, sock)

	c := dial(t, sock.Addr())
	defer c.Close()

	deadline := time.After(time.Second)
	for h.NumConnections() == 0 {
		select {
		case <-deadline:
			t.Fatal("connection never registered")
		case <-time.After(time.Millisecond):
		}
	}
	h.CloseListeners()
	sock.Close()
}

type fakeChain struct {
	closed chan struct{}
}

func (f *fakeChain) OnClose() { close(f.closed) }

func TestConnectionCloseRemovesFromLiveList(t *testing.T) {
	sock, err := Bind("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h := New(0, nil)
	chain := &fakeChain{closed: make(chan struct{})}
	cfg := &ListenerConfig{
		Name:    "test",
		Network: "tcp",
		NewFilterChain: func(c *Connection) FilterChain {
			return chain
		},
	}
	h.AddListener(cfg, sock)

	c := dial(t, sock.Addr())
	defer c.Close()

	deadline := time.After(time.Second)
	for h.NumConnections() == 0 {
		select {
		case <-deadline:
			t.Fatal("connection never registered")
		case <-time.After(time.Millisecond):
		}
	}

	// grab the live connection and close it directly
	e := h.live.Front()
	conn := e.Value.(*Connection)
	conn.Close()

	select {
	case <-chain.closed:
	case <-time.After(time.Second):
		t.Fatal("filter chain OnClose never called")
	}
	if h.NumConnections() != 0 {
		t.Fatalf("NumConnections() = %d, want 0 after Close", h.NumConnections())
	}

	// idempotent
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}

	h.CloseListeners()
	sock.Close()
}

func TestHighWatermarkRejectsBeyondLimit(t *testing.T) {
	sock, err := Bind("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h := New(1, nil)
	cfg := &ListenerConfig{Name: "test", Network: "tcp"}
	h.AddListener(cfg, sock)

	c1 := dial(t, sock.Addr())
	defer c1.Close()
	deadline := time.After(time.Second)
	for h.NumConnections() == 0 {
		select {
		case <-deadline:
			t.Fatal("first connection never registered")
		case <-time.After(time.Millisecond):
		}
	}

	c2 := dial(t, sock.Addr())
	defer c2.Close()
	// c2 should be closed server-side promptly since the handler is at
	// its high watermark.
	buf := make([]byte, 1)
	c2.SetReadDeadline(time.Now().Add(time.Second))
	_, err = c2.Read(buf)
	if err == nil {
		t.Fatal("expected read on rejected connection to fail (closed)")
	}
	if h.Rejected() != 1 {
		t.Fatalf("Rejected() = %d, want 1", h.Rejected())
	}
	if h.NumConnections() != 1 {
		t.Fatalf("NumConnections() = %d, want 1 (rejected conn must not be tracked)", h.NumConnections())
	}

	h.CloseListeners()
	sock.Close()
}

func TestCloseConnectionsClosesAll(t *testing.T) {
	sock, err := Bind("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h := New(0, nil)
	cfg := &ListenerConfig{Name: "test", Network: "tcp"}
	h.AddListener(cfg, sock)

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conns = append(conns, dial(t, sock.Addr()))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	deadline := time.After(time.Second)
	for h.NumConnections() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d/3 connections registered", h.NumConnections())
		case <-time.After(time.Millisecond):
		}
	}

	h.CloseConnections()
	if h.NumConnections() != 0 {
		t.Fatalf("NumConnections() = %d, want 0 after CloseConnections", h.NumConnections())
	}

	h.CloseListeners()
	sock.Close()
}

func TestPollDrainClosesSelectedConnections(t *testing.T) {
	sock, err := Bind("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h := New(0, nil)
	cfg := &ListenerConfig{Name: "test", Network: "tcp"}
	h.AddListener(cfg, sock)

	var conns []net.Conn
	for i := 0; i < 3; i++ {
		conns = append(conns, dial(t, sock.Addr()))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	deadline := time.After(time.Second)
	for h.NumConnections() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d/3 connections registered", h.NumConnections())
		case <-time.After(time.Millisecond):
		}
	}

	// Alternate true/false so PollDrain's "independent draw per
	// connection" contract is exercised, not just an all-or-nothing gate.
	n := 0
	h.PollDrain(func() bool {
		n++
		return n%2 == 0
	})
	if h.NumConnections() != 2 {
		t.Fatalf("NumConnections() = %d after PollDrain, want 2", h.NumConnections())
	}

	h.CloseListeners()
	sock.Close()
}

func TestActiveListenersShareSocketWithoutDisturbingEachOther(t *testing.T) {
	sock, err := Bind("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg := &ListenerConfig{Name: "shared", Network: "tcp"}

	h1 := New(0, nil)
	h2 := New(0, nil)
	if _, err := h1.AddListener(cfg, sock); err != nil {
		t.Fatal(err)
	}
	if _, err := h2.AddListener(cfg, sock); err != nil {
		t.Fatal(err)
	}

	// h1 closes its own ActiveListener; h2's accept loop (a distinct
	// dup'd fd) must keep working against the same underlying socket.
	h1.CloseListeners()

	c := dial(t, sock.Addr())
	defer c.Close()

	deadline := time.After(time.Second)
	for h2.NumConnections() == 0 {
		select {
		case <-deadline:
			t.Fatal("h2 never accepted after h1's ActiveListener was closed")
		case <-time.After(time.Millisecond):
		}
	}
	if h1.NumConnections() != 0 {
		t.Fatal("h1 accepted a connection after CloseListeners")
	}

	h2.CloseListeners()
	sock.Close()
}
