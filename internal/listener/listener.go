// Package listener implements the ConnectionHandler model described in
// spec.md §3/§4.4: a per-worker registry of ActiveListeners arming
// accept on shared or per-worker sockets, and an intrusive list of the
// Connections they hand off to a filter chain. Socket duplication for
// hot restart is grounded on cmd/snellerd/run_worker.go's
// os.NewFile/net.FileConn pattern for turning an inherited fd back into
// a usable net.Conn.
package listener

import (
	"container/list"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// ListenerConfig is an immutable per-address description, created once
// at config parse and compared by pointer identity (never by address)
// for the lifetime of the process.
type ListenerConfig struct {
	Name           string
	Address        string
	Network        string // "tcp" or "unix"; "unix" sockets are bound per-worker and never enter the shared socket map.
	BindToPort     bool
	UseOriginalDst bool

	// NewFilterChain builds the per-connection filter chain. Filter
	// logic itself is out of scope; this just needs to exist so
	// ActiveListener has something to hand every accepted Connection to.
	NewFilterChain func(*Connection) FilterChain
}

// IsUDS reports whether this config's socket is bound per-worker
// rather than shared via the ListenSocket map.
func (c *ListenerConfig) IsUDS() bool { return c.Network == "unix" }

// FilterChain is the minimal capability a Connection needs from its
// filter chain: a close notification. Kept minimal and local rather
// than importing a hypothetical filter package, since filter logic is
// explicitly out of scope.
type FilterChain interface {
	OnClose()
}

// ListenSocket is a file descriptor bound to an address, shared by
// every Worker for "tcp" ListenerConfigs. Created exactly once per
// ListenerConfig: either freshly bound, or duplicated from a parent
// process's fd during hot restart.
type ListenSocket struct {
	ln net.Listener
}

// Bind opens a fresh ListenSocket for network/address ("tcp", "host:port").
func Bind(network, address string) (*ListenSocket, error) {
	ln, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return &ListenSocket{ln: ln}, nil
}

// FromFile wraps an inherited, already-bound file descriptor as a
// ListenSocket — the hot-restart duplication path. f is consumed
// (closed) on success, matching os.FileListener's contract.
func FromFile(f *os.File) (*ListenSocket, error) {
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, err
	}
	f.Close()
	return &ListenSocket{ln: ln}, nil
}

// File returns a duplicate *os.File for this socket's underlying fd,
// suitable for passing to a child process via SCM_RIGHTS during hot
// restart. Only TCP/Unix listeners backed by *net.TCPListener or
// *net.UnixListener expose this.
func (s *ListenSocket) File() (*os.File, error) {
	type fileProvider interface {
		File() (*os.File, error)
	}
	fp, ok := s.ln.(fileProvider)
	if !ok {
		return nil, fmt.Errorf("listener: %T does not support File()", s.ln)
	}
	return fp.File()
}

// Dup returns a fresh net.Listener backed by a duplicate of this
// socket's file descriptor. Every ActiveListener gets its own dup
// rather than accepting on the shared ln directly: dup'd descriptors
// still pull from the same kernel accept queue, but each gets
// independent deadline/close bookkeeping in the runtime, so N workers
// sharing one ListenerConfig (concurrency>1) never race each other's
// SetDeadline or Close calls against a single shared fd.
func (s *ListenSocket) Dup() (net.Listener, error) {
	f, err := s.File()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return net.FileListener(f)
}

// Close closes the underlying listener. Only ServerInstance (the owner
// of the socket map) should ever call this; Workers only Accept from it.
func (s *ListenSocket) Close() error {
	return s.ln.Close()
}

func (s *ListenSocket) Addr() net.Addr { return s.ln.Addr() }

// Connection is a single accepted connection, tracked on the
// ConnectionHandler's intrusive live list for the duration of its life.
type Connection struct {
	conn    net.Conn
	chain   FilterChain
	handler *ConnectionHandler
	elem    *list.Element
	closed  int32
}

// RemoteAddr exposes the peer address for logging.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Raw returns the underlying net.Conn for filter/transport code.
func (c *Connection) Raw() net.Conn { return c.conn }

// Close closes the underlying socket and is idempotent; the registered
// close callback removes it from the owning ConnectionHandler's live
// list exactly once regardless of how many times Close is called.
func (c *Connection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	err := c.conn.Close()
	if c.chain != nil {
		c.chain.OnClose()
	}
	if c.handler != nil {
		c.handler.Remove(c)
	}
	return err
}

// ActiveListener is a Worker-side registration of a ListenerConfig
// against a ListenSocket: it owns the accept loop and the connections
// it spawns are handed to the owning ConnectionHandler. It accepts on
// its own duplicated fd (ln), never on the ListenSocket's own
// net.Listener directly, so that closing or otherwise touching this
// ActiveListener's accept loop never disturbs any sibling
// ActiveListener dup'd from the same shared ListenSocket.
type ActiveListener struct {
	config  *ListenerConfig
	socket  *ListenSocket
	handler *ConnectionHandler

	ln net.Listener

	stop   chan struct{}
	stopWG sync.WaitGroup
}

// ErrClosed is the error for a listener that has been torn down. The
// accept loop does not use it: run returns on any Accept error.
var ErrClosed = errors.New("listener: closed")

func newActiveListener(config *ListenerConfig, socket *ListenSocket, handler *ConnectionHandler) (*ActiveListener, error) {
	ln, err := socket.Dup()
	if err != nil {
		return nil, err
	}
	return &ActiveListener{
		config:  config,
		socket:  socket,
		handler: handler,
		ln:      ln,
		stop:    make(chan struct{}),
	}, nil
}

// run is the accept loop; runs on its own goroutine, one per
// ActiveListener, since net.Listener.Accept blocks.
func (a *ActiveListener) run() {
	a.stopWG.Add(1)
	defer a.stopWG.Done()
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			// close() closes a.ln to unblock Accept on stop; any other
			// accept error is fatal to this listener too.
			return
		}
		a.handler.onAccept(a, conn)
	}
}

// close stops the accept loop by closing this ActiveListener's own
// duplicated fd — never the shared ListenSocket, which stays open for
// any sibling ActiveListener still accepting on it.
func (a *ActiveListener) close() {
	close(a.stop)
	a.ln.Close()
	a.stopWG.Wait()
}

// ConnectionHandler lives on one event loop (one Worker). It tracks an
// active-listener registry keyed by ListenerConfig identity and an
// intrusive list of live Connections. All methods must run on the
// owning loop; external callers marshal through the dispatcher. Accept
// events themselves arrive on a different goroutine (the accept loop
// blocks on net.Listener.Accept, which the owning loop cannot do
// without stalling every other task), so onAccept marshals onto post
// before touching any handler state — spec.md §4.4's "external callers
// use the dispatcher's post to marshal" applies to the handler's own
// accept loop too, not only to outside callers.
type ConnectionHandler struct {
	listeners map[*ListenerConfig]*ActiveListener
	live      *list.List // of *Connection

	highWatermark int
	rejected      uint64

	// post marshals a callback onto the owning loop. nil means "run
	// inline", used by tests exercising the handler off any loop.
	post func(func())
}

// New constructs an empty ConnectionHandler. highWatermark is the
// configured global downstream connection limit (0 disables it): when
// numConnections() would exceed it, newly accepted sockets are closed
// immediately instead of being handed to the filter chain. post
// marshals accept events onto the owning Worker's dispatcher loop; pass
// nil to run accept handling inline (tests only — production wiring
// must always supply the owning Dispatcher's Post).
func New(highWatermark int, post func(func())) *ConnectionHandler {
	return &ConnectionHandler{
		post:          post,
		listeners:     make(map[*ListenerConfig]*ActiveListener),
		live:          list.New(),
		highWatermark: highWatermark,
	}
}

// AddListener creates an ActiveListener that arms accept on socket and
// starts its accept loop.
func (h *ConnectionHandler) AddListener(config *ListenerConfig, socket *ListenSocket) (*ActiveListener, error) {
	al, err := newActiveListener(config, socket, h)
	if err != nil {
		return nil, err
	}
	h.listeners[config] = al
	go al.run()
	return al, nil
}

// onAccept is invoked from an ActiveListener's own accept goroutine. It
// marshals the actual bookkeeping onto the owning loop via h.post so
// every read/write of h.live and h.listeners happens on exactly one
// goroutine, matching spec.md §4.4's "all methods must run on the
// owning loop" even for the handler's own accept events.
func (h *ConnectionHandler) onAccept(al *ActiveListener, raw net.Conn) {
	accept := func() {
		if h.highWatermark > 0 && h.live.Len() >= h.highWatermark {
			atomic.AddUint64(&h.rejected, 1)
			raw.Close()
			return
		}
		c := &Connection{conn: raw, handler: h}
		if al.config.NewFilterChain != nil {
			c.chain = al.config.NewFilterChain(c)
		}
		c.elem = h.live.PushBack(c)
	}
	if h.post == nil {
		accept()
		return
	}
	h.post(accept)
}

// CloseListeners drops all ActiveListeners (stops accepting) but
// leaves live Connections running until they drain or close on their
// own.
func (h *ConnectionHandler) CloseListeners() {
	for cfg, al := range h.listeners {
		al.close()
		delete(h.listeners, cfg)
	}
}

// CloseConnections iterates the live list and closes every Connection.
// Each Close call removes its own element via the handler's close
// callback, so the next pointer must be captured before calling it.
func (h *ConnectionHandler) CloseConnections() {
	for e := h.live.Front(); e != nil; {
		next := e.Next()
		c := e.Value.(*Connection)
		c.Close()
		e = next
	}
}

// PollDrain walks the live list once and closes every Connection for
// which shouldClose returns true. shouldClose is called independently
// per connection (typically a *drain.Manager's DrainClose, whose
// result is a fresh probabilistic draw each call) so that live
// connections close out over the drain horizon rather than all at
// once — the ramp spec.md's DrainManager is named for. Must run on the
// owning loop like every other ConnectionHandler method; a Worker
// drives this from a recurring timer on its own dispatcher.
func (h *ConnectionHandler) PollDrain(shouldClose func() bool) {
	for e := h.live.Front(); e != nil; {
		next := e.Next()
		if shouldClose() {
			e.Value.(*Connection).Close()
		}
		e = next
	}
}

// Remove takes c off the live list; called from a Connection's close
// callback once it has actually closed.
func (h *ConnectionHandler) Remove(c *Connection) {
	if c.elem != nil {
		h.live.Remove(c.elem)
		c.elem = nil
	}
}

// NumConnections returns the live list size, O(1).
func (h *ConnectionHandler) NumConnections() int { return h.live.Len() }

// Rejected returns the number of accepted sockets closed immediately
// due to the high-watermark admission control.
func (h *ConnectionHandler) Rejected() uint64 { return atomic.LoadUint64(&h.rejected) }
