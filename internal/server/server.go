// Package server implements spec.md §4.6's ServerInstance: the
// supervisory lifecycle orchestrator that sequences a process from a
// configuration file to N running Worker event loops, and back down
// through draining and hot-restart handoff. Grounded on
// cmd/snellerd/run_daemon.go's shape (flag-driven options, a *log.Logger
// threaded through every component, signal-driven graceful shutdown via
// a Serve/Shutdown pair) generalized from "one HTTP server" to "one
// admin listener plus N worker event loops sharing listen sockets."
package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sys/cpu"

	"github.com/nodalmesh/proxycore/internal/cluster"
	"github.com/nodalmesh/proxycore/internal/config"
	"github.com/nodalmesh/proxycore/internal/dispatcher"
	"github.com/nodalmesh/proxycore/internal/drain"
	"github.com/nodalmesh/proxycore/internal/hotrestart"
	"github.com/nodalmesh/proxycore/internal/initmanager"
	"github.com/nodalmesh/proxycore/internal/listener"
	"github.com/nodalmesh/proxycore/internal/stats"
	"github.com/nodalmesh/proxycore/internal/watchdog"
	"github.com/nodalmesh/proxycore/internal/worker"
)

// computeVersion fingerprints buildSHA (the build's full git SHA, hex
// encoded) into the first 24 bits of its blake2b-256 hash, published as
// the server.version gauge (spec.md §4.6 Phase 1 step 1). An
// unparseable SHA fails hard, rather than running an un-fingerprinted
// build, per spec.md's explicit rationale.
func computeVersion(buildSHA string) (uint32, error) {
	trimmed := strings.TrimSpace(buildSHA)
	if trimmed == "" {
		return 0, fmt.Errorf("server: empty build SHA, refusing to start un-fingerprinted")
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return 0, fmt.Errorf("server: build SHA %q is not valid hex: %w", trimmed, err)
	}
	sum := blake2b.Sum256([]byte(trimmed))
	return uint32(sum[0])<<16 | uint32(sum[1])<<8 | uint32(sum[2]), nil
}

// AdminHandlers lets a caller override the admin HTTP endpoint bodies
// spec.md §6 lists (/stats, /quitquitquit, /healthcheck/fail,
// /hot_restart_version); admin handler bodies are an external
// collaborator per spec.md §1 ("fixed contracts"). ServerInstance's own
// default implementation wires the two that have real lifecycle
// consequences (quitquitquit, healthcheck/fail) directly, since those
// aren't rendering concerns, they're core behavior the testable
// properties in spec.md §8 exercise.
type AdminHandlers interface {
	Stats(w http.ResponseWriter, r *http.Request)
	QuitQuitQuit(w http.ResponseWriter, r *http.Request)
	HealthCheckFail(w http.ResponseWriter, r *http.Request)
	HotRestartVersion(w http.ResponseWriter, r *http.Request)
}

// ServerInstance composes every other component and drives the phased
// startup, run, and shutdown sequence of spec.md §4.6.
type ServerInstance struct {
	logger  *log.Logger
	opts    config.Options
	cfg     *config.File
	version uint32

	statsStore *stats.Store
	sinks      []stats.Sink

	restarter *hotrestart.Restarter
	drainMgr  *drain.Manager
	guardDog  *watchdog.GuardDog
	initMgr   *initmanager.Manager
	clusterMgr cluster.Manager

	mainDisp *dispatcher.Dispatcher

	listenerConfigs []*listener.ListenerConfig
	socketMap       map[*listener.ListenerConfig]*listener.ListenSocket

	workers []*worker.Worker

	adminLn  net.Listener
	adminSrv *http.Server
	admin    AdminHandlers

	healthCheckFailing atomic.Bool
	originalStartTime  time.Time

	flushMu    sync.Mutex
	flushTimer dispatcher.Timer

	tlMu          sync.Mutex
	threadLocal   map[string]bool

	shutdownOnce sync.Once
}

// New runs spec.md §4.6's Phase 1 (preamble) and Phase 2 (wiring): it
// returns a ServerInstance that has bound/inherited its listen sockets,
// registered its init-barrier targets, and is ready for Run to enter
// the main loop. A non-nil error here is the "Configuration error"
// class from spec.md §7: the caller should log it critical and exit 1.
func New(logger *log.Logger, opts config.Options, buildSHA string) (*ServerInstance, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.Lshortfile)
	}

	version, err := computeVersion(buildSHA)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	s := &ServerInstance{
		logger:      logger,
		opts:        opts,
		cfg:         cfg,
		version:     version,
		statsStore:  stats.New(),
		mainDisp:    dispatcher.New(),
		socketMap:   make(map[*listener.ListenerConfig]*listener.ListenSocket),
		threadLocal: make(map[string]bool),
	}
	s.admin = &adminHandlers{s: s}
	s.statsStore.Gauge("server.version")
	atomic.StoreUint64(s.statsStore.Gauge("server.version"), uint64(version))

	if err := s.phase1(); err != nil {
		return nil, err
	}
	if err := s.phase2(); err != nil {
		return nil, err
	}
	return s, nil
}

// phase1 is spec.md §4.6's numbered Phase 1 (preamble), steps 2-6;
// step 1 (version fingerprinting) already ran in New before the
// *ServerInstance existed to hang state on.
func (s *ServerInstance) phase1() error {
	// 2. restarter.initialize(dispatcher, self) — opens the hot-restart
	// socket to the parent, if any.
	s.restarter = hotrestart.New(strconv.FormatUint(uint64(s.version), 16))
	sockDir := s.opts.RestartSocketDir
	if sockDir == "" {
		sockDir = os.TempDir()
	}
	childSock := filepath.Join(sockDir, fmt.Sprintf("proxycore-restart-%d.sock", s.opts.RestartEpoch))
	var parentSock string
	if s.opts.RestartEpoch > 0 {
		parentSock = filepath.Join(sockDir, fmt.Sprintf("proxycore-restart-%d.sock", s.opts.RestartEpoch-1))
	}
	if err := s.restarter.Initialize(s, childSock, parentSock); err != nil {
		return fmt.Errorf("server: hot-restart initialize: %w", err)
	}

	// 3. Create DrainManager.
	s.drainMgr = drain.New(s.cfg.DrainTime())

	// 4. Load initial config (already loaded in New); ask parent to
	// shut down its admin listener, inherit original_start_time.
	if t, err := s.restarter.ShutdownParentAdmin(); err == nil {
		s.originalStartTime = t
	} else {
		s.originalStartTime = time.Now()
	}

	// 5. Bind admin listener; register admin routes on the main loop.
	if s.cfg.AdminAddress != "" {
		ln, err := net.Listen("tcp", s.cfg.AdminAddress)
		if err != nil {
			return fmt.Errorf("server: bind admin listener %s: %w", s.cfg.AdminAddress, err)
		}
		s.adminLn = ln
		router := mux.NewRouter()
		router.HandleFunc("/stats", s.admin.Stats).Methods(http.MethodGet)
		router.HandleFunc("/quitquitquit", s.admin.QuitQuitQuit).Methods(http.MethodPost)
		router.HandleFunc("/healthcheck/fail", s.admin.HealthCheckFail).Methods(http.MethodPost)
		router.HandleFunc("/hot_restart_version", s.admin.HotRestartVersion).Methods(http.MethodGet)
		s.adminSrv = &http.Server{Handler: router}
		go func() {
			if err := s.adminSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				s.logger.Printf("server: admin listener exited: %v", err)
			}
		}()

		// adminAddressPath, if configured, is where the actually-bound
		// admin address is published for tooling to discover it (the
		// bind address may be "host:0", letting the kernel choose a
		// port) — spec.md §6 names this Options surface without saying
		// which direction the file flows; writing the resolved address
		// out is the convention this class of proxy follows.
		if s.opts.AdminAddressPath != "" {
			if err := os.WriteFile(s.opts.AdminAddressPath, []byte(ln.Addr().String()), 0o644); err != nil {
				s.logger.Printf("server: writing admin address path %s: %v", s.opts.AdminAddressPath, err)
			}
		}
	}

	// 6. Load server flags: $flagsPath/drain forces health-check to
	// fail from the start.
	s.reloadFlags()

	return nil
}

// reloadFlags re-checks the server flags directory for $flagsPath/drain
// — called at startup and again on every SIGUSR1, since log-rotate
// already re-reads filesystem state and operators expect "touch the
// drain flag, send a log-rotate signal" to be a recognized pattern
// (SPEC_FULL.md's Server-flags-directory-watch supplement).
func (s *ServerInstance) reloadFlags() {
	if s.opts.FlagsPath == "" {
		return
	}
	_, err := os.Stat(filepath.Join(s.opts.FlagsPath, "drain"))
	s.healthCheckFailing.Store(err == nil)
}

// phase2 is spec.md §4.6's numbered Phase 2 (wiring), steps 7-18.
func (s *ServerInstance) phase2() error {
	// 7. Construct concurrency Workers (thread objects only).
	n := s.opts.ConcurrencyOrDefault()
	s.workers = make([]*worker.Worker, n)
	for i := 0; i < n; i++ {
		s.workers[i] = worker.New(fmt.Sprintf("worker-%d", i))
	}

	// 8. Register the main thread itself as a thread-local participant.
	s.registerThreadLocal("main")

	// 9. Initialize stats threading: slots are known now that every
	// Worker has reserved its identity (step 7/8 above); nothing further
	// to do here since internal/stats's handles are already safe for
	// concurrent use from any goroutine.
	s.logger.Printf("server: %d worker slot(s) reserved", n)

	// 10/11. Runtime loader / SSL context manager: both external
	// collaborators with fixed contracts per spec.md §1 (SSL context
	// construction, runtime config-overlay loader are explicitly out of
	// scope) — this core only needs the feature-flag surface Runtime
	// exposes, modeled directly against the flags directory (see
	// featureEnabled below).

	// 12. Build cluster-manager factory and parse main configuration
	// (cfg already parsed); cluster manager begins async cluster init
	// via the targets InitManager fans out over in step 18.
	s.clusterMgr = cluster.New(s.cfg.Clusters, s.logger)

	// 13. For each IP listener: try duplicateParentListenSocket, else
	// bind fresh.
	for _, ls := range s.cfg.Listeners {
		lc := &listener.ListenerConfig{
			Name:           ls.Name,
			Address:        ls.Address,
			Network:        ls.Network,
			BindToPort:     ls.BindToPort,
			UseOriginalDst: ls.UseOriginalDst,
		}
		s.listenerConfigs = append(s.listenerConfigs, lc)
		if lc.IsUDS() {
			continue // UDS listeners are bound per-worker, never shared.
		}
		url := lc.Network + "://" + lc.Address
		if f, err := s.restarter.DuplicateParentListenSocket(url); err == nil && f != nil {
			sock, ferr := listener.FromFile(f)
			if ferr != nil {
				return fmt.Errorf("server: inherited listen socket %s: %w", url, ferr)
			}
			s.socketMap[lc] = sock
			continue
		}
		sock, err := listener.Bind(lc.Network, lc.Address)
		if err != nil {
			return fmt.Errorf("server: bind listener %s %s: %w", lc.Network, lc.Address, err)
		}
		s.socketMap[lc] = sock
	}

	// 14. Install signal handlers.
	s.mainDisp.ListenForSignal(syscall.SIGTERM, func() {
		s.logger.Printf("server: SIGTERM received, shutting down")
		s.restarter.TerminateParent()
		s.mainDisp.Exit()
	})
	s.mainDisp.ListenForSignal(syscall.SIGUSR1, func() {
		s.logger.Printf("server: SIGUSR1 received, re-checking server flags")
		s.reloadFlags()
	})
	// SIGHUP is explicitly ignored: hot restart is the reload mechanism
	// (spec.md §9 Open Question, resolved in DESIGN.md — not revisited).
	s.mainDisp.ListenForSignal(syscall.SIGHUP, func() {})

	// 15. Initialize stat sinks.
	s.sinks = []stats.Sink{&stats.LogSink{Logger: s.logger}}
	if s.cfg.StatsdAddress != "" {
		if sink, err := newStatsdSink(s.cfg.StatsdAddress); err != nil {
			s.logger.Printf("server: statsd sink %s unavailable: %v", s.cfg.StatsdAddress, err)
		} else {
			s.sinks = append(s.sinks, sink)
		}
	}

	// 16. Create stats-flush timer; does not fire until the main loop
	// runs.
	s.flushMu.Lock()
	s.flushTimer = s.mainDisp.CreateRecurringTimer(s.opts.FlushInterval(), s.flushStats)
	s.flushMu.Unlock()

	// 17. Construct GuardDog.
	s.guardDog = watchdog.New(watchdog.Config{
		MissMargin:       s.cfg.WatchdogMissMargin(),
		MegaMissMargin:   s.cfg.WatchdogMegaMissMargin(),
		KillTimeout:      s.cfg.WatchdogKillTimeout(),
		MultikillTimeout: s.cfg.WatchdogMultikillTimeout(),
	}, s.statsStore.Counter("watchdog_miss"), s.statsStore.Counter("watchdog_mega_miss"))
	go s.guardDog.Run()

	// Non-fatal startup capability log: AES-NI acceleration affects TLS
	// handshake/bulk-cipher throughput on this host, but its absence
	// never blocks startup — just worth a log line for whoever's
	// debugging a slow box.
	if cpu.X86.HasAES {
		s.logger.Printf("server: CPU supports AES-NI")
	} else {
		s.logger.Printf("server: CPU lacks AES-NI, crypto workloads will run in software")
	}

	// 18. Register a callback: when all primary clusters finish their
	// first initialization, call init_manager.initialize(startWorkers).
	// This may fire synchronously if nothing was async (spec.md §8
	// property 2).
	s.initMgr = initmanager.New("primary-clusters")
	for _, t := range s.clusterMgr.Targets() {
		s.initMgr.RegisterTarget(t)
	}
	s.initMgr.Initialize(s.startWorkers)

	return nil
}

// registerThreadLocal models spec.md's thread-local subsystem slot
// registration as a simple label-keyed set; the real per-thread state
// (watchdogs, connection handlers) already lives in their owning
// packages, so this registry only needs to track which participants
// exist for teardown/logging, not hold any shared mutable state itself.
func (s *ServerInstance) registerThreadLocal(label string) {
	s.tlMu.Lock()
	defer s.tlMu.Unlock()
	s.threadLocal[label] = true
}

func (s *ServerInstance) teardownThreadLocal() {
	s.tlMu.Lock()
	defer s.tlMu.Unlock()
	s.threadLocal = make(map[string]bool)
}

// featureEnabled is the Runtime loader's feature-flag surface: a flag
// is enabled if a same-named file exists under the flags directory.
// SSL context construction and the runtime config-overlay loader proper
// are out of scope (spec.md §1); this is the minimal flag surface
// SPEC_FULL.md's ambient wiring needs to exist at all.
func (s *ServerInstance) featureEnabled(name string) bool {
	if s.opts.FlagsPath == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(s.opts.FlagsPath, name))
	return err == nil
}

// startWorkers is spec.md §4.6's Phase 4, fired once the init barrier
// completes.
func (s *ServerInstance) startWorkers() {
	s.logger.Printf("server: init barrier complete, starting %d worker(s)", len(s.workers))
	for _, w := range s.workers {
		w.InitializeConfiguration(worker.Config{
			Listeners:     s.listenerConfigs,
			SocketMap:     s.socketMap,
			GuardDog:      s.guardDog,
			DrainManager:  s.drainMgr,
			MissInterval:  s.cfg.WatchdogMissMargin(),
			HighWatermark: s.cfg.HighWatermarkConnections,
			OnBindError: func(lc *listener.ListenerConfig, err error) {
				// CreateListenerException: lost a port race with another
				// process. Log and self-SIGTERM, unifying the exit path
				// (spec.md §4.6 Phase 4 / §7); the loop over remaining
				// workers continues per the Open Question resolution in
				// DESIGN.md.
				s.logger.Printf("server: listener %s bind race, shutting down: %v", lc.Name, err)
				s.shutdown()
			},
		})
	}
	// On success across all workers: tell the parent to stop accepting
	// new connections, and bound how long it lingers.
	if err := s.restarter.DrainParentListeners(); err != nil && err != hotrestart.ErrNoParent {
		s.logger.Printf("server: drainParentListeners: %v", err)
	}
	drain.StartParentShutdownSequence(s.mainDisp, s.restarter, s.cfg.ParentShutdownTime())
}

// Run is spec.md §4.6's Phase 3: it enters the main dispatcher loop and
// blocks until SIGTERM or an admin-triggered shutdown stops it, then
// runs the teardown sequence and returns a process exit code.
func (s *ServerInstance) Run() int {
	wd := s.guardDog.CreateWatchDog(watchdog.NewID("main"))
	touchInterval := s.cfg.WatchdogMissMargin() / 2
	if touchInterval <= 0 {
		touchInterval = time.Second
	}
	touchTimer := s.mainDisp.CreateRecurringTimer(touchInterval, wd.Touch)

	if err := s.mainDisp.Run(context.Background()); err != nil {
		s.logger.Printf("server: main dispatcher exited: %v", err)
	}

	// Teardown: stop the main watchdog and the GuardDog, exit and join
	// every worker, flush stats one last time (iff the flush timer still
	// exists), shut down the admin server, stop signal bridges, close
	// the restarter, tear down thread-local. There is no cluster-manager
	// shutdown and no main-thread connection handler to close.
	touchTimer.Stop()
	s.guardDog.StopWatching(wd)
	s.guardDog.Stop()

	for _, w := range s.workers {
		w.Exit()
	}
	for _, w := range s.workers {
		w.Join()
	}

	s.flushMu.Lock()
	timerStillLive := s.flushTimer != nil
	s.flushMu.Unlock()
	if timerStillLive {
		s.flushStats()
	}

	if s.adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.adminSrv.Shutdown(ctx)
		cancel()
	}

	s.mainDisp.StopSignals()
	s.restarter.Close()
	s.teardownThreadLocal()

	return 0
}

// shutdown self-signals SIGTERM, unifying every exit path (admin
// /quitquitquit, a worker's bind-race failure, and an ordinary SIGTERM)
// onto the single signal-handler-driven teardown installed in phase2.
// Idempotent via sync.Once so multiple workers independently hitting a
// bind race during the same startup can't double-signal.
func (s *ServerInstance) shutdown() {
	s.shutdownOnce.Do(func() {
		syscall.Kill(os.Getpid(), syscall.SIGTERM)
	})
}

// flushStats is the stats-flush timer callback (spec.md §4.6 "Stats
// flush"): ask the parent for its gauges, publish sums, iterate
// counters/gauges through every sink, then re-arm.
func (s *ServerInstance) flushStats() {
	if mem, conns, err := s.restarter.GetParentStats(); err == nil {
		atomic.StoreUint64(s.statsStore.Gauge("parent.memory_allocated"), mem)
		atomic.StoreUint64(s.statsStore.Gauge("parent.num_connections"), uint64(conns))
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	atomic.StoreUint64(s.statsStore.Gauge("memory_allocated"), ms.Alloc)
	atomic.StoreUint64(s.statsStore.Gauge("num_connections"), uint64(s.totalConnections()))

	if startAt, draining := s.drainMgr.StartedAt(); draining {
		atomic.StoreUint64(s.statsStore.Gauge("drain.elapsed_seconds"), uint64(time.Since(startAt).Seconds()))
	}

	s.statsStore.Flush(s.sinks)
}

// totalConnections sums NumConnections across every Worker's
// ConnectionHandler by posting a synchronous query onto each Worker's
// own dispatcher loop — ConnectionHandler methods must only run on
// their owning loop (spec.md §4.4), so this cannot read Worker state
// directly from the main goroutine.
func (s *ServerInstance) totalConnections() int {
	total := 0
	for _, w := range s.workers {
		result := make(chan int, 1)
		err := w.Dispatcher().Post(func() {
			n := 0
			if h := w.Handler(); h != nil {
				n = h.NumConnections()
			}
			result <- n
		})
		if err != nil {
			continue
		}
		select {
		case n := <-result:
			total += n
		case <-time.After(time.Second):
		}
	}
	return total
}

// --- hotrestart.Target implementation: this process answering its own
// (eventual) child's RPCs, spec.md §6's "symmetric" operations.

// DuplicateListenSocket returns a duplicate fd for the ListenerConfig
// bound to url ("network://address"), or nil if this process has no
// such listener.
func (s *ServerInstance) DuplicateListenSocket(url string) (*os.File, error) {
	network, address, ok := strings.Cut(url, "://")
	if !ok {
		return nil, fmt.Errorf("server: malformed listener url %q", url)
	}
	for lc, sock := range s.socketMap {
		if lc.Network == network && lc.Address == address {
			return sock.File()
		}
	}
	return nil, nil
}

// Stats reports this process's own live gauges, serviced on behalf of
// a child's getParentStats RPC.
func (s *ServerInstance) Stats() (memoryAllocated uint64, numConnections int) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Alloc, s.totalConnections()
}

// DrainListeners stops every Worker from accepting new connections,
// serviced on behalf of a child's drainParentListeners RPC.
func (s *ServerInstance) DrainListeners() {
	s.drainMgr.StartDrainSequence()
	for _, w := range s.workers {
		w.Dispatcher().Post(func() {
			if h := w.Handler(); h != nil {
				h.CloseListeners()
			}
		})
	}
}

// Terminate ends this process immediately, serviced on behalf of a
// child's terminateParent/shutdown RPC: by the time a child asks its
// parent to terminate, the parent's listeners are already drained and
// its admin listener already handed off, so there's nothing left to
// tear down gracefully.
func (s *ServerInstance) Terminate() {
	s.logger.Printf("server: terminate requested by child, exiting")
	os.Exit(0)
}

// ShutdownAdmin closes this process's admin listener (so a successor
// can bind its own) and returns original_start_time, serviced on
// behalf of a child's shutdownParentAdmin RPC. Clears the stats-flush
// timer reference per spec.md §4.6's "flush stats one last time (iff
// the flush timer still exists — it is cleared when the admin listener
// was handed to a child)".
func (s *ServerInstance) ShutdownAdmin() time.Time {
	if s.adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.adminSrv.Shutdown(ctx)
		cancel()
	}
	s.flushMu.Lock()
	s.flushTimer = nil
	s.flushMu.Unlock()
	return s.originalStartTime
}

// --- admin HTTP handlers (default AdminHandlers implementation) ---

// adminHandlers adapts *ServerInstance to the AdminHandlers interface.
// It's a separate type (rather than methods directly on ServerInstance)
// because ServerInstance already has a Stats() method satisfying
// hotrestart.Target with an incompatible signature — Go has no method
// overloading, so the HTTP-handler-shaped Stats needs its own receiver.
type adminHandlers struct {
	s *ServerInstance
}

func (a *adminHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for name, value := range a.s.statsStore.Dump() {
		fmt.Fprintf(w, "%s: %d\n", name, value)
	}
}

func (a *adminHandlers) QuitQuitQuit(w http.ResponseWriter, r *http.Request) {
	a.s.logger.Printf("server: /quitquitquit received")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
	go a.s.shutdown()
}

func (a *adminHandlers) HealthCheckFail(w http.ResponseWriter, r *http.Request) {
	a.s.healthCheckFailing.Store(true)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (a *adminHandlers) HotRestartVersion(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "%d\n", a.s.version)
}

// HealthCheckFailing reports whether this process currently answers
// health checks as failing (either via $flagsPath/drain at startup, a
// SIGUSR1-triggered re-check, or an admin /healthcheck/fail call).
func (s *ServerInstance) HealthCheckFailing() bool {
	return s.healthCheckFailing.Load()
}
