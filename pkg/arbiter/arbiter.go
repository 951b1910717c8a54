// Package arbiter implements the root supervisor spec.md §4.6 describes:
// the process-wide root owning the mailbox's TCP listener, a routing
// table from aid to connection, a directory of monitors by name, and
// signal-driven graceful shutdown. New does not guard against a second
// Arbiter being constructed in the same process; each one is
// independent. It is grounded on the teacher's
// Vertx (pkg/core/vertx.go): a single root object owning the event bus
// and a map of deployments, closed top-down on shutdown — generalized
// here from an in-process event bus to a real TCP mailbox server
// fronting many remote actor connections.
package arbiter

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pulsario/pulsar/pkg/actor"
	"github.com/pulsario/pulsar/pkg/audit"
	"github.com/pulsario/pulsar/pkg/auth"
	"github.com/pulsario/pulsar/pkg/command"
	"github.com/pulsario/pulsar/pkg/config"
	"github.com/pulsario/pulsar/pkg/event"
	"github.com/pulsario/pulsar/pkg/id"
	"github.com/pulsario/pulsar/pkg/logging"
	"github.com/pulsario/pulsar/pkg/mailbox"
	"github.com/pulsario/pulsar/pkg/monitor"
)

// Many-time events fired on the arbiter's Emitter.
const (
	EventWorkerConnected = "worker_connected"
	EventWorkerLost      = "worker_lost"
)

// processHandle adapts an os/exec-spawned child process to
// monitor.Worker, for Concurrency == config.Process.
type processHandle struct {
	aid    string
	cmd    *exec.Cmd
	done   chan struct{}
	once   sync.Once
}

func (p *processHandle) AID() string          { return p.aid }
func (p *processHandle) Done() <-chan struct{} { return p.done }
func (p *processHandle) RequestStop() {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
	})
}

// Arbiter is the process-wide supervision root.
type Arbiter struct {
	cfg      config.Config
	registry *command.Registry
	logger   logging.Logger
	events   *event.Emitter

	listener net.Listener

	mu          sync.Mutex
	connections map[string]*mailbox.Connection // aid -> connection
	lastNotify  map[string]bool                // aid -> handshake completed
	monitors    map[string]*monitor.Monitor     // name -> monitor

	waitersMu sync.Mutex
	waiters   map[string]chan struct{} // aid -> closed once registered

	selfPath string // os.Executable(), for process-concurrency spawns

	journal        audit.Journal
	dispatchWrap   func(next func(req *command.Request) (interface{}, error)) func(req *command.Request) (interface{}, error)

	shutdownOnce sync.Once
	stopped      chan struct{}
}

// New constructs an Arbiter bound to cfg. It does not start listening
// until Start is called.
func New(cfg config.Config, registry *command.Registry, logger logging.Logger) (*Arbiter, error) {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	a := &Arbiter{
		cfg:         cfg,
		registry:    registry,
		logger:      logger,
		events:      event.NewEmitter(),
		connections: make(map[string]*mailbox.Connection),
		lastNotify:  make(map[string]bool),
		monitors:    make(map[string]*monitor.Monitor),
		waiters:     make(map[string]chan struct{}),
		selfPath:    self,
		journal:     audit.NopJournal{},
		stopped:     make(chan struct{}),
	}
	return a, nil
}

// SetJournal installs the audit journal every handshake, heartbeat, and
// disconnect is recorded to. The default is audit.NopJournal, so an
// arbiter works without one configured.
func (a *Arbiter) SetJournal(j audit.Journal) {
	if j == nil {
		j = audit.NopJournal{}
	}
	a.mu.Lock()
	a.journal = j
	a.mu.Unlock()
}

// SetDispatchMiddleware wraps every inbound command dispatch on every
// connection the arbiter accepts from here on, in place of calling the
// registry directly. Used to layer tracing spans and metrics counters
// around dispatch (pkg/telemetry) without pkg/command or pkg/mailbox
// needing any observability-specific code.
func (a *Arbiter) SetDispatchMiddleware(fn func(next func(req *command.Request) (interface{}, error)) func(req *command.Request) (interface{}, error)) {
	a.mu.Lock()
	a.dispatchWrap = fn
	a.mu.Unlock()
}

// Events returns the arbiter's event emitter.
func (a *Arbiter) Events() *event.Emitter { return a.events }

// ListenAddr returns the mailbox listener's address, available once
// Start has run.
func (a *Arbiter) ListenAddr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Start binds the OS-assigned mailbox port (spec.md §4.6) and begins
// accepting connections.
func (a *Arbiter) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:0", a.cfg.MailboxHost))
	if err != nil {
		return fmt.Errorf("arbiter: listen: %w", err)
	}
	a.listener = ln
	go a.acceptLoop(ctx)
	return nil
}

func (a *Arbiter) acceptLoop(ctx context.Context) {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if a.logger != nil {
				a.logger.Warn("arbiter: accept failed", "err", err)
			}
			return
		}
		go a.handleConnection(ctx, conn)
	}
}

func (a *Arbiter) handleConnection(ctx context.Context, rawConn net.Conn) {
	authCfg := a.authConfig()
	c := mailbox.New(rawConn, "arbiter", a.registry, authCfg, a.logger)
	c.SetTarget(a)
	a.mu.Lock()
	wrap := a.dispatchWrap
	a.mu.Unlock()
	if wrap != nil {
		c.SetDispatcher(wrap(a.registry.Dispatch))
	}
	c.OnCallerIdentified(func(aid string) {
		a.mu.Lock()
		a.connections[aid] = c
		j := a.journal
		a.mu.Unlock()
		a.events.Fire(EventWorkerConnected, aid, nil)
		a.notifyWaiter(aid)
		_ = j.Record(ctx, audit.Record{AID: aid, Kind: audit.KindHandshake})
	})

	err := c.Serve(ctx)

	aid := c.PeerAID()
	if aid != "" {
		a.mu.Lock()
		delete(a.connections, aid)
		delete(a.lastNotify, aid)
		j := a.journal
		a.mu.Unlock()
		a.events.Fire(EventWorkerLost, aid, err)
		_ = j.Record(context.Background(), audit.Record{AID: aid, Kind: audit.KindStop})
	}
}

func (a *Arbiter) authConfig() auth.Config {
	if a.cfg.HandshakeSecret == "" {
		return auth.Config{}
	}
	return auth.DefaultConfig(a.cfg.HandshakeSecret)
}

// RecordNotify satisfies command.Supervisor: the first notify seen for an
// aid completes its handshake bookkeeping, every later one just refreshes
// it.
func (a *Arbiter) RecordNotify(senderAID string, info map[string]interface{}) bool {
	a.mu.Lock()
	first := !a.lastNotify[senderAID]
	a.lastNotify[senderAID] = true
	j := a.journal
	a.mu.Unlock()
	_ = j.Record(context.Background(), audit.Record{AID: senderAID, Kind: audit.KindHeartbeat, Info: info})
	return first
}

// SpawnActor satisfies command.Spawner: it creates a new actor hosted
// according to a.cfg.Concurrency and waits for its handshake to
// complete, returning its aid. It is the handler behind the ad hoc
// "spawn" command.
func (a *Arbiter) SpawnActor(req *command.Request) (string, error) {
	name, _ := req.Kwargs["name"].(string)
	if name == "" {
		name = "actor"
	}
	w, err := a.SpawnWorker(context.Background(), name)
	if err != nil {
		return "", err
	}
	return w.AID(), nil
}

// SpawnWorker creates and waits for one new worker to complete its
// handshake, returning a monitor.Worker handle. Its signature matches
// monitor.SpawnFunc, so a monitor pool can use it directly as the
// supervisor-side spawn strategy for spec.md §4.5's manage_workers.
func (a *Arbiter) SpawnWorker(ctx context.Context, name string) (monitor.Worker, error) {
	aid := id.New(name)

	waiter := make(chan struct{})
	a.waitersMu.Lock()
	a.waiters[aid.String()] = waiter
	a.waitersMu.Unlock()
	defer func() {
		a.waitersMu.Lock()
		delete(a.waiters, aid.String())
		a.waitersMu.Unlock()
	}()

	var worker monitor.Worker
	var err error
	switch a.cfg.Concurrency {
	case config.Thread:
		worker, err = a.spawnThread(aid.String(), name)
	default:
		worker, err = a.spawnProcess(aid.String(), name)
	}
	if err != nil {
		return nil, err
	}

	select {
	case <-waiter:
		return worker, nil
	case <-time.After(a.cfg.HandshakeTimeout):
		worker.RequestStop()
		return nil, fmt.Errorf("arbiter: spawned actor %s did not complete handshake within %s", aid, a.cfg.HandshakeTimeout)
	case <-ctx.Done():
		worker.RequestStop()
		return nil, ctx.Err()
	}
}

func (a *Arbiter) spawnThread(aid, name string) (monitor.Worker, error) {
	a.mu.Lock()
	wrap := a.dispatchWrap
	a.mu.Unlock()
	ac := actor.New(actor.Config{
		Name:               name,
		SupervisorAddr:     a.ListenAddr(),
		HandshakeTimeout:   a.cfg.HandshakeTimeout,
		HeartbeatPeriod:    a.cfg.HeartbeatPeriod,
		GracefulTimeout:    a.cfg.GracefulTimeout,
		Auth:               a.authConfig(),
		Logger:             a.logger,
		PresetAID:          aid,
		DispatchMiddleware: wrap,
	}, a.registry)

	go func() {
		if err := ac.Start(context.Background()); err != nil && a.logger != nil {
			a.logger.Error("arbiter: thread-spawned actor failed to start", "aid", aid, "err", err)
		}
	}()
	return ac, nil
}

func (a *Arbiter) spawnProcess(aid, name string) (monitor.Worker, error) {
	cmd := exec.Command(a.selfPath,
		"--role=actor",
		"--aid="+aid,
		"--name="+name,
		"--supervisor-addr="+a.ListenAddr(),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("arbiter: spawn process: %w", err)
	}

	ph := &processHandle{aid: aid, cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(ph.done)
	}()
	return ph, nil
}

func (a *Arbiter) notifyWaiter(aid string) {
	a.waitersMu.Lock()
	w, ok := a.waiters[aid]
	a.waitersMu.Unlock()
	if ok {
		select {
		case <-w:
		default:
			close(w)
		}
	}
}

// RegisterMonitor adds a named monitor to the arbiter's directory, for
// routing and diagnostics.
func (a *Arbiter) RegisterMonitor(name string, m *monitor.Monitor) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.monitors[name] = m
}

// Monitor returns the named monitor, if any.
func (a *Arbiter) Monitor(name string) (*monitor.Monitor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.monitors[name]
	return m, ok
}

// Route returns the mailbox connection for aid, for proxying a message
// addressed to a specific actor.
func (a *Arbiter) Route(aid string) (*mailbox.Connection, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.connections[aid]
	return c, ok
}

// ConnectionCount returns the number of currently registered connections.
func (a *Arbiter) ConnectionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.connections)
}

// Shutdown stops every registered monitor, closes every tracked
// connection, and closes the listener. It waits up to
// cfg.GracefulTimeout for monitors to drain before moving on, matching
// spec.md §4.6's graceful-then-force shutdown sequence.
func (a *Arbiter) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.mu.Lock()
		monitors := make([]*monitor.Monitor, 0, len(a.monitors))
		for _, m := range a.monitors {
			monitors = append(monitors, m)
		}
		conns := make([]*mailbox.Connection, 0, len(a.connections))
		for _, c := range a.connections {
			conns = append(conns, c)
		}
		a.mu.Unlock()

		var wg sync.WaitGroup
		for _, m := range monitors {
			wg.Add(1)
			go func(m *monitor.Monitor) {
				defer wg.Done()
				m.Stop()
			}(m)
		}
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(a.cfg.GracefulTimeout):
		}

		for _, c := range conns {
			_ = c.Close()
		}
		if a.listener != nil {
			_ = a.listener.Close()
		}
		close(a.stopped)
	})
}

// Done returns a channel closed once Shutdown has completed.
func (a *Arbiter) Done() <-chan struct{} { return a.stopped }

// WaitForSignal blocks until SIGINT, SIGTERM, or SIGHUP is received, then
// runs Shutdown. It is the top-level run loop cmd/pulsar calls.
func (a *Arbiter) WaitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	a.Shutdown()
}
