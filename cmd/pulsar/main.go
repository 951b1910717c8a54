// Command pulsar is the process entry point for both roles spec.md
// §4.6 describes: the default "arbiter" role binds the mailbox
// listener and supervises a pool of workers, while "--role=actor" runs
// a single actor that dials back to an already-running arbiter — the
// mode pkg/arbiter's process-concurrency spawn re-invokes this same
// binary under. It is grounded on the teacher's cmd/main/main.go:
// construct the runtime, register/deploy units, start, block for a
// termination signal, stop with a bounded grace period.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pulsario/pulsar/pkg/actor"
	"github.com/pulsario/pulsar/pkg/arbiter"
	"github.com/pulsario/pulsar/pkg/audit"
	"github.com/pulsario/pulsar/pkg/auth"
	"github.com/pulsario/pulsar/pkg/bridge"
	"github.com/pulsario/pulsar/pkg/command"
	"github.com/pulsario/pulsar/pkg/config"
	"github.com/pulsario/pulsar/pkg/logging"
	"github.com/pulsario/pulsar/pkg/monitor"
	"github.com/pulsario/pulsar/pkg/telemetry/metrics"
	"github.com/pulsario/pulsar/pkg/telemetry/tracing"
)

// Exit codes spec.md §7 assigns meaning to.
const (
	exitOK       = 0
	exitInternal = 1
	exitConfig   = 2
	exitForced   = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// nsLevelOverrides implements flag.Value so "--log-level-ns NS=LEVEL"
// can be repeated on the command line, modeled on spec.md §6's
// "--log-level LEVEL [NS=LEVEL ...]" (Python logging's per-module
// level override). The pairs are collected and applied once the root
// logging registry has been built.
type nsLevelOverrides struct {
	pairs *[][2]string
}

func (nsLevelOverrides) String() string { return "" }

func (n nsLevelOverrides) Set(s string) error {
	ns, level, ok := strings.Cut(s, "=")
	if !ok {
		return fmt.Errorf("expected NAMESPACE=LEVEL, got %q", s)
	}
	*n.pairs = append(*n.pairs, [2]string{ns, level})
	return nil
}

func run(args []string) int {
	fs := flag.NewFlagSet("pulsar", flag.ContinueOnError)

	var (
		configPath     string
		workers        int
		concurrency    string
		bind           string
		mailboxHost    string
		rootLogLevel   string
		jsonLogs       bool
		auditDSN       string
		tracingExp     string
		tracingEP      string
		natsURL        string
		handshakeKey   string
		metricsAddr    string
		role           string
		presetAID      string
		actorName      string
		supervisorAddr string
	)

	fs.StringVar(&configPath, "config", "", "path to a YAML config file")
	fs.IntVar(&workers, "workers", 0, "initial worker pool size (0 keeps the config/default value)")
	fs.StringVar(&concurrency, "concurrency", "", "process or thread (empty keeps the config/default value)")
	fs.StringVar(&bind, "bind", "", "application server bind address")
	fs.StringVar(&mailboxHost, "mailbox-host", "", "mailbox listener interface")
	fs.StringVar(&rootLogLevel, "log-level", "INFO", "root log level: DEBUG, INFO, WARN, or ERROR")
	fs.BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON log lines instead of plain text")
	fs.StringVar(&auditDSN, "audit-dsn", "", "audit journal DSN (sqlite://, postgres://, postgres+lib://); empty disables the journal")
	fs.StringVar(&tracingExp, "tracing-exporter", "", "jaeger, zipkin, stdout, or none")
	fs.StringVar(&tracingEP, "tracing-endpoint", "", "trace exporter endpoint URL")
	fs.StringVar(&natsURL, "nats-url", "", "NATS URL the lifecycle event bridge publishes to; empty disables the bridge")
	fs.StringVar(&handshakeKey, "handshake-secret", "", "HMAC secret signing the mailbox handshake JWT; empty disables handshake auth")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "address to serve the Prometheus scrape endpoint on; empty disables it")
	fs.StringVar(&role, "role", "arbiter", "arbiter or actor")
	fs.StringVar(&presetAID, "aid", "", "preset aid (role=actor only)")
	fs.StringVar(&actorName, "name", "worker", "actor name (role=actor only)")
	fs.StringVar(&supervisorAddr, "supervisor-addr", "", "supervisor mailbox address (role=actor only)")

	var nsOverrides [][2]string
	fs.Var(nsLevelOverrides{pairs: &nsOverrides}, "log-level-ns", "NAMESPACE=LEVEL override, repeatable")

	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pulsar: %v\n", err)
			return exitConfig
		}
		cfg = loaded
	}
	applyFlagOverrides(&cfg, workers, concurrency, bind, mailboxHost, auditDSN, tracingExp, tracingEP, natsURL, handshakeKey)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "pulsar: %v\n", err)
		return exitConfig
	}

	logRegistry := logging.Default()
	if lvl, ok := logging.ParseLevel(rootLogLevel); ok {
		logRegistry = logging.NewRegistry(os.Stderr, lvl, jsonLogs)
	}
	for _, p := range nsOverrides {
		logRegistry.SetOverride(p[0], p[1])
	}
	logger := logRegistry.Logger(role)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TracingExporter != "" && cfg.TracingExporter != "none" {
		tcfg := tracing.DefaultConfig()
		tcfg.Exporter = cfg.TracingExporter
		tcfg.Endpoint = cfg.TracingEndpoint
		if err := tracing.Initialize(ctx, tcfg); err != nil {
			fmt.Fprintf(os.Stderr, "pulsar: tracing: %v\n", err)
			return exitConfig
		}
		defer tracing.Shutdown(context.Background())
	}

	var metricsServer *http.Server
	if metricsAddr != "" {
		reg := metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "err", err)
			}
		}()
		defer metricsServer.Shutdown(context.Background())
	}

	if role == "actor" {
		return runActor(ctx, cfg, logger, presetAID, actorName, supervisorAddr)
	}
	return runArbiter(ctx, cancel, cfg, logger)
}

func applyFlagOverrides(cfg *config.Config, workers int, concurrency, bind, mailboxHost, auditDSN, tracingExp, tracingEP, natsURL, handshakeKey string) {
	if workers > 0 {
		cfg.Workers = workers
	}
	if concurrency != "" {
		cfg.Concurrency = config.Concurrency(concurrency)
	}
	if bind != "" {
		cfg.Bind = bind
	}
	if mailboxHost != "" {
		cfg.MailboxHost = mailboxHost
	}
	if auditDSN != "" {
		cfg.AuditDSN = auditDSN
	}
	if tracingExp != "" {
		cfg.TracingExporter = tracingExp
	}
	if tracingEP != "" {
		cfg.TracingEndpoint = tracingEP
	}
	if natsURL != "" {
		cfg.NATSURL = natsURL
	}
	if handshakeKey != "" {
		cfg.HandshakeSecret = handshakeKey
	}
}

func runArbiter(ctx context.Context, cancel context.CancelFunc, cfg config.Config, logger logging.Logger) int {
	registry := command.NewRegistry()
	command.RegisterBuiltins(registry)

	a, err := arbiter.New(cfg, registry, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulsar: %v\n", err)
		return exitInternal
	}

	if tracing.IsInitialized() {
		a.SetDispatchMiddleware(tracing.WrapDispatch)
	}

	if cfg.AuditDSN != "" {
		journal, err := audit.Open(ctx, cfg.AuditDSN)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pulsar: %v\n", err)
			return exitConfig
		}
		a.SetJournal(journal)
		defer journal.Close()
	}

	if cfg.NATSURL != "" {
		pub, err := bridge.Connect(bridge.Config{URL: cfg.NATSURL, Prefix: "pulsar"}, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pulsar: %v\n", err)
			return exitConfig
		}
		pub.Bridge(a.Events(), arbiter.EventWorkerConnected, arbiter.EventWorkerLost)
		defer pub.Close()
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pulsar: %v\n", err)
		return exitInternal
	}
	logger.Info("arbiter listening", "addr", a.ListenAddr())

	primary := monitor.New(
		func(spawnCtx context.Context) (monitor.Worker, error) { return a.SpawnWorker(spawnCtx, "worker") },
		cfg.Workers,
		cfg.HeartbeatPeriod,
		cfg.GracefulTimeout,
		logger,
	)
	a.RegisterMonitor("primary", primary)
	primary.Start(ctx)

	a.WaitForSignal(ctx)
	cancel()

	select {
	case <-a.Done():
		return exitOK
	case <-time.After(cfg.GracefulTimeout + 5*time.Second):
		return exitForced
	}
}

func runActor(ctx context.Context, cfg config.Config, logger logging.Logger, presetAID, name, supervisorAddr string) int {
	if supervisorAddr == "" {
		fmt.Fprintln(os.Stderr, "pulsar: --supervisor-addr is required for --role=actor")
		return exitConfig
	}

	registry := command.NewRegistry()
	command.RegisterBuiltins(registry)

	var authCfg auth.Config
	if cfg.HandshakeSecret != "" {
		authCfg = auth.DefaultConfig(cfg.HandshakeSecret)
	}

	var dispatchMiddleware func(next func(req *command.Request) (interface{}, error)) func(req *command.Request) (interface{}, error)
	if tracing.IsInitialized() {
		dispatchMiddleware = tracing.WrapDispatch
	}

	ac := actor.New(actor.Config{
		Name:               name,
		SupervisorAddr:     supervisorAddr,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		HeartbeatPeriod:    cfg.HeartbeatPeriod,
		GracefulTimeout:    cfg.GracefulTimeout,
		Auth:               authCfg,
		Logger:             logger,
		PresetAID:          presetAID,
		DispatchMiddleware: dispatchMiddleware,
	}, registry)

	if err := ac.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pulsar: %v\n", err)
		return exitInternal
	}
	logger.Info("actor started", "aid", ac.AID(), "name", ac.Name())

	sigCtx, sigCancel := context.WithCancel(ctx)
	defer sigCancel()
	go func() {
		<-ac.Done()
		sigCancel()
	}()
	waitForSignalOrDone(sigCtx)
	ac.Stop()

	select {
	case <-ac.Done():
		return exitOK
	case <-time.After(cfg.GracefulTimeout + 5*time.Second):
		return exitForced
	}
}

// waitForSignalOrDone blocks until SIGINT/SIGTERM arrives or ctx is
// cancelled (the actor's Done channel closing, e.g. because the
// supervisor dropped the connection), whichever comes first.
func waitForSignalOrDone(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
}
