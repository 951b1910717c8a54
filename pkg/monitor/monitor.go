// Package monitor implements the pool supervisor spec.md §4.5 describes:
// a Monitor spawns a target number of workers on start, maintains that
// count on a periodic cycle (replacing anything that terminated since the
// last check within one cycle), and resizes the pool up or down on
// request without exceeding graceful_timeout on the way down. It is
// grounded on the teacher's worker.WorkerPool (pkg/worker/worker.go) for
// the fixed-size-pool-plus-graceful-stop shape, generalized from "a pool
// of goroutines draining one job channel" to "a pool of independently
// supervised actors, each reachable by aid".
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/pulsario/pulsar/pkg/logging"
)

// Worker is the narrow view a Monitor needs of a supervised unit,
// satisfied by *actor.Actor directly for thread-concurrency spawns, and
// by a thin process-handle wrapper (owned by pkg/arbiter) for process-
// concurrency spawns.
type Worker interface {
	AID() string
	RequestStop()
	Done() <-chan struct{}
}

// SpawnFunc creates and starts one new worker, blocking until it has
// completed its handshake (or failed to).
type SpawnFunc func(ctx context.Context) (Worker, error)

// Monitor supervises a pool of workers under a single target size.
type Monitor struct {
	mu       sync.Mutex
	workers  map[string]Worker
	targetN  int
	spawn    SpawnFunc
	period   time.Duration
	graceful time.Duration
	logger   logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Monitor. period is how often manage_workers runs;
// graceful is how long Stop waits for the maintenance loop to exit. A
// downsize requests stops and does not wait for the workers to terminate.
func New(spawn SpawnFunc, targetN int, period, graceful time.Duration, logger logging.Logger) *Monitor {
	return &Monitor{
		workers:  make(map[string]Worker),
		targetN:  targetN,
		spawn:    spawn,
		period:   period,
		graceful: graceful,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start spawns up to the target pool size and begins the periodic
// maintenance loop.
func (m *Monitor) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.manageWorkers(loopCtx)
	go m.loop(loopCtx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.manageWorkers(ctx)
		}
	}
}

// manageWorkers prunes terminated workers, then spawns or stops workers
// to converge on the target size. A worker that died between cycles is
// always replaced within this single call, matching spec.md's "replace
// within one periodic cycle" invariant.
func (m *Monitor) manageWorkers(ctx context.Context) {
	m.mu.Lock()
	for aid, w := range m.workers {
		select {
		case <-w.Done():
			delete(m.workers, aid)
		default:
		}
	}
	current := len(m.workers)
	target := m.targetN
	m.mu.Unlock()

	switch {
	case current < target:
		m.growTo(ctx, target-current)
	case current > target:
		m.shrinkBy(current - target)
	}
}

func (m *Monitor) growTo(ctx context.Context, n int) {
	for i := 0; i < n; i++ {
		w, err := m.spawn(ctx)
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("monitor: spawn failed", "err", err)
			}
			continue
		}
		m.mu.Lock()
		m.workers[w.AID()] = w
		m.mu.Unlock()
	}
}

func (m *Monitor) shrinkBy(n int) {
	m.mu.Lock()
	toStop := make([]Worker, 0, n)
	for _, w := range m.workers {
		if len(toStop) >= n {
			break
		}
		toStop = append(toStop, w)
	}
	m.mu.Unlock()

	for _, w := range toStop {
		w.RequestStop()
	}
}

// SetTargetN changes the desired pool size; the next manage_workers cycle
// (at most m.period away) converges to it. Call TriggerResize for an
// immediate, out-of-cycle convergence.
func (m *Monitor) SetTargetN(n int) {
	m.mu.Lock()
	m.targetN = n
	m.mu.Unlock()
}

// TriggerResize runs one manage_workers pass immediately instead of
// waiting for the next tick, for callers that want the change to take
// effect without delay.
func (m *Monitor) TriggerResize(ctx context.Context) {
	m.manageWorkers(ctx)
}

// Lookup returns the worker registered under aid, for routing inbound
// requests targeted at a specific worker.
func (m *Monitor) Lookup(aid string) (Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[aid]
	return w, ok
}

// Count returns the current number of tracked workers.
func (m *Monitor) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Stop requests every tracked worker to stop, waits up to graceful for
// the maintenance loop to exit, and tears down the Monitor itself.
func (m *Monitor) Stop() {
	m.mu.Lock()
	workers := make([]Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.RequestStop()
	}
	if m.cancel != nil {
		m.cancel()
	}
	select {
	case <-m.done:
	case <-time.After(m.graceful):
	}
}
