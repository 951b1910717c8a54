package monitor_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pulsario/pulsar/pkg/monitor"
)

type fakeWorker struct {
	aid  string
	done chan struct{}
	once sync.Once
}

func newFakeWorker(aid string) *fakeWorker {
	return &fakeWorker{aid: aid, done: make(chan struct{})}
}

func (w *fakeWorker) AID() string              { return w.aid }
func (w *fakeWorker) Done() <-chan struct{}     { return w.done }
func (w *fakeWorker) RequestStop()              { w.once.Do(func() { close(w.done) }) }

func spawnCounter(counter *int64) monitor.SpawnFunc {
	return func(ctx context.Context) (monitor.Worker, error) {
		n := atomic.AddInt64(counter, 1)
		return newFakeWorker(fmt.Sprintf("worker-%d", n)), nil
	}
}

func TestStartSpawnsUpToTargetSize(t *testing.T) {
	var counter int64
	m := monitor.New(spawnCounter(&counter), 3, time.Hour, time.Second, nil)
	m.Start(context.Background())
	defer m.Stop()

	if m.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", m.Count())
	}
}

func TestManageWorkersReplacesTerminatedWorkerWithinOneCycle(t *testing.T) {
	var counter int64
	m := monitor.New(spawnCounter(&counter), 2, 10*time.Millisecond, time.Second, nil)
	m.Start(context.Background())
	defer m.Stop()

	if m.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", m.Count())
	}

	w, ok := m.Lookup("worker-1")
	if !ok {
		t.Fatal("expected worker-1 to be tracked")
	}
	w.RequestStop() // simulate it dying

	time.Sleep(50 * time.Millisecond) // let at least one management cycle run

	if m.Count() != 2 {
		t.Fatalf("Count() after replacement = %d, want 2", m.Count())
	}
	if _, ok := m.Lookup("worker-1"); ok {
		t.Fatal("expected worker-1 to have been pruned after it died")
	}
}

func TestSetTargetNShrinksPool(t *testing.T) {
	var counter int64
	m := monitor.New(spawnCounter(&counter), 3, time.Hour, time.Second, nil)
	m.Start(context.Background())
	defer m.Stop()

	m.SetTargetN(1)
	m.TriggerResize(context.Background())

	time.Sleep(20 * time.Millisecond)

	stopped := 0
	for i := 1; i <= 3; i++ {
		if w, ok := m.Lookup(fmt.Sprintf("worker-%d", i)); ok {
			select {
			case <-w.Done():
				stopped++
			default:
			}
		} else {
			stopped++
		}
	}
	if stopped < 2 {
		t.Fatalf("expected at least 2 workers stopped or pruned after shrinking target, got %d", stopped)
	}
}

func TestStopRequestsAllWorkersToStop(t *testing.T) {
	var counter int64
	m := monitor.New(spawnCounter(&counter), 2, time.Hour, time.Second, nil)
	m.Start(context.Background())

	w1, _ := m.Lookup("worker-1")
	w2, _ := m.Lookup("worker-2")

	m.Stop()

	select {
	case <-w1.Done():
	default:
		t.Fatal("expected worker-1 to have been stopped")
	}
	select {
	case <-w2.Done():
	default:
		t.Fatal("expected worker-2 to have been stopped")
	}
}
