package actor_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pulsario/pulsar/pkg/actor"
	"github.com/pulsario/pulsar/pkg/auth"
	"github.com/pulsario/pulsar/pkg/command"
	"github.com/pulsario/pulsar/pkg/mailbox"
)

// fakeSupervisor is a minimal stand-in for the arbiter: it accepts one
// TCP connection, wraps it as a mailbox, and answers handshake/notify.
type fakeSupervisor struct {
	registry *command.Registry
	notifies chan string
}

func (s *fakeSupervisor) RecordNotify(senderAID string, info map[string]interface{}) bool {
	select {
	case s.notifies <- senderAID:
	default:
	}
	return true
}

func startFakeSupervisor(t *testing.T) (addr string, sup *fakeSupervisor, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	registry := command.NewRegistry()
	command.RegisterBuiltins(registry)
	sup = &fakeSupervisor{registry: registry, notifies: make(chan string, 8)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			c := mailbox.New(conn, "arbiter", registry, auth.Config{}, nil)
			c.SetTarget(sup)
			go c.Serve(ctx)
		}
	}()

	return ln.Addr().String(), sup, func() {
		cancel()
		ln.Close()
	}
}

func TestActorStartCompletesHandshakeAndReachesRunning(t *testing.T) {
	addr, _, stop := startFakeSupervisor(t)
	defer stop()

	registry := command.NewRegistry()
	command.RegisterBuiltins(registry)
	a := actor.New(actor.Config{
		Name:             "worker-1",
		SupervisorAddr:   addr,
		HandshakeTimeout: time.Second,
		HeartbeatPeriod:  50 * time.Millisecond,
		GracefulTimeout:  time.Second,
	}, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if a.StateString() != string(actor.StateRunning) {
		t.Fatalf("state = %s, want running", a.StateString())
	}
	a.Stop()
}

func TestActorHeartbeatReachesSupervisor(t *testing.T) {
	addr, sup, stop := startFakeSupervisor(t)
	defer stop()

	registry := command.NewRegistry()
	command.RegisterBuiltins(registry)
	a := actor.New(actor.Config{
		Name:             "worker-2",
		SupervisorAddr:   addr,
		HandshakeTimeout: time.Second,
		HeartbeatPeriod:  20 * time.Millisecond,
		GracefulTimeout:  time.Second,
	}, registry)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	select {
	case aid := <-sup.notifies:
		if aid != a.AID() {
			t.Fatalf("notify sender = %s, want %s", aid, a.AID())
		}
	case <-time.After(time.Second):
		t.Fatal("expected a notify heartbeat within one second")
	}
}

func TestRunOnLoopExecutesOnEventLoop(t *testing.T) {
	addr, _, stop := startFakeSupervisor(t)
	defer stop()

	registry := command.NewRegistry()
	command.RegisterBuiltins(registry)
	a := actor.New(actor.Config{
		Name:             "worker-3",
		SupervisorAddr:   addr,
		HandshakeTimeout: time.Second,
		HeartbeatPeriod:  time.Hour,
		GracefulTimeout:  time.Second,
	}, registry)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	result, err := a.RunOnLoop(func() (interface{}, error) {
		return "ran", nil
	})
	if err != nil {
		t.Fatalf("RunOnLoop: %v", err)
	}
	if result != "ran" {
		t.Fatalf("result = %v, want ran", result)
	}
}

func TestStopIsIdempotentAndUnblocksRunOnLoop(t *testing.T) {
	addr, _, stop := startFakeSupervisor(t)
	defer stop()

	registry := command.NewRegistry()
	command.RegisterBuiltins(registry)
	a := actor.New(actor.Config{
		Name:             "worker-4",
		SupervisorAddr:   addr,
		HandshakeTimeout: time.Second,
		HeartbeatPeriod:  time.Hour,
		GracefulTimeout:  200 * time.Millisecond,
	}, registry)
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a.Stop()
	a.Stop() // must not panic or double-close

	if _, err := a.RunOnLoop(func() (interface{}, error) { return nil, nil }); err == nil {
		t.Fatal("expected RunOnLoop to fail once the actor has stopped")
	}
}
