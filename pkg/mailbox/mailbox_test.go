package mailbox_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pulsario/pulsar/pkg/auth"
	"github.com/pulsario/pulsar/pkg/command"
	"github.com/pulsario/pulsar/pkg/mailbox"
)

type fakeActor struct {
	aid         string
	blockNotify chan struct{}
}

func (f *fakeActor) AID() string                          { return f.aid }
func (f *fakeActor) Name() string                         { return "worker" }
func (f *fakeActor) StateString() string                  { return "running" }
func (f *fakeActor) InfoSnapshot() map[string]interface{} { return map[string]interface{}{"aid": f.aid} }
func (f *fakeActor) RunOnLoop(fn func() (interface{}, error)) (interface{}, error) {
	return fn()
}
func (f *fakeActor) RequestStop() {}

// RecordNotify blocks until blockNotify is closed, simulating a
// supervisor that never gets around to replying, so tests can exercise
// what happens to an in-flight Call when the connection drops out from
// under it instead of the handler ever completing.
func (f *fakeActor) RecordNotify(senderAID string, info map[string]interface{}) bool {
	if f.blockNotify != nil {
		<-f.blockNotify
	}
	return true
}

func newPair(t *testing.T) (*mailbox.Connection, *mailbox.Connection, *command.Registry) {
	t.Helper()
	clientRaw, serverRaw := net.Pipe()
	registry := command.NewRegistry()
	command.RegisterBuiltins(registry)

	client := mailbox.New(clientRaw, "actor-1", registry, auth.Config{}, nil)
	server := mailbox.New(serverRaw, "arbiter", registry, auth.Config{}, nil)
	return client, server, registry
}

func TestHandshakeGatesOtherCommands(t *testing.T) {
	client, server, _ := newPair(t)
	server.SetTarget(&fakeActor{aid: "actor-1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	go client.Serve(ctx)

	pingCtx, pingCancel := context.WithTimeout(ctx, time.Second)
	defer pingCancel()
	if _, err := client.Call(pingCtx, "ping", nil, nil); err == nil {
		t.Fatal("expected ping before handshake to be rejected")
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, time.Second)
	defer hsCancel()
	if _, err := client.Call(hsCtx, "handshake", nil, nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	pingCtx2, pingCancel2 := context.WithTimeout(ctx, time.Second)
	defer pingCancel2()
	result, err := client.Call(pingCtx2, "ping", nil, nil)
	if err != nil {
		t.Fatalf("ping after handshake: %v", err)
	}
	if result != "pong" {
		t.Fatalf("ping result = %v, want pong", result)
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	client, server, _ := newPair(t)
	server.SetTarget(&fakeActor{aid: "actor-1", blockNotify: make(chan struct{})})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	go client.Serve(ctx)

	hsCtx, hsCancel := context.WithTimeout(ctx, time.Second)
	defer hsCancel()
	if _, err := client.Call(hsCtx, "handshake", nil, nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		// stop is ack=false, so exercise notify instead, which is ack=true
		// and would otherwise block forever on a dropped connection.
		_, err := client.Call(context.Background(), "notify", nil, map[string]interface{}{})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	server.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the in-flight call to fail once the connection drops")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call leaked: never resolved after disconnect")
	}
}

func TestOnCallerIdentifiedFiresOnceFromHandshake(t *testing.T) {
	client, server, _ := newPair(t)
	server.SetTarget(&fakeActor{aid: "actor-1"})

	identified := make(chan string, 1)
	server.OnCallerIdentified(func(aid string) {
		identified <- aid
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	go client.Serve(ctx)

	hsCtx, hsCancel := context.WithTimeout(ctx, time.Second)
	defer hsCancel()
	if _, err := client.Call(hsCtx, "handshake", nil, nil); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	select {
	case aid := <-identified:
		if aid != "actor-1" {
			t.Fatalf("identified aid = %q, want actor-1", aid)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnCallerIdentified to fire during handshake")
	}
	if server.PeerAID() != "actor-1" {
		t.Fatalf("PeerAID() = %q, want actor-1", server.PeerAID())
	}
}

func TestCallTimesOutWhileReplyInFlight(t *testing.T) {
	client, server, registry := newPair(t)
	server.SetTarget(&fakeActor{aid: "actor-1"})
	registry.MustRegister(command.Command{
		Name: "slow",
		Ack:  true,
		Handler: func(req *command.Request) (interface{}, error) {
			time.Sleep(time.Second)
			return nil, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	go client.Serve(ctx)

	shortCtx, shortCancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer shortCancel()

	// The server-side handler sleeps well past the client's deadline, so
	// this must time out via ctx.Done rather than hang waiting for a
	// reply that is still in flight.
	_, err := client.Call(shortCtx, "slow", nil, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
