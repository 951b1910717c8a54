package event_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/pulsario/pulsar/pkg/event"
)

func TestOneTimeFiresOnce(t *testing.T) {
	e := event.NewEmitter()
	e.Declare("start")

	var calls int
	_ = e.Bind("start", func(data interface{}, err error) { calls++ })

	e.Fire("start", "ready", nil)
	e.Fire("start", "ready-again", nil)

	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}

	f := e.Future("start")
	data, err, fired := f.Result()
	if !fired || err != nil || data != "ready" {
		t.Fatalf("unexpected result: %v %v %v", data, err, fired)
	}
}

func TestBindAfterFireIsRejected(t *testing.T) {
	e := event.NewEmitter()
	e.Declare("start")
	e.Fire("start", nil, nil)

	if err := e.Bind("start", func(interface{}, error) {}); err == nil {
		t.Fatal("expected error binding to an already-fired one-time event")
	}
}

func TestFireWithErrTakesPrecedence(t *testing.T) {
	e := event.NewEmitter()
	e.Declare("done")

	var gotData interface{}
	var gotErr error
	_ = e.Bind("done", func(data interface{}, err error) {
		gotData, gotErr = data, err
	})

	e.Fire("done", "payload", errors.New("boom"))
	if gotErr == nil || gotData != nil {
		t.Fatalf("expected err to win over data, got data=%v err=%v", gotData, gotErr)
	}
}

func TestManyTimeOrderingAndPanicIsolation(t *testing.T) {
	e := event.NewEmitter()
	var order []int
	var mu sync.Mutex
	e.OnPanic(func(name string, r interface{}) {})

	_ = e.Bind("tick", func(interface{}, error) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	_ = e.Bind("tick", func(interface{}, error) {
		panic("handler blew up")
	})
	_ = e.Bind("tick", func(interface{}, error) {
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
	})

	e.Fire("tick", nil, nil)
	e.Fire("tick", nil, nil)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 || order[0] != 1 || order[1] != 3 || order[2] != 1 || order[3] != 3 {
		t.Fatalf("unexpected handler order/count: %v", order)
	}
}

func TestUnbindRemovesHandlers(t *testing.T) {
	e := event.NewEmitter()
	_ = e.Bind("notify", func(interface{}, error) {})
	_ = e.Bind("notify", func(interface{}, error) {})

	n := e.Unbind("notify")
	if n != 2 {
		t.Fatalf("Unbind removed %d handlers, want 2", n)
	}

	var called bool
	_ = e.Bind("notify", func(interface{}, error) { called = true })
	e.Fire("notify", nil, nil)
	if !called {
		t.Fatal("handler bound after Unbind should still fire")
	}
}

func TestCopyManyTimeEvents(t *testing.T) {
	src := event.NewEmitter()
	var srcCalls, dstCalls int
	_ = src.Bind("heartbeat", func(interface{}, error) { srcCalls++ })
	_ = src.Bind("absent-on-dst", func(interface{}, error) { srcCalls++ })

	dst := event.NewEmitter()
	_ = dst.Bind("heartbeat", func(interface{}, error) { dstCalls++ })

	dst.CopyManyTimeEvents(src)
	dst.Fire("heartbeat", nil, nil)

	if srcCalls != 1 || dstCalls != 1 {
		t.Fatalf("copied handler called %d times and dst's own handler %d times, want 1 each", srcCalls, dstCalls)
	}
	if n := dst.Unbind("absent-on-dst"); n != 0 {
		t.Fatalf("event absent on dst before copy should not have been created, found %d handlers", n)
	}
}
