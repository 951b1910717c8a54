package command

import "fmt"

// RegisterBuiltins installs the eight verbs spec.md §4.7 ships built in.
// It is called once per process-global registry (by cmd/pulsar at
// startup); registering twice on the same Registry is a programmer
// error and will panic via MustRegister, by design.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(Command{Name: "ping", Ack: true, Handler: handlePing})
	r.MustRegister(Command{Name: "echo", Ack: true, Handler: handleEcho})
	r.MustRegister(Command{Name: "info", Ack: true, Handler: handleInfo})
	r.MustRegister(Command{Name: "notify", Ack: true, Handler: handleNotify})
	r.MustRegister(Command{Name: "run", Ack: true, Handler: handleRun})
	r.MustRegister(Command{Name: "stop", Ack: false, Handler: handleStop})
	r.MustRegister(Command{Name: "spawn", Ack: true, Handler: handleSpawn})
	r.MustRegister(Command{Name: "handshake", Ack: true, Handler: handleHandshake})
}

func handlePing(req *Request) (interface{}, error) {
	if _, ok := req.Target.(Actor); !ok {
		return nil, fmt.Errorf("command: ping requires an actor target")
	}
	return "pong", nil
}

func handleEcho(req *Request) (interface{}, error) {
	if len(req.Args) == 0 {
		return nil, fmt.Errorf("command: echo requires one positional argument")
	}
	return req.Args[0], nil
}

func handleInfo(req *Request) (interface{}, error) {
	a, ok := req.Target.(Actor)
	if !ok {
		return nil, fmt.Errorf("command: info requires an actor target")
	}
	return a.InfoSnapshot(), nil
}

// handleNotify is sent by an actor to its supervisor (the arbiter) as a
// periodic heartbeat. The first
// notify a supervisor receives from a given sender completes that
// sender's handshake; every subsequent one just refreshes last_notified
// and info (spec.md §4.2/§4.5).
func handleNotify(req *Request) (interface{}, error) {
	s, ok := req.Target.(Supervisor)
	if !ok {
		return nil, fmt.Errorf("command: notify requires a supervisor target")
	}
	info, _ := req.Kwargs["info"].(map[string]interface{})
	completed := s.RecordNotify(req.CallerAID, info)
	return completed, nil
}

// handleRun executes an arbitrary callable on the target actor's own
// event-loop goroutine and returns its result, per spec.md §4.4. The
// callable itself is supplied out-of-band via req.Kwargs["fn"], since the
// wire codec (pkg/codec) cannot transport executable code; callers that
// need to invoke a named, pre-registered routine pass its name as
// req.Args[0] and the routine table lookup happens in the caller-supplied
// closure before RunOnLoop is invoked.
func handleRun(req *Request) (interface{}, error) {
	a, ok := req.Target.(Actor)
	if !ok {
		return nil, fmt.Errorf("command: run requires an actor target")
	}
	fn, ok := req.Kwargs["fn"].(func() (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("command: run requires a callable under kwargs[\"fn\"]")
	}
	return a.RunOnLoop(fn)
}

func handleStop(req *Request) (interface{}, error) {
	a, ok := req.Target.(Actor)
	if !ok {
		return nil, fmt.Errorf("command: stop requires an actor target")
	}
	a.RequestStop()
	return nil, nil
}

// handleSpawn is arbiter-only: it asks the arbiter to create a new
// actor and returns its aid (spec.md §4.6/§4.7).
func handleSpawn(req *Request) (interface{}, error) {
	s, ok := req.Target.(Spawner)
	if !ok {
		return nil, fmt.Errorf("command: spawn is only supported on the arbiter")
	}
	return s.SpawnActor(req)
}

// handleHandshake lets a freshly connected mailbox peer present its aid
// and an optional auth token before its first notify, giving the
// supervisor a chance to reject unauthenticated connections before any
// state is recorded for them. Authentication itself is enforced by the
// mailbox layer (pkg/auth) before Dispatch is ever reached; by the time
// this handler runs, the credential already checked out.
func handleHandshake(req *Request) (interface{}, error) {
	if req.CallerAID == "" {
		return nil, fmt.Errorf("command: handshake requires a caller aid")
	}
	return req.CallerAID, nil
}
