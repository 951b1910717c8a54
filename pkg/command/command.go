// Package command implements the process-global, append-only verb
// registry described in spec.md §3/§4.7: a table of (name, ack, handler)
// entries exchanged between actors as mailbox requests. It is grounded on
// the teacher's EventBus consumer/handler registration
// (pkg/core/eventbus.go's Consumer/Handler) generalized from "one
// handler per address" to "one handler per verb, many targets", and on
// the teacher's fail-fast policy for programmer errors
// (pkg/core/validation.go's FailFast) for the one case spec.md singles
// out as a bug rather than a runtime condition: registering the same verb
// twice.
package command

import (
	"context"
	"fmt"
	"sync"
)

// Handler runs a dispatched command. It receives the parsed Request and
// returns either a result value (sent back as the reply on ack=true
// commands) or an error (wrapped into an error reply, per spec.md §7's
// "Command not found / bad arguments" handling; a handler that itself
// wants to report a protocol-level error simply returns one).
type Handler func(req *Request) (interface{}, error)

// Request carries everything a Handler needs. Target is the concrete
// receiver the command acts on: an actor satisfies Actor for ping/echo/
// info/run/stop, a supervisor (the arbiter) satisfies Supervisor for
// notify, and the arbiter alone satisfies Spawner for spawn. Command
// package stays decoupled from the actor/arbiter/monitor packages by only
// depending on these narrow interfaces; concrete handlers type-assert
// Target to the interface they need.
type Request struct {
	Ctx       context.Context
	Command   string
	CallerAID string
	TargetAID string
	Args      []interface{}
	Kwargs    map[string]interface{}
	Ack       bool
	Target    interface{}
}

// Actor is the receiver-side view of an actor a command handler can act
// on: ping/echo/info/run/stop all operate against this interface.
type Actor interface {
	AID() string
	Name() string
	StateString() string
	InfoSnapshot() map[string]interface{}
	// RunOnLoop executes fn on the actor's own event-loop goroutine and
	// returns its result, implementing spec.md §4.4's "run" command
	// contract (handler invoked with (actor, args, kwargs) on the
	// target's event loop).
	RunOnLoop(fn func() (interface{}, error)) (interface{}, error)
	// RequestStop begins graceful shutdown (spec.md §4.4's stop
	// operation); it does not block until terminated.
	RequestStop()
}

// Supervisor is the receiver-side view used by the notify command: it
// records a child's heartbeat and info snapshot, and reports whether this
// notify is the one that completes the handshake.
type Supervisor interface {
	RecordNotify(senderAID string, info map[string]interface{}) (handshakeCompleted bool)
}

// Spawner is implemented only by the arbiter: spawn is arbiter-only per
// spec.md §4.7.
type Spawner interface {
	SpawnActor(req *Request) (aid string, err error)
}

// Command is one registered verb.
type Command struct {
	Name    string
	Ack     bool
	Handler Handler
}

// ErrAlreadyRegistered is returned by Register for a verb name that
// already has a handler; spec.md §3 says "new entries may be registered
// but never mutated once registered".
type ErrAlreadyRegistered struct{ Name string }

func (e *ErrAlreadyRegistered) Error() string {
	return fmt.Sprintf("command: %q already registered", e.Name)
}

// ErrNotFound is returned by Dispatch when no handler is registered for
// the requested verb (spec.md §7's "Command not found").
type ErrNotFound struct{ Name string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("command: no handler registered for %q", e.Name)
}

// Registry is a process-wide table of verb -> Command. The zero value is
// not usable; construct with NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// Register adds cmd to the registry. Registering an existing name fails
// fast by returning ErrAlreadyRegistered: the table is append-only, and a
// second registration under the same name is a programmer error, not a
// runtime condition.
func (r *Registry) Register(cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.Name]; exists {
		return &ErrAlreadyRegistered{Name: cmd.Name}
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// MustRegister panics on failure, for use in package-init-time
// registration of the built-in verbs where a collision is always a bug.
func (r *Registry) MustRegister(cmd Command) {
	if err := r.Register(cmd); err != nil {
		panic(err)
	}
}

// Lookup returns the registered command for name.
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Dispatch looks up req.Command and invokes its handler. It is the
// single place spec.md §7's "command not found" and "handler exception"
// policies are enforced: an unknown verb returns ErrNotFound, and a
// panicking handler is recovered and turned into an error so a single bad
// command can never take down the actor's event loop.
func (r *Registry) Dispatch(req *Request) (result interface{}, err error) {
	cmd, ok := r.Lookup(req.Command)
	if !ok {
		return nil, &ErrNotFound{Name: req.Command}
	}
	req.Ack = cmd.Ack

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("command: handler for %q panicked: %v", req.Command, rec)
			result = nil
		}
	}()
	return cmd.Handler(req)
}

// Names returns the registered verb names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	return names
}
