// Package event implements the named event surface described in spec.md
// §4.1: one-time events (observable as futures, firing at most once) and
// many-time events (unbounded fires, handlers invoked in insertion
// order). It is grounded on the teacher's EventBus consumer/handler shape
// (pkg/core/eventbus.go) generalized from "one address, one handler
// list" to "any number of named events owned by one emitter", and on the
// teacher's panic-isolation pattern in eventbus_impl.go's
// consumer.processMessages for the rule that many-time handlers must
// never crash the emitter.
package event

import (
	"fmt"
	"sync"
)

// Handler receives an emitter-supplied payload, or an error for a failed
// one-time event. Many-time handlers must not throw; as in the teacher's
// consumer.processMessages, a panicking handler is recovered and logged
// rather than allowed to crash the caller.
type Handler func(data interface{}, err error)

// Emitter owns a set of named events: many-time events created lazily by
// Bind, and one-time events declared up front by the owning type via
// Declare.
type Emitter struct {
	mu       sync.Mutex
	many     map[string]*manyTime
	once     map[string]*oneTime
	onPanic  func(name string, r interface{})
}

// NewEmitter creates an event surface with no events yet.
func NewEmitter() *Emitter {
	return &Emitter{
		many: make(map[string]*manyTime),
		once: make(map[string]*oneTime),
	}
}

// OnPanic installs a hook invoked when a many-time handler panics,
// instead of the default which simply swallows it. Used by components
// that want to log the panic through their own Logger.
func (e *Emitter) OnPanic(fn func(name string, r interface{})) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPanic = fn
}

// manyTime is a named event with unbounded fires.
type manyTime struct {
	mu       sync.Mutex
	handlers []Handler
}

// oneTime is a named event that fires at most once; binding after it has
// fired is rejected, and only the first fire has any effect.
type oneTime struct {
	mu       sync.Mutex
	fired    bool
	data     interface{}
	err      error
	handlers []Handler
	done     chan struct{}
}

func newOneTime() *oneTime {
	return &oneTime{done: make(chan struct{})}
}

// Declare registers a one-time event under name. It must be called before
// any Bind or Fire targeting that name; redeclaring an existing name is a
// no-op (idempotent, so embedding types can declare in their constructor
// without tracking whether a base type already did).
func (e *Emitter) Declare(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.once[name]; !ok {
		e.once[name] = newOneTime()
	}
}

// Bind registers handler on the named event. If name was Declare'd, the
// event is one-time: binding after it already fired returns an error. If
// name was never declared, the event is a lazily-created many-time event.
func (e *Emitter) Bind(name string, handler Handler) error {
	e.mu.Lock()
	once, isOnce := e.once[name]
	if !isOnce {
		m := e.many[name]
		if m == nil {
			m = &manyTime{}
			e.many[name] = m
		}
		e.mu.Unlock()
		m.mu.Lock()
		m.handlers = append(m.handlers, handler)
		m.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	once.mu.Lock()
	defer once.mu.Unlock()
	if once.fired {
		return fmt.Errorf("event: %q already fired, cannot bind", name)
	}
	once.handlers = append(once.handlers, handler)
	return nil
}

// Unbind removes every handler registered on name equal (by pointer
// identity of the underlying function value's address is not possible in
// Go, so equality is by invoking a user-supplied predicate via index is
// not supported either); Pulsar's callers instead track a token. Unbind
// here removes handlers by count: it clears all handlers and returns how
// many were removed, matching spec.md's "returns count removed" for the
// common case of unsubscribing a component wholesale.
func (e *Emitter) Unbind(name string) int {
	e.mu.Lock()
	if once, ok := e.once[name]; ok {
		e.mu.Unlock()
		once.mu.Lock()
		n := len(once.handlers)
		if !once.fired {
			once.handlers = nil
		}
		once.mu.Unlock()
		return n
	}
	m := e.many[name]
	e.mu.Unlock()
	if m == nil {
		return 0
	}
	m.mu.Lock()
	n := len(m.handlers)
	m.handlers = nil
	m.mu.Unlock()
	return n
}

// Fire fires the named event. For a many-time event, every bound handler
// runs in insertion order; a panicking handler is recovered (and reported
// via OnPanic if installed) so it cannot prevent later handlers from
// running. For a one-time event, the first fire transitions it to fired,
// delivers data/err to every handler once, and resolves its Future;
// later fires are ignored. Firing with both data and err set treats err
// as authoritative.
func (e *Emitter) Fire(name string, data interface{}, err error) {
	if data != nil && err != nil {
		// exc takes precedence; data is dropped.
		data = nil
	}

	e.mu.Lock()
	once, isOnce := e.once[name]
	var m *manyTime
	if !isOnce {
		m = e.many[name]
	}
	e.mu.Unlock()

	if isOnce {
		once.mu.Lock()
		if once.fired {
			once.mu.Unlock()
			return
		}
		once.fired = true
		once.data, once.err = data, err
		handlers := once.handlers
		once.handlers = nil
		close(once.done)
		once.mu.Unlock()

		for _, h := range handlers {
			e.safeCall(name, h, data, err)
		}
		return
	}

	if m == nil {
		return
	}
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		e.safeCall(name, h, data, err)
	}
}

func (e *Emitter) safeCall(name string, h Handler, data interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.mu.Lock()
			hook := e.onPanic
			e.mu.Unlock()
			if hook != nil {
				hook(name, r)
			}
		}
	}()
	h(data, err)
}

// Future exposes a one-time event's eventual data or error, and whether
// it has already fired.
type Future struct {
	once *oneTime
}

// Future returns a Future for a declared one-time event. Calling Future
// on a name that was never Declare'd panics: that is a programmer error,
// the same fail-fast policy the teacher applies to EventBus.Consumer with
// an invalid address.
func (e *Emitter) Future(name string) *Future {
	e.mu.Lock()
	once, ok := e.once[name]
	e.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("event: %q was never declared one-time", name))
	}
	return &Future{once: once}
}

// Done returns a channel closed exactly when the event fires.
func (f *Future) Done() <-chan struct{} {
	return f.once.done
}

// Result returns the event's data and error once it has fired; calling it
// before Done is closed returns (nil, nil, false).
func (f *Future) Result() (data interface{}, err error, fired bool) {
	f.once.mu.Lock()
	defer f.once.mu.Unlock()
	return f.once.data, f.once.err, f.once.fired
}

// CopyManyTimeEvents copies every many-time handler bound on src onto e,
// for events present on both. Matches spec.md's copy_many_times_events:
// used when a component replaces its internal emitter (e.g. on restart)
// but wants external subscribers preserved.
func (e *Emitter) CopyManyTimeEvents(src *Emitter) {
	src.mu.Lock()
	names := make([]string, 0, len(src.many))
	for name := range src.many {
		names = append(names, name)
	}
	src.mu.Unlock()

	for _, name := range names {
		src.mu.Lock()
		sm := src.many[name]
		src.mu.Unlock()
		if sm == nil {
			continue
		}
		sm.mu.Lock()
		handlers := append([]Handler(nil), sm.handlers...)
		sm.mu.Unlock()

		e.mu.Lock()
		dm := e.many[name]
		e.mu.Unlock()
		if dm == nil {
			continue
		}

		dm.mu.Lock()
		dm.handlers = append(dm.handlers, handlers...)
		dm.mu.Unlock()
	}
}
