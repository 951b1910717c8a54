package mailbox

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pulsario/pulsar/pkg/auth"
	"github.com/pulsario/pulsar/pkg/codec"
	"github.com/pulsario/pulsar/pkg/command"
	"github.com/pulsario/pulsar/pkg/fsm"
	"github.com/pulsario/pulsar/pkg/logging"
	"github.com/pulsario/pulsar/pkg/wire"
)

// Connection lifecycle states (spec.md §4.2).
const (
	StateConnecting   fsm.State = "connecting"
	StateHandshaking  fsm.State = "handshaking"
	StateReady        fsm.State = "ready"
	StateClosing      fsm.State = "closing"
	StateClosed       fsm.State = "closed"
)

const (
	evStartHandshake fsm.Event = "start_handshake"
	evHandshakeOK    fsm.Event = "handshake_ok"
	evClosing        fsm.Event = "closing"
	evClosed         fsm.Event = "closed"
)

type pendingReply struct {
	ch chan replyFields
}

// Connection wires one wire.Conn to the process's command registry. It
// carries requests in both directions on the same connection: inbound
// requests are dispatched against Target via the registry, and outbound
// Call invocations register a pending reply slot keyed by a
// connection-scoped id before writing the request frame.
type Connection struct {
	conn     *wire.Conn
	registry *command.Registry
	selfAID  string
	authCfg  auth.Config
	logger   logging.Logger

	state *fsm.FSM

	writeMu sync.Mutex

	mu      sync.Mutex
	target  interface{}
	pending map[string]*pendingReply

	nextID uint64

	closeOnce sync.Once
	closeErr  error

	onCallerID     func(aid string)
	callerIDOnce   sync.Once
	peerAIDKnown   string

	dispatch func(req *command.Request) (interface{}, error)

	// inbound is the single-consumer queue every request frame is pushed
	// onto, in the order its frame arrived. One dedicated goroutine
	// drains it, so commands on this connection always dispatch in FIFO
	// order relative to each other, matching spec.md §5's single-
	// cooperative-loop model even though Target itself (e.g. the
	// arbiter) has no event loop of its own to serialize through.
	inbound chan requestFields

	logMu      sync.Mutex
	inboundLog []string
}

// New wraps a freshly accepted or dialed net.Conn as a mailbox
// connection. selfAID identifies this side for the handshake record;
// target is whatever local object (an *actor.Actor or the arbiter)
// should receive dispatched commands, and may be set later via
// SetTarget if it is not available yet at construction time.
func New(rawConn net.Conn, selfAID string, registry *command.Registry, authCfg auth.Config, logger logging.Logger) *Connection {
	c := &Connection{
		conn:     wire.New(rawConn),
		registry: registry,
		selfAID:  selfAID,
		authCfg:  authCfg,
		logger:   logger,
		pending:  make(map[string]*pendingReply),
		inbound:  make(chan requestFields, 64),
	}
	c.dispatch = registry.Dispatch
	c.state = fsm.New(StateConnecting).
		AddTransition(StateConnecting, evStartHandshake, StateHandshaking).
		AddTransition(StateHandshaking, evHandshakeOK, StateReady).
		AddTransition(StateConnecting, evClosing, StateClosing).
		AddTransition(StateHandshaking, evClosing, StateClosing).
		AddTransition(StateReady, evClosing, StateClosing).
		AddTransition(StateClosing, evClosed, StateClosed)
	c.state.MarkTerminal(StateClosed)
	return c
}

// SetTarget installs (or replaces) the object inbound commands dispatch
// against.
func (c *Connection) SetTarget(target interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.target = target
}

// OnCallerIdentified registers fn to run exactly once, the first time an
// inbound request on this connection that passes the handshake gate and
// the auth check carries a non-empty caller aid. Every command other than
// handshake is rejected until a handshake has succeeded, so in practice
// that request is the handshake itself. This is how
// the arbiter learns which aid a freshly accepted connection belongs to
// without needing to special-case any one verb.
func (c *Connection) OnCallerIdentified(fn func(aid string)) {
	c.mu.Lock()
	c.onCallerID = fn
	c.mu.Unlock()
}

// SetDispatcher overrides how inbound requests are dispatched, in place
// of calling the registry directly. Callers use this to layer
// cross-cutting concerns — tracing spans, metrics counters — around
// dispatch without the registry itself needing to know about them.
func (c *Connection) SetDispatcher(fn func(req *command.Request) (interface{}, error)) {
	c.mu.Lock()
	c.dispatch = fn
	c.mu.Unlock()
}

// PeerAID returns the caller aid this connection has identified, once
// OnCallerIdentified has fired (empty string before then).
func (c *Connection) PeerAID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerAIDKnown
}

// State returns the connection's lifecycle state.
func (c *Connection) State() fsm.State { return c.state.Current() }

// Peer returns the remote address, for logging.
func (c *Connection) Peer() string { return c.conn.Peer() }

// Serve runs the read loop until the connection closes or ctx is
// cancelled, dispatching inbound requests and routing inbound replies to
// their waiting Call. It returns the error that ended the loop (nil for a
// clean close).
func (c *Connection) Serve(ctx context.Context) error {
	_ = c.state.Fire(evStartHandshake)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		c.Close()
		close(done)
	}()
	defer func() { <-done }()

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		for f := range c.inbound {
			c.dispatchInbound(f)
		}
	}()
	defer func() {
		close(c.inbound)
		<-dispatcherDone
	}()

	for {
		payload, err := c.conn.ReadMessage()
		if err != nil {
			c.failAllPending(err)
			_ = c.state.Fire(evClosing)
			_ = c.state.Fire(evClosed)
			return err
		}
		if err := c.handleFrame(payload); err != nil && c.logger != nil {
			c.logger.Warn("mailbox: dropping malformed frame", "peer", c.Peer(), "err", err)
		}
	}
}

func (c *Connection) handleFrame(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("mailbox: empty frame")
	}
	tag, body := payload[0], payload[1:]
	record, err := codec.Decode(body)
	if err != nil {
		return fmt.Errorf("mailbox: decode frame body: %w", err)
	}

	switch tag {
	case tagRequest:
		req, err := decodeRequest(record)
		if err != nil {
			return err
		}
		c.recordInbound(req)
		c.inbound <- req
		return nil
	case tagReply:
		rep, err := decodeReply(record)
		if err != nil {
			return err
		}
		c.resolvePending(rep)
		return nil
	default:
		return fmt.Errorf("mailbox: unknown frame tag %#x", tag)
	}
}

// recordInbound appends f to the arrival-order log at the moment its
// frame is read, before it is handed to the dispatch goroutine. Tests
// (and operators) use InboundLog to observe that FIFO ordering actually
// holds for a connection, per spec.md's "Concurrent commands preserve
// FIFO per connection" scenario.
func (c *Connection) recordInbound(f requestFields) {
	entry := f.Cmd
	if len(f.Args) > 0 {
		entry = fmt.Sprintf("%s(%v)", f.Cmd, f.Args[0])
	}
	c.logMu.Lock()
	c.inboundLog = append(c.inboundLog, entry)
	c.logMu.Unlock()
}

// InboundLog returns the commands this connection has received, in the
// order their frames arrived.
func (c *Connection) InboundLog() []string {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	return append([]string(nil), c.inboundLog...)
}

func (c *Connection) dispatchInbound(f requestFields) {
	if f.Cmd != "handshake" && c.State() == StateHandshaking {
		c.replyError(f.ID, fmt.Errorf("mailbox: handshake required before %q", f.Cmd))
		return
	}

	if c.authCfg.Enabled() {
		if err := c.authCfg.Verify(f.Token, f.Caller); err != nil {
			c.replyError(f.ID, err)
			c.Close()
			return
		}
	}
	if f.Caller != "" {
		c.callerIDOnce.Do(func() {
			c.mu.Lock()
			c.peerAIDKnown = f.Caller
			hook := c.onCallerID
			c.mu.Unlock()
			if hook != nil {
				hook(f.Caller)
			}
		})
	}

	c.mu.Lock()
	target := c.target
	dispatch := c.dispatch
	c.mu.Unlock()

	req := &command.Request{
		Ctx:       context.Background(),
		Command:   f.Cmd,
		CallerAID: f.Caller,
		TargetAID: f.Target,
		Args:      f.Args,
		Kwargs:    f.Kwargs,
		Target:    target,
	}
	result, err := dispatch(req)

	if f.Cmd == "handshake" && err == nil {
		_ = c.state.Fire(evHandshakeOK)
	}

	if !req.Ack {
		return
	}
	if err != nil {
		c.replyError(f.ID, err)
		return
	}
	c.replyResult(f.ID, result)
}

func (c *Connection) replyResult(id string, result interface{}) {
	c.writeFrame(tagReply, encodeReply(replyFields{ID: id, Result: result}))
}

func (c *Connection) replyError(id string, err error) {
	c.writeFrame(tagReply, encodeReply(replyFields{ID: id, Err: err.Error()}))
}

func (c *Connection) resolvePending(rep replyFields) {
	c.mu.Lock()
	p, ok := c.pending[rep.ID]
	if ok {
		delete(c.pending, rep.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.ch <- rep
}

// failAllPending resolves every in-flight Call with err, so a disconnect
// never leaves a caller blocked forever (spec.md's "no future leak on
// disconnect" invariant).
func (c *Connection) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingReply)
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- replyFields{Err: err.Error()}
	}
}

func (c *Connection) writeFrame(tag byte, record interface{}) {
	body, err := codec.Encode(record)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("mailbox: encode frame", "err", err)
		}
		return
	}
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, tag)
	frame = append(frame, body...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(frame); err != nil && c.logger != nil {
		c.logger.Warn("mailbox: write frame", "peer", c.Peer(), "err", err)
	}
}

func (c *Connection) newID() string {
	n := atomic.AddUint64(&c.nextID, 1)
	return fmt.Sprintf("%s-%d", c.selfAID, n)
}

// Call sends cmd as a request and, if it is registered ack=true, blocks
// until the reply arrives or ctx is done. Ack-false commands return as
// soon as the frame is written. The command's ack-ness is resolved from
// this connection's own registry, since both sides of a mailbox share
// the same process-global table.
func (c *Connection) Call(ctx context.Context, cmd string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	entry, ok := c.registry.Lookup(cmd)
	if !ok {
		return nil, fmt.Errorf("mailbox: %q is not a registered command", cmd)
	}

	id := c.newID()
	token := ""
	if c.authCfg.Enabled() {
		signed, err := c.authCfg.Sign(c.selfAID)
		if err != nil {
			return nil, err
		}
		token = signed
	}
	record := encodeRequest(requestFields{
		ID: id, Cmd: cmd, Caller: c.selfAID, Args: args, Kwargs: kwargs, Token: token,
	})

	if !entry.Ack {
		c.writeFrame(tagRequest, record)
		return nil, nil
	}

	p := &pendingReply{ch: make(chan replyFields, 1)}
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	c.writeFrame(tagRequest, record)

	select {
	case rep := <-p.ch:
		if rep.Err != "" {
			return nil, fmt.Errorf("mailbox: %s", rep.Err)
		}
		if cmd == "handshake" {
			// The dialing side is ready once its own handshake is acked.
			_ = c.state.Fire(evHandshakeOK)
		}
		return rep.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Close closes the underlying transport. Safe to call more than once and
// from any goroutine; concurrent calls collapse to a single close.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		_ = c.state.Fire(evClosing)
		c.closeErr = c.conn.Close()
		_ = c.state.Fire(evClosed)
	})
	return c.closeErr
}
