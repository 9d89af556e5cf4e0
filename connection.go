package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnState represents the connection state.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateEvent describes one state transition.
type StateEvent struct {
	Old       ConnState
	New       ConnState
	Connected bool
	// Code is the close code that caused the transition, if any.
	Code int
	// Attempt and Delay are set when a reconnect is scheduled.
	Attempt int
	Delay   time.Duration
	// Terminal is set when reconnect attempts are exhausted.
	Terminal bool
	Err      error
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

// next advances the attempt counter and returns the delay before it.
func (r *reconnector) next() (int, time.Duration) {
	r.attempt++
	return r.attempt, r.baseDelay << (r.attempt - 1)
}

func (r *reconnector) reset() { r.attempt = 0 }

// exhaust makes any pending reconnect a no-op.
func (r *reconnector) exhaust() { r.attempt = r.maxAttempts }

// ============================================================================
// Connection
// ============================================================================

type stateObserver struct {
	id uint64
	fn func(StateEvent)
}

// Connection owns the single persistent connection to the messaging gateway.
// It reconnects with exponential backoff after unexpected closure and feeds
// every inbound envelope to its Dispatcher in arrival order.
type Connection struct {
	cfg        Config
	log        zerolog.Logger
	clock      clock
	dispatcher *Dispatcher
	outbox     *outbox
	limiter    *rate.Limiter

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu            sync.Mutex
	state         ConnState
	transport     Transport
	recon         reconnector
	deliberate    bool
	closed        bool
	cancelConn    context.CancelFunc
	stopReconnect func() bool

	obsMu     sync.RWMutex
	observers []stateObserver
	nextObs   uint64
}

// NewConnection creates a disconnected Connection. Call Connect to dial.
func NewConnection(cfg Config, dispatcher *Dispatcher) *Connection {
	return newConnection(cfg, dispatcher, realClock())
}

func newConnection(cfg Config, dispatcher *Dispatcher, clk clock) *Connection {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		cfg:        cfg,
		log:        cfg.Logger.With().Str("component", "connection").Logger(),
		clock:      clk,
		dispatcher: dispatcher,
		outbox:     newOutbox(cfg.OutboundQueueSize),
		limiter:    rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		lifeCtx:    ctx,
		lifeCancel: cancel,
		state:      StateDisconnected,
		recon: reconnector{
			baseDelay:   cfg.ReconnectBaseDelay,
			maxAttempts: cfg.MaxReconnectAttempts,
		},
	}
}

// State returns the current connection state.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the connection is open.
func (c *Connection) Connected() bool {
	return c.State() == StateOpen
}

// Attempts returns the number of reconnect attempts since the last open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recon.attempt
}

// OnStateChange registers an observer for every state transition. Observers
// run synchronously, outside the connection lock.
func (c *Connection) OnStateChange(fn func(StateEvent)) (cancel func()) {
	c.obsMu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers = append(c.observers, stateObserver{id: id, fn: fn})
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// OnConnected registers a handler for transitions to open.
func (c *Connection) OnConnected(fn func()) func() {
	return c.OnStateChange(func(ev StateEvent) {
		if ev.New == StateOpen {
			fn()
		}
	})
}

// OnDisconnected registers a handler for transitions to disconnected.
func (c *Connection) OnDisconnected(fn func(code int, terminal bool)) func() {
	return c.OnStateChange(func(ev StateEvent) {
		if ev.New == StateDisconnected {
			fn(ev.Code, ev.Terminal)
		}
	})
}

// OnReconnecting registers a handler for scheduled reconnects.
func (c *Connection) OnReconnecting(fn func(attempt int, delay time.Duration)) func() {
	return c.OnStateChange(func(ev StateEvent) {
		if ev.New == StateReconnecting {
			fn(ev.Attempt, ev.Delay)
		}
	})
}

func (c *Connection) notify(ev StateEvent) {
	c.obsMu.RLock()
	observers := append([]stateObserver(nil), c.observers...)
	c.obsMu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.log.Error().Interface("panic", r).Msg("state observer panicked")
				}
			}()
			o.fn(ev)
		}()
	}
}

// Connect establishes the connection. It is a no-op while open or connecting.
// Without a usable credential nothing is dialed and a pending reconnect ends
// in a terminal disconnect. An explicit Connect resets the reconnect budget. A dial failure is returned and also schedules a
// reconnect.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.recon.reset()
	c.deliberate = false
	c.cancelPendingLocked()
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Connection) dial(ctx context.Context) error {
	if !credentialUsable(c.cfg.Token, c.clock.now()) {
		c.log.Warn().Msg("no usable session credential; not connecting")
		c.abandon(ErrCredentialUnusable)
		return nil
	}

	c.mu.Lock()
	if c.closed || c.deliberate || c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = StateConnecting
	attempt := c.recon.attempt
	c.mu.Unlock()
	c.notify(StateEvent{Old: prev, New: StateConnecting, Attempt: attempt})

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	t, err := c.cfg.Dialer.Dial(dialCtx, c.cfg.GatewayURL, c.cfg.Token)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		c.handleClose(nil, CloseAbnormal, err)
		return err
	}

	c.mu.Lock()
	if c.closed || c.deliberate {
		c.mu.Unlock()
		_ = t.Close(CloseNormal, "client disconnect")
		return nil
	}
	connCtx, cancelConn := context.WithCancel(c.lifeCtx)
	c.transport = t
	c.cancelConn = cancelConn
	c.recon.reset()
	c.state = StateOpen
	c.mu.Unlock()

	c.log.Info().Msg("connected")
	c.notify(StateEvent{Old: StateConnecting, New: StateOpen, Connected: true})
	c.flushOutbox(connCtx, t)

	go c.readLoop(connCtx, t)
	if c.cfg.HeartbeatInterval > 0 {
		c.startHeartbeat(connCtx, t)
	}
	return nil
}

// abandon gives up on a pending or in-progress reconnect. The connection
// ends in disconnected with a terminal event carrying cause.
func (c *Connection) abandon(cause error) {
	c.mu.Lock()
	prev := c.state
	if prev == StateDisconnected || prev == StateOpen {
		c.mu.Unlock()
		return
	}
	attempts := c.recon.attempt
	c.recon.exhaust()
	c.cancelPendingLocked()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.log.Error().Err(cause).Int("attempts", attempts).Msg("reconnect abandoned")
	c.notify(StateEvent{
		Old: prev, New: StateDisconnected, Code: CloseAbnormal,
		Attempt: attempts, Terminal: true, Err: cause,
	})
}

// Disconnect closes the connection deliberately. No reconnect follows,
// however the transport reports the closure.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.deliberate = true
	c.recon.exhaust()
	c.cancelPendingLocked()
	t := c.transport
	c.transport = nil
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close(CloseNormal, "client disconnect")
	}
	if prev != StateDisconnected {
		c.log.Info().Msg("disconnected by client")
		c.notify(StateEvent{Old: prev, New: StateDisconnected, Code: CloseNormal})
	}
	return err
}

// close tears the connection down for good.
func (c *Connection) close() error {
	err := c.Disconnect()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.lifeCancel()
	return err
}

func (c *Connection) cancelPendingLocked() {
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
}

// handleClose reacts to the loss of transport t, or to a failed dial when t
// is nil.
func (c *Connection) handleClose(t Transport, code int, cause error) {
	c.mu.Lock()
	if t != nil && c.transport != t {
		// Already replaced or deliberately closed.
		c.mu.Unlock()
		return
	}
	c.transport = nil
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}
	prev := c.state

	if c.closed || c.deliberate || code == CloseNormal {
		c.state = StateDisconnected
		c.mu.Unlock()
		if prev != StateDisconnected {
			c.notify(StateEvent{Old: prev, New: StateDisconnected, Code: code, Err: cause})
		}
		return
	}

	if c.recon.exhausted() {
		attempts := c.recon.attempt
		c.state = StateDisconnected
		c.mu.Unlock()
		c.log.Error().Int("attempts", attempts).Msg("reconnect attempts exhausted")
		c.notify(StateEvent{
			Old: prev, New: StateDisconnected, Code: code,
			Attempt: attempts, Terminal: true, Err: cause,
		})
		return
	}

	attempt, delay := c.recon.next()
	c.state = StateReconnecting
	c.stopReconnect = c.clock.afterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.log.Warn().Err(cause).Int("code", code).Int("attempt", attempt).
		Dur("delay", delay).Msg("connection lost; reconnect scheduled")
	c.notify(StateEvent{
		Old: prev, New: StateReconnecting, Code: code,
		Attempt: attempt, Delay: delay, Err: cause,
	})
}

func (c *Connection) reconnect() {
	c.mu.Lock()
	c.stopReconnect = nil
	if c.closed || c.deliberate || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	_ = c.dial(c.lifeCtx)
}

func (c *Connection) readLoop(ctx context.Context, t Transport) {
	for {
		data, err := t.Read(ctx)
		if err != nil {
			c.handleClose(t, closeCode(err), err)
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping unparseable frame")
			continue
		}
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(env)
		}
	}
}

// startHeartbeat pings t every HeartbeatInterval until ctx ends. A failed
// ping closes t with CloseGoingAway, which the read loop turns into a
// reconnect.
func (c *Connection) startHeartbeat(ctx context.Context, t Transport) {
	var (
		mu   sync.Mutex
		stop func() bool
		tick func()
	)
	arm := func() {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		stop = c.clock.afterFunc(c.cfg.HeartbeatInterval, tick)
	}
	tick = func() {
		if ctx.Err() != nil {
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval/2)
		err := t.Ping(pingCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("heartbeat failed; closing connection")
				_ = t.Close(CloseGoingAway, "heartbeat timeout")
			}
			return
		}
		arm()
	}

	arm()
	context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if stop != nil {
			stop()
		}
	})
}

// Send transmits a push-path frame. While not open the frame is queued, if
// an outbound queue is configured, or dropped; either way ErrNotConnected is
// returned so the caller can tell it was not sent. Typing frames are never
// queued: they are stale by the time the connection is back.
func (c *Connection) Send(ctx context.Context, typ string, data interface{}) error {
	frame, err := encodeEnvelope(typ, data, c.clock.now(), uuid.NewString())
	if err != nil {
		return err
	}

	c.mu.Lock()
	t := c.transport
	open := c.state == StateOpen && t != nil
	c.mu.Unlock()

	if !open {
		if typ == TypeTyping {
			c.log.Debug().Str("type", typ).Msg("send while not connected; typing frame dropped")
			return ErrNotConnected
		}
		kept, dropped := c.outbox.push(frame)
		ev := c.log.Debug().Str("type", typ).Bool("queued", kept)
		if dropped > 0 {
			ev = ev.Int("dropped_oldest", dropped)
		}
		ev.Msg("send while not connected")
		return ErrNotConnected
	}

	if !c.limiter.Allow() {
		c.log.Warn().Str("type", typ).Msg("outbound rate limit exceeded; dropping frame")
		return ErrRateLimited
	}
	if err := t.Write(ctx, frame); err != nil {
		c.log.Warn().Err(err).Str("type", typ).Msg("write failed")
		return err
	}
	return nil
}

func (c *Connection) flushOutbox(ctx context.Context, t Transport) {
	frames := c.outbox.drain()
	for i, f := range frames {
		if err := t.Write(ctx, f); err != nil {
			c.log.Warn().Err(err).Int("remaining", len(frames)-i).Msg("outbox flush failed")
			c.outbox.requeue(frames[i:])
			return
		}
	}
	if len(frames) > 0 {
		c.log.Debug().Int("frames", len(frames)).Msg("outbox flushed")
	}
}

// Queued returns the number of frames waiting in the outbound queue.
func (c *Connection) Queued() int {
	return c.outbox.len()
}
