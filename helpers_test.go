package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fake clock
// ============================================================================

type fakeTimer struct {
	at      time.Time
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) clock() clock {
	return clock{now: c.Now, afterFunc: c.AfterFunc}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), d: d, f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Advance moves the clock forward and runs every timer that came due, in
// deadline order, on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending returns the durations of timers that have neither fired nor been
// stopped.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			out = append(out, t.d)
		}
	}
	return out
}

// ============================================================================
// Fake transport
// ============================================================================

type fakeTransport struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	written   [][]byte
	closeCode int
	readErr   error
	pings     int
	pingErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case f := <-t.inbound:
		return f, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		return nil, t.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, append([]byte(nil), frame...))
	return nil
}

func (t *fakeTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return t.pingErr
}

func (t *fakeTransport) failPings(err error) {
	t.mu.Lock()
	t.pingErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) pingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func (t *fakeTransport) closedWith() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closeCode == 0 {
		t.closeCode = code
		t.readErr = websocket.CloseError{Code: websocket.StatusCode(code), Reason: reason}
	}
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// remoteClose simulates the gateway closing the connection with code.
func (t *fakeTransport) remoteClose(code int) {
	t.mu.Lock()
	t.readErr = websocket.CloseError{Code: websocket.StatusCode(code)}
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })
}

// drop simulates a network failure with no close frame.
func (t *fakeTransport) drop() {
	t.mu.Lock()
	t.readErr = errors.New("connection reset by peer")
	t.mu.Unlock()
	t.closeOnce.Do(func() { close(t.closed) })
}

func (t *fakeTransport) deliver(tb testing.TB, typ string, data interface{}) {
	tb.Helper()
	frame, err := encodeEnvelope(typ, data, time.Now(), "")
	require.NoError(tb, err)
	t.inbound <- frame
}

// envelopes returns the written frames decoded.
func (t *fakeTransport) envelopes(tb testing.TB) []Envelope {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Envelope, 0, len(t.written))
	for _, f := range t.written {
		env, err := parseEnvelope(f)
		require.NoError(tb, err)
		out = append(out, env)
	}
	return out
}

func (t *fakeTransport) types(tb testing.TB) []string {
	tb.Helper()
	var out []string
	for _, env := range t.envelopes(tb) {
		out = append(out, env.Type)
	}
	return out
}

// ============================================================================
// Fake dialer
// ============================================================================

type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	tokens     []string
	endpoints  []string
	fail       error
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint, token string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.tokens = append(d.tokens, token)
	d.endpoints = append(d.endpoints, endpoint)
	if d.fail != nil {
		return nil, d.fail
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

// ============================================================================
// Fake durable API
// ============================================================================

type fakeAPI struct {
	mu       sync.Mutex
	history  map[int64][]ChatMessage
	nextID   int64
	now      time.Time
	sent     []SendRequest
	reads    []ReadRequest
	fetches  []HistoryRequest
	sendErr  error
	readErr  error
	fetchErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history: make(map[int64][]ChatMessage),
		nextID:  100,
		now:     time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (a *fakeAPI) SendMessage(ctx context.Context, req SendRequest) (*ChatMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, req)
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	a.nextID++
	a.now = a.now.Add(time.Second)
	msg := ChatMessage{
		ID:          a.nextID,
		RoomID:      req.RoomID,
		SenderID:    1,
		MessageType: req.MessageType,
		Content:     req.Content,
		ReplyToID:   req.ReplyToID,
		CreatedAt:   a.now,
	}
	a.history[req.RoomID] = append(a.history[req.RoomID], msg)
	return &msg, nil
}

func (a *fakeAPI) FetchHistory(ctx context.Context, req HistoryRequest) ([]ChatMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches = append(a.fetches, req)
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	return append([]ChatMessage(nil), a.history[req.RoomID]...), nil
}

func (a *fakeAPI) MarkRead(ctx context.Context, req ReadRequest) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads = append(a.reads, req)
	return a.readErr
}

// ============================================================================
// Recording pusher
// ============================================================================

type pushed struct {
	typ  string
	data interface{}
}

type recordingPusher struct {
	mu     sync.Mutex
	frames []pushed
	err    error
}

func (p *recordingPusher) Send(ctx context.Context, typ string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.frames = append(p.frames, pushed{typ: typ, data: data})
	return nil
}

func (p *recordingPusher) sent() []pushed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushed(nil), p.frames...)
}

// ============================================================================
// Misc
// ============================================================================

func testConfig(d Dialer) Config {
	return Config{
		GatewayURL:        "ws://gateway.test/ws",
		Token:             "test-token",
		SelfID:            1,
		HeartbeatInterval: -1,
		Dialer:            d,
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func msgAt(id, roomID int64, sec int, content string) ChatMessage {
	return ChatMessage{
		ID:          id,
		RoomID:      roomID,
		SenderID:    2,
		MessageType: MessageText,
		Content:     content,
		CreatedAt:   time.Date(2026, 1, 1, 12, 0, sec, 0, time.UTC),
	}
}

func mustJSON(tb testing.TB, v interface{}) json.RawMessage {
	tb.Helper()
	b, err := json.Marshal(v)
	require.NoError(tb, err)
	return b
}

func ids(msgs []ChatMessage) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
