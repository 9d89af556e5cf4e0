package chatsync

import (
	"context"
	"errors"
	"sync"
)

var (
	activeMu sync.Mutex
	active   *Session
)

// Session is the signed-in chat session. It owns one connection and the
// components fed by it; at most one Session is open per process.
type Session struct {
	cfg        Config
	api        MessageAPI
	dispatcher *Dispatcher
	conn       *Connection
	rooms      *RoomRegistry
	store      *Store
	typing     *Typing
	receipts   *Receipts

	mu       sync.Mutex
	closed   bool
	unsubs   []func()
	presence map[int64]Presence
}

// NewSession builds a disconnected session around api. It fails with
// ErrSessionActive while another session has not been closed.
func NewSession(cfg Config, api MessageAPI) (*Session, error) {
	return newSession(cfg, api, realClock())
}

func newSession(cfg Config, api MessageAPI, clk clock) (*Session, error) {
	if api == nil {
		return nil, errors.New("chatsync: message API is required")
	}

	activeMu.Lock()
	defer activeMu.Unlock()
	if active != nil {
		return nil, ErrSessionActive
	}

	cfg.defaults()
	log := *cfg.Logger

	s := &Session{
		cfg:        cfg,
		api:        api,
		dispatcher: NewDispatcher(log),
		presence:   make(map[int64]Presence),
	}
	s.conn = newConnection(cfg, s.dispatcher, clk)
	s.rooms = newRoomRegistry(s.conn, s.dispatcher, log)
	s.store = newStore(api, s.conn, s.rooms.Joined, log)
	s.typing = newTyping(cfg, s.conn, s.rooms.Joined, clk)
	s.receipts = newReceipts(cfg, api, s.store, s.conn, s.rooms.Joined, clk)

	s.store.beforeSend = func(ctx context.Context, roomID int64) {
		_ = s.typing.StopTyping(ctx, roomID)
	}

	s.unsubs = append(s.unsubs, s.store.attach(s.dispatcher)...)
	s.unsubs = append(s.unsubs, s.typing.attach(s.dispatcher)...)
	s.unsubs = append(s.unsubs, s.receipts.attach(s.dispatcher)...)
	s.unsubs = append(s.unsubs, s.dispatcher.OnPresence(s.applyPresence))

	active = s
	return s, nil
}

// Connect opens the gateway connection.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.conn.Connect(ctx)
}

// Disconnect closes the gateway connection without ending the session.
func (s *Session) Disconnect() error {
	return s.conn.Disconnect()
}

// SendMessage persists a message and announces it to the room.
func (s *Session) SendMessage(ctx context.Context, req SendRequest) (*ChatMessage, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return s.store.Send(ctx, req)
}

// Close ends the session: the connection is closed deliberately, every
// handler and timer is released and a new Session may be created.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	s.typing.close()
	s.store.close()
	s.rooms.close()
	err := s.conn.close()
	s.dispatcher.reset()

	activeMu.Lock()
	if active == s {
		active = nil
	}
	activeMu.Unlock()
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) applyPresence(p Presence) {
	s.mu.Lock()
	s.presence[p.UserID] = p
	s.mu.Unlock()
}

// Presence returns the last presence seen for userID.
func (s *Session) Presence(userID int64) (Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}

// Config returns the session configuration with defaults applied.
func (s *Session) Config() Config { return s.cfg }

func (s *Session) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Session) Connection() *Connection { return s.conn }

func (s *Session) Rooms() *RoomRegistry { return s.rooms }

func (s *Session) Store() *Store { return s.store }

func (s *Session) Typing() *Typing { return s.typing }

func (s *Session) Receipts() *Receipts { return s.receipts }

// State returns the connection state.
func (s *Session) State() ConnState { return s.conn.State() }
