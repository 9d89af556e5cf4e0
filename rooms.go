package chatsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const roomIntentTimeout = 5 * time.Second

// RoomRegistry tracks which rooms the client currently cares about. Several
// subscriptions may share a room; join_room is sent for the first and
// leave_room for the last. Every joined room is joined again after each
// reconnect.
type RoomRegistry struct {
	conn       *Connection
	dispatcher *Dispatcher
	log        zerolog.Logger

	mu   sync.Mutex
	refs map[int64]int

	stopObserving func()
}

func newRoomRegistry(conn *Connection, dispatcher *Dispatcher, log zerolog.Logger) *RoomRegistry {
	r := &RoomRegistry{
		conn:       conn,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "rooms").Logger(),
		refs:       make(map[int64]int),
	}
	r.stopObserving = conn.OnConnected(r.rejoin)
	return r
}

// Joined reports whether at least one subscription has joined roomID.
// Consumers use it to drop events for rooms nobody is looking at.
func (r *RoomRegistry) Joined(roomID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[roomID] > 0
}

// Rooms returns the joined rooms in ascending order.
func (r *RoomRegistry) Rooms() []int64 {
	r.mu.Lock()
	rooms := make([]int64, 0, len(r.refs))
	for id := range r.refs {
		rooms = append(rooms, id)
	}
	r.mu.Unlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// Subscribe creates a subscription for one open chat screen. It does not
// join until Join is called.
func (r *RoomRegistry) Subscribe(roomID int64) *RoomSubscription {
	return &RoomSubscription{registry: r, roomID: roomID}
}

func (r *RoomRegistry) acquire(ctx context.Context, roomID int64) error {
	r.mu.Lock()
	r.refs[roomID]++
	first := r.refs[roomID] == 1
	r.mu.Unlock()

	if !first {
		return nil
	}
	if !r.conn.Connected() {
		r.log.Debug().Int64("room_id", roomID).Msg("join deferred until connected")
		return nil
	}
	return r.sendIntent(ctx, TypeJoinRoom, roomID)
}

func (r *RoomRegistry) release(ctx context.Context, roomID int64) error {
	r.mu.Lock()
	n, ok := r.refs[roomID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	last := n <= 1
	if last {
		delete(r.refs, roomID)
	} else {
		r.refs[roomID] = n - 1
	}
	r.mu.Unlock()

	if !last || !r.conn.Connected() {
		return nil
	}
	return r.sendIntent(ctx, TypeLeaveRoom, roomID)
}

func (r *RoomRegistry) rejoin() {
	for _, roomID := range r.Rooms() {
		ctx, cancel := context.WithTimeout(context.Background(), roomIntentTimeout)
		err := r.sendIntent(ctx, TypeJoinRoom, roomID)
		cancel()
		if err != nil {
			return
		}
	}
}

func (r *RoomRegistry) sendIntent(ctx context.Context, typ string, roomID int64) error {
	err := r.conn.Send(ctx, typ, RoomIntent{Type: typ, RoomID: roomID})
	switch {
	case err == nil:
		r.log.Debug().Int64("room_id", roomID).Str("type", typ).Msg("room intent sent")
		return nil
	case errors.Is(err, ErrNotConnected):
		// The room stays registered; the next open re-joins it.
		return nil
	default:
		r.log.Warn().Err(err).Int64("room_id", roomID).Str("type", typ).Msg("room intent failed")
		return err
	}
}

func (r *RoomRegistry) close() {
	if r.stopObserving != nil {
		r.stopObserving()
	}
	r.mu.Lock()
	r.refs = make(map[int64]int)
	r.mu.Unlock()
}

// ============================================================================
// RoomSubscription
// ============================================================================

// RoomSubscription is one screen's interest in a room. Callbacks registered
// on it only see events of its room while it is joined, and are removed by
// Leave.
type RoomSubscription struct {
	registry *RoomRegistry
	roomID   int64

	mu     sync.Mutex
	joined bool
	unsubs []func()
}

// RoomID returns the subscribed room.
func (s *RoomSubscription) RoomID() int64 { return s.roomID }

// Joined reports whether this subscription is currently joined.
func (s *RoomSubscription) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// Join registers interest in the room and announces it to the gateway. When
// the connection is not open the announcement is deferred, not an error.
func (s *RoomSubscription) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joined = true
	s.mu.Unlock()
	return s.registry.acquire(ctx, s.roomID)
}

// Leave deregisters the subscription and its callbacks.
func (s *RoomSubscription) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joined = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	return s.registry.release(ctx, s.roomID)
}

func (s *RoomSubscription) track(unsub func()) {
	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsub)
	s.mu.Unlock()
}

func (s *RoomSubscription) accepts(roomID int64) bool {
	return roomID == s.roomID && s.Joined()
}

// OnMessage registers a callback for new messages in the room.
func (s *RoomSubscription) OnMessage(fn func(ChatMessage)) {
	s.track(s.registry.dispatcher.OnChatMessage(func(m ChatMessage) {
		if s.accepts(m.RoomID) {
			fn(m)
		}
	}))
}

// OnTyping registers a callback for typing events in the room.
func (s *RoomSubscription) OnTyping(fn func(TypingEvent)) {
	s.track(s.registry.dispatcher.OnTyping(func(ev TypingEvent) {
		if s.accepts(ev.RoomID) {
			fn(ev)
		}
	}))
}

// OnRead registers a callback for read receipts in the room.
func (s *RoomSubscription) OnRead(fn func(ReadReceipt)) {
	s.track(s.registry.dispatcher.OnMessageRead(func(rr ReadReceipt) {
		if s.accepts(rr.RoomID) {
			fn(rr)
		}
	}))
}

// OnEdit registers a callback for edits in the room.
func (s *RoomSubscription) OnEdit(fn func(MessageEdit)) {
	s.track(s.registry.dispatcher.OnMessageEdited(func(e MessageEdit) {
		if s.accepts(e.RoomID) {
			fn(e)
		}
	}))
}

// OnDelete registers a callback for deletions in the room.
func (s *RoomSubscription) OnDelete(fn func(MessageDelete)) {
	s.track(s.registry.dispatcher.OnMessageDeleted(func(d MessageDelete) {
		if s.accepts(d.RoomID) {
			fn(d)
		}
	}))
}
