package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MessageAPI is the durable request/response path. It is the source of truth;
// the Store only mirrors it in memory.
type MessageAPI interface {
	SendMessage(ctx context.Context, req SendRequest) (*ChatMessage, error)
	FetchHistory(ctx context.Context, req HistoryRequest) ([]ChatMessage, error)
	MarkRead(ctx context.Context, req ReadRequest) error
}

// pusher is the push path as seen by the components that emit frames.
type pusher interface {
	Send(ctx context.Context, typ string, data interface{}) error
}

// ============================================================================
// Merge
// ============================================================================

// MergeTimeline merges a fetched history page with live messages into one
// timeline. Copies sharing an id collapse into the last one seen, so live
// copies supersede fetched ones, except that a read flag once set stays set.
// The result is sorted by CreatedAt, then ID. Merging is idempotent.
func MergeTimeline(fetched, live []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(fetched)+len(live))
	index := make(map[int64]int, len(fetched)+len(live))

	add := func(m ChatMessage) {
		m.ReadAt = copyTime(m.ReadAt)
		if i, ok := index[m.ID]; ok {
			out[i] = mergeCopies(out[i], m)
			return
		}
		index[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range fetched {
		add(m)
	}
	for _, m := range live {
		add(m)
	}

	sortTimeline(out)
	return out
}

// mergeCopies returns next with the read state of prev carried over.
func mergeCopies(prev, next ChatMessage) ChatMessage {
	if prev.IsRead {
		next.IsRead = true
		next.ReadAt = earliest(prev.ReadAt, next.ReadAt)
	}
	return next
}

func sortTimeline(msgs []ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return copyTime(b)
	case b == nil:
		return copyTime(a)
	case b.Before(*a):
		return copyTime(b)
	default:
		return copyTime(a)
	}
}

// ============================================================================
// Store
// ============================================================================

type roomState struct {
	fetched map[int64]ChatMessage
	live    map[int64]ChatMessage
	deleted map[int64]struct{}
}

func newRoomState() *roomState {
	return &roomState{
		fetched: make(map[int64]ChatMessage),
		live:    make(map[int64]ChatMessage),
		deleted: make(map[int64]struct{}),
	}
}

func (r *roomState) timeline() []ChatMessage {
	fetched := make([]ChatMessage, 0, len(r.fetched))
	for _, m := range r.fetched {
		fetched = append(fetched, m)
	}
	live := make([]ChatMessage, 0, len(r.live))
	for _, m := range r.live {
		live = append(live, m)
	}
	return MergeTimeline(fetched, live)
}

// current returns the merged copy of one message.
func (r *roomState) current(id int64) (ChatMessage, bool) {
	f, inFetched := r.fetched[id]
	l, inLive := r.live[id]
	switch {
	case inFetched && inLive:
		return mergeCopies(f, l), true
	case inLive:
		return l, true
	case inFetched:
		return f, true
	}
	return ChatMessage{}, false
}

// Store holds the canonical per-room timeline of the session, built from
// durable history pages and live push events.
type Store struct {
	api    MessageAPI
	push   pusher
	joined func(roomID int64) bool
	log    zerolog.Logger
	// beforeSend runs ahead of every durable send.
	beforeSend func(ctx context.Context, roomID int64)

	mu    sync.RWMutex
	rooms map[int64]*roomState

	observers roomObservers
}

func newStore(api MessageAPI, push pusher, joined func(int64) bool, log zerolog.Logger) *Store {
	return &Store{
		api:    api,
		push:   push,
		joined: joined,
		log:    log.With().Str("component", "store").Logger(),
		rooms:  make(map[int64]*roomState),
	}
}

// attach routes live push events into the store.
func (s *Store) attach(d *Dispatcher) []func() {
	return []func(){
		d.OnChatMessage(func(m ChatMessage) {
			if s.joined != nil && !s.joined(m.RoomID) {
				return
			}
			s.ApplyLive(m)
		}),
		d.OnMessageEdited(func(e MessageEdit) {
			if s.joined != nil && !s.joined(e.RoomID) {
				return
			}
			s.ApplyEdit(e)
		}),
		d.OnMessageDeleted(func(m MessageDelete) {
			if s.joined != nil && !s.joined(m.RoomID) {
				return
			}
			s.ApplyDelete(m)
		}),
	}
}

// OnChange registers a callback invoked with the room id after every change
// to that room's timeline. The returned func removes it.
func (s *Store) OnChange(fn func(roomID int64)) (cancel func()) {
	return s.observers.add(fn)
}

func (s *Store) changed(roomID int64) {
	s.observers.notify(s.log, roomID)
}

// close drops every change observer.
func (s *Store) close() {
	s.observers.clear()
}

func (s *Store) roomLocked(roomID int64) *roomState {
	r, ok := s.rooms[roomID]
	if !ok {
		r = newRoomState()
		s.rooms[roomID] = r
	}
	return r
}

// Timeline returns the merged, ascending timeline of a room.
func (s *Store) Timeline(roomID int64) []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	return r.timeline()
}

// Message returns one message of a room.
func (s *Store) Message(roomID, id int64) (ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ChatMessage{}, false
	}
	return r.current(id)
}

// LoadHistory fetches one page through the durable path, records it and
// returns the room's merged timeline. Fetch errors are returned as is.
func (s *Store) LoadHistory(ctx context.Context, roomID int64, page, pageSize int) ([]ChatMessage, error) {
	msgs, err := s.api.FetchHistory(ctx, HistoryRequest{RoomID: roomID, Page: page, PageSize: pageSize})
	if err != nil {
		return nil, fmt.Errorf("fetch history for room %d: %w", roomID, err)
	}

	s.mu.Lock()
	r := s.roomLocked(roomID)
	for _, m := range msgs {
		if _, gone := r.deleted[m.ID]; gone {
			continue
		}
		m.RoomID = roomID
		m.ReadAt = copyTime(m.ReadAt)
		if prev, ok := r.fetched[m.ID]; ok {
			m = mergeCopies(prev, m)
		}
		r.fetched[m.ID] = m
	}
	timeline := r.timeline()
	s.mu.Unlock()

	s.log.Debug().Int64("room_id", roomID).Int("page", page).Int("fetched", len(msgs)).Msg("history page merged")
	s.changed(roomID)
	return timeline, nil
}

// ApplyLive records a message observed on the push path or returned by a
// durable send. An id already present is updated in place.
func (s *Store) ApplyLive(m ChatMessage) {
	s.mu.Lock()
	r := s.roomLocked(m.RoomID)
	if _, gone := r.deleted[m.ID]; gone {
		s.mu.Unlock()
		return
	}
	m.ReadAt = copyTime(m.ReadAt)
	if prev, ok := r.current(m.ID); ok {
		m = mergeCopies(prev, m)
	}
	r.live[m.ID] = m
	s.mu.Unlock()

	s.changed(m.RoomID)
}

// ApplyEdit updates content and the edited flag of a known message. It
// reports whether the message was found.
func (s *Store) ApplyEdit(e MessageEdit) bool {
	s.mu.Lock()
	r, ok := s.rooms[e.RoomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	m, ok := r.current(e.ID)
	if !ok {
		s.mu.Unlock()
		return false
	}
	m.Content = e.Content
	m.IsEdited = true
	r.live[e.ID] = m
	s.mu.Unlock()

	s.changed(e.RoomID)
	return true
}

// ApplyDelete removes a known message. It reports whether it was found.
func (s *Store) ApplyDelete(d MessageDelete) bool {
	s.mu.Lock()
	r, ok := s.rooms[d.RoomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if _, ok := r.current(d.ID); !ok {
		s.mu.Unlock()
		return false
	}
	delete(r.fetched, d.ID)
	delete(r.live, d.ID)
	r.deleted[d.ID] = struct{}{}
	s.mu.Unlock()

	s.changed(d.RoomID)
	return true
}

// ApplyRead marks one message, or every message of the room when messageID
// is zero, as read. Read state never goes back to unread. It returns how
// many messages changed.
func (s *Store) ApplyRead(roomID, messageID int64, readAt time.Time) int {
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	at := &readAt
	if readAt.IsZero() {
		at = nil
	}
	mark := func(set map[int64]ChatMessage, id int64) bool {
		m, ok := set[id]
		if !ok || m.IsRead {
			return false
		}
		m.IsRead = true
		m.ReadAt = earliest(m.ReadAt, at)
		set[id] = m
		return true
	}

	changed := 0
	apply := func(id int64) {
		f := mark(r.fetched, id)
		l := mark(r.live, id)
		if f || l {
			changed++
		}
	}
	if messageID != 0 {
		apply(messageID)
	} else {
		seen := make(map[int64]struct{}, len(r.fetched)+len(r.live))
		for id := range r.fetched {
			seen[id] = struct{}{}
		}
		for id := range r.live {
			seen[id] = struct{}{}
		}
		for id := range seen {
			apply(id)
		}
	}
	s.mu.Unlock()

	if changed > 0 {
		s.changed(roomID)
	}
	return changed
}

// Send persists a message through the durable path, records the persisted
// copy and then announces it on the push path. Only durable failures are
// returned; the push announcement is best effort.
func (s *Store) Send(ctx context.Context, req SendRequest) (*ChatMessage, error) {
	if req.MessageType == "" {
		req.MessageType = MessageText
	}
	if s.beforeSend != nil {
		s.beforeSend(ctx, req.RoomID)
	}
	msg, err := s.api.SendMessage(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send to room %d: %w", req.RoomID, err)
	}
	if msg.RoomID == 0 {
		msg.RoomID = req.RoomID
	}
	s.ApplyLive(*msg)

	if s.push != nil {
		if err := s.push.Send(ctx, TypeChatMessage, msg); err != nil && !errors.Is(err, ErrNotConnected) {
			s.log.Warn().Err(err).Int64("room_id", msg.RoomID).Int64("message_id", msg.ID).Msg("push announcement failed")
		}
	}
	return msg, nil
}

// UnreadCount counts unread messages in a room not sent by selfID.
func (s *Store) UnreadCount(roomID, selfID int64) int {
	n := 0
	for _, m := range s.Timeline(roomID) {
		if !m.IsRead && m.SenderID != selfID {
			n++
		}
	}
	return n
}

// Search returns up to limit messages whose content contains query, case
// insensitively. roomID zero searches every room.
func (s *Store) Search(query string, roomID int64, limit int) []ChatMessage {
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)

	s.mu.RLock()
	ids := make([]int64, 0, len(s.rooms))
	for id := range s.rooms {
		if roomID == 0 || id == roomID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var results []ChatMessage
	for _, id := range ids {
		for _, m := range s.Timeline(id) {
			if strings.Contains(strings.ToLower(m.Content), q) {
				results = append(results, m)
				if len(results) >= limit {
					return results
				}
			}
		}
	}
	return results
}
