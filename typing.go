package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// UserDirectory resolves user ids to display names.
type UserDirectory interface {
	DisplayName(userID int64) string
}

type localBurst struct {
	stop func() bool
}

type remoteTyper struct {
	name string
	seq  uint64
	stop func() bool
}

// Typing coordinates typing indicators. Outbound, it debounces keystrokes
// into one typing=true per burst and a typing=false once input goes idle.
// Inbound, it keeps the set of remote users typing in each joined room.
type Typing struct {
	push   pusher
	joined func(roomID int64) bool
	selfID int64
	dir    UserDirectory
	idle   time.Duration
	ttl    time.Duration
	clock  clock
	log    zerolog.Logger

	mu     sync.Mutex
	local  map[int64]*localBurst
	remote map[int64]map[int64]*remoteTyper
	seq    uint64

	observers roomObservers
}

func newTyping(cfg Config, push pusher, joined func(int64) bool, clk clock) *Typing {
	return &Typing{
		push:   push,
		joined: joined,
		selfID: cfg.SelfID,
		dir:    cfg.Directory,
		idle:   cfg.TypingIdle,
		ttl:    cfg.RemoteTypingTTL,
		clock:  clk,
		log:    cfg.Logger.With().Str("component", "typing").Logger(),
		local:  make(map[int64]*localBurst),
		remote: make(map[int64]map[int64]*remoteTyper),
	}
}

func (t *Typing) attach(d *Dispatcher) []func() {
	return []func(){d.OnTyping(t.applyRemote)}
}

// OnChange registers a callback invoked when the set of remote typers of a
// room changes. The returned func removes it.
func (t *Typing) OnChange(fn func(roomID int64)) (cancel func()) {
	return t.observers.add(fn)
}

func (t *Typing) changed(roomID int64) {
	t.observers.notify(t.log, roomID)
}

// ============================================================================
// Outbound
// ============================================================================

// Keystroke records local input in a room. The first keystroke of a burst
// emits typing=true; every keystroke pushes the idle deadline back.
func (t *Typing) Keystroke(ctx context.Context, roomID int64) error {
	t.mu.Lock()
	prev, active := t.local[roomID]
	if active {
		prev.stop()
	}
	b := &localBurst{}
	b.stop = t.clock.afterFunc(t.idle, func() { t.idleExpired(roomID, b) })
	t.local[roomID] = b
	t.mu.Unlock()

	if active {
		return nil
	}
	return t.emit(ctx, roomID, true)
}

// StopTyping ends the local typing burst in a room, if any, and emits
// typing=false.
func (t *Typing) StopTyping(ctx context.Context, roomID int64) error {
	t.mu.Lock()
	b, active := t.local[roomID]
	if active {
		b.stop()
		delete(t.local, roomID)
	}
	t.mu.Unlock()

	if !active {
		return nil
	}
	return t.emit(ctx, roomID, false)
}

// IsTyping reports whether a local typing burst is active in roomID.
func (t *Typing) IsTyping(roomID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.local[roomID]
	return ok
}

func (t *Typing) idleExpired(roomID int64, b *localBurst) {
	t.mu.Lock()
	if t.local[roomID] != b {
		// A later keystroke re-armed the timer.
		t.mu.Unlock()
		return
	}
	delete(t.local, roomID)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), roomIntentTimeout)
	defer cancel()
	_ = t.emit(ctx, roomID, false)
}

func (t *Typing) emit(ctx context.Context, roomID int64, typing bool) error {
	err := t.push.Send(ctx, TypeTyping, TypingEvent{RoomID: roomID, UserID: t.selfID, IsTyping: typing})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	if err != nil {
		t.log.Debug().Err(err).Int64("room_id", roomID).Bool("typing", typing).Msg("typing indicator not sent")
	}
	return err
}

// ============================================================================
// Inbound
// ============================================================================

func (t *Typing) applyRemote(ev TypingEvent) {
	if ev.UserID == t.selfID {
		return
	}
	if t.joined != nil && !t.joined(ev.RoomID) {
		return
	}

	t.mu.Lock()
	room := t.remote[ev.RoomID]
	prev, present := room[ev.UserID]
	if present {
		prev.stop()
	}

	if !ev.IsTyping {
		if !present {
			t.mu.Unlock()
			return
		}
		delete(room, ev.UserID)
		if len(room) == 0 {
			delete(t.remote, ev.RoomID)
		}
		t.mu.Unlock()
		t.changed(ev.RoomID)
		return
	}

	if room == nil {
		room = make(map[int64]*remoteTyper)
		t.remote[ev.RoomID] = room
	}
	entry := &remoteTyper{name: ev.UserName}
	if present {
		entry.seq = prev.seq
		if entry.name == "" {
			entry.name = prev.name
		}
	} else {
		t.seq++
		entry.seq = t.seq
	}
	roomID, userID := ev.RoomID, ev.UserID
	entry.stop = t.clock.afterFunc(t.ttl, func() { t.expire(roomID, userID, entry) })
	room[ev.UserID] = entry
	t.mu.Unlock()

	if !present {
		t.changed(ev.RoomID)
	}
}

func (t *Typing) expire(roomID, userID int64, entry *remoteTyper) {
	t.mu.Lock()
	room := t.remote[roomID]
	if room[userID] != entry {
		t.mu.Unlock()
		return
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(t.remote, roomID)
	}
	t.mu.Unlock()

	t.log.Debug().Int64("room_id", roomID).Int64("user_id", userID).Msg("remote typing expired")
	t.changed(roomID)
}

// Typers returns the display names of remote users typing in roomID, in the
// order they started.
func (t *Typing) Typers(roomID int64) []string {
	t.mu.Lock()
	type typer struct {
		id  int64
		seq uint64
		nm  string
	}
	list := make([]typer, 0, len(t.remote[roomID]))
	for id, e := range t.remote[roomID] {
		list = append(list, typer{id: id, seq: e.seq, nm: e.name})
	}
	t.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	names := make([]string, len(list))
	for i, ty := range list {
		names[i] = t.displayName(ty.id, ty.nm)
	}
	return names
}

func (t *Typing) displayName(userID int64, name string) string {
	if name != "" {
		return name
	}
	if t.dir != nil {
		if n := t.dir.DisplayName(userID); n != "" {
			return n
		}
	}
	return fmt.Sprintf("User %d", userID)
}

// Label renders the typing line for a room: "Ann", "Ann and Bob" or
// "Ann and 2 more". It is empty when nobody is typing.
func (t *Typing) Label(roomID int64) string {
	return typingLabel(t.Typers(roomID))
}

func typingLabel(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return fmt.Sprintf("%s and %d more", names[0], len(names)-1)
	}
}

func (t *Typing) close() {
	t.observers.clear()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, b := range t.local {
		b.stop()
		delete(t.local, id)
	}
	for roomID, room := range t.remote {
		for _, e := range room {
			e.stop()
		}
		delete(t.remote, roomID)
	}
}
