package chatsync

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives a decoded event. A returned error is logged and does not
// affect other handlers or the connection.
type Handler func(ev Event) error

type handlerEntry struct {
	id uint64
	fn Handler
}

// Dispatcher routes inbound envelopes to the handlers registered for their
// type. Handlers of one type run in registration order; each invocation is
// isolated from errors and panics of the others.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string][]handlerEntry
	nextID   uint64
	log      zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string][]handlerEntry),
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// On registers h for envelopes of type typ and returns a function that
// removes it again.
func (d *Dispatcher) On(typ string, h Handler) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[typ] = append(d.handlers[typ], handlerEntry{id: id, fn: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(typ, id) })
	}
}

func (d *Dispatcher) remove(typ string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[typ]
	for i, e := range entries {
		if e.id == id {
			d.handlers[typ] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(d.handlers[typ]) == 0 {
		delete(d.handlers, typ)
	}
}

// HandlerCount returns how many handlers are registered for typ.
func (d *Dispatcher) HandlerCount(typ string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[typ])
}

// Dispatch decodes env once and hands the event to every handler of its type.
// Undecodable payloads and unknown types are logged and discarded.
func (d *Dispatcher) Dispatch(env Envelope) {
	ev, err := decodeEvent(env)
	if err != nil {
		var unknown errUnknownType
		if errors.As(err, &unknown) {
			d.log.Debug().Str("type", env.Type).Msg("discarding envelope of unknown type")
		} else {
			d.log.Warn().Err(err).Str("type", env.Type).Msg("discarding malformed envelope")
		}
		return
	}

	d.mu.RLock()
	entries := append([]handlerEntry(nil), d.handlers[env.Type]...)
	d.mu.RUnlock()

	for _, e := range entries {
		d.invoke(env.Type, e.fn, ev)
	}
}

func (d *Dispatcher) invoke(typ string, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("type", typ).Interface("panic", r).Msg("handler panicked")
		}
	}()
	if err := h(ev); err != nil {
		d.log.Warn().Err(err).Str("type", typ).Msg("handler failed")
	}
}

func (d *Dispatcher) reset() {
	d.mu.Lock()
	d.handlers = make(map[string][]handlerEntry)
	d.mu.Unlock()
}

// ============================================================================
// Typed registration
// ============================================================================

func onTyped[T Event](d *Dispatcher, typ string, fn func(T)) func() {
	return d.On(typ, func(ev Event) error {
		v, ok := ev.(T)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", ev, typ)
		}
		fn(v)
		return nil
	})
}

// OnChatMessage registers a handler for new messages.
func (d *Dispatcher) OnChatMessage(fn func(ChatMessage)) func() {
	return onTyped(d, TypeChatMessage, fn)
}

// OnTyping registers a handler for typing indicators.
func (d *Dispatcher) OnTyping(fn func(TypingEvent)) func() {
	return onTyped(d, TypeTyping, fn)
}

// OnMessageRead registers a handler for read receipts.
func (d *Dispatcher) OnMessageRead(fn func(ReadReceipt)) func() {
	return onTyped(d, TypeMessageRead, fn)
}

// OnMessageEdited registers a handler for edits.
func (d *Dispatcher) OnMessageEdited(fn func(MessageEdit)) func() {
	return onTyped(d, TypeMessageEdited, fn)
}

// OnMessageDeleted registers a handler for deletions.
func (d *Dispatcher) OnMessageDeleted(fn func(MessageDelete)) func() {
	return onTyped(d, TypeMessageDeleted, fn)
}

// OnPresence registers a handler for presence changes.
func (d *Dispatcher) OnPresence(fn func(Presence)) func() {
	return onTyped(d, TypePresence, fn)
}
