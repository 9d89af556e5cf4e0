package chatsync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, typ string, data interface{}) Envelope {
	t.Helper()
	return Envelope{Type: typ, Data: mustJSON(t, data), Timestamp: time.Now()}
}

func TestDispatcher_HandlersRunInOrder(t *testing.T) {
	d := NewDispatcher(testLogger())

	var calls []string
	d.On(TypeChatMessage, func(ev Event) error { calls = append(calls, "first"); return nil })
	d.On(TypeChatMessage, func(ev Event) error { calls = append(calls, "second"); return nil })
	d.On(TypeTyping, func(ev Event) error { calls = append(calls, "typing"); return nil })

	d.Dispatch(envelope(t, TypeChatMessage, msgAt(1, 7, 0, "hi")))
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestDispatcher_Isolation(t *testing.T) {
	d := NewDispatcher(testLogger())

	var reached []int
	d.On(TypeChatMessage, func(ev Event) error { reached = append(reached, 1); return nil })
	d.On(TypeChatMessage, func(ev Event) error { panic("boom") })
	d.On(TypeChatMessage, func(ev Event) error { return errors.New("handler failed") })
	d.On(TypeChatMessage, func(ev Event) error { reached = append(reached, 4); return nil })

	require.NotPanics(t, func() {
		d.Dispatch(envelope(t, TypeChatMessage, msgAt(1, 7, 0, "hi")))
	})
	assert.Equal(t, []int{1, 4}, reached)

	// The dispatcher keeps working after a panic.
	reached = nil
	d.Dispatch(envelope(t, TypeChatMessage, msgAt(2, 7, 1, "again")))
	assert.Equal(t, []int{1, 4}, reached)
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher(testLogger())

	n := 0
	unsub := d.OnChatMessage(func(ChatMessage) { n++ })
	require.Equal(t, 1, d.HandlerCount(TypeChatMessage))

	d.Dispatch(envelope(t, TypeChatMessage, msgAt(1, 7, 0, "a")))
	unsub()
	unsub()
	d.Dispatch(envelope(t, TypeChatMessage, msgAt(2, 7, 1, "b")))

	assert.Equal(t, 1, n)
	assert.Equal(t, 0, d.HandlerCount(TypeChatMessage))
}

func TestDispatcher_UnsubscribeDuringDispatch(t *testing.T) {
	d := NewDispatcher(testLogger())

	var calls []string
	var unsubSecond func()
	d.On(TypeTyping, func(Event) error {
		calls = append(calls, "first")
		unsubSecond()
		return nil
	})
	unsubSecond = d.On(TypeTyping, func(Event) error {
		calls = append(calls, "second")
		return nil
	})

	d.Dispatch(envelope(t, TypeTyping, TypingEvent{RoomID: 7, UserID: 2, IsTyping: true}))
	d.Dispatch(envelope(t, TypeTyping, TypingEvent{RoomID: 7, UserID: 2}))
	assert.Equal(t, []string{"first", "second", "first"}, calls)
}

func TestDispatcher_DiscardsUnknownAndMalformed(t *testing.T) {
	d := NewDispatcher(testLogger())

	n := 0
	d.OnChatMessage(func(ChatMessage) { n++ })

	require.NotPanics(t, func() {
		d.Dispatch(Envelope{Type: "reaction_added", Data: json.RawMessage(`{}`)})
		d.Dispatch(Envelope{Type: TypeChatMessage, Data: json.RawMessage(`{"id":"not a number"}`)})
	})
	assert.Equal(t, 0, n)
}

func TestDispatcher_TypedHelpers(t *testing.T) {
	d := NewDispatcher(testLogger())

	var (
		typing   TypingEvent
		receipt  ReadReceipt
		edit     MessageEdit
		del      MessageDelete
		presence Presence
	)
	d.OnTyping(func(ev TypingEvent) { typing = ev })
	d.OnMessageRead(func(ev ReadReceipt) { receipt = ev })
	d.OnMessageEdited(func(ev MessageEdit) { edit = ev })
	d.OnMessageDeleted(func(ev MessageDelete) { del = ev })
	d.OnPresence(func(ev Presence) { presence = ev })

	d.Dispatch(Envelope{Type: TypeTyping, Data: json.RawMessage(`{"roomId":7,"userId":2,"userName":"Ann","typing":true}`)})
	d.Dispatch(Envelope{Type: TypeMessageRead, Data: json.RawMessage(`{"roomId":7,"messageId":101,"userId":2,"readAt":"2026-01-01T12:00:00Z"}`)})
	d.Dispatch(Envelope{Type: TypeMessageEdited, Data: json.RawMessage(`{"id":101,"roomId":7,"content":"fixed"}`)})
	d.Dispatch(Envelope{Type: TypeMessageDeleted, Data: json.RawMessage(`{"id":102,"roomId":7}`)})
	d.Dispatch(Envelope{Type: TypePresence, Data: json.RawMessage(`{"userId":2,"status":"away"}`)})

	assert.Equal(t, TypingEvent{RoomID: 7, UserID: 2, UserName: "Ann", IsTyping: true}, typing)
	assert.Equal(t, int64(101), receipt.MessageID)
	assert.Equal(t, "fixed", edit.Content)
	assert.Equal(t, int64(102), del.ID)
	assert.Equal(t, PresenceAway, presence.Status)
}

func TestParseEnvelope(t *testing.T) {
	env, err := parseEnvelope([]byte(`{"type":"typing","data":{"roomId":7},"timestamp":"2026-01-01T12:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeTyping, env.Type)

	_, err = parseEnvelope([]byte(`{"data":{}}`))
	assert.Error(t, err)

	_, err = parseEnvelope([]byte(`<html>`))
	assert.Error(t, err)
}
