package chatsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Receipts tracks read state. Marking read goes through the durable path
// first; the local timeline and the push announcement follow only on
// success. Inbound receipts for joined rooms update the timeline.
type Receipts struct {
	api    MessageAPI
	store  *Store
	push   pusher
	joined func(roomID int64) bool
	selfID int64
	clock  clock
	log    zerolog.Logger
}

func newReceipts(cfg Config, api MessageAPI, store *Store, push pusher, joined func(int64) bool, clk clock) *Receipts {
	return &Receipts{
		api:    api,
		store:  store,
		push:   push,
		joined: joined,
		selfID: cfg.SelfID,
		clock:  clk,
		log:    cfg.Logger.With().Str("component", "receipts").Logger(),
	}
}

func (r *Receipts) attach(d *Dispatcher) []func() {
	return []func(){d.OnMessageRead(r.applyRemote)}
}

// MarkRead marks one message of a room as read.
func (r *Receipts) MarkRead(ctx context.Context, roomID, messageID int64) error {
	if err := r.api.MarkRead(ctx, ReadRequest{RoomID: roomID, MessageID: messageID}); err != nil {
		return fmt.Errorf("mark room %d read: %w", roomID, err)
	}

	now := r.clock.now()
	n := r.store.ApplyRead(roomID, messageID, now)
	r.log.Debug().Int64("room_id", roomID).Int64("message_id", messageID).Int("changed", n).Msg("marked read")

	rr := ReadReceipt{RoomID: roomID, MessageID: messageID, UserID: r.selfID, ReadAt: now}
	if err := r.push.Send(ctx, TypeMessageRead, rr); err != nil && !errors.Is(err, ErrNotConnected) {
		r.log.Warn().Err(err).Int64("room_id", roomID).Msg("read announcement failed")
	}
	return nil
}

// MarkRoomRead marks every message of a room as read.
func (r *Receipts) MarkRoomRead(ctx context.Context, roomID int64) error {
	return r.MarkRead(ctx, roomID, 0)
}

func (r *Receipts) applyRemote(rr ReadReceipt) {
	if r.joined != nil && !r.joined(rr.RoomID) {
		return
	}
	r.store.ApplyRead(rr.RoomID, rr.MessageID, rr.ReadAt)
}
