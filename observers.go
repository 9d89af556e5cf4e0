package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

type roomObserver struct {
	id uint64
	fn func(roomID int64)
}

// roomObservers is a list of per-room change callbacks.
type roomObservers struct {
	mu   sync.RWMutex
	next uint64
	list []roomObserver
}

func (o *roomObservers) add(fn func(roomID int64)) (cancel func()) {
	o.mu.Lock()
	o.next++
	id := o.next
	o.list = append(o.list, roomObserver{id: id, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, ob := range o.list {
			if ob.id == id {
				o.list = append(o.list[:i:i], o.list[i+1:]...)
				return
			}
		}
	}
}

// notify runs every callback with roomID. A panicking callback is logged and
// does not stop the others.
func (o *roomObservers) notify(log zerolog.Logger, roomID int64) {
	o.mu.RLock()
	list := append([]roomObserver(nil), o.list...)
	o.mu.RUnlock()

	for _, ob := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Int64("room_id", roomID).Msg("change observer panicked")
				}
			}()
			ob.fn(roomID)
		}()
	}
}

func (o *roomObservers) clear() {
	o.mu.Lock()
	o.list = nil
	o.mu.Unlock()
}

func (o *roomObservers) len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.list)
}
