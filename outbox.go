package chatsync

import "sync"

// outbox is a bounded FIFO of encoded frames waiting for the connection to
// open. When full, the oldest frame is discarded.
type outbox struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit}
}

// push enqueues frame and reports whether it was kept and how many older
// frames were dropped to make room.
func (o *outbox) push(frame []byte) (kept bool, dropped int) {
	if o.limit <= 0 {
		return false, 0
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.frames) >= o.limit {
		o.frames = o.frames[1:]
		dropped++
	}
	o.frames = append(o.frames, frame)
	return true, dropped
}

// drain removes and returns every queued frame in order.
func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	return frames
}

// requeue puts frames back at the head, e.g. after a failed flush.
func (o *outbox) requeue(frames [][]byte) {
	if len(frames) == 0 || o.limit <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	merged := append(append([][]byte{}, frames...), o.frames...)
	if len(merged) > o.limit {
		merged = merged[len(merged)-o.limit:]
	}
	o.frames = merged
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}
