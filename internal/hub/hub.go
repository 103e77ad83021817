// Package hub fans lifecycle control messages out to event-stream
// subscribers. A short ring of recent messages lets a late-joining client
// ask for catch-up before live delivery begins.
package hub

import (
	"sync"

	"github.com/joestump/termhub/internal/protocol"
)

// defaultBufferCap bounds the replay ring and sizes subscriber channels.
const defaultBufferCap = 256

// Hub is the process-wide control-message bus. Session supervisors, the
// scheduler, and the deferral manager publish into it; SSE connections
// subscribe. Publishing never blocks: a subscriber that cannot keep up
// loses messages rather than stalling the publisher.
type Hub struct {
	mu     sync.Mutex
	buf    []protocol.Message // circular replay buffer
	pos    int                // next write position
	subs   map[chan protocol.Message]struct{}
	closed bool
}

// New creates a Hub ready for use.
func New() *Hub {
	return &Hub{
		buf:  make([]protocol.Message, 0, defaultBufferCap),
		subs: make(map[chan protocol.Message]struct{}),
	}
}

// recent returns the buffered messages in order from oldest to newest.
// Caller must hold h.mu.
func (h *Hub) recent() []protocol.Message {
	n := len(h.buf)
	if n == 0 || h.pos == 0 {
		// Buffer is empty, partially filled, or pos just wrapped to 0 —
		// in all cases buf[:n] is already in order.
		return h.buf
	}
	// Buffer has wrapped: pos points to the oldest entry.
	out := make([]protocol.Message, n)
	copy(out, h.buf[h.pos:])
	copy(out[n-h.pos:], h.buf[:h.pos])
	return out
}

// Publish appends msg to the replay ring and fans it out to every
// subscriber. Implements session.EventSink.
func (h *Hub) Publish(msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	if len(h.buf) < cap(h.buf) {
		h.buf = append(h.buf, msg)
	} else {
		h.buf[h.pos] = msg
	}
	h.pos = (h.pos + 1) % cap(h.buf)

	// Non-blocking send so a slow consumer cannot stall publishing.
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Subscribe registers a subscriber and returns its channel plus an
// unsubscribe function. replay > 0 seeds the channel with up to that many
// of the most recent messages before live delivery starts. If the hub is
// already closed the replayed messages are followed by a closed channel.
func (h *Hub) Subscribe(replay int) (<-chan protocol.Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Buffer enough for catchup + some live headroom.
	ch := make(chan protocol.Message, defaultBufferCap+64)

	if replay > 0 {
		msgs := h.recent()
		if replay < len(msgs) {
			msgs = msgs[len(msgs)-replay:]
		}
		for _, msg := range msgs {
			ch <- msg
		}
	}

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	h.subs[ch] = struct{}{}

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, ch)
	}

	return ch, unsubscribe
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close shuts the bus down: every subscriber channel is closed and
// subsequent publishes are dropped. New subscribers receive any requested
// replay and a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
