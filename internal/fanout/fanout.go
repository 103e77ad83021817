// Package fanout delivers session output to attached clients. It buffers
// output per session, coalesces bursts into paced flush ticks, trims the
// backlog when it outgrows the cap, and queues output for clients that are
// still loading history so every byte is delivered exactly once.
package fanout

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/joestump/termhub/internal/protocol"
)

const (
	// MaxFlushBytes caps the bytes drained per flush tick so one chatty
	// session cannot starve the rest.
	MaxFlushBytes = 64 * 1024

	// MaxBacklogBytes caps the per-session backlog. Overflow trims from the
	// head and is reported to clients as stdout_dropped.
	MaxBacklogBytes = 1 << 20

	// DefaultFlushInterval paces flush ticks when the caller does not set one.
	DefaultFlushInterval = 25 * time.Millisecond
)

// Sink receives messages for one attached client. Send must not block; it
// returns false when the client is gone or cannot accept more messages, at
// which point the engine drops the client.
type Sink interface {
	Send(msg protocol.Message) bool
}

// chunk is one enqueued output range tagged with the sequence number the
// supervisor assigned when it appended the bytes to history.
type chunk struct {
	data string
	seq  uint64
}

// client tracks one attached connection and its history-sync state.
type client struct {
	id      string
	sink    Sink
	marker  uint64   // seq captured at attach; bytes below it come from the history fetch
	loading bool     // true until history_loaded
	queue   []string // output held back while loading
	dead    bool
}

// sessionBuf is the per-session backlog plus the attached client set.
type sessionBuf struct {
	chunks    []chunk
	bytes     int
	scheduled bool
	timer     *time.Timer
	clients   map[string]*client
}

// Engine fans session output out to attached clients.
type Engine struct {
	mu         sync.Mutex
	interval   time.Duration
	maxFlush   int
	maxBacklog int
	sessions   map[string]*sessionBuf
}

// New creates an Engine with the default byte caps. A non-positive interval
// selects the default.
func New(flushInterval time.Duration) *Engine {
	return NewWithLimits(flushInterval, 0, 0)
}

// NewWithLimits creates an Engine with explicit per-tick and backlog byte
// caps. Non-positive values select the defaults.
func NewWithLimits(flushInterval time.Duration, maxFlushBytes, maxBacklogBytes int) *Engine {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	if maxFlushBytes <= 0 {
		maxFlushBytes = MaxFlushBytes
	}
	if maxBacklogBytes <= 0 {
		maxBacklogBytes = MaxBacklogBytes
	}
	return &Engine{
		interval:   flushInterval,
		maxFlush:   maxFlushBytes,
		maxBacklog: maxBacklogBytes,
		sessions:   make(map[string]*sessionBuf),
	}
}

// getOrCreate returns the buffer for id, creating it if needed.
// Caller must hold e.mu.
func (e *Engine) getOrCreate(id string) *sessionBuf {
	s, ok := e.sessions[id]
	if !ok {
		s = &sessionBuf{clients: make(map[string]*client)}
		e.sessions[id] = s
	}
	return s
}

// Broadcast enqueues one output chunk for a session. seq is the sequence
// number the chunk received in the session history. If the backlog exceeds
// its cap the oldest chunks are dropped and every attached client receives a
// stdout_dropped message with the trimmed byte count.
func (e *Engine) Broadcast(sessionID, data string, seq uint64) {
	if data == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.getOrCreate(sessionID)
	s.chunks = append(s.chunks, chunk{data: data, seq: seq})
	s.bytes += len(data)

	dropped := 0
	for s.bytes > e.maxBacklog && len(s.chunks) > 0 {
		dropped += len(s.chunks[0].data)
		s.bytes -= len(s.chunks[0].data)
		s.chunks = s.chunks[1:]
	}
	if dropped > 0 {
		msg := protocol.NewStdoutDropped(sessionID, dropped, s.bytes)
		for _, c := range s.clients {
			if !c.sink.Send(msg) {
				c.dead = true
			}
		}
		s.purgeDead()
	}

	// Without clients the backlog just accumulates (up to the cap); the
	// first attach schedules the flush.
	if len(s.clients) > 0 {
		e.scheduleLocked(sessionID, s, e.interval)
	}
}

// scheduleLocked arms the flush timer unless one is already pending.
// Caller must hold e.mu.
func (e *Engine) scheduleLocked(id string, s *sessionBuf, d time.Duration) {
	if s.scheduled || len(s.chunks) == 0 {
		return
	}
	s.scheduled = true
	s.timer = time.AfterFunc(d, func() { e.flush(id) })
}

// flush drains up to the per-tick byte cap from the backlog and delivers the
// bytes to each attached client: chunks below a client's attach marker are skipped
// (the history fetch covers them), chunks for a loading client are queued,
// everything else is sent live as one batched stdout message.
func (e *Engine) flush(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[id]
	if !ok {
		return
	}
	e.flushLocked(id, s)

	if len(s.chunks) > 0 && len(s.clients) > 0 {
		s.scheduled = false
		e.scheduleLocked(id, s, e.interval)
	} else {
		s.scheduled = false
	}
	if len(s.chunks) == 0 {
		s.chunks = nil
	}
}

// flushLocked performs one flush tick. Caller must hold e.mu.
func (e *Engine) flushLocked(id string, s *sessionBuf) {
	budget := e.maxFlush
	var live map[*client][]string

	for budget > 0 && len(s.chunks) > 0 {
		head := &s.chunks[0]
		cut := splitUTF8(head.data, budget)
		if cut == 0 {
			break
		}
		data := head.data[:cut]
		seq := head.seq
		if cut == len(head.data) {
			s.chunks = s.chunks[1:]
		} else {
			head.data = head.data[cut:]
		}
		s.bytes -= len(data)
		budget -= len(data)

		for _, c := range s.clients {
			if seq < c.marker {
				continue
			}
			if c.loading {
				c.queue = append(c.queue, data)
				continue
			}
			if live == nil {
				live = make(map[*client][]string)
			}
			live[c] = append(live[c], data)
		}
	}

	for c, parts := range live {
		data := parts[0]
		if len(parts) > 1 {
			n := 0
			for _, p := range parts {
				n += len(p)
			}
			b := make([]byte, 0, n)
			for _, p := range parts {
				b = append(b, p...)
			}
			data = string(b)
		}
		if !c.sink.Send(protocol.NewStdout(id, data, false)) {
			c.dead = true
		}
	}
	s.purgeDead()
}

// splitUTF8 returns the length of the largest prefix of s that fits in max
// bytes and ends on a rune boundary. Returns 0 when the budget cannot hold
// the first rune. Invalid UTF-8 is cut at max after a bounded backoff so
// binary output cannot stall the flush.
func splitUTF8(s string, max int) int {
	if len(s) <= max {
		return len(s)
	}
	for i := max; i > 0 && max-i < utf8.UTFMax; i-- {
		if utf8.RuneStart(s[i]) {
			return i
		}
	}
	if max < utf8.UTFMax {
		return 0
	}
	return max
}

// Attach registers a client on a session and sends it the attached message
// with its history-sync snapshot. If loadHistory is set the client is held
// in the loading state and live output with seq ≥ marker queues until
// HistoryLoaded. An existing client with the same id is replaced.
func (e *Engine) Attach(sessionID, clientID string, sink Sink, marker uint64, byteOffset int, loadHistory bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.getOrCreate(sessionID)
	c := &client{id: clientID, sink: sink, marker: marker, loading: loadHistory}
	s.clients[clientID] = c

	if !sink.Send(protocol.NewAttached(sessionID, marker, byteOffset, loadHistory)) {
		delete(s.clients, clientID)
		return
	}
	// Backlog gathered while nobody was attached flushes right away.
	e.scheduleLocked(sessionID, s, 0)
}

// HistoryLoaded ends the loading state for a client and replays its queued
// output in order, marked from_queue so the client can distinguish replay
// from live stream.
func (e *Engine) HistoryLoaded(sessionID, clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	c, ok := s.clients[clientID]
	if !ok || !c.loading {
		return
	}
	c.loading = false
	queued := c.queue
	c.queue = nil
	for _, data := range queued {
		if !c.sink.Send(protocol.NewStdout(sessionID, data, true)) {
			c.dead = true
			break
		}
	}
	s.purgeDead()
}

// Detach removes a client from a session. When notify is set the client is
// sent a detached message first. Returns false if the client was not
// attached.
func (e *Engine) Detach(sessionID, clientID string, notify bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return false
	}
	c, ok := s.clients[clientID]
	if !ok {
		return false
	}
	if notify {
		c.sink.Send(protocol.NewDetached(sessionID))
	}
	delete(s.clients, clientID)
	return true
}

// DetachEverywhere removes a client from every session it is attached to and
// returns the affected session ids. Used by detach_client takeover.
func (e *Engine) DetachEverywhere(clientID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var affected []string
	for id, s := range e.sessions {
		c, ok := s.clients[clientID]
		if !ok {
			continue
		}
		c.sink.Send(protocol.NewDetached(id))
		delete(s.clients, clientID)
		affected = append(affected, id)
	}
	return affected
}

// SendControl delivers a control message to every client attached to the
// session, bypassing the output backlog and any history-sync queueing.
func (e *Engine) SendControl(sessionID string, msg protocol.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	for _, c := range s.clients {
		if !c.sink.Send(msg) {
			c.dead = true
		}
	}
	s.purgeDead()
}

// IsAttached reports whether the client is currently attached to the session.
func (e *Engine) IsAttached(sessionID, clientID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return false
	}
	_, ok = s.clients[clientID]
	return ok
}

// AttachedCount reports how many clients are attached to the session.
func (e *Engine) AttachedCount(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(s.clients)
}

// BacklogBytes reports the buffered byte count for the session.
func (e *Engine) BacklogBytes(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return 0
	}
	return s.bytes
}

// Remove drains what it can to the remaining clients and deletes the session
// entry, freeing its backlog. Called when a session terminates.
func (e *Engine) Remove(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[sessionID]
	if !ok {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	for len(s.chunks) > 0 && len(s.clients) > 0 {
		e.flushLocked(sessionID, s)
	}
	delete(e.sessions, sessionID)
}

// purgeDead drops clients whose sink refused a send.
func (s *sessionBuf) purgeDead() {
	for id, c := range s.clients {
		if c.dead {
			delete(s.clients, id)
		}
	}
}
