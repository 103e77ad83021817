// Package deferral holds back inputs targeted at a busy session and drains
// them in one batch when the session settles. It also owns the stop-inputs
// injection that runs on an inactive transition with an empty queue, so the
// two can never fire in the same transition.
package deferral

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/joestump/termhub/internal/apperr"
	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/session"
)

// timeNow is swapped by tests to pin the clock.
var timeNow = time.Now

// Preview lengths: the added broadcast carries a shorter cut than the list
// endpoint.
const (
	addedPreviewLen = 120
	listPreviewLen  = 200
)

// Broadcast delivers a control message to a session's attached clients and
// the global event stream. Wired by cmd/termhub.
type Broadcast func(sessionID string, msg protocol.Message)

// entry is one pending injection. Options are stored normalized so the
// content hash and the eventual replay agree.
type entry struct {
	id        string
	hash      string
	createdAt time.Time
	opts      session.InjectOptions
}

// Manager owns the deferred-input queues, keyed by session id. State is
// process-local and lost on restart. Methods never call into a session while
// holding the manager lock, which keeps the session-mutex → manager-mutex
// ordering acyclic.
type Manager struct {
	mu        sync.Mutex
	queues    map[string][]entry
	broadcast Broadcast
}

// New creates an empty Manager. broadcast may be nil (tests).
func New(broadcast Broadcast) *Manager {
	return &Manager{
		queues:    make(map[string][]entry),
		broadcast: broadcast,
	}
}

// contentHash fingerprints the replayable part of an injection: the data and
// the normalized submit/raw/enter_style options.
func contentHash(opts session.InjectOptions) string {
	h := sha256.New()
	h.Write([]byte(opts.Data))
	fmt.Fprintf(h, "|%t|%t|%s", opts.Submit, opts.Raw, opts.EnterStyle)
	return hex.EncodeToString(h.Sum(nil))
}

// preview returns at most n bytes of data, cut back to a rune boundary.
func preview(data string, n int) string {
	if len(data) <= n {
		return data
	}
	for n > 0 && !utf8.RuneStart(data[n]) {
		n--
	}
	return data[:n]
}

func (e entry) view(sessionID string, previewLen int) protocol.PendingView {
	return protocol.PendingView{
		ID:             e.id,
		SessionID:      sessionID,
		Key:            e.opts.Key,
		DataPreview:    preview(e.opts.Data, previewLen),
		Bytes:          len(e.opts.Data),
		Submit:         e.opts.Submit,
		Raw:            e.opts.Raw,
		EnterStyle:     e.opts.EnterStyle,
		Source:         e.opts.Source,
		By:             e.opts.By,
		CreatedAt:      e.createdAt.UnixMilli(),
		ActivityPolicy: e.opts.ActivityPolicy,
	}
}

// Register queues an injection for the session's next inactive transition.
// Duplicates — same dedup key and same content hash as an entry already
// pending — are rejected with Conflict. Satisfies session.DeferFunc.
func (m *Manager) Register(s *session.Session, opts session.InjectOptions) error {
	opts, err := opts.Normalized()
	if err != nil {
		return err
	}
	hash := contentHash(opts)

	m.mu.Lock()
	for _, e := range m.queues[s.ID] {
		if e.opts.Key == opts.Key && e.hash == hash {
			m.mu.Unlock()
			return apperr.E(apperr.Conflict, "identical input already deferred for session %s", s.ID)
		}
	}
	e := entry{
		id:        uuid.NewString(),
		hash:      hash,
		createdAt: timeNow(),
		opts:      opts,
	}
	m.queues[s.ID] = append(m.queues[s.ID], e)
	count := len(m.queues[s.ID])
	m.mu.Unlock()

	pending := e.view(s.ID, addedPreviewLen)
	m.send(s.ID, protocol.DeferredInputUpdated{
		Type:      protocol.TypeDeferredInputUpdated,
		SessionID: s.ID,
		Action:    "added",
		Count:     count,
		Pending:   &pending,
	})
	return nil
}

// List returns the pending entries in drain order. Entry data is exposed
// only as a bounded preview.
func (m *Manager) List(sessionID string) []protocol.PendingView {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[sessionID]
	out := make([]protocol.PendingView, 0, len(q))
	for _, e := range q {
		out = append(out, e.view(sessionID, listPreviewLen))
	}
	return out
}

// Count reports the number of pending entries. Wired into session snapshots.
func (m *Manager) Count(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[sessionID])
}

// Delete removes one pending entry by id.
func (m *Manager) Delete(sessionID, entryID string) error {
	m.mu.Lock()
	q := m.queues[sessionID]
	idx := -1
	for i, e := range q {
		if e.id == entryID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return apperr.E(apperr.NotFound, "deferred input %q not found", entryID)
	}
	m.queues[sessionID] = append(q[:idx], q[idx+1:]...)
	count := len(m.queues[sessionID])
	if count == 0 {
		delete(m.queues, sessionID)
	}
	m.mu.Unlock()

	m.send(sessionID, protocol.DeferredInputUpdated{
		Type:      protocol.TypeDeferredInputUpdated,
		SessionID: sessionID,
		Action:    "removed",
		Count:     count,
		PendingID: entryID,
	})
	return nil
}

// Clear drops every pending entry for the session and reports how many were
// removed. Broadcasts only when something was actually cleared.
func (m *Manager) Clear(sessionID string) int {
	m.mu.Lock()
	n := len(m.queues[sessionID])
	delete(m.queues, sessionID)
	m.mu.Unlock()

	if n > 0 {
		m.send(sessionID, protocol.DeferredInputUpdated{
			Type:      protocol.TypeDeferredInputUpdated,
			SessionID: sessionID,
			Action:    "cleared",
			Count:     0,
		})
	}
	return n
}

// Forget drops a session's queue without broadcasting. Registry teardown
// calls it; the terminated broadcast already covers the state change.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.queues, sessionID)
	m.mu.Unlock()
}

// OnSessionInactive runs one active→inactive transition: a non-empty queue
// drains as a single joined injection, otherwise the armed stop-inputs fire
// subject to the grace windows. Never both. Wired as session Deps.OnInactive.
func (m *Manager) OnSessionInactive(s *session.Session) {
	m.mu.Lock()
	q := m.queues[s.ID]
	delete(m.queues, s.ID)
	m.mu.Unlock()

	if len(q) > 0 {
		m.drain(s, q)
		return
	}
	m.stopInputs(s)
}

// drain joins the queued payloads with newlines and injects them as one
// write carrying the first entry's options, forced immediate so the write
// cannot re-defer. The queue is already detached: a failed inject drops the
// batch rather than re-queue it.
func (m *Manager) drain(s *session.Session, q []entry) {
	parts := make([]string, len(q))
	for i, e := range q {
		parts[i] = e.opts.Data
	}
	opts := q[0].opts
	opts.Data = strings.Join(parts, "\n")
	opts.ActivityPolicy = session.PolicyImmediate
	opts.Key = ""

	if _, err := s.Inject(opts); err != nil {
		log.Printf("deferral: session %s: drain %d entries: %v", s.ID, len(q), err)
	}
	m.send(s.ID, protocol.DeferredInputUpdated{
		Type:      protocol.TypeDeferredInputUpdated,
		SessionID: s.ID,
		Action:    "cleared",
		Count:     0,
	})
}

// stopInputs injects the armed stop prompts into a settled session, unless
// the user typed within the grace window or the session just started.
func (m *Manager) stopInputs(s *session.Session) {
	payload, ok := s.StopInputsPayload()
	if !ok {
		return
	}
	userGrace, startGrace := s.StopInputsGrace()
	now := timeNow()
	if last := s.LastUserInputAt(); !last.IsZero() && now.Sub(last) < userGrace {
		return
	}
	if now.Sub(s.CreatedAt()) < startGrace {
		return
	}

	_, err := s.Inject(session.InjectOptions{
		Data:           payload,
		Submit:         true,
		EnterStyle:     session.EnterCR,
		ActivityPolicy: session.PolicyImmediate,
		By:             "server",
		Source:         session.SourceStopInputs,
	})
	if err != nil {
		log.Printf("deferral: session %s: stop-inputs inject: %v", s.ID, err)
	}
}

func (m *Manager) send(sessionID string, msg protocol.Message) {
	if m.broadcast != nil {
		m.broadcast(sessionID, msg)
	}
}
