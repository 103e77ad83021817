package session

import (
	"context"
	"log"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joestump/termhub/internal/apperr"
	"github.com/joestump/termhub/internal/protocol"
)

// aliasPattern restricts aliases to URL-safe names.
var aliasPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// terminateConcurrency bounds parallel teardown during shutdown; each
// terminate may wait up to a second for its read loop to drain.
const terminateConcurrency = 8

// Registry owns live sessions, the alias map, and the metadata of terminated
// sessions. It is the only component that creates and destroys supervisors.
type Registry struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	reserved   map[string]struct{}
	aliases    map[string]string // alias -> session id
	terminated map[string]Metadata

	settings    Settings
	deps        Deps
	maxSessions int
}

// NewRegistry builds a registry and loads the metadata of previously
// terminated sessions from the sessions directory. maxSessions ≤ 0 disables
// the live-session cap.
func NewRegistry(settings Settings, deps Deps, maxSessions int) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		reserved:    make(map[string]struct{}),
		aliases:     make(map[string]string),
		terminated:  make(map[string]Metadata),
		settings:    settings,
		deps:        deps,
		maxSessions: maxSessions,
	}
	if settings.SessionsDir != "" {
		metas, err := LoadAllMetadata(settings.SessionsDir)
		if err != nil {
			log.Printf("registry: load terminated sessions: %v", err)
		}
		for _, m := range metas {
			r.terminated[m.ID] = m
		}
		if len(metas) > 0 {
			log.Printf("registry: loaded %d terminated session records", len(metas))
		}
	}
	return r
}

// Create validates options, reserves the id, spawns the session, and indexes
// it. Rate-limited per creating user.
func (r *Registry) Create(opts CreateOptions) (*Session, error) {
	if r.deps.Limits != nil {
		if err := r.deps.Limits.AllowCreate(opts.Owner); err != nil {
			return nil, err
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Alias != "" && !aliasPattern.MatchString(opts.Alias) {
		return nil, apperr.E(apperr.BadRequest, "invalid alias %q", opts.Alias)
	}

	r.mu.Lock()
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return nil, apperr.Limit("global", "session limit (%d) reached", r.maxSessions)
	}
	if _, ok := r.sessions[opts.ID]; ok {
		r.mu.Unlock()
		return nil, apperr.E(apperr.Conflict, "session %s already exists", opts.ID)
	}
	if _, ok := r.reserved[opts.ID]; ok {
		r.mu.Unlock()
		return nil, apperr.E(apperr.Conflict, "session %s is being created", opts.ID)
	}
	r.reserved[opts.ID] = struct{}{}
	r.mu.Unlock()

	deps := r.deps
	deps.OnTerminated = r.chainTerminated(r.deps.OnTerminated)

	s, err := newSession(opts, r.settings, deps)

	r.mu.Lock()
	delete(r.reserved, opts.ID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.sessions[s.ID] = s
	if opts.Alias != "" {
		r.aliases[opts.Alias] = s.ID
	}
	r.mu.Unlock()

	log.Printf("registry: created session %s (%s)", s.ID, CommandPreview(opts.Command))
	if r.deps.Events != nil {
		r.deps.Events.Publish(protocol.NewSessionUpdated("created", s.Snapshot()))
	}
	return s, nil
}

// chainTerminated appends registry bookkeeping to the wired terminate hook:
// drop the live entry and its alias, then record the persisted metadata.
func (r *Registry) chainTerminated(next func(*Session)) func(*Session) {
	return func(s *Session) {
		alias := s.Alias()
		meta := s.Metadata()

		r.mu.Lock()
		delete(r.sessions, s.ID)
		if alias != "" && r.aliases[alias] == s.ID {
			delete(r.aliases, alias)
		}
		r.terminated[s.ID] = meta
		r.mu.Unlock()

		if next != nil {
			next(s)
		}
	}
}

// Resolve maps an alias to its session id. Unknown keys resolve to
// themselves, so ids pass through untouched.
func (r *Registry) Resolve(idOrAlias string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.aliases[idOrAlias]; ok {
		return id
	}
	return idOrAlias
}

// Get returns the live session for an id or alias.
func (r *Registry) Get(idOrAlias string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := idOrAlias
	if mapped, ok := r.aliases[id]; ok {
		id = mapped
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, apperr.E(apperr.NotFound, "session %q not found", idOrAlias)
	}
	return s, nil
}

// GetTerminated returns the persisted record of a terminated session.
func (r *Registry) GetTerminated(idOrAlias string) (Metadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := idOrAlias
	if mapped, ok := r.aliases[id]; ok {
		id = mapped
	}
	m, ok := r.terminated[id]
	return m, ok
}

// RegisterAlias points alias at the session. Re-registering an existing
// alias moves the mapping; a session's previous alias is replaced.
func (r *Registry) RegisterAlias(alias, idOrAlias string) error {
	if !aliasPattern.MatchString(alias) {
		return apperr.E(apperr.BadRequest, "invalid alias %q", alias)
	}
	s, err := r.Get(idOrAlias)
	if err != nil {
		return err
	}

	var losers []*Session
	r.mu.Lock()
	// The alias may move off another session.
	if prevID, ok := r.aliases[alias]; ok && prevID != s.ID {
		if prev, live := r.sessions[prevID]; live {
			losers = append(losers, prev)
		}
	}
	// One alias per session: drop this session's old alias.
	for a, id := range r.aliases {
		if id == s.ID && a != alias {
			delete(r.aliases, a)
		}
	}
	r.aliases[alias] = s.ID
	r.mu.Unlock()

	for _, prev := range losers {
		prev.SetAlias("")
	}
	s.SetAlias(alias)
	return nil
}

// UnregisterAlias removes an alias mapping.
func (r *Registry) UnregisterAlias(alias string) error {
	r.mu.Lock()
	id, ok := r.aliases[alias]
	if !ok {
		r.mu.Unlock()
		return apperr.E(apperr.NotFound, "alias %q not found", alias)
	}
	delete(r.aliases, alias)
	s, live := r.sessions[id]
	r.mu.Unlock()

	if live {
		s.SetAlias("")
	}
	return nil
}

// Sessions returns a snapshot of the live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// List returns API views of live sessions, plus terminated records when
// includeTerminated is set, newest first. Visibility filtering is the
// caller's concern.
func (r *Registry) List(includeTerminated bool) []protocol.SessionData {
	var out []protocol.SessionData
	for _, s := range r.Sessions() {
		out = append(out, s.Snapshot())
	}
	if includeTerminated {
		r.mu.RLock()
		for _, m := range r.terminated {
			out = append(out, m.SessionData())
		}
		r.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// CountLive reports the number of live sessions.
func (r *Registry) CountLive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DeleteTerminated removes a terminated session's record and its on-disk
// artifacts (metadata, raw log, rendered HTML).
func (r *Registry) DeleteTerminated(idOrAlias string) error {
	r.mu.Lock()
	id := idOrAlias
	if mapped, ok := r.aliases[id]; ok {
		id = mapped
	}
	m, ok := r.terminated[id]
	if !ok {
		r.mu.Unlock()
		return apperr.E(apperr.NotFound, "terminated session %q not found", idOrAlias)
	}
	delete(r.terminated, id)
	r.mu.Unlock()

	removeSessionFiles(r.settings.SessionsDir, m)
	return nil
}

// TerminateAll tears down every live session, bounded-parallel so shutdown
// stays within the process grace period.
func (r *Registry) TerminateAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(terminateConcurrency)
	for _, s := range r.Sessions() {
		g.Go(s.Terminate)
	}
	return g.Wait()
}
