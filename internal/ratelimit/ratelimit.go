// Package ratelimit provides the fixed-window counters that gate control
// operations. Windows are wall-clock seconds: the first Allow against a new
// second resets the counter. Stdin writes are deliberately not limited.
package ratelimit

import (
	"sync"
	"time"

	"github.com/joestump/termhub/internal/apperr"
)

// timeNow is swapped by tests to pin the clock.
var timeNow = time.Now

// sweepThreshold bounds how many stale per-key windows may accumulate
// before Allow prunes them.
const sweepThreshold = 1024

// Limiter is a fixed-window counter keyed by an arbitrary string
// (session id, user id, or "" for a process-global limiter).
type Limiter struct {
	mu      sync.Mutex
	limit   int
	windows map[string]*window
}

type window struct {
	second int64
	count  int
}

// New creates a limiter allowing limit operations per key per second.
// A non-positive limit disables the limiter (Allow always succeeds).
func New(limit int) *Limiter {
	return &Limiter{
		limit:   limit,
		windows: make(map[string]*window),
	}
}

// Allow reports whether one more operation is permitted for key within the
// current wall-clock second, consuming a slot when it is.
func (l *Limiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}

	now := timeNow().Unix()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || w.second != now {
		if len(l.windows) > sweepThreshold {
			l.sweep(now)
		}
		l.windows[key] = &window{second: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Forget drops the window for key, freeing its memory. Called when a
// session ends so terminated ids do not linger in the map.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

// sweep removes windows from past seconds. Caller must hold l.mu.
func (l *Limiter) sweep(now int64) {
	for k, w := range l.windows {
		if w.second != now {
			delete(l.windows, k)
		}
	}
}

// Set bundles the three limiter instances the server runs with.
type Set struct {
	Global  *Limiter // all control operations, keyed ""
	Session *Limiter // control operations, keyed by session id
	Create  *Limiter // session creation, keyed by user
}

// NewSet builds the standard limiter set.
func NewSet(globalPerSec, sessionPerSec, createPerUserPerSec int) *Set {
	return &Set{
		Global:  New(globalPerSec),
		Session: New(sessionPerSec),
		Create:  New(createPerUserPerSec),
	}
}

// AllowOp checks the global and per-session limiters for a control operation
// (resize, terminate, scheduler mutations). Returns a LimitExceeded error
// naming the scope that rejected the call.
func (s *Set) AllowOp(sessionID string) error {
	if !s.Global.Allow("") {
		return apperr.Limit("global", "global operation rate exceeded")
	}
	if !s.Session.Allow(sessionID) {
		return apperr.Limit("session", "session operation rate exceeded")
	}
	return nil
}

// AllowCreate checks the global and per-user limiters for session creation.
func (s *Set) AllowCreate(user string) error {
	if !s.Global.Allow("") {
		return apperr.Limit("global", "global operation rate exceeded")
	}
	if !s.Create.Allow(user) {
		return apperr.Limit("user", "session creation rate exceeded")
	}
	return nil
}

// ForgetSession drops per-session limiter state after termination.
func (s *Set) ForgetSession(sessionID string) {
	s.Session.Forget(sessionID)
}
