package ratelimit

import (
	"testing"
	"time"

	"github.com/joestump/termhub/internal/apperr"
)

// pinClock fixes timeNow to a controllable instant and restores it on cleanup.
func pinClock(t *testing.T) func(time.Time) {
	t.Helper()
	now := time.Unix(1700000000, 0)
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = time.Now })
	return func(at time.Time) { now = at }
}

func TestAllowWithinWindow(t *testing.T) {
	pinClock(t)
	l := New(3)

	for i := 0; i < 3; i++ {
		if !l.Allow("s1") {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if l.Allow("s1") {
		t.Fatal("fourth call in the same second should be rejected")
	}
}

func TestWindowResetsOnSecondBoundary(t *testing.T) {
	set := pinClock(t)
	l := New(2)

	if !l.Allow("s1") || !l.Allow("s1") {
		t.Fatal("first window should allow two calls")
	}
	if l.Allow("s1") {
		t.Fatal("first window should be exhausted")
	}

	set(time.Unix(1700000001, 0))
	if !l.Allow("s1") {
		t.Fatal("new second should reset the counter")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	pinClock(t)
	l := New(1)

	if !l.Allow("a") {
		t.Fatal("key a should be allowed")
	}
	if !l.Allow("b") {
		t.Fatal("key b has its own window")
	}
	if l.Allow("a") {
		t.Fatal("key a window should be exhausted")
	}
}

func TestZeroLimitDisables(t *testing.T) {
	pinClock(t)
	l := New(0)
	for i := 0; i < 100; i++ {
		if !l.Allow("x") {
			t.Fatal("disabled limiter should always allow")
		}
	}
}

func TestForget(t *testing.T) {
	pinClock(t)
	l := New(1)
	if !l.Allow("s1") {
		t.Fatal("should allow")
	}
	l.Forget("s1")
	if !l.Allow("s1") {
		t.Fatal("forgotten key starts a fresh window")
	}
}

func TestSetScopes(t *testing.T) {
	pinClock(t)
	s := NewSet(100, 1, 1)

	if err := s.AllowOp("sess"); err != nil {
		t.Fatalf("first op: %v", err)
	}
	err := s.AllowOp("sess")
	if err == nil {
		t.Fatal("second op in the same second should be rejected")
	}
	if apperr.KindOf(err) != apperr.LimitExceeded {
		t.Fatalf("expected LimitExceeded, got %v", apperr.KindOf(err))
	}
	if apperr.ScopeOf(err) != "session" {
		t.Fatalf("expected session scope, got %q", apperr.ScopeOf(err))
	}

	if err := s.AllowCreate("alice"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err = s.AllowCreate("alice")
	if err == nil || apperr.ScopeOf(err) != "user" {
		t.Fatalf("expected user-scoped limit error, got %v", err)
	}
}

func TestGlobalScopeReported(t *testing.T) {
	pinClock(t)
	s := NewSet(1, 100, 100)

	if err := s.AllowOp("sess"); err != nil {
		t.Fatalf("first op: %v", err)
	}
	err := s.AllowOp("sess")
	if err == nil || apperr.ScopeOf(err) != "global" {
		t.Fatalf("expected global-scoped limit error, got %v", err)
	}
}
