package deferral

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joestump/termhub/internal/apperr"
	"github.com/joestump/termhub/internal/fanout"
	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/ratelimit"
	"github.com/joestump/termhub/internal/session"
)

// stubPTY implements session.PTY with recorded writes and scripted output.
type stubPTY struct {
	mu      sync.Mutex
	writes  []string
	out     chan string
	pending string
	killed  chan struct{}
	once    sync.Once
}

func newStubPTY() *stubPTY {
	return &stubPTY{out: make(chan string, 16), killed: make(chan struct{})}
}

func (p *stubPTY) feed(s string) { p.out <- s }

func (p *stubPTY) Read(b []byte) (int, error) {
	if p.pending == "" {
		select {
		case s := <-p.out:
			p.pending = s
		case <-p.killed:
			return 0, io.EOF
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *stubPTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

func (p *stubPTY) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.writes, "")
}

func (p *stubPTY) writeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.writes)
}

func (p *stubPTY) Resize(int, int) error { return nil }

func (p *stubPTY) Kill() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

func (p *stubPTY) Wait() (int, error) {
	<-p.killed
	return 0, nil
}

func (p *stubPTY) Close() error { return nil }

// recorder collects session events and deferral broadcasts.
type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *recorder) Publish(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) broadcast(_ string, msg protocol.Message) { r.Publish(msg) }

func (r *recorder) deferred() []protocol.DeferredInputUpdated {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.DeferredInputUpdated
	for _, m := range r.msgs {
		if d, ok := m.(protocol.DeferredInputUpdated); ok {
			out = append(out, d)
		}
	}
	return out
}

func (r *recorder) injected() []protocol.StdinInjected {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.StdinInjected
	for _, m := range r.msgs {
		if i, ok := m.(protocol.StdinInjected); ok {
			out = append(out, i)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fixture struct {
	dm     *Manager
	s      *session.Session
	pty    *stubPTY
	events *recorder
	msgs   *recorder
}

// newFixture spawns one session on a stub PTY and a Manager broadcasting to
// a recorder. mutate may adjust options, settings, and deps before spawn.
func newFixture(t *testing.T, mutate func(*session.CreateOptions, *session.Settings, *session.Deps)) *fixture {
	t.Helper()
	pty := newStubPTY()
	events := &recorder{}
	msgs := &recorder{}
	dm := New(msgs.broadcast)

	opts := session.CreateOptions{
		ID:          "sess-1",
		Command:     []string{"bash", "-l"},
		Cols:        80,
		Rows:        24,
		Owner:       "alice",
		Interactive: true,
	}
	st := session.Settings{
		SessionsDir:     t.TempDir(),
		InactiveAfterMs: 100,
	}
	deps := session.Deps{
		Engine:        fanout.New(time.Millisecond),
		Limits:        ratelimit.NewSet(0, 0, 0),
		Start:         func(session.SpawnOpts) (session.PTY, error) { return pty, nil },
		Events:        events,
		Defer:         dm.Register,
		DeferredCount: dm.Count,
	}
	if mutate != nil {
		mutate(&opts, &st, &deps)
	}

	reg := session.NewRegistry(st, deps, 0)
	s, err := reg.Create(opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = s.Terminate() })
	return &fixture{dm: dm, s: s, pty: pty, events: events, msgs: msgs}
}

func (fx *fixture) register(t *testing.T, opts session.InjectOptions) {
	t.Helper()
	if err := fx.dm.Register(fx.s, opts); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func TestRegisterListDelete(t *testing.T) {
	fx := newFixture(t, nil)

	fx.register(t, session.InjectOptions{Data: "first", Key: "k1", Source: session.SourceAPI, By: "alice"})
	fx.register(t, session.InjectOptions{Data: strings.Repeat("x", 300), Key: "k2", Source: session.SourceScheduled})

	if got := fx.dm.Count(fx.s.ID); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}

	list := fx.dm.List(fx.s.ID)
	if len(list) != 2 {
		t.Fatalf("List = %d entries, want 2", len(list))
	}
	if list[0].DataPreview != "first" || list[0].Key != "k1" || list[0].By != "alice" {
		t.Errorf("first view = %+v", list[0])
	}
	if list[1].Bytes != 300 || len(list[1].DataPreview) != listPreviewLen {
		t.Errorf("long entry preview = %d bytes (want %d), bytes = %d", len(list[1].DataPreview), listPreviewLen, list[1].Bytes)
	}

	added := fx.msgs.deferred()
	if len(added) != 2 || added[0].Action != "added" || added[0].Count != 1 || added[1].Count != 2 {
		t.Fatalf("added broadcasts = %+v", added)
	}
	if added[1].Pending == nil || len(added[1].Pending.DataPreview) != addedPreviewLen {
		t.Errorf("added preview not truncated to %d", addedPreviewLen)
	}

	if err := fx.dm.Delete(fx.s.ID, list[0].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := fx.dm.Delete(fx.s.ID, list[0].ID); !apperr.IsKind(err, apperr.NotFound) {
		t.Errorf("second Delete = %v, want NotFound", err)
	}

	evs := fx.msgs.deferred()
	last := evs[len(evs)-1]
	if last.Action != "removed" || last.PendingID != list[0].ID || last.Count != 1 {
		t.Errorf("removed broadcast = %+v", last)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	fx := newFixture(t, nil)

	opts := session.InjectOptions{Data: "rerun", Key: "rule:r1", Submit: true}
	fx.register(t, opts)

	if err := fx.dm.Register(fx.s, opts); !apperr.IsKind(err, apperr.Conflict) {
		t.Fatalf("duplicate Register = %v, want Conflict", err)
	}

	// Same content under a different key is a distinct entry.
	opts.Key = "rule:r2"
	fx.register(t, opts)

	// Same key with different options hashes differently.
	fx.register(t, session.InjectOptions{Data: "rerun", Key: "rule:r1", Submit: false})

	if got := fx.dm.Count(fx.s.ID); got != 3 {
		t.Errorf("Count = %d, want 3", got)
	}
}

func TestClearAndForget(t *testing.T) {
	fx := newFixture(t, nil)

	fx.register(t, session.InjectOptions{Data: "a"})
	fx.register(t, session.InjectOptions{Data: "b"})

	if n := fx.dm.Clear(fx.s.ID); n != 2 {
		t.Fatalf("Clear = %d, want 2", n)
	}
	evs := fx.msgs.deferred()
	if last := evs[len(evs)-1]; last.Action != "cleared" || last.Count != 0 {
		t.Errorf("cleared broadcast = %+v", last)
	}

	// Clearing an empty queue stays quiet.
	before := len(fx.msgs.deferred())
	if n := fx.dm.Clear(fx.s.ID); n != 0 {
		t.Errorf("Clear on empty = %d", n)
	}
	if len(fx.msgs.deferred()) != before {
		t.Error("empty Clear broadcast anyway")
	}

	fx.register(t, session.InjectOptions{Data: "c"})
	fx.dm.Forget(fx.s.ID)
	if got := fx.dm.Count(fx.s.ID); got != 0 {
		t.Errorf("Count after Forget = %d", got)
	}
	if last := fx.msgs.deferred()[len(fx.msgs.deferred())-1]; last.Action != "added" {
		t.Errorf("Forget broadcast something: %+v", last)
	}
}

func TestDrainJoinsWithFirstEntryOptions(t *testing.T) {
	fx := newFixture(t, func(o *session.CreateOptions, _ *session.Settings, _ *session.Deps) {
		// Armed stop-inputs must not fire in a transition that drained.
		o.StopInputs = []session.StopInput{{ID: "s1", Prompt: "STOP-PROMPT", Armed: true, Source: "user"}}
		o.StopInputsEnabled = true
	})

	fx.register(t, session.InjectOptions{Data: "one", Submit: true, EnterStyle: session.EnterLF, Source: session.SourceAPI, By: "alice"})
	fx.register(t, session.InjectOptions{Data: "two", Source: session.SourceScheduled})

	fx.dm.OnSessionInactive(fx.s)

	waitFor(t, "drained payload", func() bool {
		return strings.HasSuffix(fx.pty.written(), "\n")
	})
	if got := fx.pty.written(); got != "one\ntwo\n" {
		t.Errorf("pty received %q, want joined payload with first entry's enter style", got)
	}
	if strings.Contains(fx.pty.written(), "STOP-PROMPT") {
		t.Error("stop-inputs fired in the same transition as a drain")
	}

	inj := fx.events.injected()
	if len(inj) != 1 {
		t.Fatalf("injections = %d, want 1", len(inj))
	}
	if inj[0].Source != session.SourceAPI || !inj[0].Submit || inj[0].EnterStyle != session.EnterLF {
		t.Errorf("drain carried wrong options: %+v", inj[0])
	}

	if got := fx.dm.Count(fx.s.ID); got != 0 {
		t.Errorf("Count after drain = %d", got)
	}
	evs := fx.msgs.deferred()
	if last := evs[len(evs)-1]; last.Action != "cleared" || last.Count != 0 {
		t.Errorf("drain broadcast = %+v", last)
	}
}

func TestStopInputsInjectedWhenSettled(t *testing.T) {
	fx := newFixture(t, func(o *session.CreateOptions, st *session.Settings, _ *session.Deps) {
		o.StopInputs = []session.StopInput{
			{ID: "s1", Prompt: "keep going", Armed: true, Source: "template"},
			{ID: "s2", Prompt: "disarmed", Armed: false},
			{ID: "s3", Prompt: "summarize", Armed: true, Source: "user"},
		}
		o.StopInputsEnabled = true
		st.StopInputsGraceMs = 1
		st.StopInputsStartGraceMs = 1
	})
	time.Sleep(5 * time.Millisecond) // clear the start grace

	fx.dm.OnSessionInactive(fx.s)

	waitFor(t, "stop-inputs payload", func() bool {
		return strings.Contains(fx.pty.written(), "summarize")
	})
	if !strings.Contains(fx.pty.written(), "keep going\nsummarize") {
		t.Errorf("pty received %q, want armed prompts joined", fx.pty.written())
	}
	if strings.Contains(fx.pty.written(), "disarmed") {
		t.Error("disarmed prompt was injected")
	}

	waitFor(t, "stdin_injected", func() bool { return len(fx.events.injected()) == 1 })
	inj := fx.events.injected()[0]
	if inj.Source != session.SourceStopInputs || inj.By != "server" || !inj.Submit || inj.EnterStyle != session.EnterCR {
		t.Errorf("stop-inputs injection = %+v", inj)
	}

	// One rearm unit consumed.
	waitFor(t, "rearm decrement", func() bool {
		return fx.s.Snapshot().StopInputsRemaining == 9
	})
}

func TestStopInputsSkippedInsideStartGrace(t *testing.T) {
	fx := newFixture(t, func(o *session.CreateOptions, st *session.Settings, _ *session.Deps) {
		o.StopInputs = []session.StopInput{{ID: "s1", Prompt: "too soon", Armed: true}}
		o.StopInputsEnabled = true
		st.StopInputsGraceMs = 1
		st.StopInputsStartGraceMs = 60000
	})

	fx.dm.OnSessionInactive(fx.s)
	time.Sleep(20 * time.Millisecond)

	if fx.pty.writeCalls() != 0 {
		t.Errorf("pty received %q inside the start grace window", fx.pty.written())
	}
}

func TestStopInputsSkippedAfterRecentUserInput(t *testing.T) {
	fx := newFixture(t, func(o *session.CreateOptions, st *session.Settings, _ *session.Deps) {
		o.StopInputs = []session.StopInput{{ID: "s1", Prompt: "hold on", Armed: true}}
		o.StopInputsEnabled = true
		st.StopInputsGraceMs = 60000
		st.StopInputsStartGraceMs = 1
	})
	time.Sleep(5 * time.Millisecond)

	if !fx.s.Write("typing...") {
		t.Fatal("Write rejected")
	}
	fx.dm.OnSessionInactive(fx.s)
	time.Sleep(20 * time.Millisecond)

	if got := fx.pty.written(); got != "typing..." {
		t.Errorf("pty received %q right after user input, want only the user bytes", got)
	}
}

func TestStopInputsSkippedWhenDisabled(t *testing.T) {
	fx := newFixture(t, func(o *session.CreateOptions, st *session.Settings, _ *session.Deps) {
		o.StopInputs = []session.StopInput{{ID: "s1", Prompt: "never", Armed: true}}
		o.StopInputsEnabled = false
		st.StopInputsGraceMs = 1
		st.StopInputsStartGraceMs = 1
	})
	time.Sleep(5 * time.Millisecond)

	fx.dm.OnSessionInactive(fx.s)
	time.Sleep(20 * time.Millisecond)

	if fx.pty.writeCalls() != 0 {
		t.Error("disabled stop-inputs still injected")
	}
}

// TestDeferThenSettleDrains exercises the full loop: a deferred injection on
// an active session waits for the inactivity timer and drains exactly once.
func TestDeferThenSettleDrains(t *testing.T) {
	pty := newStubPTY()
	events := &recorder{}
	msgs := &recorder{}
	dm := New(msgs.broadcast)

	deps := session.Deps{
		Engine:        fanout.New(time.Millisecond),
		Limits:        ratelimit.NewSet(0, 0, 0),
		Start:         func(session.SpawnOpts) (session.PTY, error) { return pty, nil },
		Events:        events,
		Defer:         dm.Register,
		DeferredCount: dm.Count,
		OnInactive:    dm.OnSessionInactive,
	}
	reg := session.NewRegistry(session.Settings{SessionsDir: t.TempDir(), InactiveAfterMs: 100}, deps, 0)
	s, err := reg.Create(session.CreateOptions{
		ID:          "sess-1",
		Command:     []string{"bash", "-l"},
		Cols:        80,
		Rows:        24,
		Owner:       "alice",
		Interactive: true,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { _ = s.Terminate() })

	// Make the session busy so the defer policy holds the input back.
	pty.feed("building...\r\n")
	waitFor(t, "active", func() bool { return s.ActivityState() == session.ActivityActive })

	res, err := s.Inject(session.InjectOptions{
		Data:           "queued command",
		ActivityPolicy: session.PolicyDefer,
		Source:         session.SourceAPI,
		By:             "alice",
	})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}
	if !res.Deferred {
		t.Fatalf("result = %+v, want deferred", res)
	}
	if got := dm.Count(s.ID); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}

	// Settling drains the queue into the PTY.
	waitFor(t, "drain", func() bool {
		return strings.Contains(pty.written(), "queued command")
	})
	if got := dm.Count(s.ID); got != 0 {
		t.Errorf("Count after settle = %d", got)
	}
	if n := len(events.injected()); n != 1 {
		t.Errorf("injections = %d, want 1", n)
	}
}
