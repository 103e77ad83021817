package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/joestump/termhub/internal/deferral"
	"github.com/joestump/termhub/internal/fanout"
	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/ratelimit"
	"github.com/joestump/termhub/internal/schedule"
	"github.com/joestump/termhub/internal/session"
)

// --- Fixtures ---

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

// ptyFactory mints one stubPTY per spawned session.
type ptyFactory struct {
	mu   sync.Mutex
	ptys []*stubPTY
}

func (f *ptyFactory) start(session.SpawnOpts) (session.PTY, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := newStubPTY()
	f.ptys = append(f.ptys, p)
	return p, nil
}

func (f *ptyFactory) last() *stubPTY {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ptys) == 0 {
		return nil
	}
	return f.ptys[len(f.ptys)-1]
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

type toolEnv struct {
	srv  *Server
	reg  *session.Registry
	dm   *deferral.Manager
	ptys *ptyFactory
}

// newToolEnv builds a Server over stub PTYs. The long inactivity window keeps
// sessions active for the whole test.
func newToolEnv(t *testing.T) *toolEnv {
	t.Helper()
	ptys := &ptyFactory{}
	engine := fanout.New(time.Millisecond)
	dm := deferral.New(func(string, protocol.Message) {})

	var sc *schedule.Scheduler
	deps := session.Deps{
		Engine:        engine,
		Limits:        ratelimit.NewSet(0, 0, 0),
		Start:         ptys.start,
		Defer:         dm.Register,
		DeferredCount: dm.Count,
		RuleCount: func(id string) int {
			if sc == nil {
				return 0
			}
			return sc.Count(id)
		},
		OnInactive: dm.OnSessionInactive,
	}
	reg := session.NewRegistry(session.Settings{InactiveAfterMs: 60000}, deps, 0)
	sc = schedule.New(reg.Get, dm.Register, nil, schedule.Limits{MinIntervalMs: 10})

	srv := &Server{
		registry:  reg,
		scheduler: sc,
		shell:     []string{"bash", "-l"},
		user:      "agent",
	}
	t.Cleanup(func() {
		for _, s := range reg.Sessions() {
			_ = s.Terminate()
		}
	})
	return &toolEnv{srv: srv, reg: reg, dm: dm, ptys: ptys}
}

func makeRequest(tool string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      tool,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("result content is %T, not TextContent", result.Content[0])
	}
	return tc.Text
}

// createSession drives the create_session handler and returns the summary.
func createSession(t *testing.T, e *toolEnv, args map[string]any) sessionSummary {
	t.Helper()
	result, err := e.srv.handleCreateSession(context.Background(), makeRequest("create_session", args))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("create_session failed: %s", resultText(t, result))
	}
	var sum sessionSummary
	if err := json.Unmarshal([]byte(resultText(t, result)), &sum); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	return sum
}

// --- Tests ---

func TestListSessions_Empty(t *testing.T) {
	e := newToolEnv(t)

	result, err := e.srv.handleListSessions(context.Background(), makeRequest("list_sessions", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var summaries []sessionSummary
	if err := json.Unmarshal([]byte(resultText(t, result)), &summaries); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(summaries) != 0 {
		t.Errorf("expected 0 sessions, got %d", len(summaries))
	}
}

func TestCreateSession_Defaults(t *testing.T) {
	e := newToolEnv(t)

	sum := createSession(t, e, map[string]any{"alias": "build"})
	if sum.ID == "" {
		t.Fatal("expected a session id")
	}
	if sum.Alias != "build" {
		t.Errorf("alias = %q", sum.Alias)
	}
	if len(sum.Command) != 2 || sum.Command[0] != "bash" {
		t.Errorf("command = %v, want the configured shell", sum.Command)
	}
	if sum.Cols != 80 || sum.Rows != 24 {
		t.Errorf("geometry = %dx%d, want 80x24", sum.Cols, sum.Rows)
	}
	if !sum.Interactive {
		t.Error("expected interactive by default")
	}
	if sum.ActivityState != "active" {
		t.Errorf("activity_state = %q, want active", sum.ActivityState)
	}

	// The session is resolvable by alias.
	if _, err := e.reg.Get("build"); err != nil {
		t.Errorf("Get by alias: %v", err)
	}
}

func TestCreateSession_RejectsTinyGeometry(t *testing.T) {
	e := newToolEnv(t)

	result, err := e.srv.handleCreateSession(context.Background(), makeRequest("create_session", map[string]any{
		"cols": 10, "rows": 4,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected geometry validation error")
	}
	t.Logf("geometry error: %s", resultText(t, result))
}

func TestCreateSession_ReadOnly(t *testing.T) {
	e := newToolEnv(t)
	e.srv.readOnly = true

	result, err := e.srv.handleCreateSession(context.Background(), makeRequest("create_session", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected read-only rejection")
	}
	if text := resultText(t, result); !strings.Contains(text, "read-only") {
		t.Errorf("expected read-only message, got: %s", text)
	}
	if len(e.reg.Sessions()) != 0 {
		t.Error("expected no session to be created")
	}
}

func TestSendInput_WritesToPTY(t *testing.T) {
	e := newToolEnv(t)
	sum := createSession(t, e, nil)

	result, err := e.srv.handleSendInput(context.Background(), makeRequest("send_input", map[string]any{
		"session_id": sum.ID,
		"data":       "ls",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var res session.InjectResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &res); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if res.Bytes != 2 || res.Suppressed || res.Deferred {
		t.Errorf("result = %+v", res)
	}
	waitFor(t, "pty write", func() bool { return e.ptys.last().written() == "ls" })
}

func TestSendInput_SuppressedWhileActive(t *testing.T) {
	e := newToolEnv(t)
	sum := createSession(t, e, nil)

	result, err := e.srv.handleSendInput(context.Background(), makeRequest("send_input", map[string]any{
		"session_id":      sum.ID,
		"data":            "echo hi",
		"activity_policy": "suppress",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var res session.InjectResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &res); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !res.Suppressed || res.Reason != "active" {
		t.Errorf("result = %+v, want suppressed with reason active", res)
	}
	if got := e.ptys.last().written(); got != "" {
		t.Errorf("pty received %q despite suppression", got)
	}
}

func TestSendInput_DeferredWhileActive(t *testing.T) {
	e := newToolEnv(t)
	sum := createSession(t, e, nil)

	result, err := e.srv.handleSendInput(context.Background(), makeRequest("send_input", map[string]any{
		"session_id":      sum.ID,
		"data":            "make test",
		"submit":          true,
		"activity_policy": "defer",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var res session.InjectResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &res); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !res.Deferred {
		t.Errorf("result = %+v, want deferred", res)
	}
	if n := e.dm.Count(sum.ID); n != 1 {
		t.Errorf("deferred count = %d, want 1", n)
	}
}

func TestSendInput_UnknownSession(t *testing.T) {
	e := newToolEnv(t)

	result, err := e.srv.handleSendInput(context.Background(), makeRequest("send_input", map[string]any{
		"session_id": "nope",
		"data":       "x",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error for unknown session")
	}
}

func TestSendInput_InvalidPolicy(t *testing.T) {
	e := newToolEnv(t)
	sum := createSession(t, e, nil)

	result, err := e.srv.handleSendInput(context.Background(), makeRequest("send_input", map[string]any{
		"session_id":      sum.ID,
		"data":            "x",
		"activity_policy": "later",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected activity_policy validation error")
	}
}

func TestGetOutput_TailWindow(t *testing.T) {
	e := newToolEnv(t)
	sum := createSession(t, e, nil)

	e.ptys.last().feed("hello world")
	sess, err := e.reg.Get(sum.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitFor(t, "history", func() bool { return sess.HistoryLen() == 11 })

	result, err := e.srv.handleGetOutput(context.Background(), makeRequest("get_output", map[string]any{
		"session_id": sum.ID,
		"max_bytes":  5,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var out getOutputResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &out); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if out.Output != "world" || out.Offset != 6 || out.HistoryLen != 11 {
		t.Errorf("result = %+v", out)
	}
	if out.ActivityState != "active" {
		t.Errorf("activity_state = %q", out.ActivityState)
	}
}

func TestTerminateSession_ReturnsExitCode(t *testing.T) {
	e := newToolEnv(t)
	sum := createSession(t, e, nil)

	result, err := e.srv.handleTerminateSession(context.Background(), makeRequest("terminate_session", map[string]any{
		"session_id": sum.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var out terminateSessionResult
	if err := json.Unmarshal([]byte(resultText(t, result)), &out); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if !out.Terminated {
		t.Error("expected terminated = true")
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", out.ExitCode)
	}
	if _, err := e.reg.Get(sum.ID); err == nil {
		t.Error("session still live after terminate")
	}
}

func TestListSessions_IncludeTerminated(t *testing.T) {
	e := newToolEnv(t)
	sum := createSession(t, e, nil)
	if _, err := e.srv.handleTerminateSession(context.Background(), makeRequest("terminate_session", map[string]any{
		"session_id": sum.ID,
	})); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	result, err := e.srv.handleListSessions(context.Background(), makeRequest("list_sessions", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var live []sessionSummary
	if err := json.Unmarshal([]byte(resultText(t, result)), &live); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected 0 live sessions, got %d", len(live))
	}

	result, err = e.srv.handleListSessions(context.Background(), makeRequest("list_sessions", map[string]any{
		"include_terminated": true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var all []sessionSummary
	if err := json.Unmarshal([]byte(resultText(t, result)), &all); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(all) != 1 || !all[0].Terminated {
		t.Fatalf("summaries = %+v, want one terminated session", all)
	}
}

func TestAddScheduledInput_AndList(t *testing.T) {
	e := newToolEnv(t)
	sum := createSession(t, e, nil)

	result, err := e.srv.handleAddScheduledInput(context.Background(), makeRequest("add_scheduled_input", map[string]any{
		"session_id":  sum.ID,
		"type":        "interval",
		"data":        "ping",
		"interval_ms": 60000,
		"submit":      true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error: %s", resultText(t, result))
	}

	var view protocol.RuleView
	if err := json.Unmarshal([]byte(resultText(t, result)), &view); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if view.ID == "" || view.IntervalMs != 60000 || !view.Submit {
		t.Errorf("rule = %+v", view)
	}
	if view.By != "agent" {
		t.Errorf("by = %q, want agent", view.By)
	}

	listResult, err := e.srv.handleListScheduledInputs(context.Background(), makeRequest("list_scheduled_inputs", map[string]any{
		"session_id": sum.ID,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var rules []protocol.RuleView
	if err := json.Unmarshal([]byte(resultText(t, listResult)), &rules); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != view.ID {
		t.Fatalf("rules = %+v, want the added rule", rules)
	}
}

func TestAddScheduledInput_BadType(t *testing.T) {
	e := newToolEnv(t)
	sum := createSession(t, e, nil)

	result, err := e.srv.handleAddScheduledInput(context.Background(), makeRequest("add_scheduled_input", map[string]any{
		"session_id": sum.ID,
		"type":       "cron",
		"data":       "x",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected rule type validation error")
	}
	t.Logf("rule type error: %s", resultText(t, result))
}
