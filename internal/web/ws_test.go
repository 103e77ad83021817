package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsEvent is a union of every server→client message field the tests care
// about.
type wsEvent struct {
	Type              string `json:"type"`
	SessionID         string `json:"session_id"`
	Data              string `json:"data"`
	FromQueue         bool   `json:"from_queue"`
	HistoryMarker     uint64 `json:"history_marker"`
	HistoryByteOffset int    `json:"history_byte_offset"`
	ShouldLoadHistory bool   `json:"should_load_history"`
	UpdateType        string `json:"update_type"`
	By                string `json:"by"`
	Source            string `json:"source"`
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	Timestamp         int64  `json:"timestamp"`
}

func (e *testEnv) listen(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(e.srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialWS(t *testing.T, ts *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	h := http.Header{}
	if user != "" {
		h.Set(identityHeader, user)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write ws message: %v", err)
	}
}

// readUntil consumes events until one of the wanted type arrives. Other
// broadcasts (activity flips, metadata updates) may interleave.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) wsEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(deadline)
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read ws event (waiting for %s): %v", typ, err)
		}
		if ev.Type == typ {
			return ev
		}
	}
	t.Fatalf("no %s event before deadline", typ)
	return wsEvent{}
}

func clientIDs(cr *ClientRegistry) map[string]bool {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	out := make(map[string]bool, len(cr.byID))
	for id := range cr.byID {
		out[id] = true
	}
	return out
}

func TestWSAttachAndLiveOutput(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", nil)
	conn := dialWS(t, ts, "alice")

	send(t, conn, map[string]any{"type": "attach", "session_id": sd.ID})
	att := readUntil(t, conn, "attached")
	if att.SessionID != sd.ID || att.ShouldLoadHistory || att.HistoryByteOffset != 0 {
		t.Fatalf("attached = %+v", att)
	}

	e.ptys.last().feed("$ ")
	out := readUntil(t, conn, "stdout")
	if out.Data != "$ " || out.FromQueue {
		t.Fatalf("stdout = %+v", out)
	}
}

func TestWSHistorySyncQueuesUntilLoaded(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", nil)
	pty := e.ptys.last()

	pty.feed("boot")
	sess, err := e.reg.Get(sd.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	waitFor(t, "history", func() bool { return sess.HistoryLen() == 4 })

	conn := dialWS(t, ts, "alice")
	send(t, conn, map[string]any{"type": "attach", "session_id": sd.ID})
	att := readUntil(t, conn, "attached")
	if !att.ShouldLoadHistory || att.HistoryByteOffset != 4 {
		t.Fatalf("attached = %+v", att)
	}

	// Output while the client is loading history is held in its queue and
	// replayed, marked from_queue, once the client reports history_loaded.
	pty.feed("live")
	waitFor(t, "history grows", func() bool { return sess.HistoryLen() == 8 })
	send(t, conn, map[string]any{"type": "history_loaded", "session_id": sd.ID})

	out := readUntil(t, conn, "stdout")
	if out.Data != "live" || !out.FromQueue {
		t.Fatalf("stdout = %+v", out)
	}
}

func TestWSStdinRequiresAttach(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", nil)
	conn := dialWS(t, ts, "alice")

	send(t, conn, map[string]any{"type": "stdin", "session_id": sd.ID, "data": "x"})
	ev := readUntil(t, conn, "error")
	if ev.Kind != "forbidden" || !strings.Contains(ev.Message, "not attached") {
		t.Fatalf("error = %+v", ev)
	}

	send(t, conn, map[string]any{"type": "attach", "session_id": sd.ID})
	readUntil(t, conn, "attached")
	send(t, conn, map[string]any{"type": "stdin", "session_id": sd.ID, "data": "ls\r"})
	waitFor(t, "pty write", func() bool { return e.ptys.last().written() == "ls\r" })
}

func TestWSStdinReadonlyForOtherUsers(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", map[string]any{"visibility": "shared_readonly"})
	conn := dialWS(t, ts, "bob")

	send(t, conn, map[string]any{"type": "attach", "session_id": sd.ID})
	readUntil(t, conn, "attached")

	send(t, conn, map[string]any{"type": "stdin", "session_id": sd.ID, "data": "rm -rf /"})
	ev := readUntil(t, conn, "error")
	if ev.Kind != "forbidden" {
		t.Fatalf("error = %+v", ev)
	}
	if got := e.ptys.last().written(); got != "" {
		t.Errorf("pty received %q from a read-only viewer", got)
	}
}

func TestWSStdinNonInteractiveRejected(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", map[string]any{"interactive": false})
	conn := dialWS(t, ts, "alice")

	send(t, conn, map[string]any{"type": "attach", "session_id": sd.ID})
	readUntil(t, conn, "attached")

	send(t, conn, map[string]any{"type": "stdin", "session_id": sd.ID, "data": "x"})
	ev := readUntil(t, conn, "error")
	if ev.Kind != "bad_request" {
		t.Fatalf("error = %+v", ev)
	}
}

func TestWSAttachPrivateSessionReadsAsMissing(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", nil)
	conn := dialWS(t, ts, "bob")

	send(t, conn, map[string]any{"type": "attach", "session_id": sd.ID})
	ev := readUntil(t, conn, "error")
	if ev.Kind != "not_found" {
		t.Fatalf("error = %+v", ev)
	}
}

func TestWSPingPong(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	conn := dialWS(t, ts, "alice")

	send(t, conn, map[string]any{"type": "ping", "timestamp": 1234})
	ev := readUntil(t, conn, "pong")
	if ev.Timestamp != 1234 {
		t.Fatalf("pong timestamp = %d, want 1234", ev.Timestamp)
	}
}

func TestWSResize(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", nil)
	conn := dialWS(t, ts, "alice")

	// Not attached: silently ignored.
	send(t, conn, map[string]any{"type": "resize", "session_id": sd.ID, "cols": 132, "rows": 50})
	send(t, conn, map[string]any{"type": "ping", "timestamp": 1})
	readUntil(t, conn, "pong")
	sess, err := e.reg.Get(sd.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap := sess.Snapshot(); snap.Cols != 80 {
		t.Fatalf("unattached resize applied: %d cols", snap.Cols)
	}

	send(t, conn, map[string]any{"type": "attach", "session_id": sd.ID})
	readUntil(t, conn, "attached")
	send(t, conn, map[string]any{"type": "resize", "session_id": sd.ID, "cols": 132, "rows": 50})
	waitFor(t, "resize", func() bool { return sess.Snapshot().Cols == 132 })
}

func TestWSMalformedMessageReportsError(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	conn := dialWS(t, ts, "alice")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"launch"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readUntil(t, conn, "error")
	if ev.Kind != "bad_request" {
		t.Fatalf("error = %+v", ev)
	}
}

func TestWSDetach(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", nil)
	conn := dialWS(t, ts, "alice")

	send(t, conn, map[string]any{"type": "attach", "session_id": sd.ID})
	readUntil(t, conn, "attached")

	send(t, conn, map[string]any{"type": "detach", "session_id": sd.ID})
	ev := readUntil(t, conn, "detached")
	if ev.SessionID != sd.ID {
		t.Fatalf("detached = %+v", ev)
	}

	send(t, conn, map[string]any{"type": "detach", "session_id": sd.ID})
	if ev := readUntil(t, conn, "error"); ev.Kind != "not_found" {
		t.Fatalf("second detach = %+v", ev)
	}
}

func TestWSDetachClientTakeover(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", nil)

	connA := dialWS(t, ts, "alice")
	waitFor(t, "first connection", func() bool { return e.srv.deps.Clients.Count() == 1 })
	before := clientIDs(e.srv.deps.Clients)
	var aID string
	for id := range before {
		aID = id
	}
	connB := dialWS(t, ts, "alice")
	waitFor(t, "second connection", func() bool { return e.srv.deps.Clients.Count() == 2 })
	var bID string
	for id := range clientIDs(e.srv.deps.Clients) {
		if !before[id] {
			bID = id
		}
	}

	send(t, connA, map[string]any{"type": "attach", "session_id": sd.ID})
	readUntil(t, connA, "attached")
	send(t, connB, map[string]any{"type": "attach", "session_id": sd.ID})
	readUntil(t, connB, "attached")

	send(t, connA, map[string]any{"type": "detach_client", "session_id": sd.ID, "target_client_id": bID})
	ev := readUntil(t, connB, "detached")
	if ev.SessionID != sd.ID {
		t.Fatalf("detached = %+v", ev)
	}
	if e.srv.deps.Engine.IsAttached(sd.ID, bID) {
		t.Error("target still attached after takeover")
	}
	if !e.srv.deps.Engine.IsAttached(sd.ID, aID) {
		t.Error("caller lost its own attachment")
	}
}

func TestWSDetachClientCrossUserDenied(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)

	_ = dialWS(t, ts, "alice")
	waitFor(t, "alice connection", func() bool { return e.srv.deps.Clients.Count() == 1 })
	var aliceID string
	for id := range clientIDs(e.srv.deps.Clients) {
		aliceID = id
	}

	bob := dialWS(t, ts, "bob")
	send(t, bob, map[string]any{"type": "detach_client", "target_client_id": aliceID})
	ev := readUntil(t, bob, "error")
	if ev.Kind != "forbidden" {
		t.Fatalf("error = %+v", ev)
	}
}

func TestWSControlBroadcastsReachAttachedClients(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", nil)
	conn := dialWS(t, ts, "alice")

	send(t, conn, map[string]any{"type": "attach", "session_id": sd.ID})
	readUntil(t, conn, "attached")

	// A metadata update over HTTP lands on the socket.
	e.do(t, "PUT", "/api/v1/sessions/"+sd.ID+"/note", "alice", map[string]any{
		"note": "progress", "note_version": 0,
	})
	ev := readUntil(t, conn, "session_updated")
	if ev.UpdateType != "note" {
		t.Fatalf("session_updated = %+v", ev)
	}

	// So does an injection notice.
	e.do(t, "POST", "/api/v1/sessions/"+sd.ID+"/input", "alice", map[string]any{"data": "x"})
	inj := readUntil(t, conn, "stdin_injected")
	if inj.By != "alice" || inj.Source != "api" {
		t.Fatalf("stdin_injected = %+v", inj)
	}
}

func TestWSDisconnectDetachesEverywhere(t *testing.T) {
	e := newTestEnv(t)
	ts := e.listen(t)
	sd := e.create(t, "alice", nil)
	conn := dialWS(t, ts, "alice")

	send(t, conn, map[string]any{"type": "attach", "session_id": sd.ID})
	readUntil(t, conn, "attached")
	waitFor(t, "attach count", func() bool { return e.srv.deps.Engine.AttachedCount(sd.ID) == 1 })

	conn.Close()
	waitFor(t, "cleanup", func() bool {
		return e.srv.deps.Engine.AttachedCount(sd.ID) == 0 && e.srv.deps.Clients.Count() == 0
	})
}
