// Package protocol defines the control messages exchanged with clients over
// the WebSocket transport and the SSE stream. Every server→client message is
// a JSON object discriminated by a "type" field; client→server messages are
// a small tagged union.
package protocol

// Message type discriminators, server→client.
const (
	TypeAttached                  = "attached"
	TypeDetached                  = "detached"
	TypeStdout                    = "stdout"
	TypeStdoutDropped             = "stdout_dropped"
	TypeStdinInjected             = "stdin_injected"
	TypeSessionActivity           = "session_activity"
	TypeSessionUpdated            = "session_updated"
	TypeScheduledInputRuleUpdated = "scheduled_input_rule_updated"
	TypeDeferredInputUpdated      = "deferred_input_updated"
	TypeNotification              = "notification"
	TypeNotificationUpdated       = "notification_updated"
	TypeNotificationActionResult  = "notification_action_result"
	TypePong                      = "pong"
	TypeError                     = "error"
)

// Message is any server→client control message. Concrete values are the
// structs below; all marshal with a type discriminator.
type Message any

// Attached confirms an attach and carries the history-sync snapshot the
// client needs before it starts consuming live output.
type Attached struct {
	Type              string `json:"type"`
	SessionID         string `json:"session_id"`
	HistoryMarker     uint64 `json:"history_marker"`
	HistoryByteOffset int    `json:"history_byte_offset"`
	ShouldLoadHistory bool   `json:"should_load_history"`
}

func NewAttached(sessionID string, marker uint64, byteOffset int, loadHistory bool) Attached {
	return Attached{
		Type:              TypeAttached,
		SessionID:         sessionID,
		HistoryMarker:     marker,
		HistoryByteOffset: byteOffset,
		ShouldLoadHistory: loadHistory,
	}
}

// Detached confirms a detach.
type Detached struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func NewDetached(sessionID string) Detached {
	return Detached{Type: TypeDetached, SessionID: sessionID}
}

// Stdout carries a batch of session output. FromQueue marks chunks replayed
// from a client's history-sync queue after history_loaded.
type Stdout struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	FromQueue bool   `json:"from_queue,omitempty"`
}

func NewStdout(sessionID, data string, fromQueue bool) Stdout {
	return Stdout{Type: TypeStdout, SessionID: sessionID, Data: data, FromQueue: fromQueue}
}

// StdoutDropped reports a backlog trim so UIs can surface truncation.
type StdoutDropped struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id"`
	DroppedBytes int    `json:"dropped_bytes"`
	BacklogBytes int    `json:"backlog_bytes"`
}

func NewStdoutDropped(sessionID string, dropped, backlog int) StdoutDropped {
	return StdoutDropped{Type: TypeStdoutDropped, SessionID: sessionID, DroppedBytes: dropped, BacklogBytes: backlog}
}

// StdinInjected is broadcast on every injection so clients can place local
// render markers, regardless of the notify option on the write itself.
type StdinInjected struct {
	Type           string `json:"type"`
	SessionID      string `json:"session_id"`
	By             string `json:"by"`
	Bytes          int    `json:"bytes"`
	Submit         bool   `json:"submit"`
	EnterStyle     string `json:"enter_style"`
	Raw            bool   `json:"raw"`
	Notify         bool   `json:"notify"`
	Source         string `json:"source"`
	RuleID         string `json:"rule_id,omitempty"`
	ActivityPolicy string `json:"activity_policy"`
}

// SessionActivity reports an activity state transition.
type SessionActivity struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id"`
	ActivityState string `json:"activity_state"`
	LastOutputAt  int64  `json:"last_output_at"`
}

func NewSessionActivity(sessionID, state string, lastOutputAt int64) SessionActivity {
	return SessionActivity{Type: TypeSessionActivity, SessionID: sessionID, ActivityState: state, LastOutputAt: lastOutputAt}
}

// SessionUpdated reports a metadata change (title, visibility, note, alias,
// stop-inputs, lifecycle). SessionData mirrors the API session object.
type SessionUpdated struct {
	Type        string      `json:"type"`
	UpdateType  string      `json:"update_type"`
	SessionData SessionData `json:"session_data"`
}

func NewSessionUpdated(updateType string, data SessionData) SessionUpdated {
	return SessionUpdated{Type: TypeSessionUpdated, UpdateType: updateType, SessionData: data}
}

// ScheduledInputRuleUpdated reports scheduler rule lifecycle: action is one
// of added, updated, removed, fired, cleared.
type ScheduledInputRuleUpdated struct {
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	SessionID string    `json:"session_id"`
	RuleID    string    `json:"rule_id,omitempty"`
	Rule      *RuleView `json:"rule,omitempty"`
	NextRunAt int64     `json:"next_run_at,omitempty"`
	Paused    *bool     `json:"paused,omitempty"`
}

// DeferredInputUpdated reports deferral queue changes: action is one of
// added, removed, cleared.
type DeferredInputUpdated struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id"`
	Action    string       `json:"action"`
	Count     int          `json:"count"`
	Pending   *PendingView `json:"pending,omitempty"`
	PendingID string       `json:"pending_id,omitempty"`
}

// Notification and its companions belong to the notification collaborators;
// the core only relays them.
type Notification struct {
	Type    string   `json:"type"`
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Level   string   `json:"level,omitempty"`
	Actions []string `json:"actions,omitempty"`
}

type NotificationUpdated struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type NotificationActionResult struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Pong answers a client ping, echoing its timestamp.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

func NewPong(timestamp int64) Pong {
	return Pong{Type: TypePong, Timestamp: timestamp}
}

// Error reports a rejected client message on the originating connection.
type Error struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
}

func NewError(sessionID, kind, message string) Error {
	return Error{Type: TypeError, SessionID: sessionID, Kind: kind, Message: message}
}
