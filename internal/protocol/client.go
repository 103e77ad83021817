package protocol

import (
	"encoding/json"
	"fmt"
)

// Client→server message type discriminators.
const (
	ClientTypeAttach        = "attach"
	ClientTypeDetach        = "detach"
	ClientTypeDetachClient  = "detach_client"
	ClientTypeHistoryLoaded = "history_loaded"
	ClientTypeStdin         = "stdin"
	ClientTypeResize        = "resize"
	ClientTypePing          = "ping"
)

// ClientMessage is the tagged union read from client connections. Only the
// fields relevant to each Type are set.
type ClientMessage struct {
	Type string `json:"type"`

	// attach, detach, history_loaded, stdin, resize
	SessionID string `json:"session_id,omitempty"`

	// detach_client
	TargetClientID string `json:"target_client_id,omitempty"`

	// stdin
	Data string `json:"data,omitempty"`

	// resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// ping
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ParseClientMessage decodes and validates one client message. It rejects
// unknown types and missing required fields so handlers can assume a
// well-formed message.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("decode client message: %w", err)
	}
	switch msg.Type {
	case ClientTypeAttach, ClientTypeDetach, ClientTypeHistoryLoaded, ClientTypeStdin:
		if msg.SessionID == "" {
			return ClientMessage{}, fmt.Errorf("%s: missing session_id", msg.Type)
		}
	case ClientTypeResize:
		if msg.SessionID == "" {
			return ClientMessage{}, fmt.Errorf("resize: missing session_id")
		}
		if msg.Cols <= 0 || msg.Rows <= 0 {
			return ClientMessage{}, fmt.Errorf("resize: cols and rows must be positive")
		}
	case ClientTypeDetachClient:
		if msg.TargetClientID == "" {
			return ClientMessage{}, fmt.Errorf("detach_client: missing target_client_id")
		}
	case ClientTypePing:
	case "":
		return ClientMessage{}, fmt.Errorf("missing message type")
	default:
		return ClientMessage{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	return msg, nil
}
