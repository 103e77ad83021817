package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/schedule"
	"github.com/joestump/termhub/internal/session"
)

// --- Tool Definitions ---

func listSessionsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_sessions",
		"List terminal sessions hosted by this server.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"include_terminated": {
					"type": "boolean",
					"description": "Include terminated sessions (default: false)"
				}
			}
		}`),
	)
}

func createSessionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"create_session",
		"Spawn a new terminal session and return its id. The session runs until terminated or until this server exits.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {
					"type": "array",
					"items": {"type": "string"},
					"description": "Command argv (default: the configured shell)"
				},
				"alias": {
					"type": "string",
					"description": "Human-friendly handle usable wherever a session id is expected"
				},
				"title": {
					"type": "string",
					"description": "Display title"
				},
				"workdir": {
					"type": "string",
					"description": "Working directory; must exist"
				},
				"cols": {
					"type": "integer",
					"description": "Terminal width (default 80, minimum 40)"
				},
				"rows": {
					"type": "integer",
					"description": "Terminal height (default 24, minimum 10)"
				},
				"interactive": {
					"type": "boolean",
					"description": "Whether the session accepts input (default: true)"
				}
			}
		}`),
	)
}

func sendInputTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"send_input",
		"Write input to a session. With submit, the payload is followed by Enter after a settle delay. The activity policy decides what happens while the session is still producing output.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Session id or alias"
				},
				"data": {
					"type": "string",
					"description": "Bytes to write; may be empty to press Enter alone with submit"
				},
				"submit": {
					"type": "boolean",
					"description": "Send Enter after the payload"
				},
				"raw": {
					"type": "boolean",
					"description": "Write data verbatim with no newline normalization"
				},
				"enter_style": {
					"type": "string",
					"enum": ["cr", "lf", "crlf"],
					"description": "Byte sequence submit uses for Enter (default: cr)"
				},
				"activity_policy": {
					"type": "string",
					"enum": ["immediate", "suppress", "defer"],
					"description": "immediate writes now, suppress drops while the session is active, defer queues until it settles"
				}
			},
			"required": ["session_id", "data"]
		}`),
	)
}

func getOutputTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"get_output",
		"Read the trailing output of a live session.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Session id or alias"
				},
				"max_bytes": {
					"type": "integer",
					"description": "Return at most this many trailing bytes (default 16384)"
				}
			},
			"required": ["session_id"]
		}`),
	)
}

func terminateSessionTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"terminate_session",
		"Terminate a session: kill its process, finalize its history, and return the exit code and summary when available.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Session id or alias"
				}
			},
			"required": ["session_id"]
		}`),
	)
}

func listScheduledInputsTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"list_scheduled_inputs",
		"List the scheduled input rules of a session.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Session id or alias"
				}
			},
			"required": ["session_id"]
		}`),
	)
}

func addScheduledInputTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"add_scheduled_input",
		"Schedule an input for a session: one-shot after offset_ms, or repeating every interval_ms.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {
					"type": "string",
					"description": "Session id or alias"
				},
				"type": {
					"type": "string",
					"enum": ["offset", "interval"],
					"description": "One-shot (offset) or repeating (interval)"
				},
				"data": {
					"type": "string",
					"description": "Bytes to inject when the rule fires"
				},
				"offset_ms": {
					"type": "integer",
					"description": "Delay before a one-shot fires"
				},
				"interval_ms": {
					"type": "integer",
					"description": "Period between repeating fires"
				},
				"stop_after": {
					"type": "integer",
					"description": "Remove a repeating rule after this many fires (0 = unlimited)"
				},
				"submit": {
					"type": "boolean",
					"description": "Send Enter after the payload"
				},
				"activity_policy": {
					"type": "string",
					"enum": ["immediate", "suppress", "defer"],
					"description": "Policy applied when the rule fires while the session is active"
				}
			},
			"required": ["session_id", "type", "data"]
		}`),
	)
}

// --- Tool Handlers ---

// sessionSummary is the compact per-session result for list_sessions and
// create_session.
type sessionSummary struct {
	ID            string   `json:"id"`
	Alias         string   `json:"alias,omitempty"`
	Title         string   `json:"title,omitempty"`
	Command       []string `json:"command"`
	ActivityState string   `json:"activity_state"`
	Interactive   bool     `json:"interactive"`
	Cols          int      `json:"cols"`
	Rows          int      `json:"rows"`
	CreatedAt     int64    `json:"created_at"`
	Terminated    bool     `json:"terminated"`
	ExitCode      *int     `json:"exit_code,omitempty"`
}

func summarize(d protocol.SessionData) sessionSummary {
	return sessionSummary{
		ID:            d.ID,
		Alias:         d.Alias,
		Title:         d.Title,
		Command:       d.Command,
		ActivityState: d.ActivityState,
		Interactive:   d.Interactive,
		Cols:          d.Cols,
		Rows:          d.Rows,
		CreatedAt:     d.CreatedAt,
		Terminated:    d.Terminated,
		ExitCode:      d.ExitCode,
	}
}

type listSessionsArgs struct {
	IncludeTerminated bool `json:"include_terminated"`
}

func (s *Server) handleListSessions(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args listSessionsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	all := s.registry.List(args.IncludeTerminated)
	summaries := make([]sessionSummary, len(all))
	for i, d := range all {
		summaries[i] = summarize(d)
	}
	return resultJSON(summaries)
}

type createSessionArgs struct {
	Command     []string `json:"command"`
	Alias       string   `json:"alias"`
	Title       string   `json:"title"`
	Workdir     string   `json:"workdir"`
	Cols        int      `json:"cols"`
	Rows        int      `json:"rows"`
	Interactive *bool    `json:"interactive"`
}

func (s *Server) handleCreateSession(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.readOnly {
		return mcp.NewToolResultError("server is read-only (unset TERMHUB_MCP_READONLY to enable)"), nil
	}

	var args createSessionArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	opts := session.CreateOptions{
		Command:     args.Command,
		Alias:       args.Alias,
		Title:       args.Title,
		Workdir:     args.Workdir,
		Cols:        args.Cols,
		Rows:        args.Rows,
		Owner:       s.user,
		Interactive: true,
	}
	if args.Interactive != nil {
		opts.Interactive = *args.Interactive
	}
	if len(opts.Command) == 0 {
		opts.Command = s.shell
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}

	sess, err := s.registry.Create(opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create session: %v", err)), nil
	}

	log.Printf("[mcp] created session %s (%v)", sess.ID, opts.Command)
	return resultJSON(summarize(sess.Snapshot()))
}

type sendInputArgs struct {
	SessionID      string `json:"session_id"`
	Data           string `json:"data"`
	Submit         bool   `json:"submit"`
	Raw            bool   `json:"raw"`
	EnterStyle     string `json:"enter_style"`
	ActivityPolicy string `json:"activity_policy"`
}

func (s *Server) handleSendInput(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.readOnly {
		return mcp.NewToolResultError("server is read-only (unset TERMHUB_MCP_READONLY to enable)"), nil
	}

	var args sendInputArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.SessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	sess, err := s.registry.Get(args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := sess.Inject(session.InjectOptions{
		Data:           args.Data,
		Submit:         args.Submit,
		Raw:            args.Raw,
		EnterStyle:     args.EnterStyle,
		ActivityPolicy: args.ActivityPolicy,
		By:             s.user,
		Source:         session.SourceAPI,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("send input: %v", err)), nil
	}
	return resultJSON(result)
}

type getOutputArgs struct {
	SessionID string `json:"session_id"`
	MaxBytes  int    `json:"max_bytes"`
}

// getOutputResult carries the trailing history window. Offset is the byte
// position of the first returned byte, so callers can page backwards.
type getOutputResult struct {
	Output        string `json:"output"`
	Offset        int    `json:"offset"`
	HistoryLen    int    `json:"history_len"`
	ActivityState string `json:"activity_state"`
}

func (s *Server) handleGetOutput(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args getOutputArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.SessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	if args.MaxBytes <= 0 {
		args.MaxBytes = 16384
	}

	sess, err := s.registry.Get(args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	total := sess.HistoryLen()
	offset := total - args.MaxBytes
	if offset < 0 {
		offset = 0
	}
	return resultJSON(getOutputResult{
		Output:        sess.HistorySlice(offset, args.MaxBytes),
		Offset:        offset,
		HistoryLen:    total,
		ActivityState: sess.ActivityState(),
	})
}

type terminateSessionArgs struct {
	SessionID string `json:"session_id"`
}

type terminateSessionResult struct {
	Terminated bool   `json:"terminated"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

func (s *Server) handleTerminateSession(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.readOnly {
		return mcp.NewToolResultError("server is read-only (unset TERMHUB_MCP_READONLY to enable)"), nil
	}

	var args terminateSessionArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.SessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	sess, err := s.registry.Get(args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := sess.Terminate(); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("terminate: %v", err)), nil
	}

	out := terminateSessionResult{Terminated: true}
	if m, ok := s.registry.GetTerminated(sess.ID); ok {
		d := m.SessionData()
		out.ExitCode = d.ExitCode
		out.Summary = d.Summary
	}
	log.Printf("[mcp] terminated session %s", sess.ID)
	return resultJSON(out)
}

type listScheduledInputsArgs struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleListScheduledInputs(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args listScheduledInputsArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.SessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	sess, err := s.registry.Get(args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(s.scheduler.List(sess.ID))
}

type addScheduledInputArgs struct {
	SessionID      string `json:"session_id"`
	Type           string `json:"type"`
	Data           string `json:"data"`
	OffsetMs       int64  `json:"offset_ms"`
	IntervalMs     int64  `json:"interval_ms"`
	StopAfter      int    `json:"stop_after"`
	Submit         bool   `json:"submit"`
	ActivityPolicy string `json:"activity_policy"`
}

func (s *Server) handleAddScheduledInput(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.readOnly {
		return mcp.NewToolResultError("server is read-only (unset TERMHUB_MCP_READONLY to enable)"), nil
	}

	var args addScheduledInputArgs
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if args.SessionID == "" || args.Type == "" || args.Data == "" {
		return mcp.NewToolResultError("session_id, type, and data are required"), nil
	}

	sess, err := s.registry.Get(args.SessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	view, err := s.scheduler.Add(sess.ID, schedule.Spec{
		Type:           args.Type,
		Data:           args.Data,
		OffsetMs:       args.OffsetMs,
		IntervalMs:     args.IntervalMs,
		StopAfter:      args.StopAfter,
		Submit:         args.Submit,
		ActivityPolicy: args.ActivityPolicy,
		By:             s.user,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add rule: %v", err)), nil
	}

	log.Printf("[mcp] scheduled %s rule %s on session %s", args.Type, view.ID, sess.ID)
	return resultJSON(view)
}

// resultJSON marshals v to JSON and returns it as a tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
