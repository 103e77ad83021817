package web

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/joestump/termhub/internal/apperr"
	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/session"
)

// createSessionRequest is the POST /sessions body. Omitted fields fall back
// to the named template, then to server defaults.
type createSessionRequest struct {
	Template     string            `json:"template,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`

	Alias   string   `json:"alias,omitempty"`
	Command []string `json:"command,omitempty"`
	Workdir string   `json:"workdir,omitempty"`
	Env     []string `json:"env,omitempty"`
	Cols    int      `json:"cols,omitempty"`
	Rows    int      `json:"rows,omitempty"`

	Visibility  string `json:"visibility,omitempty"`
	Interactive *bool  `json:"interactive,omitempty"`
	Title       string `json:"title,omitempty"`
	Note        string `json:"note,omitempty"`

	HistoryViewMode string `json:"history_view_mode,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	includeTerminated := r.URL.Query().Get("terminated") != "false"
	user := identity(r)

	all := s.deps.Registry.List(includeTerminated)
	visible := all[:0]
	for _, d := range all {
		if canView(d.CreatedBy, d.Visibility, user) {
			visible = append(visible, d)
		}
	}

	total := len(visible)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	page := visible[offset:end]
	if page == nil {
		page = []protocol.SessionData{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": page, "total": total})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	opts := session.CreateOptions{
		Alias:           req.Alias,
		Command:         req.Command,
		Workdir:         req.Workdir,
		Env:             req.Env,
		Cols:            req.Cols,
		Rows:            req.Rows,
		Owner:           identity(r),
		Visibility:      req.Visibility,
		Title:           req.Title,
		Note:            req.Note,
		TemplateVars:    req.TemplateVars,
		HistoryViewMode: req.HistoryViewMode,
		Interactive:     true,
	}
	if req.Interactive != nil {
		opts.Interactive = *req.Interactive
	}

	if req.Template != "" {
		if s.deps.Templates == nil {
			writeError(w, http.StatusBadRequest, "templates are not configured")
			return
		}
		tpl, err := s.deps.Templates.Get(req.Template)
		if err != nil {
			writeAppErr(w, err)
			return
		}
		opts = tpl.Apply(opts)
		if req.Interactive == nil && tpl.Interactive != nil {
			opts.Interactive = *tpl.Interactive
		}
	}

	if len(opts.Command) == 0 {
		opts.Command = s.cfg.DefaultCommand
	}
	if opts.Cols <= 0 {
		opts.Cols = s.cfg.DefaultCols
	}
	if opts.Rows <= 0 {
		opts.Rows = s.cfg.DefaultRows
	}

	sess, err := s.deps.Registry.Create(opts)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Registry.Get(r.PathValue("id"))
	if err == nil {
		if !canView(sess.Owner(), sess.Visibility(), identity(r)) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}
	if m, ok := s.deps.Registry.GetTerminated(r.PathValue("id")); ok {
		if !canView(m.CreatedBy, m.Visibility, identity(r)) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, m.SessionData())
		return
	}
	writeAppErr(w, err)
}

// handleDeleteSession terminates a live session. For an already-terminated
// session it removes the persisted record and its on-disk artifacts.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveLive(r, true)
	if err == nil {
		if terr := sess.Terminate(); terr != nil {
			writeAppErr(w, terr)
			return
		}
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}
	if apperr.KindOf(err) != apperr.NotFound {
		writeAppErr(w, err)
		return
	}
	if m, ok := s.deps.Registry.GetTerminated(r.PathValue("id")); ok {
		if !canControl(m.CreatedBy, m.Visibility, identity(r)) {
			writeError(w, http.StatusForbidden, "session is read-only")
			return
		}
		if derr := s.deps.Registry.DeleteTerminated(r.PathValue("id")); derr != nil {
			writeAppErr(w, derr)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}
	writeAppErr(w, err)
}

// inputRequest is the POST /input body. Pointer fields distinguish "omitted"
// from zero so server defaults can fill them.
type inputRequest struct {
	Data           string `json:"data"`
	Raw            bool   `json:"raw,omitempty"`
	Submit         bool   `json:"submit,omitempty"`
	EnterStyle     string `json:"enter_style,omitempty"`
	DelayMs        *int   `json:"delay_ms,omitempty"`
	SimulateTyping *bool  `json:"simulate_typing,omitempty"`
	TypingDelayMs  *int   `json:"typing_delay_ms,omitempty"`
	Notify         bool   `json:"notify,omitempty"`
	ActivityPolicy string `json:"activity_policy,omitempty"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Data == "" && !req.Submit {
		writeError(w, http.StatusBadRequest, "data is required")
		return
	}

	opts := session.InjectOptions{
		Data:           req.Data,
		Raw:            req.Raw,
		Submit:         req.Submit,
		EnterStyle:     req.EnterStyle,
		DelayMs:        s.cfg.StdinDelayMs,
		SimulateTyping: s.cfg.StdinSimulateTyping,
		TypingDelayMs:  s.cfg.StdinTypingDelayMs,
		Notify:         req.Notify,
		ActivityPolicy: req.ActivityPolicy,
		By:             identity(r),
		Source:         session.SourceAPI,
	}
	if req.DelayMs != nil {
		opts.DelayMs = *req.DelayMs
	}
	if req.SimulateTyping != nil {
		opts.SimulateTyping = *req.SimulateTyping
	}
	if req.TypingDelayMs != nil {
		opts.TypingDelayMs = *req.TypingDelayMs
	}

	res, err := sess.Inject(opts)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be positive")
		return
	}
	if err := sess.Resize(req.Cols, req.Rows); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleHistory serves raw session output. Live sessions read from the
// in-memory history; terminated sessions fall back to the on-disk log. The
// payload keeps its ANSI sequences and hidden markers; stripping is the
// consumer's concern.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	offset, limit := 0, 0
	var err error
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}

	var data string
	var total int
	sess, gerr := s.deps.Registry.Get(r.PathValue("id"))
	switch {
	case gerr == nil:
		if !canView(sess.Owner(), sess.Visibility(), identity(r)) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		total = sess.HistoryLen()
		data = sess.HistorySlice(offset, limit)
	default:
		m, ok := s.deps.Registry.GetTerminated(r.PathValue("id"))
		if !ok {
			writeAppErr(w, gerr)
			return
		}
		if !canView(m.CreatedBy, m.Visibility, identity(r)) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if m.LogFile == "" || s.cfg.SessionsDir == "" {
			writeError(w, http.StatusNotFound, "session has no history log")
			return
		}
		raw, rerr := os.ReadFile(filepath.Join(s.cfg.SessionsDir, m.LogFile))
		if rerr != nil {
			log.Printf("handleHistory: read log for %s: %v", m.ID, rerr)
			writeError(w, http.StatusInternalServerError, "history log error")
			return
		}
		total = len(raw)
		data = sliceHistory(raw, offset, limit)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-History-Length", strconv.Itoa(total))
	w.Header().Set("X-History-Offset", strconv.Itoa(offset))
	_, _ = w.Write([]byte(data))
}

// sliceHistory applies offset/limit to a raw log the same way the live
// history buffer does.
func sliceHistory(raw []byte, offset, limit int) string {
	if offset >= len(raw) {
		return ""
	}
	end := len(raw)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return string(raw[offset:end])
}

func (s *Server) handleGetNote(w http.ResponseWriter, r *http.Request) {
	var note string
	var version int
	sess, err := s.deps.Registry.Get(r.PathValue("id"))
	if err == nil {
		if !canView(sess.Owner(), sess.Visibility(), identity(r)) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		note, version = sess.Note()
	} else {
		m, ok := s.deps.Registry.GetTerminated(r.PathValue("id"))
		if !ok {
			writeAppErr(w, err)
			return
		}
		if !canView(m.CreatedBy, m.Visibility, identity(r)) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		note, version = m.Note, m.NoteVersion
	}

	if r.URL.Query().Get("format") == "html" {
		var buf bytes.Buffer
		if err := s.markdown.Convert([]byte(note), &buf); err != nil {
			log.Printf("handleGetNote: render markdown: %v", err)
			writeError(w, http.StatusInternalServerError, "markdown render error")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("X-Note-Version", strconv.Itoa(version))
		_, _ = w.Write(buf.Bytes())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"note": note, "note_version": version})
}

// handlePutNote updates the note under optimistic concurrency: a stale
// note_version returns 409 together with the latest snapshot so the caller
// can re-base.
func (s *Server) handlePutNote(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	var req struct {
		Note        string `json:"note"`
		NoteVersion int    `json:"note_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	snap, err := sess.SetNote(req.Note, req.NoteVersion)
	if err != nil {
		if apperr.KindOf(err) == apperr.Conflict {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":   err.Error(),
				"session": snap,
			})
			return
		}
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handlePutAlias points an alias at the session; an empty alias clears the
// session's current one.
func (s *Server) handlePutAlias(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	var req struct {
		Alias string `json:"alias"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Alias == "" {
		if old := sess.Alias(); old != "" {
			if err := s.deps.Registry.UnregisterAlias(old); err != nil {
				writeAppErr(w, err)
				return
			}
		}
	} else if err := s.deps.Registry.RegisterAlias(req.Alias, sess.ID); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleGetStopInputs(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveLive(r, false)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	inputs, enabled, remaining := sess.StopInputsState()
	if inputs == nil {
		inputs = []session.StopInput{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"inputs":    inputs,
		"enabled":   enabled,
		"remaining": remaining,
	})
}

// stopInputRequest is one prompt in the PUT /stop-inputs body.
type stopInputRequest struct {
	ID     string `json:"id,omitempty"`
	Prompt string `json:"prompt"`
	Armed  *bool  `json:"armed,omitempty"`
}

func (s *Server) handlePutStopInputs(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	var req struct {
		Inputs  []stopInputRequest `json:"inputs"`
		Enabled bool               `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inputs := make([]session.StopInput, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		if in.Prompt == "" {
			continue
		}
		si := session.StopInput{
			ID:     in.ID,
			Prompt: in.Prompt,
			Armed:  true,
			Source: "user",
		}
		if si.ID == "" {
			si.ID = uuid.NewString()
		}
		if in.Armed != nil {
			si.Armed = *in.Armed
		}
		inputs = append(inputs, si)
	}

	// Replacing the list resets the rearm budget.
	sess.SetStopInputs(inputs, req.Enabled, s.cfg.StopInputsRearmMax)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// handleGetMarkers returns the timeline for a session: input markers,
// client render markers, and durable activity transitions, merged into one
// chronological view.
func (s *Server) handleGetMarkers(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveLive(r, false)
	if err != nil {
		writeAppErr(w, err)
		return
	}

	var markers []protocol.MarkerView
	for _, m := range sess.InputMarkers() {
		markers = append(markers, protocol.MarkerView{
			Kind:      m.Kind,
			Timestamp: m.T,
		})
	}
	for _, m := range sess.RenderMarkers() {
		markers = append(markers, protocol.MarkerView{
			Kind:       "render",
			Timestamp:  m.T,
			ByteOffset: m.Line,
		})
	}
	for _, tr := range sess.Transitions() {
		markers = append(markers, protocol.MarkerView{
			Kind:       tr.State,
			Timestamp:  tr.T,
			ByteOffset: tr.Offset,
			Seq:        tr.Seq,
		})
	}
	sort.SliceStable(markers, func(i, j int) bool { return markers[i].Timestamp < markers[j].Timestamp })
	if markers == nil {
		markers = []protocol.MarkerView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"markers": markers})
}

// handlePostMarker records a client-reported render marker (a terminal line
// the client tied to a moment in time).
func (s *Server) handlePostMarker(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	var req struct {
		T    int64 `json:"t,omitempty"`
		Line int   `json:"line"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Line < 0 {
		writeError(w, http.StatusBadRequest, "line must be non-negative")
		return
	}
	at := time.Now()
	if req.T > 0 {
		at = time.UnixMilli(req.T)
	}
	if !sess.RecordRenderMarker(at, req.Line) {
		writeAppErr(w, apperr.Limit("session", "render marker limit reached"))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"recorded": true})
}
