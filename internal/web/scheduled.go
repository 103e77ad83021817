package web

import (
	"encoding/json"
	"net/http"

	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/schedule"
)

// ruleRequest is the POST /scheduled-inputs body.
type ruleRequest struct {
	Type           string `json:"type"`
	Data           string `json:"data"`
	OffsetMs       int64  `json:"offset_ms,omitempty"`
	IntervalMs     int64  `json:"interval_ms,omitempty"`
	StopAfter      int    `json:"stop_after,omitempty"`
	Submit         bool   `json:"submit,omitempty"`
	Raw            bool   `json:"raw,omitempty"`
	EnterStyle     string `json:"enter_style,omitempty"`
	DelayMs        int    `json:"delay_ms,omitempty"`
	SimulateTyping bool   `json:"simulate_typing,omitempty"`
	TypingDelayMs  int    `json:"typing_delay_ms,omitempty"`
	Notify         bool   `json:"notify,omitempty"`
	ActivityPolicy string `json:"activity_policy,omitempty"`
	Paused         bool   `json:"paused,omitempty"`
}

// rulePatch is the PATCH body; absent fields keep their current value.
type rulePatch struct {
	Data           *string `json:"data,omitempty"`
	OffsetMs       *int64  `json:"offset_ms,omitempty"`
	IntervalMs     *int64  `json:"interval_ms,omitempty"`
	StopAfter      *int    `json:"stop_after,omitempty"`
	Submit         *bool   `json:"submit,omitempty"`
	Raw            *bool   `json:"raw,omitempty"`
	EnterStyle     *string `json:"enter_style,omitempty"`
	DelayMs        *int    `json:"delay_ms,omitempty"`
	SimulateTyping *bool   `json:"simulate_typing,omitempty"`
	TypingDelayMs  *int    `json:"typing_delay_ms,omitempty"`
	Notify         *bool   `json:"notify,omitempty"`
	ActivityPolicy *string `json:"activity_policy,omitempty"`
	Paused         *bool   `json:"paused,omitempty"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveLive(r, false)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	rules := s.deps.Scheduler.List(sess.ID)
	if rules == nil {
		rules = []protocol.RuleView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	view, err := s.deps.Scheduler.Add(sess.ID, schedule.Spec{
		Type:           req.Type,
		Data:           req.Data,
		OffsetMs:       req.OffsetMs,
		IntervalMs:     req.IntervalMs,
		StopAfter:      req.StopAfter,
		Submit:         req.Submit,
		Raw:            req.Raw,
		EnterStyle:     req.EnterStyle,
		DelayMs:        req.DelayMs,
		SimulateTyping: req.SimulateTyping,
		TypingDelayMs:  req.TypingDelayMs,
		Notify:         req.Notify,
		ActivityPolicy: req.ActivityPolicy,
		By:             identity(r),
		Paused:         req.Paused,
	})
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handlePatchRule(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	var req rulePatch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	view, err := s.deps.Scheduler.Update(sess.ID, r.PathValue("rule_id"), schedule.Patch{
		Data:           req.Data,
		OffsetMs:       req.OffsetMs,
		IntervalMs:     req.IntervalMs,
		StopAfter:      req.StopAfter,
		Submit:         req.Submit,
		Raw:            req.Raw,
		EnterStyle:     req.EnterStyle,
		DelayMs:        req.DelayMs,
		SimulateTyping: req.SimulateTyping,
		TypingDelayMs:  req.TypingDelayMs,
		Notify:         req.Notify,
		ActivityPolicy: req.ActivityPolicy,
		Paused:         req.Paused,
	})
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if err := s.deps.Scheduler.Remove(sess.ID, r.PathValue("rule_id")); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleClearRules(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	removed := s.deps.Scheduler.Clear(sess.ID)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// handleTriggerRule fires a rule immediately, regardless of its schedule or
// paused flag. The fire counts toward stop_after.
func (s *Server) handleTriggerRule(w http.ResponseWriter, r *http.Request) {
	sess, err := s.resolveLive(r, true)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	if err := s.deps.Scheduler.Trigger(sess.ID, r.PathValue("rule_id")); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}
