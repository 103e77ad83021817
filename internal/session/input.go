package session

import (
	"strings"
	"time"

	"github.com/joestump/termhub/internal/apperr"
	"github.com/joestump/termhub/internal/protocol"
)

// Injection sources.
const (
	SourceAPI        = "api"
	SourceScheduled  = "scheduled"
	SourceStopInputs = "stop-inputs"
	SourceUser       = "user"
	SourceServer     = "server"
)

// Activity policies.
const (
	PolicyImmediate = "immediate"
	PolicySuppress  = "suppress"
	PolicyDefer     = "defer"
)

// Enter styles.
const (
	EnterCR   = "cr"
	EnterLF   = "lf"
	EnterCRLF = "crlf"
)

// enterSettleDelay is the pause between the payload and the Enter write so
// line editors settle before dispatch. Package-level so tests can shorten it.
var enterSettleDelay = 200 * time.Millisecond

// Focus sequences sent around injections when configured.
const (
	focusInSeq  = "\x1b[I"
	focusOutSeq = "\x1b[O"
)

// InjectOptions is the fully resolved option set for one injection. Callers
// (HTTP layer, scheduler, deferral drain) apply their own defaults before
// calling Inject; fields here are taken literally.
type InjectOptions struct {
	Data           string
	Raw            bool
	Submit         bool
	EnterStyle     string // cr, lf, crlf; empty normalizes to cr
	DelayMs        int    // delay before a second Enter; 0 disables it
	SimulateTyping bool
	TypingDelayMs  int
	Notify         bool
	ActivityPolicy string // immediate, suppress, defer; empty normalizes to immediate
	By             string
	Source         string
	RuleID         string
	Key            string // deferral dedup key
}

// InjectResult reports what the pipeline did with the request.
type InjectResult struct {
	Suppressed bool   `json:"suppressed,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Deferred   bool   `json:"deferred,omitempty"`
	Bytes      int    `json:"bytes"`
}

// ValidEnterStyle reports whether s names a supported Enter style.
func ValidEnterStyle(s string) bool {
	switch s {
	case EnterCR, EnterLF, EnterCRLF:
		return true
	}
	return false
}

// ValidActivityPolicy reports whether s names a supported policy.
func ValidActivityPolicy(s string) bool {
	switch s {
	case PolicyImmediate, PolicySuppress, PolicyDefer:
		return true
	}
	return false
}

func enterBytes(style string) string {
	switch style {
	case EnterLF:
		return "\n"
	case EnterCRLF:
		return "\r\n"
	default:
		return "\r"
	}
}

// userOriginated reports whether a source updates last_user_input_at, which
// gates the stop-inputs grace window.
func userOriginated(source string) bool {
	switch source {
	case SourceServer, SourceStopInputs, SourceScheduled:
		return false
	}
	return true
}

// Normalized lowercases and defaults the enter style and activity policy,
// rejecting unknown values. Inject applies it internally; the scheduler and
// deferral manager call it when they store options for later replay.
func (o InjectOptions) Normalized() (InjectOptions, error) {
	if o.EnterStyle == "" {
		o.EnterStyle = EnterCR
	}
	o.EnterStyle = strings.ToLower(o.EnterStyle)
	if !ValidEnterStyle(o.EnterStyle) {
		return o, apperr.E(apperr.BadRequest, "invalid enter_style %q", o.EnterStyle)
	}
	if o.ActivityPolicy == "" {
		o.ActivityPolicy = PolicyImmediate
	}
	o.ActivityPolicy = strings.ToLower(o.ActivityPolicy)
	if !ValidActivityPolicy(o.ActivityPolicy) {
		return o, apperr.E(apperr.BadRequest, "invalid activity_policy %q", o.ActivityPolicy)
	}
	if o.Source == "" {
		o.Source = SourceServer
	}
	if o.DelayMs < 0 {
		return o, apperr.E(apperr.BadRequest, "delay_ms must be non-negative")
	}
	if o.TypingDelayMs < 0 {
		return o, apperr.E(apperr.BadRequest, "typing_delay_ms must be non-negative")
	}
	return o, nil
}

// Inject is the single entry point for every write reaching the PTY other
// than interactive stdin: HTTP input, scheduler fires, deferral drains, and
// stop-inputs. It enforces per-source quotas, applies the activity policy,
// performs the write sequence, and always broadcasts stdin_injected so
// clients can place local markers.
func (s *Session) Inject(opts InjectOptions) (InjectResult, error) {
	opts, err := opts.Normalized()
	if err != nil {
		return InjectResult{}, err
	}

	s.mu.Lock()
	if s.terminating || !s.isActive {
		s.mu.Unlock()
		return InjectResult{}, apperr.E(apperr.Conflict, "session %s is not active", s.ID)
	}
	if !s.opts.Interactive {
		s.mu.Unlock()
		return InjectResult{}, apperr.E(apperr.BadRequest, "session %s is not interactive", s.ID)
	}
	switch opts.Source {
	case SourceAPI:
		if s.apiStdinCount >= s.settings.APIStdinMax {
			s.mu.Unlock()
			return InjectResult{}, apperr.Limit("session", "api stdin quota (%d) exhausted", s.settings.APIStdinMax)
		}
		s.apiStdinCount++
	case SourceScheduled:
		if s.scheduledInputCount >= s.settings.ScheduledInputMax {
			s.mu.Unlock()
			return InjectResult{}, apperr.Limit("session", "scheduled input quota (%d) exhausted", s.settings.ScheduledInputMax)
		}
		s.scheduledInputCount++
	}
	active := s.activityState == ActivityActive
	pty := s.pty
	s.mu.Unlock()

	if active {
		switch opts.ActivityPolicy {
		case PolicySuppress:
			return InjectResult{Suppressed: true, Reason: "active"}, nil
		case PolicyDefer:
			if s.deps.Defer != nil {
				if err := s.deps.Defer(s, opts); err != nil {
					return InjectResult{}, err
				}
				return InjectResult{Deferred: true}, nil
			}
			// No deferral wired; fall through to an immediate write.
		}
	}

	s.injectMu.Lock()
	err = s.writeSequence(pty, opts)
	s.injectMu.Unlock()
	if err != nil {
		return InjectResult{}, err
	}

	s.mu.Lock()
	if userOriginated(opts.Source) {
		s.lastUserInputAt = timeNow()
	}
	var rearmSnap *protocol.SessionData
	if opts.Source == SourceStopInputs {
		if s.stopInputsRearm > 0 {
			s.stopInputsRearm--
		} else {
			s.stopInputsEnabled = false
		}
		snap := s.snapshotLocked()
		rearmSnap = &snap
	}
	attached := s.deps.Engine.AttachedCount(s.ID)
	owner := s.opts.Owner
	s.mu.Unlock()

	msg := protocol.StdinInjected{
		Type:           protocol.TypeStdinInjected,
		SessionID:      s.ID,
		By:             opts.By,
		Bytes:          len(opts.Data),
		Submit:         opts.Submit,
		EnterStyle:     opts.EnterStyle,
		Raw:            opts.Raw,
		Notify:         opts.Notify,
		Source:         opts.Source,
		RuleID:         opts.RuleID,
		ActivityPolicy: opts.ActivityPolicy,
	}
	if attached > 0 {
		s.deps.Engine.SendControl(s.ID, msg)
	} else if owner != "" && s.deps.Owners != nil {
		s.deps.Owners.SendToOwner(owner, msg)
	}
	if s.deps.Events != nil {
		s.deps.Events.Publish(msg)
	}
	if rearmSnap != nil {
		s.emit(protocol.NewSessionUpdated("stop_inputs", *rearmSnap))
	}
	return InjectResult{Bytes: len(opts.Data)}, nil
}

// writeSequence performs the ordered PTY writes for one injection: focus-in,
// payload (raw, typed, or single chunk), Enter handling, focus-out. Sleeps
// happen with only injectMu held so output processing continues throughout.
func (s *Session) writeSequence(pty PTY, opts InjectOptions) error {
	write := func(data string) error {
		if data == "" {
			return nil
		}
		if _, err := pty.Write([]byte(data)); err != nil {
			return apperr.Wrap(apperr.Transient, err, "write to session %s", s.ID)
		}
		return nil
	}

	if s.settings.SendFocusIn {
		if err := write(focusInSeq); err != nil {
			return err
		}
	}
	switch {
	case opts.Raw:
		if err := write(opts.Data); err != nil {
			return err
		}
	case opts.SimulateTyping:
		delay := time.Duration(opts.TypingDelayMs) * time.Millisecond
		for _, r := range opts.Data {
			if err := write(string(r)); err != nil {
				return err
			}
			if delay > 0 {
				time.Sleep(delay)
			}
		}
	default:
		if err := write(opts.Data); err != nil {
			return err
		}
	}
	if opts.Submit && !opts.Raw {
		time.Sleep(enterSettleDelay)
		enter := enterBytes(opts.EnterStyle)
		if err := write(enter); err != nil {
			return err
		}
		if opts.DelayMs > 0 {
			time.Sleep(time.Duration(opts.DelayMs) * time.Millisecond)
			if err := write(enter); err != nil {
				return err
			}
		}
	}
	if s.settings.SendFocusOut {
		return write(focusOutSeq)
	}
	return nil
}

// StopInputsPayload joins the armed prompts, interpolated through the
// configured hook, into one newline-separated payload. ok is false when
// stop-inputs are disabled or nothing is armed.
func (s *Session) StopInputsPayload() (payload string, ok bool) {
	s.mu.Lock()
	enabled := s.stopInputsEnabled
	inputs := append([]StopInput(nil), s.stopInputs...)
	s.mu.Unlock()

	if !enabled {
		return "", false
	}
	var prompts []string
	for _, si := range inputs {
		if !si.Armed || si.Prompt == "" {
			continue
		}
		text := si.Prompt
		if s.deps.Interpolate != nil {
			text = s.deps.Interpolate(s, text)
		}
		prompts = append(prompts, text)
	}
	if len(prompts) == 0 {
		return "", false
	}
	return strings.Join(prompts, "\n"), true
}

// StopInputsGrace returns the user-input and session-start grace windows the
// deferral manager honors before injecting stop prompts.
func (s *Session) StopInputsGrace() (userGrace, startGrace time.Duration) {
	return time.Duration(s.settings.StopInputsGraceMs) * time.Millisecond,
		time.Duration(s.settings.StopInputsStartGraceMs) * time.Millisecond
}
