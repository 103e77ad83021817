// Package session implements the terminal-session core: PTY supervision,
// output history with monotonic sequence numbers, the activity state machine,
// the unified input pipeline, and the registry that owns live and terminated
// sessions.
package session

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/joestump/termhub/internal/apperr"
	"github.com/joestump/termhub/internal/fanout"
	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/ratelimit"
	"github.com/joestump/termhub/internal/term"
)

// timeNow is swapped by tests to pin the clock.
var timeNow = time.Now

// Terminal minimums. Create rejects smaller geometries; resize clamps to them.
const (
	MinCols = 40
	MinRows = 10
)

// Activity states.
const (
	ActivityActive   = "active"
	ActivityInactive = "inactive"
)

// Visibility levels.
const (
	VisibilityPrivate        = "private"
	VisibilityPublic         = "public"
	VisibilitySharedReadonly = "shared_readonly"
)

// readBufSize bounds a single PTY read, which in turn bounds the size of one
// history chunk.
const readBufSize = 32 * 1024

// Settings carries per-process tunables shared by all sessions. Zero values
// fall back to the documented defaults where one exists.
type Settings struct {
	SessionsDir    string
	HistoryEnabled bool
	HTMLHelper     string // external log→HTML renderer; empty disables

	InactiveAfterMs         int // floor 100
	SuppressAfterResizeMs   int
	MinBytesForActiveMarker int
	CaptureTransitions      bool
	MaxActivityTransitions  int
	MaxRenderMarkers        int

	SendFocusIn           bool
	SendFocusOut          bool
	DefaultDelayMs        int
	DefaultSimulateTyping bool
	DefaultTypingDelayMs  int
	APIStdinMax           int
	ScheduledInputMax     int

	StopInputsRearmMax     int
	StopInputsGraceMs      int
	StopInputsStartGraceMs int

	SummaryEnabled         bool
	SummaryModel           string
	SummaryMaxHistoryBytes int
}

func (st Settings) withDefaults() Settings {
	if st.InactiveAfterMs <= 0 {
		st.InactiveAfterMs = 1000
	}
	if st.InactiveAfterMs < 100 {
		st.InactiveAfterMs = 100
	}
	if st.SuppressAfterResizeMs <= 0 {
		st.SuppressAfterResizeMs = 1000
	}
	if st.MinBytesForActiveMarker <= 0 {
		st.MinBytesForActiveMarker = 48
	}
	if st.MaxActivityTransitions <= 0 {
		st.MaxActivityTransitions = 10000
	}
	if st.MaxRenderMarkers <= 0 {
		st.MaxRenderMarkers = 2000
	}
	if st.DefaultTypingDelayMs <= 0 {
		st.DefaultTypingDelayMs = 25
	}
	if st.APIStdinMax <= 0 {
		st.APIStdinMax = 500
	}
	if st.ScheduledInputMax <= 0 {
		st.ScheduledInputMax = 1000
	}
	if st.StopInputsRearmMax <= 0 {
		st.StopInputsRearmMax = 10
	}
	if st.StopInputsGraceMs <= 0 {
		st.StopInputsGraceMs = 2000
	}
	if st.StopInputsStartGraceMs <= 0 {
		st.StopInputsStartGraceMs = 15000
	}
	if st.SummaryModel == "" {
		st.SummaryModel = "haiku"
	}
	if st.SummaryMaxHistoryBytes <= 0 {
		st.SummaryMaxHistoryBytes = 16384
	}
	return st
}

// EventSink receives every control message for the global event stream in
// addition to the per-session fan-out.
type EventSink interface {
	Publish(msg protocol.Message)
}

// OwnerNotifier delivers a control message to every connection of an owner.
// Used for stdin_injected when a session has no attached clients.
type OwnerNotifier interface {
	SendToOwner(owner string, msg protocol.Message)
}

// DeferFunc hands an injection to the deferral queue. Implementations must
// not call back into the session while holding their own locks.
type DeferFunc func(s *Session, opts InjectOptions) error

// Deps wires a session to its collaborators. Engine and Limits are required;
// the rest are optional hooks set by the registry at wiring time.
type Deps struct {
	Engine *fanout.Engine
	Limits *ratelimit.Set
	Start  Starter

	Events EventSink
	Owners OwnerNotifier
	Defer  DeferFunc

	// Interpolate expands template variables in stop-input prompts.
	Interpolate func(s *Session, text string) string

	DeferredCount func(sessionID string) int
	RuleCount     func(sessionID string) int

	OnInactive   func(*Session)
	OnExited     func(*Session)
	OnTerminated func(*Session)
}

// StopInput is one armed prompt injected when a session settles.
type StopInput struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
	Armed  bool   `json:"armed"`
	Source string `json:"source"` // template or user
}

// InputMarker is an ordinal timestamp recorded alongside a hidden in-band
// history marker.
type InputMarker struct {
	Idx  int    `json:"idx"`
	T    int64  `json:"t"`
	Kind string `json:"kind"`
}

// RenderMarker is a client-reported timeline position (terminal line).
type RenderMarker struct {
	T    int64 `json:"t"`
	Line int   `json:"line"`
}

// ActivityTransition is one durable activity flip anchored at a history
// offset.
type ActivityTransition struct {
	State  string `json:"state"`
	Offset int    `json:"offset"`
	Seq    uint64 `json:"seq"`
	T      int64  `json:"t"`
	Bytes  int    `json:"bytes,omitempty"`
}

// pendingTransition anchors a just-started output burst until it accumulates
// enough bytes to count as a durable active transition.
type pendingTransition struct {
	offset int
	seq    uint64
	t      time.Time
	bytes  int
}

// CreateOptions describes a session to spawn. The caller resolves all
// defaults; fields are taken literally.
type CreateOptions struct {
	ID      string // generated when empty
	Alias   string
	Command []string
	Workdir string
	Env     []string
	Cols    int
	Rows    int

	Owner       string
	Visibility  string // default private
	Interactive bool
	Title       string
	Note        string

	TemplateID   string
	TemplateVars map[string]string

	Isolation        string // "", "container", "workspace"
	ContainerName    string
	ContainerRuntime string
	ParentSessionID  string
	WorkspaceDir     string
	EphemeralMounts  []string

	HistoryViewMode string

	StopInputs        []StopInput
	StopInputsEnabled bool
}

// Session supervises one PTY: it owns the append-only output history, the
// activity state machine, markers, stop-inputs, and the input pipeline. All
// mutable state is guarded by mu; write sequences serialize on injectMu so
// typing delays never block the output path.
type Session struct {
	ID string

	mu       sync.Mutex
	injectMu sync.Mutex

	opts     CreateOptions
	settings Settings
	deps     Deps

	pty         PTY
	isActive    bool
	terminating bool
	terminated  bool
	exitCode    *int
	createdAt   time.Time
	endedAt     time.Time
	readDone    chan struct{}

	alias      string
	title      string
	visibility string
	cols, rows int

	history    historyBuffer
	seq        uint64
	carry      string
	titleCarry string

	inputMarkers  []InputMarker
	renderMarkers []RenderMarker
	transitions   []ActivityTransition
	pending       *pendingTransition

	activityState   string
	lastOutputAt    time.Time
	lastUserInputAt time.Time
	lastResizeAt    time.Time
	inactivityTimer *time.Timer

	stopInputs        []StopInput
	stopInputsEnabled bool
	stopInputsRearm   int

	apiStdinCount       int
	scheduledInputCount int

	note        string
	noteVersion int
	summary     string
}

// checkWorkdir reports Fatal when the working directory does not exist, so a
// create attempt fails before the PTY is spawned.
func checkWorkdir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return apperr.Wrap(apperr.Fatal, err, "working directory %s", dir)
	}
	if !info.IsDir() {
		return apperr.E(apperr.Fatal, "working directory %s is not a directory", dir)
	}
	return nil
}

// newSession validates options, spawns the PTY, and starts the read loop.
// Callers go through Registry.Create.
func newSession(opts CreateOptions, settings Settings, deps Deps) (*Session, error) {
	if len(opts.Command) == 0 {
		return nil, apperr.E(apperr.BadRequest, "command must not be empty")
	}
	if opts.Cols <= 0 || opts.Rows <= 0 || opts.Cols < MinCols || opts.Rows < MinRows {
		return nil, apperr.E(apperr.BadRequest, "terminal size %dx%d below minimum %dx%d", opts.Cols, opts.Rows, MinCols, MinRows)
	}
	switch opts.Visibility {
	case "":
		opts.Visibility = VisibilityPrivate
	case VisibilityPrivate, VisibilityPublic, VisibilitySharedReadonly:
	default:
		return nil, apperr.E(apperr.BadRequest, "invalid visibility %q", opts.Visibility)
	}
	if opts.Workdir != "" {
		if err := checkWorkdir(opts.Workdir); err != nil {
			return nil, err
		}
	}

	start := deps.Start
	if start == nil {
		start = StartPTY
	}
	p, err := start(SpawnOpts{
		Command: opts.Command,
		Workdir: opts.Workdir,
		Env:     opts.Env,
		Cols:    opts.Cols,
		Rows:    opts.Rows,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Fatal, err, "spawn session process")
	}

	now := timeNow()
	st := settings.withDefaults()
	s := &Session{
		ID:                opts.ID,
		opts:              opts,
		settings:          st,
		deps:              deps,
		pty:               p,
		isActive:          true,
		createdAt:         now,
		readDone:          make(chan struct{}),
		alias:             opts.Alias,
		title:             opts.Title,
		visibility:        opts.Visibility,
		cols:              opts.Cols,
		rows:              opts.Rows,
		activityState:     ActivityActive,
		lastOutputAt:      now,
		stopInputs:        opts.StopInputs,
		stopInputsEnabled: opts.StopInputsEnabled,
		stopInputsRearm:   st.StopInputsRearmMax,
		note:              opts.Note,
	}
	s.history.open(s.settings, s.ID)

	s.mu.Lock()
	s.armInactivityLocked()
	s.mu.Unlock()

	go s.readLoop()
	return s, nil
}

// readLoop pumps PTY output into the session until the PTY closes.
func (s *Session) readLoop() {
	defer close(s.readDone)
	buf := make([]byte, readBufSize)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.handleOutput(string(buf[:n]))
		}
		if err != nil {
			s.handleExit()
			return
		}
	}
}

// handleOutput runs the per-chunk pipeline: append to history, classify for
// activity, parse titles, answer DSR probes when headless, and enqueue to the
// fan-out engine. History append, sequence increment, and fan-out enqueue
// happen under one lock hold so clients observe bytes in sequence order.
func (s *Session) handleOutput(chunk string) {
	s.mu.Lock()
	now := timeNow()
	offsetBefore := s.history.len()
	s.history.append(s.ID, chunk)
	s.seq++
	seq := s.seq

	cls := term.Classify(chunk, s.carry)
	s.carry = cls.Carry

	suppressed := cls.ControlOnly
	if !suppressed && !s.lastResizeAt.IsZero() &&
		now.Sub(s.lastResizeAt) <= time.Duration(s.settings.SuppressAfterResizeMs)*time.Millisecond {
		suppressed = true
	}

	var activityMsg, titleMsg protocol.Message
	if !suppressed && !s.terminating {
		s.lastOutputAt = now
		if s.activityState == ActivityInactive {
			s.activityState = ActivityActive
			activityMsg = protocol.NewSessionActivity(s.ID, ActivityActive, now.UnixMilli())
			if s.settings.CaptureTransitions {
				s.pending = &pendingTransition{offset: offsetBefore, seq: seq, t: now}
			}
		}
		if s.pending != nil {
			s.pending.bytes += len(chunk)
			if s.pending.bytes >= s.settings.MinBytesForActiveMarker {
				s.appendTransitionLocked(ActivityTransition{
					State:  ActivityActive,
					Offset: s.pending.offset,
					Seq:    s.pending.seq,
					T:      s.pending.t.UnixMilli(),
					Bytes:  s.pending.bytes,
				})
				s.pending = nil
			}
		}
		s.armInactivityLocked()
	}

	if title, ok, tc := term.ParseTitle(chunk, s.titleCarry); true {
		s.titleCarry = tc
		if ok && title != s.title {
			s.title = title
			titleMsg = protocol.NewSessionUpdated("title", s.snapshotLocked())
		}
	}

	replyCPR := s.deps.Engine.AttachedCount(s.ID) == 0 && term.ContainsCPRQuery(chunk)
	pty := s.pty

	s.deps.Engine.Broadcast(s.ID, chunk, seq)
	s.mu.Unlock()

	if activityMsg != nil {
		s.emit(activityMsg)
	}
	if titleMsg != nil {
		s.emit(titleMsg)
	}
	if replyCPR {
		if _, err := pty.Write([]byte(term.CPRReply)); err != nil {
			log.Printf("session %s: cpr reply: %v", s.ID, err)
		}
	}
}

// handleExit reaps the child and marks the session inactive. Terminate-driven
// exits stay quiet; natural exits broadcast and notify the registry.
func (s *Session) handleExit() {
	code, err := s.pty.Wait()
	if err != nil {
		log.Printf("session %s: wait: %v", s.ID, err)
	}

	s.mu.Lock()
	if s.exitCode == nil {
		c := code
		s.exitCode = &c
	}
	s.isActive = false
	if s.endedAt.IsZero() {
		s.endedAt = timeNow()
	}
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	terminating := s.terminating
	s.mu.Unlock()

	if terminating {
		return
	}
	log.Printf("session %s: process exited with code %d", s.ID, code)
	s.emit(protocol.NewSessionUpdated("exited", s.Snapshot()))
	if s.deps.OnExited != nil {
		s.deps.OnExited(s)
	}
}

// armInactivityLocked (re)arms the one-shot inactivity timer.
func (s *Session) armInactivityLocked() {
	d := time.Duration(s.settings.InactiveAfterMs) * time.Millisecond
	if s.inactivityTimer == nil {
		s.inactivityTimer = time.AfterFunc(d, s.onInactivityTimer)
	} else {
		s.inactivityTimer.Reset(d)
	}
}

// onInactivityTimer flips the session to inactive when no non-suppressed
// output arrived within the threshold, then hands the transition to the
// deferral drain hook.
func (s *Session) onInactivityTimer() {
	s.mu.Lock()
	if s.terminating || s.activityState != ActivityActive {
		s.mu.Unlock()
		return
	}
	now := timeNow()
	threshold := time.Duration(s.settings.InactiveAfterMs) * time.Millisecond
	if now.Sub(s.lastOutputAt) < threshold {
		// Output raced the timer; its arm call owns the next fire.
		s.mu.Unlock()
		return
	}
	s.activityState = ActivityInactive
	s.pending = nil
	s.appendTransitionLocked(ActivityTransition{
		State:  ActivityInactive,
		Offset: s.history.len(),
		Seq:    s.seq,
		T:      now.UnixMilli(),
	})
	last := s.lastOutputAt
	s.mu.Unlock()

	s.emit(protocol.NewSessionActivity(s.ID, ActivityInactive, last.UnixMilli()))
	if s.deps.OnInactive != nil {
		s.deps.OnInactive(s)
	}
}

func (s *Session) appendTransitionLocked(tr ActivityTransition) {
	s.transitions = append(s.transitions, tr)
	if len(s.transitions) > s.settings.MaxActivityTransitions {
		s.transitions = s.transitions[1:]
	}
}

// AppendInputMarker writes a hidden in-band marker into the history (never
// to the PTY) and records its ordinal. The marker consumes a sequence number
// and flows to clients through the regular fan-out so history and live
// streams stay byte-identical.
func (s *Session) AppendInputMarker(kind string, t time.Time) InputMarker {
	if t.IsZero() {
		t = timeNow()
	}
	s.mu.Lock()
	marker := term.InputMarker(kind, t.UnixMilli())
	s.history.append(s.ID, marker)
	s.seq++
	seq := s.seq
	m := InputMarker{Idx: len(s.inputMarkers), T: t.UnixMilli(), Kind: kind}
	s.inputMarkers = append(s.inputMarkers, m)
	s.deps.Engine.Broadcast(s.ID, marker, seq)
	s.mu.Unlock()
	return m
}

// RecordRenderMarker appends a client-reported marker. Non-positive lines are
// ignored; the list is bounded with FIFO eviction.
func (s *Session) RecordRenderMarker(t time.Time, line int) bool {
	if line <= 0 {
		return false
	}
	if t.IsZero() {
		t = timeNow()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renderMarkers = append(s.renderMarkers, RenderMarker{T: t.UnixMilli(), Line: line})
	if len(s.renderMarkers) > s.settings.MaxRenderMarkers {
		s.renderMarkers = s.renderMarkers[1:]
	}
	return true
}

// Write enqueues raw bytes to the PTY. It is the interactive stdin path: no
// rate limit, no quota, no broadcast. Returns false when the session cannot
// accept input.
func (s *Session) Write(data string) bool {
	s.mu.Lock()
	if !s.isActive || s.terminating || !s.opts.Interactive {
		s.mu.Unlock()
		return false
	}
	s.lastUserInputAt = timeNow()
	pty := s.pty
	s.mu.Unlock()

	if _, err := pty.Write([]byte(data)); err != nil {
		log.Printf("session %s: stdin write: %v", s.ID, err)
		return false
	}
	return true
}

// Resize clamps to the terminal minimums, records the resize for the output
// suppression window, and applies the new geometry. Rate-limited.
func (s *Session) Resize(cols, rows int) error {
	if err := s.deps.Limits.AllowOp(s.ID); err != nil {
		return err
	}
	if cols < MinCols {
		cols = MinCols
	}
	if rows < MinRows {
		rows = MinRows
	}

	s.mu.Lock()
	if !s.isActive || s.terminating {
		s.mu.Unlock()
		return apperr.E(apperr.Conflict, "session %s is not active", s.ID)
	}
	s.cols, s.rows = cols, rows
	s.lastResizeAt = timeNow()
	pty := s.pty
	s.mu.Unlock()

	if err := pty.Resize(cols, rows); err != nil {
		return apperr.Wrap(apperr.Transient, err, "resize session %s", s.ID)
	}
	return nil
}

// Attach snapshots the history-sync boundary and registers the client with
// the fan-out engine. The snapshot and registration happen under the session
// lock so no chunk can fall between the marker and the client's queue.
func (s *Session) Attach(clientID string, sink fanout.Sink) {
	s.mu.Lock()
	marker := s.seq
	offset := s.history.len()
	load := offset > 0
	s.deps.Engine.Attach(s.ID, clientID, sink, marker, offset, load)
	s.mu.Unlock()
}

// Terminate shuts the session down: kill the PTY, drain remaining output for
// up to one second, stop any container, remove ephemeral mounts, finalize the
// history log, persist metadata, and release fan-out state. Idempotent.
func (s *Session) Terminate() error {
	s.mu.Lock()
	if s.terminating {
		s.mu.Unlock()
		return nil
	}
	s.terminating = true
	if s.inactivityTimer != nil {
		s.inactivityTimer.Stop()
	}
	pty := s.pty
	s.mu.Unlock()

	if err := pty.Kill(); err != nil {
		log.Printf("session %s: kill: %v", s.ID, err)
	}
	if err := pty.Close(); err != nil {
		log.Printf("session %s: close pty: %v", s.ID, err)
	}

	// Let the read loop drain what the kernel already buffered.
	select {
	case <-s.readDone:
	case <-time.After(time.Second):
	}

	s.stopContainer()
	s.cleanupWorkspace()

	s.mu.Lock()
	s.isActive = false
	if s.endedAt.IsZero() {
		s.endedAt = timeNow()
	}
	s.history.finalize(s.ID)
	s.terminated = true
	s.mu.Unlock()

	s.generateSummary()

	meta := s.Metadata()
	if err := SaveMetadata(s.settings.SessionsDir, meta); err != nil {
		log.Printf("session %s: persist metadata: %v", s.ID, err)
	}
	s.renderHTML()

	s.emit(protocol.NewSessionUpdated("terminated", s.Snapshot()))
	s.deps.Engine.Remove(s.ID)

	if s.deps.OnTerminated != nil {
		s.deps.OnTerminated(s)
	}
	return nil
}

// emit sends a control message to attached clients and the global stream.
func (s *Session) emit(msg protocol.Message) {
	s.deps.Engine.SendControl(s.ID, msg)
	if s.deps.Events != nil {
		s.deps.Events.Publish(msg)
	}
}

// SetAlias records the alias assigned by the registry.
func (s *Session) SetAlias(alias string) {
	s.mu.Lock()
	s.alias = alias
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(protocol.NewSessionUpdated("alias", snap))
}

// SetVisibility validates and updates the visibility level.
func (s *Session) SetVisibility(v string) error {
	switch v {
	case VisibilityPrivate, VisibilityPublic, VisibilitySharedReadonly:
	default:
		return apperr.E(apperr.BadRequest, "invalid visibility %q", v)
	}
	s.mu.Lock()
	s.visibility = v
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(protocol.NewSessionUpdated("visibility", snap))
	return nil
}

// SetTitle updates the user-assigned title.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	s.title = title
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(protocol.NewSessionUpdated("title", snap))
}

// SetNote performs an optimistic-concurrency note update. A stale version
// returns Conflict together with the current snapshot so the caller can show
// the latest state.
func (s *Session) SetNote(text string, version int) (protocol.SessionData, error) {
	s.mu.Lock()
	if version != s.noteVersion {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, apperr.E(apperr.Conflict, "note version %d is stale (current %d)", version, s.noteVersion)
	}
	s.note = text
	s.noteVersion++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(protocol.NewSessionUpdated("note", snap))
	return snap, nil
}

// Note returns the note text and its version.
func (s *Session) Note() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.note, s.noteVersion
}

// SetStopInputs replaces the stop-input prompt list. rearm is clamped to
// [0, StopInputsRearmMax].
func (s *Session) SetStopInputs(inputs []StopInput, enabled bool, rearm int) {
	if rearm < 0 {
		rearm = 0
	}
	s.mu.Lock()
	if rearm > s.settings.StopInputsRearmMax {
		rearm = s.settings.StopInputsRearmMax
	}
	s.stopInputs = inputs
	s.stopInputsEnabled = enabled
	s.stopInputsRearm = rearm
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(protocol.NewSessionUpdated("stop_inputs", snap))
}

// StopInputsState returns the prompt list, enabled flag, and rearm budget.
func (s *Session) StopInputsState() ([]StopInput, bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StopInput(nil), s.stopInputs...), s.stopInputsEnabled, s.stopInputsRearm
}

// Snapshot returns the session response object used by the API and by
// session_updated broadcasts.
func (s *Session) Snapshot() protocol.SessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() protocol.SessionData {
	d := protocol.SessionData{
		ID:               s.ID,
		Alias:            s.alias,
		Title:            s.title,
		Command:          append([]string(nil), s.opts.Command...),
		Workdir:          s.opts.Workdir,
		CreatedAt:        s.createdAt.UnixMilli(),
		CreatedBy:        s.opts.Owner,
		Visibility:       s.visibility,
		IsActive:         s.isActive,
		Interactive:      s.opts.Interactive,
		ActivityState:    s.activityState,
		AttachedClients:  s.deps.Engine.AttachedCount(s.ID),
		Terminated:       s.terminated,
		Note:             s.note,
		NoteVersion:      s.noteVersion,
		Summary:          s.summary,
		TemplateID:       s.opts.TemplateID,
		TemplateVars:     s.opts.TemplateVars,
		Isolation:        s.opts.Isolation,
		ContainerName:    s.opts.ContainerName,
		ContainerRuntime: s.opts.ContainerRuntime,
		ParentSessionID:  s.opts.ParentSessionID,
		WorkspaceDir:     s.opts.WorkspaceDir,
		Cols:             s.cols,
		Rows:             s.rows,
		HistoryViewMode:  s.opts.HistoryViewMode,
		LogFile:          s.history.name,
		StopInputs:       s.stopInputsEnabled,
	}
	if !s.lastOutputAt.IsZero() {
		d.LastOutputAt = s.lastOutputAt.UnixMilli()
	}
	if !s.lastUserInputAt.IsZero() {
		d.LastUserInputAt = s.lastUserInputAt.UnixMilli()
	}
	if !s.endedAt.IsZero() {
		d.TerminatedAt = s.endedAt.UnixMilli()
	}
	if s.exitCode != nil {
		c := *s.exitCode
		d.ExitCode = &c
	}
	if s.stopInputsEnabled {
		d.StopInputsRemaining = s.stopInputsRearm
	}
	if s.deps.DeferredCount != nil {
		d.PendingDeferredCount = s.deps.DeferredCount(s.ID)
	}
	if s.deps.RuleCount != nil {
		d.ScheduledRuleCount = s.deps.RuleCount(s.ID)
	}
	return d
}

// Accessors used by the deferral manager, scheduler, and web layer.

func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActive && !s.terminating
}

func (s *Session) Interactive() bool { return s.opts.Interactive }

func (s *Session) Owner() string { return s.opts.Owner }

func (s *Session) Alias() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alias
}

func (s *Session) Visibility() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibility
}

func (s *Session) ActivityState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activityState
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) LastUserInputAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUserInputAt
}

func (s *Session) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.len()
}

// HistorySlice returns history bytes in [offset, offset+limit). limit ≤ 0
// means to the end. Out-of-range offsets return an empty string.
func (s *Session) HistorySlice(offset, limit int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.slice(offset, limit)
}

func (s *Session) InputMarkers() []InputMarker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InputMarker(nil), s.inputMarkers...)
}

func (s *Session) RenderMarkers() []RenderMarker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RenderMarker(nil), s.renderMarkers...)
}

func (s *Session) Transitions() []ActivityTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ActivityTransition(nil), s.transitions...)
}
