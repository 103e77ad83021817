// Package schedule fires stored inputs into sessions on a timer: one-shot
// rules after an offset, repeating rules on a base-aligned interval. Every
// rule owns at most one armed timer; firing re-resolves its session and rule
// so nothing runs after either is gone.
package schedule

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joestump/termhub/internal/apperr"
	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/session"
)

// timeNow is swapped by tests to pin the clock.
var timeNow = time.Now

// Rule kinds.
const (
	KindOffset   = "offset"
	KindInterval = "interval"
)

// Limits bound what a single session may schedule. Zero values fall back to
// the documented defaults.
type Limits struct {
	MaxRulesPerSession int
	MaxBytesPerRule    int
	MinIntervalMs      int64
	MaxSpanMs          int64
}

const (
	maxStopAfter = 1000000
	weekMs       = 7 * 24 * 60 * 60 * 1000
)

func (l Limits) withDefaults() Limits {
	if l.MaxRulesPerSession <= 0 {
		l.MaxRulesPerSession = 20
	}
	if l.MaxBytesPerRule <= 0 {
		l.MaxBytesPerRule = 8192
	}
	if l.MinIntervalMs <= 0 {
		l.MinIntervalMs = 1000
	}
	if l.MaxSpanMs <= 0 {
		l.MaxSpanMs = weekMs
	}
	return l
}

// Resolve maps a session id to its live supervisor. Wired to Registry.Get.
type Resolve func(sessionID string) (*session.Session, error)

// Broadcast delivers a control message to a session's attached clients and
// the global event stream.
type Broadcast func(sessionID string, msg protocol.Message)

// Spec describes a rule to add. Exactly one of OffsetMs/IntervalMs applies,
// selected by Type.
type Spec struct {
	Type           string
	Data           string
	OffsetMs       int64
	IntervalMs     int64
	StopAfter      int
	Submit         bool
	Raw            bool
	EnterStyle     string
	DelayMs        int
	SimulateTyping bool
	TypingDelayMs  int
	Notify         bool
	ActivityPolicy string
	By             string
	Paused         bool
}

// Patch is a partial rule update; nil fields keep their current value.
type Patch struct {
	Data           *string
	OffsetMs       *int64
	IntervalMs     *int64
	StopAfter      *int
	Submit         *bool
	Raw            *bool
	EnterStyle     *string
	DelayMs        *int
	SimulateTyping *bool
	TypingDelayMs  *int
	Notify         *bool
	ActivityPolicy *string
	Paused         *bool
}

// rule is the scheduler-private state for one stored input.
type rule struct {
	id        string
	sessionID string
	kind      string
	opts      session.InjectOptions
	offset    time.Duration
	interval  time.Duration
	stopAfter int
	paused    bool
	createdAt time.Time
	base      time.Time
	nextRun   time.Time
	lastRun   time.Time
	fired     int

	timer *time.Timer
	gen   int // bumps on every re-arm/cancel so stale callbacks no-op
}

func (r *rule) view() protocol.RuleView {
	v := protocol.RuleView{
		ID:             r.id,
		SessionID:      r.sessionID,
		Data:           r.opts.Data,
		Submit:         r.opts.Submit,
		Raw:            r.opts.Raw,
		EnterStyle:     r.opts.EnterStyle,
		StopAfter:      r.stopAfter,
		FireCount:      r.fired,
		Paused:         r.paused,
		CreatedAt:      r.createdAt.UnixMilli(),
		BaseAt:         r.base.UnixMilli(),
		ActivityPolicy: r.opts.ActivityPolicy,
		Notify:         r.opts.Notify,
		By:             r.opts.By,
	}
	if r.kind == KindOffset {
		v.OffsetMs = r.offset.Milliseconds()
	} else {
		v.IntervalMs = r.interval.Milliseconds()
	}
	if !r.nextRun.IsZero() {
		v.NextRunAt = r.nextRun.UnixMilli()
	}
	if !r.lastRun.IsZero() {
		v.LastRunAt = r.lastRun.UnixMilli()
	}
	return v
}

// Scheduler owns every rule, keyed session id → rule id. State is
// process-local and lost on restart.
type Scheduler struct {
	mu        sync.Mutex
	rules     map[string]map[string]*rule
	resolve   Resolve
	deferTo   session.DeferFunc
	broadcast Broadcast
	limits    Limits
}

// New creates a Scheduler. deferTo receives defer-policy fires on active
// sessions; broadcast may be nil (tests).
func New(resolve Resolve, deferTo session.DeferFunc, broadcast Broadcast, limits Limits) *Scheduler {
	return &Scheduler{
		rules:     make(map[string]map[string]*rule),
		resolve:   resolve,
		deferTo:   deferTo,
		broadcast: broadcast,
		limits:    limits.withDefaults(),
	}
}

// Add validates the spec against the session and the limits, stores the
// rule, and arms its timer unless created paused.
func (sc *Scheduler) Add(sessionID string, spec Spec) (protocol.RuleView, error) {
	s, err := sc.resolve(sessionID)
	if err != nil {
		return protocol.RuleView{}, err
	}
	if !s.Interactive() {
		return protocol.RuleView{}, apperr.E(apperr.BadRequest, "session %s is not interactive", sessionID)
	}
	if len(spec.Data) > sc.limits.MaxBytesPerRule {
		return protocol.RuleView{}, apperr.Limit("session", "rule data exceeds %d bytes", sc.limits.MaxBytesPerRule)
	}

	opts, err := session.InjectOptions{
		Data:           spec.Data,
		Raw:            spec.Raw,
		Submit:         spec.Submit,
		EnterStyle:     spec.EnterStyle,
		DelayMs:        spec.DelayMs,
		SimulateTyping: spec.SimulateTyping,
		TypingDelayMs:  spec.TypingDelayMs,
		Notify:         spec.Notify,
		ActivityPolicy: spec.ActivityPolicy,
		By:             spec.By,
		Source:         session.SourceScheduled,
	}.Normalized()
	if err != nil {
		return protocol.RuleView{}, err
	}

	now := timeNow()
	r := &rule{
		id:        uuid.NewString(),
		sessionID: sessionID,
		opts:      opts,
		paused:    spec.Paused,
		createdAt: now,
		base:      now,
	}
	switch spec.Type {
	case KindOffset:
		if spec.OffsetMs < 0 || spec.OffsetMs > sc.limits.MaxSpanMs {
			return protocol.RuleView{}, apperr.E(apperr.BadRequest, "offset_ms must be in [0, %d]", sc.limits.MaxSpanMs)
		}
		if spec.StopAfter != 0 {
			return protocol.RuleView{}, apperr.E(apperr.BadRequest, "stop_after applies to interval rules only")
		}
		r.kind = KindOffset
		r.offset = time.Duration(spec.OffsetMs) * time.Millisecond
		r.nextRun = now.Add(r.offset)
	case KindInterval:
		if spec.IntervalMs < sc.limits.MinIntervalMs || spec.IntervalMs > sc.limits.MaxSpanMs {
			return protocol.RuleView{}, apperr.E(apperr.BadRequest, "interval_ms must be in [%d, %d]", sc.limits.MinIntervalMs, sc.limits.MaxSpanMs)
		}
		if spec.StopAfter < 0 || spec.StopAfter > maxStopAfter {
			return protocol.RuleView{}, apperr.E(apperr.BadRequest, "stop_after must be in [1, %d]", maxStopAfter)
		}
		r.kind = KindInterval
		r.interval = time.Duration(spec.IntervalMs) * time.Millisecond
		r.stopAfter = spec.StopAfter
		r.nextRun = now.Add(r.interval)
	default:
		return protocol.RuleView{}, apperr.E(apperr.BadRequest, "rule type must be offset or interval")
	}

	sc.mu.Lock()
	if len(sc.rules[sessionID]) >= sc.limits.MaxRulesPerSession {
		sc.mu.Unlock()
		return protocol.RuleView{}, apperr.Limit("session", "scheduled input rule limit (%d) reached", sc.limits.MaxRulesPerSession)
	}
	if sc.rules[sessionID] == nil {
		sc.rules[sessionID] = make(map[string]*rule)
	}
	sc.rules[sessionID][r.id] = r
	if !r.paused {
		sc.armLocked(r)
	}
	view := r.view()
	sc.mu.Unlock()

	sc.send(sessionID, "added", r.id, &view, view.NextRunAt, nil)
	return view, nil
}

// List returns the session's rules ordered by creation time.
func (sc *Scheduler) List(sessionID string) []protocol.RuleView {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	rm := sc.rules[sessionID]
	out := make([]protocol.RuleView, 0, len(rm))
	for _, r := range rm {
		out = append(out, r.view())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns one rule.
func (sc *Scheduler) Get(sessionID, ruleID string) (protocol.RuleView, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	r, ok := sc.rules[sessionID][ruleID]
	if !ok {
		return protocol.RuleView{}, apperr.E(apperr.NotFound, "scheduled input %q not found", ruleID)
	}
	return r.view(), nil
}

// Count reports the number of rules. Wired into session snapshots.
func (sc *Scheduler) Count(sessionID string) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.rules[sessionID])
}

// Update applies a partial patch. Changing a duration rebases the rule at
// now; pausing cancels the timer; resuming recomputes the next run and
// re-arms. Validation happens on a copy so a rejected patch leaves the rule
// untouched.
func (sc *Scheduler) Update(sessionID, ruleID string, p Patch) (protocol.RuleView, error) {
	now := timeNow()

	sc.mu.Lock()
	r, ok := sc.rules[sessionID][ruleID]
	if !ok {
		sc.mu.Unlock()
		return protocol.RuleView{}, apperr.E(apperr.NotFound, "scheduled input %q not found", ruleID)
	}

	// Option patches merge shallowly into a scratch copy.
	opts := r.opts
	if p.Data != nil {
		opts.Data = *p.Data
	}
	if p.Submit != nil {
		opts.Submit = *p.Submit
	}
	if p.Raw != nil {
		opts.Raw = *p.Raw
	}
	if p.EnterStyle != nil {
		opts.EnterStyle = *p.EnterStyle
	}
	if p.DelayMs != nil {
		opts.DelayMs = *p.DelayMs
	}
	if p.SimulateTyping != nil {
		opts.SimulateTyping = *p.SimulateTyping
	}
	if p.TypingDelayMs != nil {
		opts.TypingDelayMs = *p.TypingDelayMs
	}
	if p.Notify != nil {
		opts.Notify = *p.Notify
	}
	if p.ActivityPolicy != nil {
		opts.ActivityPolicy = *p.ActivityPolicy
	}
	opts, err := opts.Normalized()
	if err != nil {
		sc.mu.Unlock()
		return protocol.RuleView{}, err
	}
	if len(opts.Data) > sc.limits.MaxBytesPerRule {
		sc.mu.Unlock()
		return protocol.RuleView{}, apperr.Limit("session", "rule data exceeds %d bytes", sc.limits.MaxBytesPerRule)
	}
	if p.StopAfter != nil {
		if r.kind != KindInterval {
			sc.mu.Unlock()
			return protocol.RuleView{}, apperr.E(apperr.BadRequest, "stop_after applies to interval rules only")
		}
		if *p.StopAfter < 0 || *p.StopAfter > maxStopAfter {
			sc.mu.Unlock()
			return protocol.RuleView{}, apperr.E(apperr.BadRequest, "stop_after must be in [1, %d]", maxStopAfter)
		}
	}
	if p.OffsetMs != nil {
		if r.kind != KindOffset {
			sc.mu.Unlock()
			return protocol.RuleView{}, apperr.E(apperr.BadRequest, "offset_ms applies to offset rules only")
		}
		if *p.OffsetMs < 0 || *p.OffsetMs > sc.limits.MaxSpanMs {
			sc.mu.Unlock()
			return protocol.RuleView{}, apperr.E(apperr.BadRequest, "offset_ms must be in [0, %d]", sc.limits.MaxSpanMs)
		}
	}
	if p.IntervalMs != nil {
		if r.kind != KindInterval {
			sc.mu.Unlock()
			return protocol.RuleView{}, apperr.E(apperr.BadRequest, "interval_ms applies to interval rules only")
		}
		if *p.IntervalMs < sc.limits.MinIntervalMs || *p.IntervalMs > sc.limits.MaxSpanMs {
			sc.mu.Unlock()
			return protocol.RuleView{}, apperr.E(apperr.BadRequest, "interval_ms must be in [%d, %d]", sc.limits.MinIntervalMs, sc.limits.MaxSpanMs)
		}
	}

	// Validated; commit.
	r.opts = opts
	if p.StopAfter != nil {
		r.stopAfter = *p.StopAfter
	}
	if p.OffsetMs != nil {
		r.offset = time.Duration(*p.OffsetMs) * time.Millisecond
		r.base = now
		r.nextRun = now.Add(r.offset)
	}
	if p.IntervalMs != nil {
		r.interval = time.Duration(*p.IntervalMs) * time.Millisecond
		r.base = now
		r.nextRun = now.Add(r.interval)
	}
	if p.Paused != nil {
		r.paused = *p.Paused
		if !r.paused {
			// Resume recomputes from base so ticks stay aligned.
			if r.kind == KindInterval {
				r.nextRun = nextAligned(r.base, r.interval, now)
			} else {
				r.nextRun = r.base.Add(r.offset)
				if r.nextRun.Before(now) {
					r.nextRun = now
				}
			}
		}
	}

	if r.paused {
		sc.cancelLocked(r)
	} else {
		sc.armLocked(r)
	}
	view := r.view()
	paused := r.paused
	sc.mu.Unlock()

	sc.send(sessionID, "updated", ruleID, &view, view.NextRunAt, &paused)
	return view, nil
}

// Remove deletes one rule and cancels its timer.
func (sc *Scheduler) Remove(sessionID, ruleID string) error {
	sc.mu.Lock()
	r, ok := sc.rules[sessionID][ruleID]
	if !ok {
		sc.mu.Unlock()
		return apperr.E(apperr.NotFound, "scheduled input %q not found", ruleID)
	}
	sc.cancelLocked(r)
	sc.dropLocked(sessionID, ruleID)
	sc.mu.Unlock()

	sc.send(sessionID, "removed", ruleID, nil, 0, nil)
	return nil
}

// Clear removes every rule for the session and reports how many went away.
func (sc *Scheduler) Clear(sessionID string) int {
	sc.mu.Lock()
	rm := sc.rules[sessionID]
	for _, r := range rm {
		sc.cancelLocked(r)
	}
	delete(sc.rules, sessionID)
	sc.mu.Unlock()

	if len(rm) > 0 {
		sc.send(sessionID, "cleared", "", nil, 0, nil)
	}
	return len(rm)
}

// Forget drops a session's rules without broadcasting. Registry teardown
// calls it; the terminated broadcast already covers the state change.
func (sc *Scheduler) Forget(sessionID string) {
	sc.mu.Lock()
	for _, r := range sc.rules[sessionID] {
		sc.cancelLocked(r)
	}
	delete(sc.rules, sessionID)
	sc.mu.Unlock()
}

// Trigger fires a rule now, ahead of its timer. Works on paused rules too;
// interval accounting proceeds as for a timer fire.
func (sc *Scheduler) Trigger(sessionID, ruleID string) error {
	sc.mu.Lock()
	r, ok := sc.rules[sessionID][ruleID]
	if !ok {
		sc.mu.Unlock()
		return apperr.E(apperr.NotFound, "scheduled input %q not found", ruleID)
	}
	sc.cancelLocked(r)
	sc.mu.Unlock()

	sc.deliver(sessionID, ruleID)
	return nil
}

// armLocked cancels any prior timer and arms one for the rule's next run.
// Callbacks carry a generation stamp so a cancelled timer that already fired
// cannot act on the re-armed rule.
func (sc *Scheduler) armLocked(r *rule) {
	if r.timer != nil {
		r.timer.Stop()
	}
	r.gen++
	gen := r.gen
	sessionID, ruleID := r.sessionID, r.id
	d := r.nextRun.Sub(timeNow())
	if d < 0 {
		d = 0
	}
	r.timer = time.AfterFunc(d, func() { sc.fireTimer(sessionID, ruleID, gen) })
}

func (sc *Scheduler) cancelLocked(r *rule) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.gen++
}

func (sc *Scheduler) dropLocked(sessionID, ruleID string) {
	delete(sc.rules[sessionID], ruleID)
	if len(sc.rules[sessionID]) == 0 {
		delete(sc.rules, sessionID)
	}
}

// fireTimer is the AfterFunc callback: validate the rule still wants this
// fire, then deliver.
func (sc *Scheduler) fireTimer(sessionID, ruleID string, gen int) {
	sc.mu.Lock()
	r, ok := sc.rules[sessionID][ruleID]
	if !ok || r.paused || r.gen != gen {
		sc.mu.Unlock()
		return
	}
	r.timer = nil
	sc.mu.Unlock()

	sc.deliver(sessionID, ruleID)
}

// deliver re-resolves the session, re-evaluates the activity policy, writes
// (or defers) the payload, and runs the post-fire accounting. Errors on this
// path are logged, never fatal.
func (sc *Scheduler) deliver(sessionID, ruleID string) {
	sc.mu.Lock()
	r, ok := sc.rules[sessionID][ruleID]
	if !ok {
		sc.mu.Unlock()
		return
	}
	kind := r.kind
	opts := r.opts
	sc.mu.Unlock()

	s, err := sc.resolve(sessionID)
	if err != nil || !s.IsActive() || !s.Interactive() {
		log.Printf("schedule: rule %s: session %s gone, dropping rule", ruleID, sessionID)
		sc.mu.Lock()
		if r, ok := sc.rules[sessionID][ruleID]; ok {
			sc.cancelLocked(r)
			sc.dropLocked(sessionID, ruleID)
		}
		sc.mu.Unlock()
		return
	}

	active := s.ActivityState() == session.ActivityActive
	opts.Source = session.SourceScheduled
	opts.RuleID = ruleID

	switch {
	case opts.ActivityPolicy == session.PolicySuppress && active:
		if kind == KindOffset {
			log.Printf("schedule: rule %s: suppressed by session activity, dropping one-shot", ruleID)
			sc.mu.Lock()
			if r, ok := sc.rules[sessionID][ruleID]; ok {
				sc.cancelLocked(r)
				sc.dropLocked(sessionID, ruleID)
			}
			sc.mu.Unlock()
			sc.send(sessionID, "removed", ruleID, nil, 0, nil)
			return
		}
		log.Printf("schedule: rule %s: suppressed by session activity, rescheduling", ruleID)
		sc.rescheduleQuiet(sessionID, ruleID)
		return
	case opts.ActivityPolicy == session.PolicyDefer && active:
		opts.Key = "rule:" + ruleID
		if sc.deferTo != nil {
			if err := sc.deferTo(s, opts); err != nil {
				log.Printf("schedule: rule %s: defer: %v", ruleID, err)
			}
		}
	default:
		if _, err := s.Inject(opts); err != nil {
			log.Printf("schedule: rule %s: inject: %v", ruleID, err)
		}
	}

	sc.afterFire(sessionID, ruleID)
}

// afterFire records the fire, enforces stop_after, and re-arms interval
// rules at the next base-aligned tick. Offset rules are one-shot.
func (sc *Scheduler) afterFire(sessionID, ruleID string) {
	now := timeNow()

	sc.mu.Lock()
	r, ok := sc.rules[sessionID][ruleID]
	if !ok {
		sc.mu.Unlock()
		return
	}
	r.lastRun = now
	r.fired++

	if r.kind == KindOffset {
		fired := r.view()
		sc.cancelLocked(r)
		sc.dropLocked(sessionID, ruleID)
		sc.mu.Unlock()
		sc.send(sessionID, "fired", ruleID, &fired, 0, nil)
		sc.send(sessionID, "removed", ruleID, nil, 0, nil)
		return
	}

	if r.stopAfter > 0 && r.fired >= r.stopAfter {
		fired := r.view()
		sc.cancelLocked(r)
		sc.dropLocked(sessionID, ruleID)
		sc.mu.Unlock()
		sc.send(sessionID, "fired", ruleID, &fired, 0, nil)
		sc.send(sessionID, "removed", ruleID, nil, 0, nil)
		return
	}

	r.nextRun = nextAligned(r.base, r.interval, now)
	if !r.paused {
		sc.armLocked(r)
	}
	fired := r.view()
	sc.mu.Unlock()
	sc.send(sessionID, "fired", ruleID, &fired, fired.NextRunAt, nil)
}

// rescheduleQuiet re-arms an interval rule at its next aligned tick without
// counting a fire (the suppress-policy path).
func (sc *Scheduler) rescheduleQuiet(sessionID, ruleID string) {
	now := timeNow()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	r, ok := sc.rules[sessionID][ruleID]
	if !ok || r.paused {
		return
	}
	r.nextRun = nextAligned(r.base, r.interval, now)
	sc.armLocked(r)
}

// nextAligned computes the first base-aligned tick strictly after now, so
// per-fire latency never accumulates as drift.
func nextAligned(base time.Time, interval time.Duration, now time.Time) time.Time {
	k := now.Sub(base)/interval + 1
	next := base.Add(time.Duration(k) * interval)
	for !next.After(now) {
		k++
		next = base.Add(time.Duration(k) * interval)
	}
	return next
}

func (sc *Scheduler) send(sessionID, action, ruleID string, view *protocol.RuleView, nextRunAt int64, paused *bool) {
	if sc.broadcast == nil {
		return
	}
	sc.broadcast(sessionID, protocol.ScheduledInputRuleUpdated{
		Type:      protocol.TypeScheduledInputRuleUpdated,
		Action:    action,
		SessionID: sessionID,
		RuleID:    ruleID,
		Rule:      view,
		NextRunAt: nextRunAt,
		Paused:    paused,
	})
}
