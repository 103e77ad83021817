// Package services assembles the session core in dependency order: fan-out
// engine, rate limiters, event hub, deferral manager, registry, and
// scheduler. cmd/termhub and the MCP stdio server both build one Core and
// hang their transports off it.
package services

import (
	"context"

	"github.com/joestump/termhub/internal/config"
	"github.com/joestump/termhub/internal/deferral"
	"github.com/joestump/termhub/internal/fanout"
	"github.com/joestump/termhub/internal/hub"
	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/ratelimit"
	"github.com/joestump/termhub/internal/schedule"
	"github.com/joestump/termhub/internal/session"
	"github.com/joestump/termhub/internal/template"
)

// Options customizes Core construction for a particular front end.
type Options struct {
	// Tap receives every control broadcast after the hub, e.g. the journal
	// feed. May be nil.
	Tap func(protocol.Message)

	// Owners routes owner-directed notices (stdin_injected with nobody
	// attached) to a user's live connections. May be nil.
	Owners session.OwnerNotifier
}

// Core is the wired session stack.
type Core struct {
	Engine    *fanout.Engine
	Limits    *ratelimit.Set
	Events    *hub.Hub
	Deferrals *deferral.Manager
	Registry  *session.Registry
	Scheduler *schedule.Scheduler
}

// sink fans a control message to the hub and the optional tap.
type sink struct {
	hub *hub.Hub
	tap func(protocol.Message)
}

func (s sink) Publish(msg protocol.Message) {
	s.hub.Publish(msg)
	if s.tap != nil {
		s.tap(msg)
	}
}

// Build assembles a Core from cfg. The scheduler pointer is late-bound into
// the registry's callbacks because rules resolve sessions through the
// registry while sessions report rule counts from the scheduler.
func Build(cfg config.Config, opt Options) *Core {
	engine := fanout.NewWithLimits(0, cfg.MaxFlushBytesPerTick, cfg.MaxBacklogBytes)
	limits := ratelimit.NewSet(cfg.RateGlobalPerSec, cfg.RateSessionPerSec, cfg.RateCreatePerUserPerSec)
	events := hub.New()
	out := sink{hub: events, tap: opt.Tap}

	broadcast := func(sessionID string, msg protocol.Message) {
		engine.SendControl(sessionID, msg)
		out.Publish(msg)
	}
	deferrals := deferral.New(broadcast)

	var sched *schedule.Scheduler
	deps := session.Deps{
		Engine: engine,
		Limits: limits,
		Events: out,
		Owners: opt.Owners,

		Defer:         deferrals.Register,
		DeferredCount: deferrals.Count,
		RuleCount: func(id string) int {
			if sched == nil {
				return 0
			}
			return sched.Count(id)
		},

		Interpolate: func(s *session.Session, text string) string {
			return template.Interpolate(text, template.SessionVars(s.Snapshot()))
		},

		OnInactive: deferrals.OnSessionInactive,
		OnTerminated: func(s *session.Session) {
			deferrals.Forget(s.ID)
			if sched != nil {
				sched.Forget(s.ID)
			}
		},
	}
	reg := session.NewRegistry(Settings(cfg), deps, cfg.MaxSessions)
	sched = schedule.New(reg.Get, deferrals.Register, broadcast, schedule.Limits{
		MaxRulesPerSession: cfg.RuleMaxPerSession,
		MaxBytesPerRule:    cfg.RuleMaxBytes,
		MinIntervalMs:      cfg.RuleMinIntervalMs,
		MaxSpanMs:          cfg.RuleMaxSpanMs,
	})

	return &Core{
		Engine:    engine,
		Limits:    limits,
		Events:    events,
		Deferrals: deferrals,
		Registry:  reg,
		Scheduler: sched,
	}
}

// Settings maps the flat config onto the session package tunables.
func Settings(cfg config.Config) session.Settings {
	return session.Settings{
		SessionsDir:    cfg.SessionsDir,
		HistoryEnabled: cfg.HistoryPersist,
		HTMLHelper:     cfg.HTMLHelper,

		InactiveAfterMs:         cfg.InactiveAfterMs,
		SuppressAfterResizeMs:   cfg.SuppressAfterResizeMs,
		MinBytesForActiveMarker: cfg.MinBytesForActiveMarker,
		CaptureTransitions:      cfg.CaptureTransitions,
		MaxActivityTransitions:  cfg.MaxActivityTransitions,
		MaxRenderMarkers:        cfg.MaxRenderMarkers,

		SendFocusIn:           cfg.StdinSendFocusIn,
		SendFocusOut:          cfg.StdinSendFocusOut,
		DefaultDelayMs:        cfg.StdinDefaultDelayMs,
		DefaultSimulateTyping: cfg.StdinDefaultSimulateTyping,
		DefaultTypingDelayMs:  cfg.StdinDefaultTypingDelayMs,
		APIStdinMax:           cfg.StdinMaxPerSession,
		ScheduledInputMax:     cfg.ScheduledMaxPerSession,

		StopInputsRearmMax:     cfg.StopInputsRearmMax,
		StopInputsGraceMs:      cfg.StopInputsGraceMs,
		StopInputsStartGraceMs: cfg.StopInputsStartGraceMs,

		SummaryEnabled:         cfg.SummaryEnabled,
		SummaryModel:           cfg.SummaryModel,
		SummaryMaxHistoryBytes: cfg.SummaryMaxHistoryBytes,
	}
}

// Shutdown terminates every live session and closes the event hub. The
// context bounds how long session drains may take.
func (c *Core) Shutdown(ctx context.Context) error {
	err := c.Registry.TerminateAll(ctx)
	c.Events.Close()
	return err
}
