package config

import (
	"os"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for termhub.
type Config struct {
	ListenPort     int
	SessionsDir    string
	TemplatesDir   string
	StateDir       string
	Shell          string
	HTMLHelper     string
	HistoryPersist bool
	MaxSessions    int

	MaxFlushBytesPerTick int
	MaxBacklogBytes      int

	InactiveAfterMs         int
	SuppressAfterResizeMs   int
	MinBytesForActiveMarker int
	CaptureTransitions      bool
	MaxActivityTransitions  int
	MaxRenderMarkers        int

	StdinDefaultDelayMs        int
	StdinDefaultSimulateTyping bool
	StdinDefaultTypingDelayMs  int
	StdinSendFocusIn           bool
	StdinSendFocusOut          bool
	StdinMaxPerSession         int
	ScheduledMaxPerSession     int

	RuleMaxPerSession int
	RuleMaxBytes      int
	RuleMinIntervalMs int64
	RuleMaxSpanMs     int64

	StopInputsRearmMax     int
	StopInputsGraceMs      int
	StopInputsStartGraceMs int

	RateGlobalPerSec        int
	RateSessionPerSec       int
	RateCreatePerUserPerSec int

	SummaryEnabled         bool
	SummaryModel           string
	SummaryMaxHistoryBytes int
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/termhub).
func Load() Config {
	return Config{
		ListenPort:     viper.GetInt("listen_port"),
		SessionsDir:    viper.GetString("sessions_dir"),
		TemplatesDir:   viper.GetString("templates_dir"),
		StateDir:       viper.GetString("state_dir"),
		Shell:          viper.GetString("shell"),
		HTMLHelper:     viper.GetString("html_helper"),
		HistoryPersist: viper.GetBool("history_persist"),
		MaxSessions:    viper.GetInt("max_sessions"),

		MaxFlushBytesPerTick: viper.GetInt("max_flush_bytes_per_tick"),
		MaxBacklogBytes:      viper.GetInt("max_backlog_bytes"),

		InactiveAfterMs:         viper.GetInt("session_activity_inactive_after_ms"),
		SuppressAfterResizeMs:   viper.GetInt("session_activity_suppress_after_resize_ms"),
		MinBytesForActiveMarker: viper.GetInt("session_activity_min_bytes_for_active_marker"),
		CaptureTransitions:      viper.GetBool("session_activity_capture_transitions"),
		MaxActivityTransitions:  viper.GetInt("max_activity_transitions"),
		MaxRenderMarkers:        viper.GetInt("max_render_markers"),

		StdinDefaultDelayMs:        viper.GetInt("api_stdin_default_delay_ms"),
		StdinDefaultSimulateTyping: viper.GetBool("api_stdin_default_simulate_typing"),
		StdinDefaultTypingDelayMs:  viper.GetInt("api_stdin_default_typing_delay_ms"),
		StdinSendFocusIn:           viper.GetBool("api_stdin_send_focus_in"),
		StdinSendFocusOut:          viper.GetBool("api_stdin_send_focus_out"),
		StdinMaxPerSession:         viper.GetInt("api_stdin_max_messages_per_session"),
		ScheduledMaxPerSession:     viper.GetInt("scheduled_input_max_messages_per_session"),

		RuleMaxPerSession: viper.GetInt("scheduled_input_max_rules_per_session"),
		RuleMaxBytes:      viper.GetInt("scheduled_input_max_bytes_per_rule"),
		RuleMinIntervalMs: viper.GetInt64("scheduled_input_min_interval_ms"),
		RuleMaxSpanMs:     viper.GetInt64("scheduled_input_max_span_ms"),

		StopInputsRearmMax:     viper.GetInt("stop_inputs_rearm_max"),
		StopInputsGraceMs:      viper.GetInt("stop_inputs_grace_ms"),
		StopInputsStartGraceMs: viper.GetInt("stop_inputs_session_start_grace_ms"),

		RateGlobalPerSec:        viper.GetInt("rate_global_per_sec"),
		RateSessionPerSec:       viper.GetInt("rate_session_per_sec"),
		RateCreatePerUserPerSec: viper.GetInt("rate_create_per_user_per_sec"),

		SummaryEnabled:         viper.GetBool("summary_enabled"),
		SummaryModel:           viper.GetString("summary_model"),
		SummaryMaxHistoryBytes: viper.GetInt("summary_max_history_bytes"),
	}
}

// ShellCommand resolves the default command for sessions created without
// one: the shell flag, then $SHELL, then bash.
func (c Config) ShellCommand() []string {
	shell := c.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "bash"
	}
	return []string{shell, "-l"}
}
