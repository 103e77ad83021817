package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/termhub/internal/config"
	"github.com/joestump/termhub/internal/journal"
	"github.com/joestump/termhub/internal/mcpserver"
	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/services"
	"github.com/joestump/termhub/internal/template"
	"github.com/joestump/termhub/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "termhub",
		Short: "Multi-user terminal session server",
		RunE:  run,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve terminal sessions as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mcpserver.Run(config.Load())
		},
	})

	// Persistent so the mcp subcommand shares the configuration surface.
	f := rootCmd.PersistentFlags()
	f.Int("listen-port", 8080, "HTTP port for the API, WebSocket, and SSE endpoints")
	f.String("sessions-dir", "./sessions", "directory for session logs and metadata")
	f.String("templates-dir", "./templates", "directory for session template JSON files")
	f.String("state-dir", "./state", "directory for the journal database")
	f.String("shell", "", "shell for sessions created without a command (default: $SHELL, then bash)")
	f.String("html-helper", "", "external command that renders a session log to HTML")
	f.Bool("history-persist", true, "write session output logs to sessions-dir")
	f.Int("max-sessions", 64, "maximum concurrent live sessions")

	f.Int("max-flush-bytes-per-tick", 65536, "output bytes drained per session per flush tick")
	f.Int("max-backlog-bytes", 1048576, "per-session output backlog cap before oldest-first trimming")

	f.Int("session-activity-inactive-after-ms", 1000, "silence before a session is marked inactive")
	f.Int("session-activity-suppress-after-resize-ms", 1000, "window after a resize during which output does not mark activity")
	f.Int("session-activity-min-bytes-for-active-marker", 48, "burst bytes required before an active transition is recorded")
	f.Bool("session-activity-capture-transitions", true, "record activity transitions for timeline reconstruction")
	f.Int("max-activity-transitions", 10000, "retained activity transitions per session")
	f.Int("max-render-markers", 2000, "retained client render markers per session")

	f.Int("api-stdin-default-delay-ms", 1000, "default delay before the second Enter when input requests omit delay_ms")
	f.Bool("api-stdin-default-simulate-typing", false, "default to per-rune writes for input requests")
	f.Int("api-stdin-default-typing-delay-ms", 25, "default per-rune delay when simulating typing")
	f.Bool("api-stdin-send-focus-in", false, "send a focus-in escape before each injection")
	f.Bool("api-stdin-send-focus-out", false, "send a focus-out escape after each injection")
	f.Int("api-stdin-max-messages-per-session", 500, "lifetime API input quota per session")
	f.Int("scheduled-input-max-messages-per-session", 1000, "lifetime scheduled input quota per session")

	f.Int("scheduled-input-max-rules-per-session", 20, "scheduled input rules per session")
	f.Int("scheduled-input-max-bytes-per-rule", 8192, "payload bytes per scheduled input rule")
	f.Int64("scheduled-input-min-interval-ms", 1000, "minimum interval for repeating rules")
	f.Int64("scheduled-input-max-span-ms", 7*24*60*60*1000, "maximum offset or interval for a rule")

	f.Int("stop-inputs-rearm-max", 10, "stop-input re-arms before the feature disables itself")
	f.Int("stop-inputs-grace-ms", 2000, "quiet period after user input before stop inputs fire")
	f.Int("stop-inputs-session-start-grace-ms", 15000, "period after session start during which stop inputs hold")

	f.Int("rate-global-per-sec", 300, "global API request rate limit (0 disables)")
	f.Int("rate-session-per-sec", 100, "per-session API request rate limit (0 disables)")
	f.Int("rate-create-per-user-per-sec", 10, "per-user session creation rate limit (0 disables)")

	f.Bool("summary-enabled", false, "generate a summary from trailing output when a session terminates")
	f.String("summary-model", "haiku", "model for session summary generation")
	f.Int("summary-max-history-bytes", 16384, "trailing history bytes sent to the summarizer")

	// Bind flags to viper. Viper keys use underscores (listen_port) so they
	// match the env var suffix after stripping the TERMHUB_ prefix.
	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("listen_port", "listen-port")
	bindFlag("sessions_dir", "sessions-dir")
	bindFlag("templates_dir", "templates-dir")
	bindFlag("state_dir", "state-dir")
	bindFlag("shell", "shell")
	bindFlag("html_helper", "html-helper")
	bindFlag("history_persist", "history-persist")
	bindFlag("max_sessions", "max-sessions")
	bindFlag("max_flush_bytes_per_tick", "max-flush-bytes-per-tick")
	bindFlag("max_backlog_bytes", "max-backlog-bytes")
	bindFlag("session_activity_inactive_after_ms", "session-activity-inactive-after-ms")
	bindFlag("session_activity_suppress_after_resize_ms", "session-activity-suppress-after-resize-ms")
	bindFlag("session_activity_min_bytes_for_active_marker", "session-activity-min-bytes-for-active-marker")
	bindFlag("session_activity_capture_transitions", "session-activity-capture-transitions")
	bindFlag("max_activity_transitions", "max-activity-transitions")
	bindFlag("max_render_markers", "max-render-markers")
	bindFlag("api_stdin_default_delay_ms", "api-stdin-default-delay-ms")
	bindFlag("api_stdin_default_simulate_typing", "api-stdin-default-simulate-typing")
	bindFlag("api_stdin_default_typing_delay_ms", "api-stdin-default-typing-delay-ms")
	bindFlag("api_stdin_send_focus_in", "api-stdin-send-focus-in")
	bindFlag("api_stdin_send_focus_out", "api-stdin-send-focus-out")
	bindFlag("api_stdin_max_messages_per_session", "api-stdin-max-messages-per-session")
	bindFlag("scheduled_input_max_messages_per_session", "scheduled-input-max-messages-per-session")
	bindFlag("scheduled_input_max_rules_per_session", "scheduled-input-max-rules-per-session")
	bindFlag("scheduled_input_max_bytes_per_rule", "scheduled-input-max-bytes-per-rule")
	bindFlag("scheduled_input_min_interval_ms", "scheduled-input-min-interval-ms")
	bindFlag("scheduled_input_max_span_ms", "scheduled-input-max-span-ms")
	bindFlag("stop_inputs_rearm_max", "stop-inputs-rearm-max")
	bindFlag("stop_inputs_grace_ms", "stop-inputs-grace-ms")
	bindFlag("stop_inputs_session_start_grace_ms", "stop-inputs-session-start-grace-ms")
	bindFlag("rate_global_per_sec", "rate-global-per-sec")
	bindFlag("rate_session_per_sec", "rate-session-per-sec")
	bindFlag("rate_create_per_user_per_sec", "rate-create-per-user-per-sec")
	bindFlag("summary_enabled", "summary-enabled")
	bindFlag("summary_model", "summary-model")
	bindFlag("summary_max_history_bytes", "summary-max-history-bytes")

	// Bind TERMHUB_* environment variables. AutomaticEnv with the prefix maps
	// TERMHUB_LISTEN_PORT -> "listen_port", TERMHUB_STATE_DIR -> "state_dir",
	// etc. Flag names use hyphens, so the replacer covers lookups by flag name.
	viper.SetEnvPrefix("TERMHUB")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	fmt.Printf("termhub %s starting\n", config.Version)
	fmt.Printf("  Listen: :%d\n", cfg.ListenPort)
	fmt.Printf("  Sessions: %s (persist: %t)\n", cfg.SessionsDir, cfg.HistoryPersist)
	fmt.Printf("  Templates: %s\n", cfg.TemplatesDir)
	fmt.Printf("  State: %s\n", cfg.StateDir)
	fmt.Printf("  Max sessions: %d\n", cfg.MaxSessions)
	fmt.Println()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	jn, err := journal.Open(filepath.Join(cfg.StateDir, "termhub.db"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jn.Close() //nolint:errcheck

	// The journal tap turns lifecycle broadcasts into durable entries; the
	// client registry routes owner notices to live WebSocket connections.
	clients := web.NewClientRegistry()
	core := services.Build(cfg, services.Options{
		Tap: func(msg protocol.Message) {
			if e, ok := journal.FromMessage(msg); ok {
				jn.Record(e)
			}
		},
		Owners: clients,
	})

	webServer := web.New(web.Config{
		Port:                cfg.ListenPort,
		SessionsDir:         cfg.SessionsDir,
		DefaultCommand:      cfg.ShellCommand(),
		StdinDelayMs:        cfg.StdinDefaultDelayMs,
		StdinSimulateTyping: cfg.StdinDefaultSimulateTyping,
		StdinTypingDelayMs:  cfg.StdinDefaultTypingDelayMs,
		StopInputsRearmMax:  cfg.StopInputsRearmMax,
	}, web.Deps{
		Registry:  core.Registry,
		Engine:    core.Engine,
		Scheduler: core.Scheduler,
		Deferrals: core.Deferrals,
		Events:    core.Events,
		Clients:   clients,
		Journal:   jn,
		Templates: template.NewStore(cfg.TemplatesDir),
	})
	go func() {
		if err := webServer.Start(); err != nil {
			log.Printf("web server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down...", sig)
		cancel()
	}()

	<-ctx.Done()

	// Stop accepting requests first, then drain sessions so terminate
	// broadcasts still reach the journal tap.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("web server shutdown: %v", err)
	}
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer drainCancel()
	if err := core.Shutdown(drainCtx); err != nil {
		log.Printf("session drain: %v", err)
	}
	return nil
}
