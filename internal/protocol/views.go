package protocol

// SessionData is the session snapshot embedded in session_updated broadcasts
// and returned by the HTTP API. Fields mirror the persisted metadata.
type SessionData struct {
	ID              string   `json:"id"`
	Alias           string   `json:"alias,omitempty"`
	Title           string   `json:"title,omitempty"`
	Command         []string `json:"command"`
	Workdir         string   `json:"workdir,omitempty"`
	CreatedAt       int64    `json:"created_at"`
	CreatedBy       string   `json:"created_by,omitempty"`
	Visibility      string   `json:"visibility"`
	IsActive        bool     `json:"is_active"`
	Interactive     bool     `json:"interactive"`
	ActivityState   string   `json:"activity_state"`
	LastOutputAt    int64    `json:"last_output_at,omitempty"`
	LastUserInputAt int64    `json:"last_user_input_at,omitempty"`
	AttachedClients int      `json:"attached_clients"`
	Terminated      bool     `json:"terminated"`
	TerminatedAt    int64    `json:"terminated_at,omitempty"`
	ExitCode        *int     `json:"exit_code,omitempty"`

	Note        string `json:"note,omitempty"`
	NoteVersion int    `json:"note_version"`
	Summary     string `json:"summary,omitempty"`

	TemplateID   string            `json:"template_id,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`

	Isolation        string `json:"isolation,omitempty"`
	ContainerName    string `json:"container_name,omitempty"`
	ContainerRuntime string `json:"container_runtime,omitempty"`
	ParentSessionID  string `json:"parent_session_id,omitempty"`
	WorkspaceDir     string `json:"workspace_dir,omitempty"`

	Cols int `json:"cols"`
	Rows int `json:"rows"`

	HistoryViewMode string `json:"history_view_mode,omitempty"`
	LogFile         string `json:"log_file,omitempty"`

	StopInputs          bool `json:"stop_inputs"`
	StopInputsRemaining int  `json:"stop_inputs_remaining,omitempty"`

	PendingDeferredCount int `json:"pending_deferred_count"`
	ScheduledRuleCount   int `json:"scheduled_rule_count"`
}

// RuleView is the scheduler rule representation used on the wire and in the
// HTTP API.
type RuleView struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	Data           string `json:"data"`
	Submit         bool   `json:"submit"`
	Raw            bool   `json:"raw"`
	EnterStyle     string `json:"enter_style,omitempty"`
	OffsetMs       int64  `json:"offset_ms,omitempty"`
	IntervalMs     int64  `json:"interval_ms,omitempty"`
	StopAfter      int    `json:"stop_after,omitempty"`
	FireCount      int    `json:"fire_count"`
	Paused         bool   `json:"paused"`
	CreatedAt      int64  `json:"created_at"`
	BaseAt         int64  `json:"base_at"`
	NextRunAt      int64  `json:"next_run_at,omitempty"`
	LastRunAt      int64  `json:"last_run_at,omitempty"`
	ActivityPolicy string `json:"activity_policy,omitempty"`
	Notify         bool   `json:"notify"`
	By             string `json:"by,omitempty"`
}

// PendingView is the deferred-input entry representation.
type PendingView struct {
	ID             string `json:"id"`
	SessionID      string `json:"session_id"`
	Key            string `json:"key,omitempty"`
	DataPreview    string `json:"data_preview"`
	Bytes          int    `json:"bytes"`
	Submit         bool   `json:"submit"`
	Raw            bool   `json:"raw"`
	EnterStyle     string `json:"enter_style,omitempty"`
	Source         string `json:"source,omitempty"`
	By             string `json:"by,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	ActivityPolicy string `json:"activity_policy,omitempty"`
}

// MarkerView is a render marker as exposed over the history API.
type MarkerView struct {
	Kind       string `json:"kind"`
	Timestamp  int64  `json:"timestamp"`
	ByteOffset int    `json:"byte_offset"`
	Seq        uint64 `json:"seq"`
}
