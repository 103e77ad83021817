package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/joestump/termhub/internal/protocol"
)

// Metadata is the persisted record of a terminated session. It is written
// atomically to <sessions_dir>/<id>.json next to the raw <id>.log so
// terminated sessions survive restarts and stay listable.
type Metadata struct {
	SchemaVersion int    `json:"schema_version"`
	ID            string `json:"id"`
	Alias         string `json:"alias,omitempty"`
	Title         string `json:"title,omitempty"`

	Command        []string `json:"command"`
	CommandPreview string   `json:"command_preview"`
	Workdir        string   `json:"workdir,omitempty"`

	CreatedAt    int64 `json:"created_at"`
	LastOutputAt int64 `json:"last_output_at,omitempty"`
	EndedAt      int64 `json:"ended_at,omitempty"`
	ExitCode     *int  `json:"exit_code,omitempty"`

	Cols int `json:"cols"`
	Rows int `json:"rows"`

	CreatedBy   string `json:"created_by,omitempty"`
	Visibility  string `json:"visibility"`
	Interactive bool   `json:"interactive"`

	TemplateID   string            `json:"template_id,omitempty"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`

	Isolation        string   `json:"isolation,omitempty"`
	ContainerName    string   `json:"container_name,omitempty"`
	ContainerRuntime string   `json:"container_runtime,omitempty"`
	ParentSessionID  string   `json:"parent_session_id,omitempty"`
	WorkspaceDir     string   `json:"workspace_dir,omitempty"`
	EphemeralMounts  []string `json:"ephemeral_mounts,omitempty"`

	Note        string `json:"note,omitempty"`
	NoteVersion int    `json:"note_version"`
	Summary     string `json:"summary,omitempty"`

	StopInputs          []StopInput `json:"stop_inputs,omitempty"`
	StopInputsEnabled   bool        `json:"stop_inputs_enabled"`
	StopInputsRemaining int         `json:"stop_inputs_remaining"`

	InputMarkers  []InputMarker  `json:"input_markers,omitempty"`
	RenderMarkers []RenderMarker `json:"render_markers,omitempty"`

	HistoryViewMode string `json:"history_view_mode,omitempty"`
	LogFile         string `json:"log_file,omitempty"`
}

const metadataSchemaVersion = 1

// previewLimit caps the command preview stored in metadata and listings.
const previewLimit = 80

// CommandPreview flattens a command for display, truncated to previewLimit.
func CommandPreview(command []string) string {
	p := strings.Join(command, " ")
	if len(p) > previewLimit {
		p = p[:previewLimit-1] + "…"
	}
	return p
}

// Metadata builds the persisted record from the session's current state.
func (s *Session) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metadata{
		SchemaVersion:       metadataSchemaVersion,
		ID:                  s.ID,
		Alias:               s.alias,
		Title:               s.title,
		Command:             append([]string(nil), s.opts.Command...),
		CommandPreview:      CommandPreview(s.opts.Command),
		Workdir:             s.opts.Workdir,
		CreatedAt:           s.createdAt.UnixMilli(),
		Cols:                s.cols,
		Rows:                s.rows,
		CreatedBy:           s.opts.Owner,
		Visibility:          s.visibility,
		Interactive:         s.opts.Interactive,
		TemplateID:          s.opts.TemplateID,
		TemplateVars:        s.opts.TemplateVars,
		Isolation:           s.opts.Isolation,
		ContainerName:       s.opts.ContainerName,
		ContainerRuntime:    s.opts.ContainerRuntime,
		ParentSessionID:     s.opts.ParentSessionID,
		WorkspaceDir:        s.opts.WorkspaceDir,
		EphemeralMounts:     append([]string(nil), s.opts.EphemeralMounts...),
		Note:                s.note,
		NoteVersion:         s.noteVersion,
		Summary:             s.summary,
		StopInputs:          append([]StopInput(nil), s.stopInputs...),
		StopInputsEnabled:   s.stopInputsEnabled,
		StopInputsRemaining: s.stopInputsRearm,
		InputMarkers:        append([]InputMarker(nil), s.inputMarkers...),
		RenderMarkers:       append([]RenderMarker(nil), s.renderMarkers...),
		HistoryViewMode:     s.opts.HistoryViewMode,
		LogFile:             s.history.name,
	}
	if !s.lastOutputAt.IsZero() {
		m.LastOutputAt = s.lastOutputAt.UnixMilli()
	}
	if !s.endedAt.IsZero() {
		m.EndedAt = s.endedAt.UnixMilli()
	}
	if s.exitCode != nil {
		c := *s.exitCode
		m.ExitCode = &c
	}
	return m
}

// SessionData converts persisted metadata into the API session object used
// for listings that include terminated sessions.
func (m Metadata) SessionData() protocol.SessionData {
	d := protocol.SessionData{
		ID:               m.ID,
		Alias:            m.Alias,
		Title:            m.Title,
		Command:          append([]string(nil), m.Command...),
		Workdir:          m.Workdir,
		CreatedAt:        m.CreatedAt,
		CreatedBy:        m.CreatedBy,
		Visibility:       m.Visibility,
		Interactive:      m.Interactive,
		ActivityState:    ActivityInactive,
		Terminated:       true,
		TerminatedAt:     m.EndedAt,
		LastOutputAt:     m.LastOutputAt,
		Note:             m.Note,
		NoteVersion:      m.NoteVersion,
		Summary:          m.Summary,
		TemplateID:       m.TemplateID,
		TemplateVars:     m.TemplateVars,
		Isolation:        m.Isolation,
		ContainerName:    m.ContainerName,
		ContainerRuntime: m.ContainerRuntime,
		ParentSessionID:  m.ParentSessionID,
		WorkspaceDir:     m.WorkspaceDir,
		Cols:             m.Cols,
		Rows:             m.Rows,
		HistoryViewMode:  m.HistoryViewMode,
		LogFile:          m.LogFile,
		StopInputs:       m.StopInputsEnabled,
	}
	if m.ExitCode != nil {
		c := *m.ExitCode
		d.ExitCode = &c
	}
	if m.StopInputsEnabled {
		d.StopInputsRemaining = m.StopInputsRemaining
	}
	return d
}

// metadataPath returns the JSON file path for a session id.
func metadataPath(dir, id string) string {
	return filepath.Join(dir, id+".json")
}

// SaveMetadata writes the record atomically: marshal to a temp file in the
// same directory, then rename over the destination.
func SaveMetadata(dir string, m Metadata) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tmp, err := os.CreateTemp(dir, m.ID+".json.tmp*")
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmpName, metadataPath(dir, m.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads one persisted record. Returns nil, nil if the file does
// not exist.
func LoadMetadata(dir, id string) (*Metadata, error) {
	data, err := os.ReadFile(metadataPath(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &m, nil
}

// LoadAllMetadata scans the sessions directory for persisted records.
// Unparseable files are skipped so one corrupt record cannot hide the rest.
func LoadAllMetadata(dir string) ([]Metadata, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []Metadata
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		m, err := LoadMetadata(dir, strings.TrimSuffix(name, ".json"))
		if err != nil || m == nil || m.ID == "" {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

// removeSessionFiles deletes the on-disk artifacts of a terminated session:
// the metadata record, the output log, and the rendered HTML if present.
func removeSessionFiles(dir string, m Metadata) {
	if dir == "" {
		return
	}
	paths := []string{
		metadataPath(dir, m.ID),
		filepath.Join(dir, m.ID+".html"),
	}
	if m.LogFile != "" {
		paths = append(paths, filepath.Join(dir, m.LogFile))
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("session %s: remove %s: %v", m.ID, p, err)
		}
	}
}
