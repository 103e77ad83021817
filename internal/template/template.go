// Package template loads JSON session templates from a directory and expands
// {{var}} placeholders in stop-input prompts. A defaults.json, when present,
// is deep-merged under every named template so shared settings live in one
// place.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/joestump/termhub/internal/apperr"
	"github.com/joestump/termhub/internal/protocol"
	"github.com/joestump/termhub/internal/session"
)

// defaultsFile is merged under every named template.
const defaultsFile = "defaults.json"

// Template is one named session preset. Zero fields leave the corresponding
// create option untouched; Interactive is a pointer so a template can force
// either value without clobbering an explicit request.
type Template struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Command     []string          `json:"command,omitempty"`
	Workdir     string            `json:"workdir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cols        int               `json:"cols,omitempty"`
	Rows        int               `json:"rows,omitempty"`
	Interactive *bool             `json:"interactive,omitempty"`
	Visibility  string            `json:"visibility,omitempty"`
	Title       string            `json:"title,omitempty"`
	StopInputs  []string          `json:"stop_inputs,omitempty"`
	Vars        map[string]string `json:"vars,omitempty"`

	Isolation        string `json:"isolation,omitempty"`
	ContainerRuntime string `json:"container_runtime,omitempty"`
}

// Store reads templates from a directory on every call, so edits take effect
// without a restart. An empty or missing directory is not an error.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. An empty dir disables templates:
// List returns nothing and Get reports NotFound.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// List returns every named template, defaults applied, sorted by name.
func (st *Store) List() ([]Template, error) {
	if st.dir == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(st.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("globbing templates: %w", err)
	}
	defaults, err := st.readDefaults()
	if err != nil {
		return nil, err
	}

	var out []Template
	for _, path := range matches {
		base := filepath.Base(path)
		if base == defaultsFile {
			continue
		}
		name := strings.TrimSuffix(base, ".json")
		t, err := loadMerged(path, name, defaults)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns one template by name with defaults applied.
func (st *Store) Get(name string) (Template, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return Template{}, apperr.E(apperr.BadRequest, "invalid template name %q", name)
	}
	if st.dir == "" {
		return Template{}, apperr.E(apperr.NotFound, "template %q not found", name)
	}
	path := filepath.Join(st.dir, name+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Template{}, apperr.E(apperr.NotFound, "template %q not found", name)
	}
	defaults, err := st.readDefaults()
	if err != nil {
		return Template{}, err
	}
	return loadMerged(path, name, defaults)
}

func (st *Store) readDefaults() (map[string]any, error) {
	path := filepath.Join(st.dir, defaultsFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	m, err := readJSONFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", defaultsFile, err)
	}
	return m, nil
}

// loadMerged reads one template file, merges it over the defaults, and
// decodes the result. The file's values win on collision; nested objects
// merge key by key.
func loadMerged(path, name string, defaults map[string]any) (Template, error) {
	m, err := readJSONFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("reading template %s: %w", name, err)
	}
	merged := deepMerge(defaults, m)

	data, err := json.Marshal(merged)
	if err != nil {
		return Template{}, fmt.Errorf("encoding template %s: %w", name, err)
	}
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return Template{}, fmt.Errorf("decoding template %s: %w", name, err)
	}
	t.Name = name
	return t, nil
}

// deepMerge overlays over onto base. Maps merge recursively; any other value
// from over replaces the base value. Neither input is mutated.
func deepMerge(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		if vm, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = deepMerge(bm, vm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// readJSONFile reads a JSON object file into a generic map.
func readJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Apply fills the empty fields of opts from the template. Explicit request
// values always win; template vars merge under request vars; template
// stop-input prompts seed the session armed, tagged source=template.
func (t Template) Apply(opts session.CreateOptions) session.CreateOptions {
	opts.TemplateID = t.Name
	if len(opts.Command) == 0 {
		opts.Command = append([]string(nil), t.Command...)
	}
	if opts.Workdir == "" {
		opts.Workdir = t.Workdir
	}
	if len(t.Env) > 0 {
		keys := make([]string, 0, len(t.Env))
		for k := range t.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env := make([]string, 0, len(keys)+len(opts.Env))
		for _, k := range keys {
			env = append(env, k+"="+t.Env[k])
		}
		// Request entries come last so they win on duplicate keys.
		opts.Env = append(env, opts.Env...)
	}
	if opts.Cols == 0 {
		opts.Cols = t.Cols
	}
	if opts.Rows == 0 {
		opts.Rows = t.Rows
	}
	if opts.Visibility == "" {
		opts.Visibility = t.Visibility
	}
	if opts.Title == "" {
		opts.Title = t.Title
	}
	if opts.Isolation == "" {
		opts.Isolation = t.Isolation
	}
	if opts.ContainerRuntime == "" {
		opts.ContainerRuntime = t.ContainerRuntime
	}

	if len(t.Vars) > 0 {
		vars := make(map[string]string, len(t.Vars)+len(opts.TemplateVars))
		for k, v := range t.Vars {
			vars[k] = v
		}
		for k, v := range opts.TemplateVars {
			vars[k] = v
		}
		opts.TemplateVars = vars
	}

	if len(opts.StopInputs) == 0 && len(t.StopInputs) > 0 {
		for _, prompt := range t.StopInputs {
			if prompt == "" {
				continue
			}
			opts.StopInputs = append(opts.StopInputs, session.StopInput{
				ID:     uuid.NewString(),
				Prompt: prompt,
				Armed:  true,
				Source: "template",
			})
		}
		opts.StopInputsEnabled = len(opts.StopInputs) > 0
	}
	return opts
}

// varPattern matches {{name}} with optional inner whitespace.
var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Interpolate replaces every {{var}} in text with its value from vars.
// Unknown variables become empty strings.
func Interpolate(text string, vars map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return varPattern.ReplaceAllStringFunc(text, func(m string) string {
		key := varPattern.FindStringSubmatch(m)[1]
		return vars[key]
	})
}

// SessionVars builds the interpolation dictionary for one session: built-in
// fields first, the session's template vars layered over them.
func SessionVars(d protocol.SessionData) map[string]string {
	vars := map[string]string{
		"session_id": d.ID,
		"alias":      d.Alias,
		"title":      d.Title,
		"owner":      d.CreatedBy,
		"workdir":    d.Workdir,
	}
	if len(d.Command) > 0 {
		vars["command"] = strings.Join(d.Command, " ")
	}
	for k, v := range d.TemplateVars {
		vars[k] = v
	}
	return vars
}
