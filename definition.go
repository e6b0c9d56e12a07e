package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Step is one node of a workflow graph.
type Step struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Next        []string       `json:"next,omitempty"`

	// ErrorHandler names the step that runs when this step fails. Without
	// one, a failure fails the whole execution.
	ErrorHandler string `json:"error_handler,omitempty"`

	// Store saves the step output under this variable name.
	Store string `json:"store,omitempty"`

	// TimeoutSeconds bounds each invocation of the task.
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`

	Retry *RetryConfig `json:"retry,omitempty"`
}

// RetryConfig configures retry behavior for a step.
type RetryConfig struct {
	// ErrorEquals limits retries to matching error types. Empty means all.
	ErrorEquals      []string `json:"error_equals,omitempty"`
	MaxRetries       int      `json:"max_retries"`
	BaseDelaySeconds float64  `json:"base_delay_seconds,omitempty"`
	MaxDelaySeconds  float64  `json:"max_delay_seconds,omitempty"`
	BackoffRate      float64  `json:"backoff_rate,omitempty"`
}

// UnmarshalJSON rejects unknown keys so a misspelled retry setting fails
// the definition instead of silently disabling retries.
func (r *RetryConfig) UnmarshalJSON(data []byte) error {
	type plain RetryConfig
	var out plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	*r = RetryConfig(out)
	return nil
}

// Timeout returns the invocation timeout of the step. The step field wins
// over a timeout_seconds key inside the task config.
func (s *Step) Timeout() time.Duration {
	seconds := s.TimeoutSeconds
	if seconds <= 0 {
		if v, ok := toFloat(s.Config["timeout_seconds"]); ok {
			seconds = v
		}
	}
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// Definition is an immutable workflow graph. Cycles are allowed.
type Definition struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	EntryPoint  string  `json:"entry_point"`
	Steps       []*Step `json:"steps"`

	indexOnce sync.Once
	index     map[string]*Step
}

// ParseDefinition parses and validates a JSON workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseDefinitionYAML parses a YAML definition. Values are normalized to
// their JSON forms so YAML and JSON definitions behave identically.
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return ParseDefinition(jsonData)
}

// LoadDefinitionFile loads a definition from a .json, .yaml or .yml file.
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var def *Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		def, err = ParseDefinition(data)
	default:
		def, err = ParseDefinitionYAML(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.ID == "" {
		def.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, nil
}

// DefinitionFromMap builds a definition from its map form, as stored in
// checkpoints.
func DefinitionFromMap(m map[string]any) (*Definition, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return ParseDefinition(data)
}

// Validate checks the structural invariants of the graph.
func (d *Definition) Validate() error {
	var problems []string
	index := make(map[string]*Step, len(d.Steps))
	for i, step := range d.Steps {
		if step == nil {
			problems = append(problems, fmt.Sprintf("step %d is empty", i))
			continue
		}
		if step.ID == "" {
			problems = append(problems, fmt.Sprintf("step %d has no id", i))
			continue
		}
		if step.Type == "" {
			problems = append(problems, fmt.Sprintf("step %q has no type", step.ID))
		}
		if _, dup := index[step.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", step.ID))
		}
		index[step.ID] = step
	}
	if d.EntryPoint == "" {
		problems = append(problems, "entry_point is required")
	} else if _, ok := index[d.EntryPoint]; !ok {
		problems = append(problems, fmt.Sprintf("entry_point %q does not name a step", d.EntryPoint))
	}
	for _, step := range d.Steps {
		if step == nil || step.ID == "" {
			continue
		}
		for _, next := range step.Next {
			if _, ok := index[next]; !ok {
				problems = append(problems, fmt.Sprintf("step %q: next step %q not found", step.ID, next))
			}
		}
		if step.ErrorHandler != "" {
			if _, ok := index[step.ErrorHandler]; !ok {
				problems = append(problems, fmt.Sprintf("step %q: error handler %q not found", step.ID, step.ErrorHandler))
			}
		}
		if r := step.Retry; r != nil {
			if r.MaxRetries < 0 {
				problems = append(problems, fmt.Sprintf("step %q: max_retries must not be negative", step.ID))
			}
			if r.BaseDelaySeconds < 0 || r.MaxDelaySeconds < 0 {
				problems = append(problems, fmt.Sprintf("step %q: retry delays must not be negative", step.ID))
			}
			if r.BackoffRate != 0 && r.BackoffRate < 1 {
				problems = append(problems, fmt.Sprintf("step %q: backoff_rate must be at least 1", step.ID))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDefinition, strings.Join(problems, "; "))
	}
	return nil
}

// Step returns the step with the given id. The index is built on first use,
// so Steps must not change afterwards.
func (d *Definition) Step(id string) (*Step, bool) {
	d.indexOnce.Do(d.buildIndex)
	s, ok := d.index[id]
	return s, ok
}

func (d *Definition) buildIndex() {
	d.index = make(map[string]*Step, len(d.Steps))
	for _, s := range d.Steps {
		if s != nil {
			d.index[s.ID] = s
		}
	}
}

// TaskTypes returns the distinct task types the definition uses.
func (d *Definition) TaskTypes() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range d.Steps {
		if s != nil && !seen[s.Type] {
			seen[s.Type] = true
			out = append(out, s.Type)
		}
	}
	return out
}

// JSON returns the canonical JSON encoding of the definition.
func (d *Definition) JSON() (json.RawMessage, error) {
	return json.Marshal(d)
}

// ToMap returns the definition in its JSON-compatible map form.
func (d *Definition) ToMap() map[string]any {
	data, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
