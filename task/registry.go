package task

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

type entry struct {
	task   Task
	meta   Metadata
	schema *gojsonschema.Schema
}

// Registry maps task type names to implementations. It is populated once by
// NewRegistry and never modified afterwards, so lookups need no locking.
type Registry struct {
	entries map[string]*entry
}

// NewRegistry builds a registry from the given tasks. Duplicate type names
// and invalid config schemas are reported as errors.
func NewRegistry(tasks ...Task) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry, len(tasks))}
	for _, t := range tasks {
		if t == nil {
			return nil, fmt.Errorf("nil task")
		}
		meta := t.Metadata()
		if meta.Type == "" {
			return nil, fmt.Errorf("task has an empty type")
		}
		if _, exists := r.entries[meta.Type]; exists {
			return nil, fmt.Errorf("duplicate task type %q", meta.Type)
		}
		e := &entry{task: t, meta: meta}
		if len(meta.ConfigSchema) > 0 {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(meta.ConfigSchema))
			if err != nil {
				return nil, fmt.Errorf("task %q has an invalid config schema: %w", meta.Type, err)
			}
			e.schema = schema
		}
		r.entries[meta.Type] = e
	}
	return r, nil
}

// Get returns the implementation registered for taskType.
func (r *Registry) Get(taskType string) (Task, bool) {
	e, ok := r.entries[taskType]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// Has reports whether taskType is registered.
func (r *Registry) Has(taskType string) bool {
	_, ok := r.entries[taskType]
	return ok
}

// ListAll returns the metadata of every registered task, sorted by type.
func (r *Registry) ListAll() []Metadata {
	out := make([]Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Validate checks config against the config schema of taskType.
func (r *Registry) Validate(taskType string, config map[string]any) error {
	e, ok := r.entries[taskType]
	if !ok {
		return fmt.Errorf("unknown task type %q", taskType)
	}
	if e.schema == nil {
		return nil
	}
	if config == nil {
		config = map[string]any{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(config))
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
	}
	return fmt.Errorf("invalid config for %q: %s", taskType, strings.Join(msgs, "; "))
}

// Invoke validates config and runs the task. timeout overrides the task's
// default timeout when positive.
func (r *Registry) Invoke(ctx context.Context, taskType string, config map[string]any, view ContextView, timeout time.Duration) *Result {
	e, ok := r.entries[taskType]
	if !ok {
		return Failed("unknown task type %q", taskType)
	}
	if err := r.Validate(taskType, config); err != nil {
		return &Result{Error: err.Error()}
	}
	if timeout <= 0 {
		timeout = e.meta.Timeout
	}
	return Run(ctx, e.task, config, view, timeout)
}
