package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerVariable is the reserved variable holding the trigger payload.
const TriggerVariable = "trigger"

// ExecutionStatus represents the execution status
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can happen.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepResult is the recorded outcome of the latest invocation of a step.
type StepResult struct {
	Output   any            `json:"output"`
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ExecutionContext is the runtime state of one execution. While an
// execution runs, only the engine goroutine that owns it mutates it.
type ExecutionContext struct {
	ExecutionID    string
	WorkflowID     string
	OrganizationID string
	Variables      map[string]any
	StepResults    map[string]*StepResult

	// StepOrder lists step ids in completion order. A step that runs again
	// moves to the end.
	StepOrder []string

	// CurrentSteps is the active set: steps dispatched or waiting to be
	// dispatched. Recovery resumes from here.
	CurrentSteps []string

	StepCount    int
	Status       ExecutionStatus
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  time.Time
}

// NewExecutionContext returns a pending context seeded with a copy of
// variables.
func NewExecutionContext(executionID, workflowID, organizationID string, variables map[string]any) *ExecutionContext {
	vars := copyMap(variables)
	if vars == nil {
		vars = map[string]any{}
	}
	return &ExecutionContext{
		ExecutionID:    executionID,
		WorkflowID:     workflowID,
		OrganizationID: organizationID,
		Variables:      vars,
		StepResults:    map[string]*StepResult{},
		Status:         ExecutionStatusPending,
	}
}

// StepOutput returns the output of a completed step.
func (c *ExecutionContext) StepOutput(stepID string) (any, bool) {
	r, ok := c.StepResults[stepID]
	if !ok {
		return nil, false
	}
	return r.Output, true
}

// Clone returns a deep copy.
func (c *ExecutionContext) Clone() *ExecutionContext {
	clone, err := ContextFromMap(c.ToMap())
	if err != nil {
		// ToMap always produces a form ContextFromMap accepts.
		panic(fmt.Sprintf("clone execution context: %v", err))
	}
	return clone
}

// enterStep counts a dispatched step and returns its index.
func (c *ExecutionContext) enterStep() int {
	c.StepCount++
	return c.StepCount
}

// recordStep stores the result of stepID, removes one occurrence of it from
// the active set and appends its successors.
func (c *ExecutionContext) recordStep(stepID string, result *StepResult, next []string) {
	c.StepResults[stepID] = result
	c.StepOrder = append(removeAll(c.StepOrder, stepID), stepID)
	c.CurrentSteps = removeOne(c.CurrentSteps, stepID)
	c.CurrentSteps = append(c.CurrentSteps, next...)
	if len(c.CurrentSteps) == 0 {
		c.CurrentSteps = nil
	}
}

func (c *ExecutionContext) mergeVariables(vars map[string]any) {
	for k, v := range vars {
		c.Variables[k] = deepCopy(v)
	}
}

// TemplateData returns a private copy of the data templates can reference.
func (c *ExecutionContext) TemplateData() map[string]any {
	steps := make(map[string]any, len(c.StepResults))
	for id, r := range c.StepResults {
		steps[id] = stepResultToMap(r)
	}
	return map[string]any{
		"variables": copyMap(c.Variables),
		"steps":     steps,
	}
}

// ToMap converts the context into JSON-compatible maps and slices. The
// result shares no memory with c.
func (c *ExecutionContext) ToMap() map[string]any {
	results := make(map[string]any, len(c.StepResults))
	for id, r := range c.StepResults {
		results[id] = stepResultToMap(r)
	}
	m := map[string]any{
		"execution_id":    c.ExecutionID,
		"workflow_id":     c.WorkflowID,
		"organization_id": c.OrganizationID,
		"variables":       copyMap(c.Variables),
		"step_results":    results,
		"step_order":      stringsToAny(c.StepOrder),
		"current_steps":   stringsToAny(c.CurrentSteps),
		"step_count":      c.StepCount,
		"status":          string(c.Status),
	}
	if c.ErrorMessage != "" {
		m["error_message"] = c.ErrorMessage
	}
	if !c.StartedAt.IsZero() {
		m["started_at"] = c.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if !c.CompletedAt.IsZero() {
		m["completed_at"] = c.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// ContextFromMap is the inverse of ToMap. It also accepts the generic form
// produced by decoding ToMap output from JSON.
func ContextFromMap(m map[string]any) (*ExecutionContext, error) {
	if m == nil {
		return nil, fmt.Errorf("execution context map is nil")
	}
	c := &ExecutionContext{
		ExecutionID:    asString(m["execution_id"]),
		WorkflowID:     asString(m["workflow_id"]),
		OrganizationID: asString(m["organization_id"]),
		Status:         ExecutionStatus(asString(m["status"])),
		ErrorMessage:   asString(m["error_message"]),
		StepResults:    map[string]*StepResult{},
	}
	if c.ExecutionID == "" {
		return nil, fmt.Errorf("execution context has no execution_id")
	}
	if vars, ok := m["variables"].(map[string]any); ok {
		c.Variables = copyMap(vars)
	} else {
		c.Variables = map[string]any{}
	}
	if results, ok := m["step_results"].(map[string]any); ok {
		for id, raw := range results {
			rm, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("step result %q has type %T", id, raw)
			}
			c.StepResults[id] = stepResultFromMap(rm)
		}
	}
	var err error
	if c.StepOrder, err = asStrings(m["step_order"]); err != nil {
		return nil, fmt.Errorf("step_order: %w", err)
	}
	if c.CurrentSteps, err = asStrings(m["current_steps"]); err != nil {
		return nil, fmt.Errorf("current_steps: %w", err)
	}
	if n, ok := toFloat(m["step_count"]); ok {
		c.StepCount = int(n)
	}
	if c.StartedAt, err = asTime(m["started_at"]); err != nil {
		return nil, fmt.Errorf("started_at: %w", err)
	}
	if c.CompletedAt, err = asTime(m["completed_at"]); err != nil {
		return nil, fmt.Errorf("completed_at: %w", err)
	}
	return c, nil
}

func (c *ExecutionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.ToMap())
}

func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := ContextFromMap(m)
	if err != nil {
		return err
	}
	*c = *parsed
	return nil
}

func stepResultToMap(r *StepResult) map[string]any {
	m := map[string]any{
		"output":  deepCopy(r.Output),
		"success": r.Success,
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.Metadata != nil {
		m["metadata"] = copyMap(r.Metadata)
	}
	return m
}

func stepResultFromMap(m map[string]any) *StepResult {
	r := &StepResult{
		Output: deepCopy(m["output"]),
		Error:  asString(m["error"]),
	}
	r.Success, _ = m["success"].(bool)
	if md, ok := m["metadata"].(map[string]any); ok {
		r.Metadata = copyMap(md)
	}
	return r
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	case []string:
		if t == nil {
			return t
		}
		return append([]string(nil), t...)
	case []map[string]any:
		if t == nil {
			return t
		}
		out := make([]map[string]any, len(t))
		for i, item := range t {
			out[i] = copyMap(item)
		}
		return out
	default:
		return v
	}
}

func removeOne(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			out := append(append([]string(nil), list[:i]...), list[i+1:]...)
			if len(out) == 0 {
				return nil
			}
			return out
		}
	}
	return list
}

func removeAll(list []string, s string) []string {
	var out []string
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func stringsToAny(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
		return append([]string(nil), t...), nil
	case []any:
		if len(t) == 0 {
			return nil, nil
		}
		out := make([]string, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("element %d has type %T", i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}

func asTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, t)
	case time.Time:
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected type %T", v)
	}
}
