package flow

import "github.com/deepnoodle-ai/flow/task"

// stepView is the read-only snapshot handed to a task. It is built by the
// goroutine that owns the execution at dispatch time and never changes.
type stepView struct {
	executionID    string
	workflowID     string
	organizationID string
	stepID         string
	variables      map[string]any
	steps          map[string]any
}

var _ task.ContextView = (*stepView)(nil)

func newStepView(c *ExecutionContext, stepID string, data map[string]any) *stepView {
	v := &stepView{
		executionID:    c.ExecutionID,
		workflowID:     c.WorkflowID,
		organizationID: c.OrganizationID,
		stepID:         stepID,
	}
	v.variables, _ = data["variables"].(map[string]any)
	v.steps, _ = data["steps"].(map[string]any)
	return v
}

func (v *stepView) ExecutionID() string    { return v.executionID }
func (v *stepView) WorkflowID() string     { return v.workflowID }
func (v *stepView) OrganizationID() string { return v.organizationID }
func (v *stepView) StepID() string         { return v.stepID }

func (v *stepView) Variable(name string) (any, bool) {
	val, ok := v.variables[name]
	return deepCopy(val), ok
}

func (v *stepView) Variables() map[string]any {
	out := copyMap(v.variables)
	if out == nil {
		out = map[string]any{}
	}
	return out
}

func (v *stepView) StepOutput(stepID string) (any, bool) {
	r, ok := v.steps[stepID].(map[string]any)
	if !ok {
		return nil, false
	}
	return deepCopy(r["output"]), true
}

func (v *stepView) StepOutputs() map[string]any {
	out := make(map[string]any, len(v.steps))
	for id, raw := range v.steps {
		if r, ok := raw.(map[string]any); ok {
			out[id] = deepCopy(r["output"])
		}
	}
	return out
}
