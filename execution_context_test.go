package flow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sampleContext() *ExecutionContext {
	c := NewExecutionContext("exec_1", "wf", "org", map[string]any{
		"name":  "ada",
		"count": 2.0,
		"tags":  []any{"x", "y"},
		"nested": map[string]any{
			"ok": true,
		},
	})
	c.Status = ExecutionStatusRunning
	c.StartedAt = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	c.CurrentSteps = []string{"fetch"}
	c.enterStep()
	c.recordStep("fetch", &StepResult{
		Output:   map[string]any{"status": 200.0},
		Success:  true,
		Metadata: map[string]any{"attempts": 1.0},
	}, []string{"parse", "notify"})
	c.enterStep()
	c.recordStep("parse", &StepResult{Success: false, Error: "bad input"}, nil)
	return c
}

func TestRecordStepMaintainsOrderAndActiveSet(t *testing.T) {
	c := sampleContext()
	require.Equal(t, []string{"fetch", "parse"}, c.StepOrder)
	require.Equal(t, []string{"notify"}, c.CurrentSteps)
	require.Equal(t, 2, c.StepCount)

	c.CurrentSteps = append(c.CurrentSteps, "fetch")
	c.recordStep("fetch", &StepResult{Success: true, Output: "again"}, nil)
	require.Equal(t, []string{"parse", "fetch"}, c.StepOrder, "re-run moves the step to the end")
	require.Equal(t, []string{"notify"}, c.CurrentSteps)

	out, ok := c.StepOutput("fetch")
	require.True(t, ok)
	require.Equal(t, "again", out)
}

func TestRecordStepRemovesOneOccurrence(t *testing.T) {
	c := NewExecutionContext("exec_1", "wf", "", nil)
	c.CurrentSteps = []string{"join", "join"}
	c.recordStep("join", &StepResult{Success: true}, nil)
	require.Equal(t, []string{"join"}, c.CurrentSteps)
	c.recordStep("join", &StepResult{Success: true}, nil)
	require.Nil(t, c.CurrentSteps)
}

func TestContextMapRoundTrip(t *testing.T) {
	c := sampleContext()
	back, err := ContextFromMap(c.ToMap())
	require.NoError(t, err)
	require.Equal(t, c, back)
}

func TestContextJSONRoundTrip(t *testing.T) {
	c := sampleContext()
	c.Status = ExecutionStatusFailed
	c.ErrorMessage = "boom"
	c.CompletedAt = c.StartedAt.Add(time.Minute)

	data, err := json.Marshal(c)
	require.NoError(t, err)

	var back ExecutionContext
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, c, &back)
}

func TestContextFromMapRejectsBadInput(t *testing.T) {
	_, err := ContextFromMap(nil)
	require.Error(t, err)

	_, err = ContextFromMap(map[string]any{"status": "running"})
	require.ErrorContains(t, err, "execution_id")

	_, err = ContextFromMap(map[string]any{"execution_id": "e", "current_steps": []any{1}})
	require.ErrorContains(t, err, "current_steps")

	_, err = ContextFromMap(map[string]any{"execution_id": "e", "started_at": "yesterday"})
	require.ErrorContains(t, err, "started_at")
}

func TestCloneIsIndependent(t *testing.T) {
	c := sampleContext()
	clone := c.Clone()
	clone.Variables["nested"].(map[string]any)["ok"] = false
	clone.StepResults["fetch"].Output.(map[string]any)["status"] = 500.0
	clone.CurrentSteps[0] = "other"

	require.Equal(t, true, c.Variables["nested"].(map[string]any)["ok"])
	require.Equal(t, 200.0, c.StepResults["fetch"].Output.(map[string]any)["status"])
	require.Equal(t, "notify", c.CurrentSteps[0])
}

func TestTemplateDataShape(t *testing.T) {
	c := sampleContext()
	data := c.TemplateData()
	require.Equal(t, "ada", data["variables"].(map[string]any)["name"])

	steps := data["steps"].(map[string]any)
	fetch := steps["fetch"].(map[string]any)
	require.Equal(t, true, fetch["success"])
	require.Equal(t, map[string]any{"status": 200.0}, fetch["output"])

	parse := steps["parse"].(map[string]any)
	require.Equal(t, false, parse["success"])
	require.Equal(t, "bad input", parse["error"])

	data["variables"].(map[string]any)["name"] = "changed"
	require.Equal(t, "ada", c.Variables["name"])
}

func TestStepViewIsSnapshot(t *testing.T) {
	c := sampleContext()
	view := newStepView(c, "notify", c.TemplateData())
	c.mergeVariables(map[string]any{"name": "grace"})

	name, ok := view.Variable("name")
	require.True(t, ok)
	require.Equal(t, "ada", name)
	require.Equal(t, "notify", view.StepID())
	require.Equal(t, "exec_1", view.ExecutionID())

	out, ok := view.StepOutput("fetch")
	require.True(t, ok)
	require.Equal(t, map[string]any{"status": 200.0}, out)
	require.Len(t, view.StepOutputs(), 2)
}
