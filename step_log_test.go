package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStepLogger(t *testing.T) {
	dir := t.TempDir()
	steps := NewFileStepLogger(dir)
	f := newEngineFixture(t, EngineOptions{Callbacks: NewStepLogCallbacks(steps, nil)})
	def := mustDefinition(t, `{"entry_point":"a","steps":[
		{"id":"a","type":"echo","config":{"value":"first"},"next":["b"]},
		{"id":"b","type":"fail","config":{"message":"boom"},"error_handler":"c"},
		{"id":"c","type":"echo","config":{"value":"recovered"}}
	]}`)
	ctx := context.Background()
	final, err := f.engine.Execute(ctx, ExecuteRequest{ExecutionID: "exec_steplog", Definition: def})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, final.Status)

	history, err := steps.StepHistory(ctx, "exec_steplog")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "a", history[0].StepID)
	require.Equal(t, "first", history[0].Output)
	require.False(t, history[1].Success)
	require.Contains(t, history[1].Error, "boom")
	require.Equal(t, "recovered", history[2].Output)
	require.Equal(t, 1, history[0].Attempts)

	empty, err := steps.StepHistory(ctx, "exec_other")
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = steps.StepHistory(ctx, "../escape")
	require.Error(t, err)
}
