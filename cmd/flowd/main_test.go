package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/config"
	"github.com/deepnoodle-ai/flow/store"
	"github.com/deepnoodle-ai/flow/trigger"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseInputs(t *testing.T) {
	vars, err := parseInputs([]string{"name=John", "count=5", `tags=["a","b"]`, "expr=a=b"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"name":  "John",
		"count": 5.0,
		"tags":  []any{"a", "b"},
		"expr":  "a=b",
	}, vars)

	_, err = parseInputs([]string{"novalue"})
	require.ErrorContains(t, err, "key=value")
	_, err = parseInputs([]string{"=1"})
	require.Error(t, err)
}

func TestLoadTriggers(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "triggers.yaml", `
triggers:
  - id: nightly
    workflow_id: report
    trigger_type: schedule
    is_enabled: true
    config:
      cron_expression: "0 2 * * *"
      timezone: UTC
  - id: deploy-hook
    workflow_id: deploy
    trigger_type: webhook
    is_enabled: false
    config:
      path: ci/deploy
`)
	triggers, err := loadTriggers(path)
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	require.Equal(t, trigger.TypeSchedule, triggers[0].Type)
	require.Equal(t, "0 2 * * *", triggers[0].Config["cron_expression"])
	require.False(t, triggers[1].IsEnabled)

	none, err := loadTriggers("")
	require.NoError(t, err)
	require.Empty(t, none)

	dup := writeFile(t, dir, "dup.yaml", "triggers:\n  - {id: a, workflow_id: w, trigger_type: manual}\n  - {id: a, workflow_id: w, trigger_type: manual}\n")
	_, err = loadTriggers(dup)
	require.ErrorContains(t, err, "duplicate trigger id")

	unknown := writeFile(t, dir, "unknown.yaml", "triggers:\n  - {id: a, workflow_id: w, trigger_type: carrier_pigeon}\n")
	_, err = loadTriggers(unknown)
	require.ErrorIs(t, err, trigger.ErrUnsupportedType)
}

func TestValidateFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	registry, err := newTaskRegistry(cfg, cfg.Logger())
	require.NoError(t, err)
	dir := t.TempDir()

	good := writeFile(t, dir, "good.yaml", `
entry_point: encode
steps:
  - id: encode
    type: transform
    config:
      operation: stringify
      data: {a: 1}
`)
	problems, warnings := validateFile(registry, good)
	require.Empty(t, problems)
	require.Empty(t, warnings)

	bad := writeFile(t, dir, "bad.yaml", `
entry_point: a
steps:
  - id: a
    type: teleport
    next: [b]
  - id: b
    type: transform
    config: {operation: explode}
  - id: c
    type: transform
    config: {operation: "{{ variables.op }}"}
`)
	problems, warnings = validateFile(registry, bad)
	require.Len(t, problems, 2)
	require.Contains(t, problems[0], "teleport")
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], `step "c"`)

	problems, _ = validateFile(registry, filepath.Join(dir, "missing.yaml"))
	require.Len(t, problems, 1)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Store.Driver = config.DriverMemory
	s, closeStore, err := openStore(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &flow.MemoryStore{}, s)
	require.NoError(t, closeStore())

	cfg.Store.Driver = config.DriverFile
	cfg.Store.DataDir = t.TempDir()
	s, _, err = openStore(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &store.File{}, s)

	cfg.Store.Driver = "floppy"
	_, _, err = openStore(ctx, cfg)
	require.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	ok := writeFile(t, dir, "hello.yaml", `
name: hello
entry_point: greet
steps:
  - id: greet
    type: transform
    config:
      operation: stringify
      data: {greeting: "hello {{ variables.name }}"}
`)
	root := newRootCmd()
	root.SetArgs([]string{"--store", "file", "--data-dir", filepath.Join(dir, "executions"), "run", ok, "-i", "name=ada", "--logs", filepath.Join(dir, "logs")})
	require.NoError(t, root.Execute())

	logs, err := filepath.Glob(filepath.Join(dir, "logs", "*.jsonl"))
	require.NoError(t, err)
	require.Len(t, logs, 1)

	entries, err := os.ReadDir(filepath.Join(dir, "executions"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "the execution was checkpointed")

	failing := writeFile(t, dir, "fail.yaml", `
entry_point: boom
steps:
  - id: boom
    type: fail
    config: {message: nope}
`)
	root = newRootCmd()
	root.SetArgs([]string{"--store", "memory", "run", failing})
	require.ErrorContains(t, root.Execute(), "failed")

	root = newRootCmd()
	root.SetArgs([]string{"--store", "memory", "validate", ok, failing})
	require.NoError(t, root.Execute())

	root = newRootCmd()
	root.SetArgs([]string{"--store", "memory", "tasks"})
	require.NoError(t, root.Execute())
}
