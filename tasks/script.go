package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/deepnoodle-ai/flow/script"
	"github.com/deepnoodle-ai/flow/task"
)

// ScriptConfig is the config of the script task.
type ScriptConfig struct {
	Code     string `json:"code"`
	Language string `json:"language"`

	// ExportVariables limits which state changes become execution
	// variables. Every changed key is exported when it is empty.
	ExportVariables []string `json:"export_variables"`
}

// Script runs a risor, javascript or expr program. Scripts see the
// execution variables, the outputs of completed steps and a mutable
// state map seeded from the variables. Keys the script adds to or changes
// in state are published as execution variables.
type Script struct{}

func NewScript() *Script { return &Script{} }

func (s *Script) Metadata() task.Metadata {
	languages := make([]any, 0, 4)
	for _, l := range script.Languages() {
		languages = append(languages, string(l))
	}
	languages = append(languages, "js")
	return task.Metadata{
		Type:        "script",
		DisplayName: "Script",
		Description: "Run a script against the execution variables",
		Family:      task.FamilyScript,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"code"},
			"properties": map[string]any{
				"code":             map[string]any{"type": "string", "minLength": 1},
				"language":         map[string]any{"type": "string", "enum": languages},
				"export_variables": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
	}
}

func (s *Script) Execute(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
	var params ScriptConfig
	if err := decodeConfig(config, &params); err != nil {
		return nil, err
	}
	if params.Code == "" {
		return nil, fmt.Errorf("missing 'code' parameter")
	}
	language, err := script.ParseLanguage(params.Language)
	if err != nil {
		return nil, err
	}
	compiler, err := script.NewCompiler(language)
	if err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(ctx, params.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	original := view.Variables()
	state, err := script.NewState(language, original)
	if err != nil {
		return nil, err
	}
	steps := map[string]any{}
	for id, output := range view.StepOutputs() {
		steps[id] = map[string]any{"output": output}
	}
	globals := map[string]any{
		"variables": view.Variables(),
		"steps":     steps,
		"config":    map[string]any{"language": string(language)},
		"state":     state,
	}

	value, err := compiled.Evaluate(ctx, globals)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	changed := stateChanges(original, script.StateValues(state))
	if len(params.ExportVariables) > 0 {
		exported := make(map[string]any, len(params.ExportVariables))
		for _, name := range params.ExportVariables {
			if v, ok := changed[name]; ok {
				exported[name] = v
			}
		}
		changed = exported
	}
	result := task.Succeeded(value.Value())
	if len(changed) > 0 {
		result.Variables = changed
	}
	return result, nil
}

// stateChanges returns the keys of modified that were added or changed.
// Removed keys are ignored since variables are never deleted.
func stateChanges(original, modified map[string]any) map[string]any {
	changed := map[string]any{}
	for key, value := range modified {
		if before, ok := original[key]; ok && sameValue(before, value) {
			continue
		}
		changed[key] = value
	}
	return changed
}

// sameValue compares by JSON encoding when the Go types differ, since a
// round trip through a script runtime may turn an int into an int64.
func sameValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
