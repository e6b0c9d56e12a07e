package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strings"

	"github.com/deepnoodle-ai/flow/task"
)

// ShellOptions restricts the shell task.
type ShellOptions struct {
	// AllowedCommands lists the programs the task may run. Empty denies
	// every command; the entry "*" allows any.
	AllowedCommands []string

	// WorkingDir is used when a step does not set working_dir.
	WorkingDir string
}

// ShellConfig is the config of the shell task.
type ShellConfig struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env"`
	Stdin      string            `json:"stdin"`
}

// Shell runs a program and captures its output. A non-zero exit status
// fails the step but still records the output.
type Shell struct {
	opts ShellOptions
}

func NewShell(opts ShellOptions) *Shell {
	return &Shell{opts: opts}
}

func (s *Shell) Metadata() task.Metadata {
	return task.Metadata{
		Type:        "shell",
		DisplayName: "Shell Command",
		Description: "Run a program and capture stdout, stderr and the exit code",
		Family:      task.FamilyIntegration,
		ConfigSchema: map[string]any{
			"type":     "object",
			"required": []any{"command"},
			"properties": map[string]any{
				"command":     map[string]any{"type": "string", "minLength": 1},
				"args":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"working_dir": map[string]any{"type": "string"},
				"env":         map[string]any{"type": "object", "additionalProperties": map[string]any{"type": "string"}},
				"stdin":       map[string]any{"type": "string"},
			},
		},
	}
}

func (s *Shell) allowed(command string) bool {
	return slices.Contains(s.opts.AllowedCommands, "*") || slices.Contains(s.opts.AllowedCommands, command)
}

func (s *Shell) Execute(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
	var params ShellConfig
	if err := decodeConfig(config, &params); err != nil {
		return nil, err
	}
	if params.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}
	if !s.allowed(params.Command) {
		return nil, fmt.Errorf("command %q is not allowed", params.Command)
	}

	cmd := exec.CommandContext(ctx, params.Command, params.Args...)
	cmd.Dir = params.WorkingDir
	if cmd.Dir == "" {
		cmd.Dir = s.opts.WorkingDir
	}
	if len(params.Env) > 0 {
		cmd.Env = os.Environ()
		for key, value := range params.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}
	if params.Stdin != "" {
		cmd.Stdin = strings.NewReader(params.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	output := map[string]any{
		"stdout":    strings.TrimSpace(stdout.String()),
		"stderr":    strings.TrimSpace(stderr.String()),
		"exit_code": exitCode,
	}
	if exitCode != 0 {
		return &task.Result{Output: output, Error: fmt.Sprintf("command exited with status %d", exitCode)}, nil
	}
	return task.Succeeded(output), nil
}
