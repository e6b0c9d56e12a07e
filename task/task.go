// Package task defines the contract between the execution engine and the
// pluggable units of work that workflow steps invoke.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// Family groups related task types.
type Family string

const (
	FamilyAI          Family = "ai"
	FamilyIntegration Family = "integration"
	FamilyScript      Family = "script"
	FamilyBrowser     Family = "browser"
	FamilyControl     Family = "control"
)

// Metadata describes a task type. It is static for the life of the process.
type Metadata struct {
	Type         string         `json:"task_type"`
	DisplayName  string         `json:"display_name"`
	Description  string         `json:"description"`
	Family       Family         `json:"family"`
	ConfigSchema map[string]any `json:"config_schema,omitempty"`

	// Timeout bounds a single invocation when the step does not set
	// timeout_seconds. Zero means no task-level bound.
	Timeout time.Duration `json:"-"`
}

// Result is the normalized outcome of one task invocation.
type Result struct {
	Success  bool           `json:"success"`
	Output   any            `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"duration"`

	// Variables holds outputs the task designates as new execution variables.
	Variables map[string]any `json:"variables,omitempty"`
}

// Succeeded returns a successful result carrying output.
func Succeeded(output any) *Result {
	return &Result{Success: true, Output: output}
}

// Failed returns a failed result with the given message.
func Failed(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// ContextView is the read-only view of an execution a task receives.
type ContextView interface {
	ExecutionID() string
	WorkflowID() string
	OrganizationID() string
	StepID() string

	// Variable returns a copy of a single execution variable.
	Variable(name string) (any, bool)

	// Variables returns a copy of all execution variables.
	Variables() map[string]any

	// StepOutput returns the recorded output of a completed step.
	StepOutput(stepID string) (any, bool)

	// StepOutputs returns a copy of the outputs of every completed step.
	StepOutputs() map[string]any
}

// Task is implemented by every step type.
type Task interface {
	Metadata() Metadata

	// Execute performs the work. Returning an error is equivalent to
	// returning a failed Result; Run normalizes both.
	Execute(ctx context.Context, config map[string]any, view ContextView) (*Result, error)
}

// ErrTimeout is reported when an invocation exceeds its timeout.
var ErrTimeout = errors.New("task timed out")

// Run invokes t and always returns a non-nil Result. Errors and panics
// raised by the task are converted into failed results, the duration is
// measured, and a positive timeout bounds the invocation.
func Run(ctx context.Context, t Task, config map[string]any, view ContextView, timeout time.Duration) *Result {
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan *Result, 1)
	go func() {
		done <- invoke(ctx, t, config, view)
	}()

	var result *Result
	select {
	case result = <-done:
	case <-ctx.Done():
		// The task ignored cancellation; report and let it finish on its own.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = &Result{Error: fmt.Sprintf("%s after %s", ErrTimeout, timeout)}
		} else {
			result = &Result{Error: ctx.Err().Error()}
		}
	}
	result.Duration = time.Since(start)
	return result
}

func invoke(ctx context.Context, t Task, config map[string]any, view ContextView) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			result = &Result{
				Error:    fmt.Sprintf("task panicked: %v", r),
				Metadata: map[string]any{"stack": string(debug.Stack())},
			}
		}
	}()
	res, err := t.Execute(ctx, config, view)
	if err != nil {
		if res == nil {
			res = &Result{}
		}
		res.Success = false
		if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			res.Error = ErrTimeout.Error()
		} else {
			res.Error = err.Error()
		}
		return res
	}
	if res == nil {
		return &Result{Success: true}
	}
	if !res.Success && res.Error == "" {
		res.Error = "task reported failure"
	}
	return res
}
