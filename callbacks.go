package flow

import (
	"context"
	"time"

	"github.com/deepnoodle-ai/flow/task"
)

// ExecutionCallbacks receives engine lifecycle events. Callbacks run on the
// goroutine that owns the execution and must not block for long.
type ExecutionCallbacks interface {
	BeforeExecution(ctx context.Context, event *ExecutionEvent)
	AfterExecution(ctx context.Context, event *ExecutionEvent)
	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)
}

// ExecutionEvent describes an execution starting or finishing.
type ExecutionEvent struct {
	ExecutionID    string
	WorkflowID     string
	OrganizationID string
	Status         ExecutionStatus
	Resumed        bool
	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	StepCount      int
	Error          error
}

// StepEvent describes a step invocation being dispatched or finishing.
type StepEvent struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
	TaskType    string
	StepIndex   int
	Config      map[string]any
	Result      *task.Result
	Attempts    int
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
}

// BaseExecutionCallbacks provides a default implementation that does nothing.
// Embed it to implement only the callbacks you need.
type BaseExecutionCallbacks struct{}

func (BaseExecutionCallbacks) BeforeExecution(ctx context.Context, event *ExecutionEvent) {}
func (BaseExecutionCallbacks) AfterExecution(ctx context.Context, event *ExecutionEvent)  {}
func (BaseExecutionCallbacks) BeforeStep(ctx context.Context, event *StepEvent)           {}
func (BaseExecutionCallbacks) AfterStep(ctx context.Context, event *StepEvent)            {}

// CallbackChain fans events out to several callbacks in order.
type CallbackChain struct {
	callbacks []ExecutionCallbacks
}

func NewCallbackChain(callbacks ...ExecutionCallbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends a callback. Not safe to call while executions run.
func (c *CallbackChain) Add(callback ExecutionCallbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeExecution(ctx context.Context, event *ExecutionEvent) {
	for _, cb := range c.callbacks {
		cb.BeforeExecution(ctx, event)
	}
}

func (c *CallbackChain) AfterExecution(ctx context.Context, event *ExecutionEvent) {
	for _, cb := range c.callbacks {
		cb.AfterExecution(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, cb := range c.callbacks {
		cb.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, cb := range c.callbacks {
		cb.AfterStep(ctx, event)
	}
}
