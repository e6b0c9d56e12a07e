package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/deepnoodle-ai/flow/expr"
	"github.com/deepnoodle-ai/flow/retry"
	"github.com/deepnoodle-ai/flow/task"
)

// DefaultMaxSteps bounds the number of step invocations per execution when
// EngineOptions.MaxSteps is zero.
const DefaultMaxSteps = 1000

// EngineOptions configures an Engine.
type EngineOptions struct {
	Registry    *task.Registry
	Checkpoints *CheckpointManager
	Evaluator   *expr.Evaluator
	Logger      *slog.Logger
	Callbacks   ExecutionCallbacks

	// MaxSteps bounds step invocations per execution. Negative disables the
	// guard.
	MaxSteps int

	// ExecutionTimeout bounds the wall-clock time of one run. Zero means no
	// limit.
	ExecutionTimeout time.Duration

	// SnapshotInterval controls how often step checkpoints carry a full
	// context snapshot. 1 (the default) snapshots every checkpoint.
	SnapshotInterval int

	// FlushTimeout bounds the wait for the final checkpoint to be durable.
	FlushTimeout time.Duration
}

// ExecuteRequest asks the engine to run, or resume, one execution.
type ExecuteRequest struct {
	ExecutionID    string
	WorkflowID     string
	OrganizationID string
	Definition     *Definition
	Variables      map[string]any
	TriggerPayload map[string]any

	// Resume continues a previously persisted context from its active steps
	// instead of starting at the entry point.
	Resume *ExecutionContext
}

// Engine walks workflow graphs. One Engine serves many concurrent
// executions; each execution is driven by its own goroutine.
type Engine struct {
	registry         *task.Registry
	checkpoints      *CheckpointManager
	evaluator        *expr.Evaluator
	logger           *slog.Logger
	callbacks        ExecutionCallbacks
	maxSteps         int
	executionTimeout time.Duration
	snapshotInterval int
	flushTimeout     time.Duration

	mu      sync.Mutex
	running map[string]*runHandle
}

type runHandle struct {
	once   sync.Once
	cancel chan struct{}
}

// NewEngine returns an Engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("task registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Evaluator == nil {
		opts.Evaluator = expr.New(expr.Options{Logger: opts.Logger})
	}
	if opts.Callbacks == nil {
		opts.Callbacks = BaseExecutionCallbacks{}
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 1
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}
	return &Engine{
		registry:         opts.Registry,
		checkpoints:      opts.Checkpoints,
		evaluator:        opts.Evaluator,
		logger:           opts.Logger,
		callbacks:        opts.Callbacks,
		maxSteps:         opts.MaxSteps,
		executionTimeout: opts.ExecutionTimeout,
		snapshotInterval: opts.SnapshotInterval,
		flushTimeout:     opts.FlushTimeout,
		running:          map[string]*runHandle{},
	}, nil
}

// Registry returns the task registry the engine dispatches to.
func (e *Engine) Registry() *task.Registry {
	return e.registry
}

// Checkpoints returns the checkpoint manager, which may be nil.
func (e *Engine) Checkpoints() *CheckpointManager {
	return e.checkpoints
}

// Execute runs an execution until it reaches a terminal status and returns
// its final context. Task and definition failures are reported through the
// context's status and error message, not the error return. An error is
// returned when the request is rejected, or with ctx.Err() when ctx ends
// first; in that case the execution stays running and resumable.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionContext, error) {
	if req.Resume != nil {
		if req.Resume.Status.IsTerminal() {
			return nil, fmt.Errorf("cannot resume %s execution %s", req.Resume.Status, req.Resume.ExecutionID)
		}
		if req.ExecutionID == "" {
			req.ExecutionID = req.Resume.ExecutionID
		}
	}
	if req.ExecutionID == "" {
		req.ExecutionID = NewExecutionID()
	}
	handle, err := e.register(req.ExecutionID)
	if err != nil {
		return nil, err
	}
	defer e.unregister(req.ExecutionID)
	return newExecution(e, req, handle).run(ctx)
}

// Cancel asks a running execution to stop at its next step boundary.
// Steps already running finish first. It reports whether the execution was
// found.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	handle, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	handle.once.Do(func() { close(handle.cancel) })
	return true
}

// Running returns the ids of executions currently driven by this engine.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) register(executionID string) (*runHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.running[executionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrExecutionRunning, executionID)
	}
	handle := &runHandle{cancel: make(chan struct{})}
	e.running[executionID] = handle
	return handle, nil
}

func (e *Engine) unregister(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, executionID)
}

type stepOutcome struct {
	step      *Step
	index     int
	config    map[string]any
	result    *task.Result
	attempts  int
	startTime time.Time
	endTime   time.Time
}

// invokeStep runs on its own goroutine and only reads its arguments.
func (e *Engine) invokeStep(ctx context.Context, step *Step, config map[string]any, view task.ContextView, index int, start time.Time) *stepOutcome {
	out := &stepOutcome{step: step, index: index, config: config, startTime: start}
	timeout := step.Timeout()

	var bo backoff.BackOff
	if step.Retry != nil && step.Retry.MaxRetries > 0 {
		bo = step.Retry.policy().BackOff(ctx)
	}
	for {
		out.attempts++
		out.result = e.registry.Invoke(ctx, step.Type, config, view, timeout)
		if out.result.Success || bo == nil || ctx.Err() != nil || !step.Retry.matches(out.result.Error) {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}
	out.endTime = time.Now()
	return out
}

func (r *RetryConfig) policy() retry.Policy {
	p := retry.Policy{
		MaxRetries:  r.MaxRetries,
		BaseWait:    time.Second,
		BackoffRate: 2,
	}
	if r.BaseDelaySeconds > 0 {
		p.BaseWait = time.Duration(r.BaseDelaySeconds * float64(time.Second))
	}
	if r.MaxDelaySeconds > 0 {
		p.MaxWait = time.Duration(r.MaxDelaySeconds * float64(time.Second))
	}
	if r.BackoffRate >= 1 {
		p.BackoffRate = r.BackoffRate
	}
	return p
}

func (r *RetryConfig) matches(message string) bool {
	if r == nil {
		return false
	}
	if len(r.ErrorEquals) == 0 {
		return true
	}
	err := errors.New(message)
	for _, errorType := range r.ErrorEquals {
		if MatchesErrorType(err, errorType) {
			return true
		}
	}
	return false
}
