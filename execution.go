package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// execution is the single owner of one ExecutionContext while it runs.
// Step goroutines never touch the context; they report outcomes over a
// channel and this type applies them in arrival order.
type execution struct {
	engine  *Engine
	def     *Definition
	state   *ExecutionContext
	resumed bool
	logger  *slog.Logger

	// recordCtx outlives cancellation of the caller's context so the final
	// checkpoints of an interrupted run are still queued.
	recordCtx context.Context

	cancelCh        <-chan struct{}
	cancelRequested bool
	stopping        bool
	failure         error

	outcomes        chan *stepOutcome
	inflight        int
	stepCheckpoints int
	startTime       time.Time
}

func newExecution(e *Engine, req ExecuteRequest, handle *runHandle) *execution {
	var state *ExecutionContext
	if req.Resume != nil {
		state = req.Resume.Clone()
		state.ExecutionID = req.ExecutionID
	} else {
		workflowID := req.WorkflowID
		if workflowID == "" && req.Definition != nil {
			workflowID = req.Definition.ID
		}
		state = NewExecutionContext(req.ExecutionID, workflowID, req.OrganizationID, req.Variables)
		if req.TriggerPayload != nil {
			state.Variables[TriggerVariable] = copyMap(req.TriggerPayload)
		}
		state.StartedAt = time.Now().UTC()
	}
	return &execution{
		engine:   e,
		def:      req.Definition,
		state:    state,
		resumed:  req.Resume != nil,
		cancelCh: handle.cancel,
		outcomes: make(chan *stepOutcome),
		logger: e.logger.With(
			"execution_id", state.ExecutionID,
			"workflow_id", state.WorkflowID),
	}
}

func (x *execution) run(ctx context.Context) (*ExecutionContext, error) {
	x.recordCtx = context.WithoutCancel(ctx)
	execCtx, cancel := context.WithCancel(ctx)
	if x.engine.executionTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, x.engine.executionTimeout)
	}
	defer cancel()

	x.startTime = time.Now()
	x.state.Status = ExecutionStatusRunning
	x.state.ErrorMessage = ""

	validationErr := x.validate()
	x.begin()
	x.engine.callbacks.BeforeExecution(ctx, &ExecutionEvent{
		ExecutionID:    x.state.ExecutionID,
		WorkflowID:     x.state.WorkflowID,
		OrganizationID: x.state.OrganizationID,
		Status:         x.state.Status,
		Resumed:        x.resumed,
		StartTime:      x.startTime,
		StepCount:      x.state.StepCount,
	})
	if validationErr != nil {
		x.logger.Error("execution rejected", "error", validationErr)
		x.fail(validationErr)
		return x.finish(ctx, execCtx)
	}

	if x.resumed {
		x.logger.Info("resuming execution", "current_steps", x.state.CurrentSteps)
		x.checkpoint(CheckpointExecutionResumed, "", 0, nil)
		x.journal("execution_resumed", "execution resumed", SeverityInfo, "", 0,
			map[string]any{"current_steps": stringsToAny(x.state.CurrentSteps)})
	} else {
		x.logger.Info("starting execution", "entry_point", x.def.EntryPoint)
		x.state.CurrentSteps = []string{x.def.EntryPoint}
		x.checkpoint(CheckpointExecutionStarted, "", 0, map[string]any{
			"definition": x.def.ToMap(),
		})
		x.journal("execution_started", "execution started", SeverityInfo, "", 0, nil)
	}

	for _, stepID := range append([]string(nil), x.state.CurrentSteps...) {
		x.dispatch(execCtx, stepID)
	}

	for x.inflight > 0 {
		select {
		case out := <-x.outcomes:
			x.inflight--
			x.apply(ctx, execCtx, out)
		case <-x.cancelWait():
			x.cancelRequested = true
			x.stopping = true
			x.logger.Info("cancel requested; waiting for running steps", "running", x.inflight)
		}
	}
	return x.finish(ctx, execCtx)
}

func (x *execution) validate() error {
	if x.def == nil {
		return fmt.Errorf("%w: definition is required", ErrInvalidDefinition)
	}
	if err := x.def.Validate(); err != nil {
		return err
	}
	var unknown []string
	for _, taskType := range x.def.TaskTypes() {
		if !x.engine.registry.Has(taskType) {
			unknown = append(unknown, taskType)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("%w: unknown task types: %s", ErrInvalidDefinition, strings.Join(unknown, ", "))
	}
	return nil
}

func (x *execution) begin() {
	cm := x.engine.checkpoints
	if cm == nil {
		return
	}
	var defJSON []byte
	if x.def != nil {
		defJSON, _ = x.def.JSON()
	}
	if err := cm.Begin(x.recordCtx, x.state.ExecutionID, x.state.WorkflowID, x.state.OrganizationID, defJSON); err != nil {
		x.logger.Error("failed to register execution with checkpoint manager", "error", err)
	}
}

func (x *execution) cancelWait() <-chan struct{} {
	if x.cancelRequested {
		return nil
	}
	return x.cancelCh
}

func (x *execution) checkCancel() {
	if x.cancelRequested {
		return
	}
	select {
	case <-x.cancelCh:
		x.cancelRequested = true
		x.stopping = true
	default:
	}
}

func (x *execution) fail(err error) {
	if x.failure == nil {
		x.failure = err
	}
	x.stopping = true
}

func (x *execution) dispatch(execCtx context.Context, stepID string) {
	x.checkCancel()
	if x.stopping {
		return
	}
	if execCtx.Err() != nil {
		x.stopping = true
		return
	}
	if limit := x.engine.maxSteps; limit > 0 && x.state.StepCount >= limit {
		x.fail(NewExecutionError(ErrorTypeStepLimit, fmt.Sprintf("step limit of %d exceeded", limit)))
		return
	}
	step, ok := x.def.Step(stepID)
	if !ok {
		x.fail(fmt.Errorf("%w: step %q not found", ErrInvalidDefinition, stepID))
		return
	}

	index := x.state.enterStep()
	x.checkpoint(CheckpointStepEntered, stepID, index, nil)

	data := x.state.TemplateData()
	config := x.engine.evaluator.ResolveConfig(step.Config, data)
	view := newStepView(x.state, stepID, data)
	start := time.Now()

	x.logger.Debug("dispatching step", "step_id", stepID, "task_type", step.Type, "step_index", index)
	x.engine.callbacks.BeforeStep(execCtx, &StepEvent{
		ExecutionID: x.state.ExecutionID,
		WorkflowID:  x.state.WorkflowID,
		StepID:      stepID,
		TaskType:    step.Type,
		StepIndex:   index,
		Config:      config,
		StartTime:   start,
	})

	x.inflight++
	go func() {
		x.outcomes <- x.engine.invokeStep(execCtx, step, config, view, index, start)
	}()
}

func (x *execution) apply(ctx, execCtx context.Context, out *stepOutcome) {
	step, res := out.step, out.result
	logger := x.logger.With("step_id", step.ID, "task_type", step.Type)

	// An interrupted step stays in the active set so a resumed run repeats it.
	if ctx.Err() != nil && !res.Success {
		logger.Info("step interrupted by shutdown", "error", res.Error)
		return
	}

	metadata := copyMap(res.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["task_type"] = step.Type
	metadata["attempts"] = out.attempts
	metadata["duration_ms"] = res.Duration.Milliseconds()
	result := &StepResult{
		Output:   res.Output,
		Success:  res.Success,
		Error:    res.Error,
		Metadata: metadata,
	}

	var next []string
	checkpointType := CheckpointStepCompleted
	if res.Success {
		vars := copyMap(res.Variables)
		if step.Store != "" {
			if vars == nil {
				vars = map[string]any{}
			}
			vars[step.Store] = deepCopy(res.Output)
		}
		if len(vars) > 0 {
			x.state.mergeVariables(vars)
			x.checkpoint(CheckpointVariableUpdated, step.ID, out.index, map[string]any{"variables": vars})
		}
		next = step.Next
		logger.Info("step completed", "duration", res.Duration, "attempts", out.attempts)
	} else {
		checkpointType = CheckpointStepFailed
		if step.ErrorHandler != "" {
			next = []string{step.ErrorHandler}
			logger.Warn("step failed; routing to error handler",
				"error", res.Error, "error_handler", step.ErrorHandler)
		} else {
			logger.Error("step failed", "error", res.Error, "attempts", out.attempts)
			x.fail(&ExecutionError{
				Type:    ClassifyError(errors.New(res.Error)).Type,
				Cause:   fmt.Sprintf("step %q failed: %s", step.ID, res.Error),
				Details: map[string]any{"step_id": step.ID},
			})
		}
	}

	x.state.recordStep(step.ID, result, next)
	x.checkpoint(checkpointType, step.ID, out.index, map[string]any{
		"result": stepResultToMap(result),
		"next":   stringsToAny(next),
	})
	if res.Success {
		x.journal("step_completed", fmt.Sprintf("step %s completed", step.ID), SeverityInfo, step.ID, out.index,
			map[string]any{"duration_ms": res.Duration.Milliseconds()})
	} else {
		x.journal("step_failed", fmt.Sprintf("step %s failed: %s", step.ID, res.Error), SeverityError, step.ID, out.index,
			map[string]any{"error": res.Error, "error_handler": step.ErrorHandler})
	}

	x.engine.callbacks.AfterStep(execCtx, &StepEvent{
		ExecutionID: x.state.ExecutionID,
		WorkflowID:  x.state.WorkflowID,
		StepID:      step.ID,
		TaskType:    step.Type,
		StepIndex:   out.index,
		Config:      out.config,
		Result:      res,
		Attempts:    out.attempts,
		StartTime:   out.startTime,
		EndTime:     out.endTime,
		Duration:    out.endTime.Sub(out.startTime),
	})

	for _, stepID := range next {
		x.dispatch(execCtx, stepID)
	}
}

func (x *execution) finish(ctx, execCtx context.Context) (*ExecutionContext, error) {
	interrupted := ctx.Err() != nil && x.failure == nil && !x.cancelRequested
	if interrupted {
		x.logger.Warn("execution interrupted; leaving it resumable",
			"current_steps", x.state.CurrentSteps, "reason", ctx.Err())
		x.checkpoint(CheckpointExecutionPaused, "", 0, map[string]any{"reason": ctx.Err().Error()})
		x.journal("execution_paused", "execution interrupted before completion", SeverityWarning, "", 0,
			map[string]any{"reason": ctx.Err().Error()})
		x.flush()
		x.afterExecution(ctx, ctx.Err())
		return x.state, ctx.Err()
	}

	if ctx.Err() == nil && x.stopping && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		x.failure = NewExecutionError(ErrorTypeTimeout,
			fmt.Sprintf("execution timed out after %s", x.engine.executionTimeout))
	}

	checkpointType := CheckpointExecutionCompleted
	var data map[string]any
	switch {
	case x.failure != nil:
		x.state.Status = ExecutionStatusFailed
		x.state.ErrorMessage = x.failure.Error()
		checkpointType = CheckpointExecutionFailed
		data = map[string]any{
			"error":      x.state.ErrorMessage,
			"error_type": ClassifyError(x.failure).Type,
		}
		x.logger.Error("execution failed", "error", x.state.ErrorMessage)
		x.journal("execution_failed", x.state.ErrorMessage, SeverityError, "", 0, nil)
	case x.cancelRequested:
		x.state.Status = ExecutionStatusCancelled
		checkpointType = CheckpointExecutionCancelled
		x.logger.Info("execution cancelled")
		x.journal("execution_cancelled", "execution cancelled", SeverityWarning, "", 0, nil)
	default:
		x.state.Status = ExecutionStatusCompleted
		x.logger.Info("execution completed", "steps", x.state.StepCount)
		x.journal("execution_completed", "execution completed", SeverityInfo, "", 0, nil)
	}
	x.state.CompletedAt = time.Now().UTC()
	x.checkpoint(checkpointType, "", 0, data)
	x.flush()
	x.afterExecution(ctx, x.failure)
	return x.state, nil
}

func (x *execution) afterExecution(ctx context.Context, err error) {
	end := time.Now()
	x.engine.callbacks.AfterExecution(x.recordCtx, &ExecutionEvent{
		ExecutionID:    x.state.ExecutionID,
		WorkflowID:     x.state.WorkflowID,
		OrganizationID: x.state.OrganizationID,
		Status:         x.state.Status,
		Resumed:        x.resumed,
		StartTime:      x.startTime,
		EndTime:        end,
		Duration:       end.Sub(x.startTime),
		StepCount:      x.state.StepCount,
		Error:          err,
	})
}

func (x *execution) snapshotDue(t CheckpointType) bool {
	interval := x.engine.snapshotInterval
	if interval <= 1 || t.IsExecutionLevel() {
		return true
	}
	if t != CheckpointStepCompleted && t != CheckpointStepFailed {
		return false
	}
	x.stepCheckpoints++
	return x.stepCheckpoints%interval == 0
}

func (x *execution) checkpoint(t CheckpointType, stepID string, index int, data map[string]any) {
	cm := x.engine.checkpoints
	if cm == nil {
		return
	}
	cp := &Checkpoint{
		ExecutionID: x.state.ExecutionID,
		Type:        t,
		StepID:      stepID,
		StepIndex:   index,
		Data:        copyMap(data),
	}
	if x.snapshotDue(t) {
		cp.ContextSnapshot = x.state.ToMap()
	}
	if err := cm.Record(x.recordCtx, cp); err != nil {
		x.logger.Error("failed to queue checkpoint", "checkpoint_type", t, "error", err)
	}
}

func (x *execution) journal(eventType, message string, severity Severity, stepID string, index int, details map[string]any) {
	cm := x.engine.checkpoints
	if cm == nil {
		return
	}
	entry := &JournalEntry{
		ExecutionID: x.state.ExecutionID,
		EventType:   eventType,
		Message:     message,
		Details:     details,
		StepID:      stepID,
		StepIndex:   index,
		Severity:    severity,
	}
	if err := cm.Journal(x.recordCtx, entry); err != nil {
		x.logger.Error("failed to queue journal entry", "event_type", eventType, "error", err)
	}
}

func (x *execution) flush() {
	cm := x.engine.checkpoints
	if cm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(x.recordCtx, x.engine.flushTimeout)
	defer cancel()
	if err := cm.Flush(ctx); err != nil {
		x.logger.Error("failed to flush checkpoints", "error", err)
	}
}
