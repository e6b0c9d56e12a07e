package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/trigger"
)

// DefinitionSource resolves the workflow a trigger points at.
type DefinitionSource interface {
	Definition(ctx context.Context, workflowID string) (*flow.Definition, error)
}

// BridgeOptions configures a Bridge. With a Queue the bridge enqueues
// requests for a Pool; without one it runs them on Executor directly.
type BridgeOptions struct {
	Definitions DefinitionSource
	Queue       Queue
	Executor    flow.Executor
	Logger      *slog.Logger
}

// Bridge turns trigger events into executions. Its HandleEvent method is a
// trigger.EventCallback.
type Bridge struct {
	definitions DefinitionSource
	queue       Queue
	executor    flow.Executor
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ trigger.EventCallback = (*Bridge)(nil).HandleEvent

func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Definitions == nil {
		return nil, fmt.Errorf("definition source is required")
	}
	if opts.Queue == nil && opts.Executor == nil {
		return nil, fmt.Errorf("a queue or an executor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		definitions: opts.Definitions,
		queue:       opts.Queue,
		executor:    opts.Executor,
		logger:      opts.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// HandleEvent starts an execution for ev and returns its id.
func (b *Bridge) HandleEvent(ctx context.Context, ev trigger.Event) (string, error) {
	def, err := b.definitions.Definition(ctx, ev.WorkflowID)
	if err != nil {
		return "", fmt.Errorf("workflow %s: %w", ev.WorkflowID, err)
	}
	req, err := NewRequest(def, ev.WorkflowID, ev.OrganizationID, nil, ev.Payload)
	if err != nil {
		return "", err
	}
	req.TriggerID = ev.TriggerID
	req.CorrelationID = ev.CorrelationID
	req.Attempt = 1

	logger := b.logger.With("execution_id", req.ExecutionID, "trigger_id", ev.TriggerID, "correlation_id", ev.CorrelationID)
	if b.queue != nil {
		if err := b.queue.Enqueue(ctx, req); err != nil {
			return "", err
		}
		logger.Info("execution request enqueued", "workflow_id", req.WorkflowID)
		return req.ExecutionID, nil
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		final, err := b.executor.Execute(b.ctx, req.ExecuteRequest())
		if err != nil {
			logger.Warn("execution did not finish", "error", err)
			return
		}
		logger.Info("execution finished", "status", final.Status)
	}()
	return req.ExecutionID, nil
}

// Wait blocks until directly started executions return.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Close pauses directly started executions and waits for them.
func (b *Bridge) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
