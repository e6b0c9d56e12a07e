package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Executor runs or resumes executions. *Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecutionContext, error)
}

var _ Executor = (*Engine)(nil)

// RecoveryResult reports what happened to one candidate execution.
type RecoveryResult struct {
	ExecutionID string `json:"execution_id"`
	Recovered   bool   `json:"recovered"`
	Reason      string `json:"reason,omitempty"`
}

// RecoveryOptions configures a RecoveryService.
type RecoveryOptions struct {
	Checkpoints *CheckpointManager
	Executor    Executor
	Leases      Lease
	Logger      *slog.Logger

	// Owner names this node in lease tokens. Keep it stable across restarts
	// and unique among running processes.
	Owner string

	// LeaseTTL is the lease lifetime; it is renewed at a third of it while
	// the resumed execution runs.
	LeaseTTL time.Duration
}

// RecoveryService resumes executions left running by a process that went
// away.
type RecoveryService struct {
	checkpoints *CheckpointManager
	executor    Executor
	leases      Lease
	logger      *slog.Logger
	owner       string
	leaseTTL    time.Duration

	wg sync.WaitGroup
}

func NewRecoveryService(opts RecoveryOptions) (*RecoveryService, error) {
	if opts.Checkpoints == nil {
		return nil, fmt.Errorf("checkpoint manager is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if opts.Leases == nil {
		return nil, fmt.Errorf("lease is required")
	}
	if opts.Owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	return &RecoveryService{
		checkpoints: opts.Checkpoints,
		executor:    opts.Executor,
		leases:      opts.Leases,
		logger:      opts.Logger,
		owner:       opts.Owner,
		leaseTTL:    opts.LeaseTTL,
	}, nil
}

// RecoverAll finds every non-terminal execution and resumes those no other
// owner is working on. Resumed executions run in the background under ctx;
// use Wait to block until they finish.
func (r *RecoveryService) RecoverAll(ctx context.Context) ([]RecoveryResult, error) {
	ids, err := r.checkpoints.Store().ListActiveExecutions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active executions: %w", err)
	}
	r.logger.Info("recovering executions", "candidates", len(ids))
	results := make([]RecoveryResult, 0, len(ids))
	for _, id := range ids {
		result := r.recover(ctx, id)
		if result.Recovered {
			r.logger.Info("execution resumed", "execution_id", id)
		} else {
			r.logger.Info("execution not recovered", "execution_id", id, "reason", result.Reason)
		}
		results = append(results, result)
	}
	return results, nil
}

// Recover resumes a single execution.
func (r *RecoveryService) Recover(ctx context.Context, executionID string) RecoveryResult {
	return r.recover(ctx, executionID)
}

// Wait blocks until every execution resumed by this service has returned.
func (r *RecoveryService) Wait() {
	r.wg.Wait()
}

func (r *RecoveryService) recover(ctx context.Context, executionID string) RecoveryResult {
	result := RecoveryResult{ExecutionID: executionID}
	key := LeaseKey(executionID)
	token := NewLeaseToken(r.owner)

	acquired, holder, err := AcquireLease(ctx, r.leases, key, token, r.leaseTTL)
	if err != nil {
		result.Reason = fmt.Sprintf("acquire lease: %v", err)
		return result
	}
	if !acquired {
		result.Reason = fmt.Sprintf("lease held by %s", LeaseOwner(holder))
		return result
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.leases.Release(releaseCtx, key, token); err != nil {
			r.logger.Warn("failed to release lease", "execution_id", executionID, "error", err)
		}
	}

	state, err := r.checkpoints.LoadLatest(ctx, executionID)
	if err != nil {
		release()
		result.Reason = fmt.Sprintf("load latest context: %v", err)
		return result
	}
	if state.Status.IsTerminal() {
		release()
		result.Reason = fmt.Sprintf("execution already %s", state.Status)
		return result
	}
	def, err := r.checkpoints.LoadDefinition(ctx, executionID)
	if err != nil {
		release()
		result.Reason = fmt.Sprintf("load definition: %v", err)
		return result
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go KeepAlive(runCtx, r.leases, key, token, r.leaseTTL, r.logger, cancel)

		final, err := r.executor.Execute(runCtx, ExecuteRequest{
			ExecutionID:    executionID,
			WorkflowID:     state.WorkflowID,
			OrganizationID: state.OrganizationID,
			Definition:     def,
			Resume:         state,
		})
		switch {
		case err != nil:
			r.logger.Warn("resumed execution did not finish", "execution_id", executionID, "error", err)
		default:
			r.logger.Info("resumed execution finished", "execution_id", executionID, "status", final.Status)
		}
	}()
	result.Recovered = true
	return result
}
