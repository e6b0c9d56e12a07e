package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/flow"
	"golang.org/x/sync/errgroup"
)

// PoolOptions configures a Pool.
type PoolOptions struct {
	Queue    Queue
	Executor flow.Executor
	Leases   flow.Lease

	// Checkpoints, when set, lets a redelivered request resume from its
	// persisted state instead of starting over.
	Checkpoints *flow.CheckpointManager

	// Owner names this node in lease tokens. Keep it stable across restarts
	// and unique among running processes.
	Owner string

	// Concurrency is the number of consumers. Default 4.
	Concurrency int

	// LeaseTTL is the execution lease lifetime. Default 30s.
	LeaseTTL time.Duration

	Logger *slog.Logger
}

// Pool consumes execution requests and runs them, holding an execution
// lease for the duration of each run.
type Pool struct {
	queue       Queue
	executor    flow.Executor
	leases      flow.Lease
	checkpoints *flow.CheckpointManager
	owner       string
	concurrency int
	leaseTTL    time.Duration
	logger      *slog.Logger

	processed atomic.Int64
	skipped   atomic.Int64
}

func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is required")
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
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{
		queue:       opts.Queue,
		executor:    opts.Executor,
		leases:      opts.Leases,
		checkpoints: opts.Checkpoints,
		owner:       opts.Owner,
		concurrency: opts.Concurrency,
		leaseTTL:    opts.LeaseTTL,
		logger:      opts.Logger,
	}, nil
}

// Run consumes until ctx ends or the queue is closed. Executions still
// running when ctx ends are paused and left unacknowledged.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", "concurrency", p.concurrency, "owner", p.owner)
	g, gctx := errgroup.WithContext(ctx)
	for i := range p.concurrency {
		g.Go(func() error {
			return p.consume(gctx, i)
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped", "processed", p.processed.Load())
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Processed returns how many requests ran to a result.
func (p *Pool) Processed() int64 { return p.processed.Load() }

// Skipped returns how many requests were acknowledged without running.
func (p *Pool) Skipped() int64 { return p.skipped.Load() }

func (p *Pool) consume(ctx context.Context, consumer int) error {
	logger := p.logger.With("consumer", consumer)
	for {
		d, err := p.queue.Dequeue(ctx)
		switch {
		case err == nil:
			p.handle(ctx, d)
		case ctx.Err() != nil, errors.Is(err, ErrQueueClosed):
			return nil
		default:
			logger.Error("failed to dequeue", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

func (p *Pool) ack(ctx context.Context, d *Delivery) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.queue.Ack(ackCtx, d); err != nil {
		p.logger.Error("failed to ack request", "execution_id", d.Request.ExecutionID, "error", err)
	}
}

func (p *Pool) skip(ctx context.Context, d *Delivery, logger *slog.Logger, reason string) {
	logger.Info("skipping request", "reason", reason)
	p.skipped.Add(1)
	p.ack(ctx, d)
}

func (p *Pool) handle(ctx context.Context, d *Delivery) {
	req := d.Request
	logger := p.logger.With("execution_id", req.ExecutionID, "workflow_id", req.WorkflowID)
	if err := req.Validate(); err != nil {
		p.skip(ctx, d, logger, fmt.Sprintf("invalid request: %v", err))
		return
	}

	key := flow.LeaseKey(req.ExecutionID)
	token := flow.NewLeaseToken(p.owner)
	acquired, holder, err := flow.AcquireLease(ctx, p.leases, key, token, p.leaseTTL)
	if err != nil {
		// Left unacknowledged; a reliable queue redelivers it.
		logger.Error("failed to acquire lease", "error", err)
		return
	}
	if !acquired {
		// The holder runs or resumes the execution itself.
		p.skip(ctx, d, logger, fmt.Sprintf("lease held by %s", flow.LeaseOwner(holder)))
		return
	}
	// Release is scoped to token, so it never drops another holder's lease.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.leases.Release(releaseCtx, key, token); err != nil {
			logger.Warn("failed to release lease", "error", err)
		}
	}()

	execReq := req.ExecuteRequest()
	if p.checkpoints != nil {
		latest, err := p.checkpoints.LoadLatest(ctx, req.ExecutionID)
		switch {
		case err == nil && latest.Status.IsTerminal():
			p.skip(ctx, d, logger, fmt.Sprintf("execution already %s", latest.Status))
			return
		case err == nil:
			logger.Info("resuming redelivered execution", "attempt", req.Attempt)
			execReq.Resume = latest
		case errors.Is(err, flow.ErrNotFound):
		default:
			logger.Error("failed to load execution state", "error", err)
			return
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	go flow.KeepAlive(runCtx, p.leases, key, token, p.leaseTTL, logger, cancel)
	final, err := p.executor.Execute(runCtx, execReq)
	cancel()

	switch {
	case err == nil:
		logger.Info("execution finished", "status", final.Status, "steps", final.StepCount)
		p.processed.Add(1)
		p.ack(ctx, d)
	case ctx.Err() != nil:
		logger.Info("execution paused by shutdown")
	case errors.Is(err, flow.ErrExecutionRunning):
		p.skip(ctx, d, logger, "already running in this process")
	case runCtx.Err() != nil:
		holder, _ := p.leases.Holder(context.WithoutCancel(ctx), key)
		if holder == "" || holder == token {
			// Nobody took over; redelivery resumes it.
			logger.Warn("execution stopped after failing to renew its lease", "error", err)
			return
		}
		logger.Warn("execution stopped after losing its lease", "holder", flow.LeaseOwner(holder), "error", err)
		p.skipped.Add(1)
		p.ack(ctx, d)
	default:
		logger.Error("execution rejected", "error", err)
		p.skipped.Add(1)
		p.ack(ctx, d)
	}
}
