package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/deepnoodle-ai/flow/retry"
)

// ErrManagerClosed is returned when recording after Close.
var ErrManagerClosed = errors.New("checkpoint manager closed")

// EventCheckpointDropped is the journal event written when a checkpoint
// could not be persisted.
const EventCheckpointDropped = "checkpoint_dropped"

// CheckpointManagerOptions configures a CheckpointManager.
type CheckpointManagerOptions struct {
	Store  Store
	Logger *slog.Logger

	// Buffer is the capacity of the write queue. Record blocks when full.
	Buffer int

	// Retry governs persistence retries. Every error is retried.
	Retry retry.Policy

	// WriteTimeout bounds each store call.
	WriteTimeout time.Duration
}

type executionMeta struct {
	workflowID     string
	organizationID string
	definition     json.RawMessage
}

type writeOp struct {
	checkpoint *Checkpoint
	journal    *JournalEntry
	begin      *beginOp
	barrier    chan struct{}
}

type beginOp struct {
	executionID string
	meta        executionMeta
}

// CheckpointManager records checkpoints and journal entries through a single
// ordered writer goroutine. Persistence failures are retried, then logged
// and journaled; they never fail an execution.
type CheckpointManager struct {
	store        Store
	logger       *slog.Logger
	policy       retry.Policy
	writeTimeout time.Duration

	ops  chan writeOp
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	// Owned by the writer goroutine.
	sequences map[string]int64
	meta      map[string]executionMeta
}

// NewCheckpointManager starts the writer goroutine. Call Close to stop it.
func NewCheckpointManager(opts CheckpointManagerOptions) (*CheckpointManager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.Policy{
			MaxRetries:  5,
			BaseWait:    50 * time.Millisecond,
			MaxWait:     2 * time.Second,
			BackoffRate: 2,
		}
	}
	opts.Retry.RetryAll = true
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	m := &CheckpointManager{
		store:        opts.Store,
		logger:       opts.Logger,
		policy:       opts.Retry,
		writeTimeout: opts.WriteTimeout,
		ops:          make(chan writeOp, opts.Buffer),
		done:         make(chan struct{}),
		sequences:    map[string]int64{},
		meta:         map[string]executionMeta{},
	}
	go m.run()
	return m, nil
}

// Store returns the underlying store.
func (m *CheckpointManager) Store() Store {
	return m.store
}

// Begin registers the identity and definition snapshot of an execution so
// they are written with its ExecutionState rows.
func (m *CheckpointManager) Begin(ctx context.Context, executionID, workflowID, organizationID string, definition json.RawMessage) error {
	return m.enqueue(ctx, writeOp{begin: &beginOp{
		executionID: executionID,
		meta: executionMeta{
			workflowID:     workflowID,
			organizationID: organizationID,
			definition:     definition,
		},
	}})
}

// Record queues a checkpoint. It returns once the checkpoint is queued; the
// write happens asynchronously and in order. The caller must not modify cp
// afterwards.
func (m *CheckpointManager) Record(ctx context.Context, cp *Checkpoint) error {
	if !cp.Type.Valid() {
		return fmt.Errorf("invalid checkpoint type %q", cp.Type)
	}
	if cp.ID == "" {
		cp.ID = NewCheckpointID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	return m.enqueue(ctx, writeOp{checkpoint: cp})
}

// Journal queues a journal entry.
func (m *CheckpointManager) Journal(ctx context.Context, entry *JournalEntry) error {
	if entry.ID == "" {
		entry.ID = NewJournalID()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return m.enqueue(ctx, writeOp{journal: entry})
}

// Flush waits until everything queued before the call has been written or
// dropped.
func (m *CheckpointManager) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if err := m.enqueue(ctx, writeOp{barrier: barrier}); err != nil {
		return err
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer.
func (m *CheckpointManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.ops)
	m.mu.Unlock()
	<-m.done
	return nil
}

func (m *CheckpointManager) enqueue(ctx context.Context, op writeOp) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	select {
	case m.ops <- op:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *CheckpointManager) run() {
	defer close(m.done)
	for op := range m.ops {
		switch {
		case op.barrier != nil:
			close(op.barrier)
		case op.begin != nil:
			m.meta[op.begin.executionID] = op.begin.meta
		case op.checkpoint != nil:
			m.writeCheckpoint(op.checkpoint)
		case op.journal != nil:
			m.writeJournal(op.journal)
		}
	}
}

func (m *CheckpointManager) withRetry(fn func(ctx context.Context) error) error {
	return m.policy.Do(context.Background(), func() error {
		ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
		defer cancel()
		return fn(ctx)
	})
}

func (m *CheckpointManager) nextSequence(executionID string) (int64, error) {
	seq, ok := m.sequences[executionID]
	if !ok {
		err := m.withRetry(func(ctx context.Context) error {
			var err error
			seq, err = m.store.LastCheckpointSequence(ctx, executionID)
			return err
		})
		if err != nil {
			return 0, err
		}
	}
	seq++
	m.sequences[executionID] = seq
	return seq, nil
}

func (m *CheckpointManager) writeCheckpoint(cp *Checkpoint) {
	logger := m.logger.With("execution_id", cp.ExecutionID, "checkpoint_type", cp.Type)
	seq, err := m.nextSequence(cp.ExecutionID)
	if err != nil {
		m.drop(cp, fmt.Errorf("read last sequence: %w", err))
		return
	}
	cp.Sequence = seq

	if err := m.withRetry(func(ctx context.Context) error {
		return m.store.AppendCheckpoint(ctx, cp)
	}); err != nil {
		m.drop(cp, err)
		return
	}

	if cp.ContextSnapshot != nil {
		meta := m.meta[cp.ExecutionID]
		state := &ExecutionState{
			ExecutionID:    cp.ExecutionID,
			WorkflowID:     asString(cp.ContextSnapshot["workflow_id"]),
			OrganizationID: asString(cp.ContextSnapshot["organization_id"]),
			Status:         ExecutionStatus(asString(cp.ContextSnapshot["status"])),
			Sequence:       cp.Sequence,
			Context:        cp.ContextSnapshot,
			Definition:     meta.definition,
			UpdatedAt:      cp.CreatedAt,
		}
		if state.WorkflowID == "" {
			state.WorkflowID = meta.workflowID
		}
		if state.OrganizationID == "" {
			state.OrganizationID = meta.organizationID
		}
		if err := m.withRetry(func(ctx context.Context) error {
			return m.store.SaveState(ctx, state)
		}); err != nil {
			// The checkpoint stream is intact; recovery replays it.
			logger.Error("failed to save execution state", "sequence", cp.Sequence, "error", err)
			m.writeJournalOnce(&JournalEntry{
				ID:          NewJournalID(),
				ExecutionID: cp.ExecutionID,
				EventType:   "state_save_failed",
				Message:     "execution state row could not be updated",
				Details:     map[string]any{"sequence": cp.Sequence, "error": err.Error()},
				Severity:    SeverityWarning,
				CreatedAt:   time.Now().UTC(),
			})
		}
	}

	logger.Debug("checkpoint written", "sequence", cp.Sequence, "step_id", cp.StepID)
	if cp.Type.IsTerminal() {
		delete(m.sequences, cp.ExecutionID)
		delete(m.meta, cp.ExecutionID)
	}
}

func (m *CheckpointManager) drop(cp *Checkpoint, err error) {
	m.logger.Error("dropping checkpoint after failed writes",
		"execution_id", cp.ExecutionID,
		"checkpoint_type", cp.Type,
		"step_id", cp.StepID,
		"error", err)
	m.writeJournalOnce(&JournalEntry{
		ID:          NewJournalID(),
		ExecutionID: cp.ExecutionID,
		EventType:   EventCheckpointDropped,
		Message:     fmt.Sprintf("checkpoint %s could not be persisted", cp.Type),
		Details: map[string]any{
			"checkpoint_type": string(cp.Type),
			"error":           err.Error(),
		},
		StepID:    cp.StepID,
		StepIndex: cp.StepIndex,
		Severity:  SeverityError,
		CreatedAt: time.Now().UTC(),
	})
}

func (m *CheckpointManager) writeJournal(entry *JournalEntry) {
	if err := m.withRetry(func(ctx context.Context) error {
		return m.store.AppendJournal(ctx, entry)
	}); err != nil {
		m.logger.Error("dropping journal entry after failed writes",
			"execution_id", entry.ExecutionID,
			"event_type", entry.EventType,
			"error", err)
	}
}

func (m *CheckpointManager) writeJournalOnce(entry *JournalEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), m.writeTimeout)
	defer cancel()
	if err := m.store.AppendJournal(ctx, entry); err != nil {
		m.logger.Error("failed to journal persistence failure",
			"execution_id", entry.ExecutionID, "error", err)
	}
}

// LoadLatest returns the most recent recoverable context of an execution.
// The state row is used when it is at least as new as the checkpoint
// stream; otherwise the stream is replayed.
func (m *CheckpointManager) LoadLatest(ctx context.Context, executionID string) (*ExecutionContext, error) {
	state, err := m.store.LoadState(ctx, executionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load execution state: %w", err)
	}
	lastSeq, err := m.store.LastCheckpointSequence(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("read last checkpoint sequence: %w", err)
	}
	if state != nil && state.Context != nil && state.Sequence >= lastSeq {
		return ContextFromMap(state.Context)
	}
	cps, err := m.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(cps) == 0 {
		if state != nil && state.Context != nil {
			return ContextFromMap(state.Context)
		}
		return nil, ErrNotFound
	}
	return Replay(cps)
}

// LoadDefinition returns the definition snapshot captured when the
// execution started.
func (m *CheckpointManager) LoadDefinition(ctx context.Context, executionID string) (*Definition, error) {
	state, err := m.store.LoadState(ctx, executionID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("load execution state: %w", err)
	}
	if state != nil && len(state.Definition) > 0 {
		return ParseDefinition(state.Definition)
	}
	cps, err := m.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	for _, cp := range cps {
		if cp.Type != CheckpointExecutionStarted {
			continue
		}
		if raw, ok := cp.Data["definition"].(map[string]any); ok {
			return DefinitionFromMap(raw)
		}
	}
	return nil, fmt.Errorf("definition snapshot for %s: %w", executionID, ErrNotFound)
}

// Replay folds a checkpoint stream into the context it describes: the
// latest snapshot plus the deltas recorded after it. It does not modify its
// input and returns equal results for equal streams.
func Replay(checkpoints []*Checkpoint) (*ExecutionContext, error) {
	sorted := append([]*Checkpoint(nil), checkpoints...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	var c *ExecutionContext
	for _, cp := range sorted {
		if cp.ContextSnapshot != nil {
			next, err := ContextFromMap(cp.ContextSnapshot)
			if err != nil {
				return nil, fmt.Errorf("checkpoint %d: %w", cp.Sequence, err)
			}
			c = next
			continue
		}
		if c == nil {
			continue
		}
		applyCheckpoint(c, cp)
	}
	if c == nil {
		return nil, fmt.Errorf("no context snapshot in checkpoint stream: %w", ErrNotFound)
	}
	return c, nil
}

func applyCheckpoint(c *ExecutionContext, cp *Checkpoint) {
	switch cp.Type {
	case CheckpointStepEntered:
		c.StepCount = max(c.StepCount, cp.StepIndex)
	case CheckpointStepCompleted, CheckpointStepFailed:
		result := &StepResult{Success: cp.Type == CheckpointStepCompleted}
		if rm, ok := cp.Data["result"].(map[string]any); ok {
			result = stepResultFromMap(rm)
		}
		next, _ := asStrings(cp.Data["next"])
		c.recordStep(cp.StepID, result, next)
	case CheckpointVariableUpdated:
		if vars, ok := cp.Data["variables"].(map[string]any); ok {
			c.mergeVariables(vars)
		}
	case CheckpointExecutionResumed, CheckpointExecutionPaused:
		c.Status = ExecutionStatusRunning
	case CheckpointExecutionCompleted:
		c.Status = ExecutionStatusCompleted
	case CheckpointExecutionFailed:
		c.Status = ExecutionStatusFailed
		c.ErrorMessage = asString(cp.Data["error"])
	case CheckpointExecutionCancelled:
		c.Status = ExecutionStatusCancelled
	}
	if cp.Type.IsTerminal() {
		c.CompletedAt = cp.CreatedAt.UTC()
	}
}
