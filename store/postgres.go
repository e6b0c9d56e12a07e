package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/flow"
	"github.com/lib/pq"
)

//go:embed postgres_schema.sql
var postgresSchema string

var terminalStatuses = []string{
	string(flow.ExecutionStatusCompleted),
	string(flow.ExecutionStatusFailed),
	string(flow.ExecutionStatusCancelled),
}

var terminalCheckpointTypes = []string{
	string(flow.CheckpointExecutionCompleted),
	string(flow.CheckpointExecutionFailed),
	string(flow.CheckpointExecutionCancelled),
}

// Postgres stores executions in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

var _ flow.Store = (*Postgres)(nil)

// NewPostgres wraps an open database. Call Migrate to create the tables.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects with the lib/pq driver, pings the server and
// applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Migrate creates the tables and indexes if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// jsonParam encodes a value for a JSONB column; empty values become NULL.
func jsonParam(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case json.RawMessage:
		if len(x) == 0 {
			return nil, nil
		}
		return string(x), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func scanJSONMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *Postgres) AppendCheckpoint(ctx context.Context, cp *flow.Checkpoint) error {
	data, err := jsonParam(cp.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint data: %w", err)
	}
	snapshot, err := jsonParam(cp.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal context snapshot: %w", err)
	}
	// A retried insert of a checkpoint that already landed is a no-op.
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO flow_checkpoints
			(id, execution_id, sequence, checkpoint_type, step_id, step_index, data, context_snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		cp.ID, cp.ExecutionID, cp.Sequence, string(cp.Type), cp.StepID, cp.StepIndex, data, snapshot, cp.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("checkpoint sequence %d already exists for %s: %w", cp.Sequence, cp.ExecutionID, err)
		}
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

func (p *Postgres) ListCheckpoints(ctx context.Context, executionID string) ([]*flow.Checkpoint, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, execution_id, sequence, checkpoint_type, step_id, step_index, data, context_snapshot, created_at
		FROM flow_checkpoints
		WHERE execution_id = $1
		ORDER BY sequence`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*flow.Checkpoint
	for rows.Next() {
		var (
			cp             flow.Checkpoint
			typ            string
			data, snapshot []byte
		)
		if err := rows.Scan(&cp.ID, &cp.ExecutionID, &cp.Sequence, &typ, &cp.StepID, &cp.StepIndex, &data, &snapshot, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.Type = flow.CheckpointType(typ)
		if cp.Data, err = scanJSONMap(data); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint data: %w", err)
		}
		if cp.ContextSnapshot, err = scanJSONMap(snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode context snapshot: %w", err)
		}
		cp.CreatedAt = cp.CreatedAt.UTC()
		out = append(out, &cp)
	}
	return out, rows.Err()
}

func (p *Postgres) LastCheckpointSequence(ctx context.Context, executionID string) (int64, error) {
	var seq int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM flow_checkpoints WHERE execution_id = $1`,
		executionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read last sequence: %w", err)
	}
	return seq, nil
}

func (p *Postgres) AppendJournal(ctx context.Context, entry *flow.JournalEntry) error {
	details, err := jsonParam(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal journal details: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO flow_journal
			(id, execution_id, event_type, message, details, step_id, step_index, severity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.ExecutionID, entry.EventType, entry.Message, details,
		entry.StepID, entry.StepIndex, string(entry.Severity), entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return nil
}

func (p *Postgres) ListJournal(ctx context.Context, executionID string) ([]*flow.JournalEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, execution_id, event_type, message, details, step_id, step_index, severity, created_at
		FROM flow_journal
		WHERE execution_id = $1
		ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []*flow.JournalEntry
	for rows.Next() {
		var (
			e        flow.JournalEntry
			severity string
			details  []byte
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.EventType, &e.Message, &details, &e.StepID, &e.StepIndex, &severity, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Severity = flow.Severity(severity)
		if e.Details, err = scanJSONMap(details); err != nil {
			return nil, fmt.Errorf("failed to decode journal details: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveState(ctx context.Context, state *flow.ExecutionState) error {
	contextJSON, err := json.Marshal(state.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal execution context: %w", err)
	}
	definition, err := jsonParam(state.Definition)
	if err != nil {
		return err
	}
	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO flow_execution_states
			(execution_id, workflow_id, organization_id, status, sequence, context, definition, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id,
			organization_id = EXCLUDED.organization_id,
			status = EXCLUDED.status,
			sequence = EXCLUDED.sequence,
			context = EXCLUDED.context,
			definition = COALESCE(EXCLUDED.definition, flow_execution_states.definition),
			updated_at = EXCLUDED.updated_at`,
		state.ExecutionID, state.WorkflowID, state.OrganizationID, string(state.Status),
		state.Sequence, string(contextJSON), definition, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to save execution state: %w", err)
	}
	return nil
}

func (p *Postgres) LoadState(ctx context.Context, executionID string) (*flow.ExecutionState, error) {
	var (
		state       flow.ExecutionState
		status      string
		contextJSON []byte
		definition  []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT execution_id, workflow_id, organization_id, status, sequence, context, definition, updated_at
		FROM flow_execution_states
		WHERE execution_id = $1`, executionID).
		Scan(&state.ExecutionID, &state.WorkflowID, &state.OrganizationID, &status, &state.Sequence, &contextJSON, &definition, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution state: %w", err)
	}
	state.Status = flow.ExecutionStatus(status)
	if state.Context, err = scanJSONMap(contextJSON); err != nil {
		return nil, fmt.Errorf("failed to decode execution context: %w", err)
	}
	if len(definition) > 0 {
		state.Definition = json.RawMessage(definition)
	}
	state.UpdatedAt = state.UpdatedAt.UTC()
	return &state, nil
}

func (p *Postgres) ListActiveExecutions(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT execution_id FROM flow_execution_states
		WHERE status <> ALL($1)
		UNION
		SELECT c.execution_id FROM flow_checkpoints c
		WHERE c.sequence = (SELECT MAX(sequence) FROM flow_checkpoints WHERE execution_id = c.execution_id)
		  AND c.checkpoint_type <> ALL($2)
		  AND NOT EXISTS (SELECT 1 FROM flow_execution_states s WHERE s.execution_id = c.execution_id)
		ORDER BY 1`,
		pq.Array(terminalStatuses), pq.Array(terminalCheckpointTypes))
	if err != nil {
		return nil, fmt.Errorf("failed to list active executions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
