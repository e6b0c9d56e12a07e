package flow

import (
	"encoding/json"
	"time"
)

// CheckpointType is the closed set of recorded engine transitions.
type CheckpointType string

const (
	CheckpointExecutionStarted   CheckpointType = "execution_started"
	CheckpointStepEntered        CheckpointType = "step_entered"
	CheckpointStepCompleted      CheckpointType = "step_completed"
	CheckpointStepFailed         CheckpointType = "step_failed"
	CheckpointVariableUpdated    CheckpointType = "variable_updated"
	CheckpointExecutionPaused    CheckpointType = "execution_paused"
	CheckpointExecutionResumed   CheckpointType = "execution_resumed"
	CheckpointExecutionCompleted CheckpointType = "execution_completed"
	CheckpointExecutionFailed    CheckpointType = "execution_failed"
	CheckpointExecutionCancelled CheckpointType = "execution_cancelled"
)

var checkpointTypes = map[CheckpointType]bool{
	CheckpointExecutionStarted:   true,
	CheckpointStepEntered:        true,
	CheckpointStepCompleted:      true,
	CheckpointStepFailed:         true,
	CheckpointVariableUpdated:    true,
	CheckpointExecutionPaused:    true,
	CheckpointExecutionResumed:   true,
	CheckpointExecutionCompleted: true,
	CheckpointExecutionFailed:    true,
	CheckpointExecutionCancelled: true,
}

func (t CheckpointType) Valid() bool {
	return checkpointTypes[t]
}

// IsTerminal reports whether the checkpoint ends an execution.
func (t CheckpointType) IsTerminal() bool {
	switch t {
	case CheckpointExecutionCompleted, CheckpointExecutionFailed, CheckpointExecutionCancelled:
		return true
	}
	return false
}

// IsExecutionLevel reports whether the checkpoint describes the execution
// as a whole rather than a single step.
func (t CheckpointType) IsExecutionLevel() bool {
	switch t {
	case CheckpointStepEntered, CheckpointStepCompleted, CheckpointStepFailed, CheckpointVariableUpdated:
		return false
	}
	return true
}

// Checkpoint is an immutable record of one engine transition. Sequence is
// assigned on write and is strictly increasing per execution.
type Checkpoint struct {
	ID              string         `json:"id"`
	ExecutionID     string         `json:"execution_id"`
	Sequence        int64          `json:"sequence"`
	Type            CheckpointType `json:"checkpoint_type"`
	StepID          string         `json:"step_id,omitempty"`
	StepIndex       int            `json:"step_index"`
	Data            map[string]any `json:"data,omitempty"`
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Severity of a journal entry.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// JournalEntry is a human-facing event in an execution's history.
type JournalEntry struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	EventType   string         `json:"event_type"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	StepIndex   int            `json:"step_index,omitempty"`
	Severity    Severity       `json:"severity"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ExecutionState is the latest known snapshot of an execution, overwritten
// in place. It is the fast path for recovery.
type ExecutionState struct {
	ExecutionID    string          `json:"execution_id"`
	WorkflowID     string          `json:"workflow_id"`
	OrganizationID string          `json:"organization_id"`
	Status         ExecutionStatus `json:"status"`
	Sequence       int64           `json:"sequence"`
	Context        map[string]any  `json:"context"`
	Definition     json.RawMessage `json:"definition,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (cp *Checkpoint) clone() *Checkpoint {
	c := *cp
	c.Data = copyMap(cp.Data)
	c.ContextSnapshot = copyMap(cp.ContextSnapshot)
	return &c
}

func (e *JournalEntry) clone() *JournalEntry {
	c := *e
	c.Details = copyMap(e.Details)
	return &c
}

func (s *ExecutionState) clone() *ExecutionState {
	c := *s
	c.Context = copyMap(s.Context)
	c.Definition = append(json.RawMessage(nil), s.Definition...)
	return &c
}
