// Package worker moves execution requests from triggers to engines through
// a queue, so any process in a deployment can run a triggered execution.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/flow"
)

// Request is the message that asks a worker to run one execution. It
// carries the definition snapshot so the worker runs exactly what was
// triggered.
type Request struct {
	ExecutionID    string          `json:"execution_id"`
	WorkflowID     string          `json:"workflow_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	Definition     json.RawMessage `json:"definition"`
	Variables      map[string]any  `json:"variables,omitempty"`
	TriggerPayload map[string]any  `json:"trigger_payload,omitempty"`
	TriggerID      string          `json:"trigger_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	Attempt        int             `json:"attempt"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// NewRequest builds a request for a new execution of def.
func NewRequest(def *flow.Definition, workflowID, organizationID string, variables, payload map[string]any) (*Request, error) {
	raw, err := def.JSON()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot definition: %w", err)
	}
	if workflowID == "" {
		workflowID = def.ID
	}
	return &Request{
		ExecutionID:    flow.NewExecutionID(),
		WorkflowID:     workflowID,
		OrganizationID: organizationID,
		Definition:     raw,
		Variables:      variables,
		TriggerPayload: payload,
		EnqueuedAt:     time.Now().UTC(),
	}, nil
}

// Validate checks the fields a worker needs.
func (r *Request) Validate() error {
	var problems []error
	if r.ExecutionID == "" {
		problems = append(problems, errors.New("execution_id is required"))
	}
	if len(r.Definition) == 0 {
		problems = append(problems, errors.New("definition is required"))
	}
	return errors.Join(problems...)
}

// ExecuteRequest converts the message into an engine request. The
// definition is decoded but not validated: an invalid definition is
// reported by the engine as a failed execution.
func (r *Request) ExecuteRequest() flow.ExecuteRequest {
	var def *flow.Definition
	if len(r.Definition) > 0 {
		var decoded flow.Definition
		if err := json.Unmarshal(r.Definition, &decoded); err == nil {
			def = &decoded
		}
	}
	return flow.ExecuteRequest{
		ExecutionID:    r.ExecutionID,
		WorkflowID:     r.WorkflowID,
		OrganizationID: r.OrganizationID,
		Definition:     def,
		Variables:      r.Variables,
		TriggerPayload: r.TriggerPayload,
	}
}

func encodeRequest(r *Request) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	return string(data), nil
}

func decodeRequest(data string) (*Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &r, nil
}
