// Package trigger turns external events into execution requests. Each
// trigger type is served by one Handler; the Manager owns the handlers and
// hands every firing to a single event callback.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.jetify.com/typeid"
)

// Type names a kind of trigger.
type Type string

const (
	TypeWebhook   Type = "webhook"
	TypeSchedule  Type = "schedule"
	TypeFileWatch Type = "file_watch"
	TypeEmail     Type = "email"
	TypeDBChange  Type = "db_change"
	TypeAPIPoll   Type = "api_poll"
	TypeEventBus  Type = "event_bus"
	TypeManual    Type = "manual"
)

// Types lists every trigger type, including the ones without a handler.
func Types() []Type {
	return []Type{TypeWebhook, TypeSchedule, TypeFileWatch, TypeEmail, TypeDBChange, TypeAPIPoll, TypeEventBus, TypeManual}
}

// Valid reports whether t is a known trigger type.
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

var (
	ErrUnsupportedType     = errors.New("unsupported trigger type")
	ErrNotFound            = errors.New("trigger not found")
	ErrCallbackAlreadySet  = errors.New("event callback already set")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrTimestampOutOfRange = errors.New("webhook timestamp outside tolerance")
	ErrReplay              = errors.New("webhook delivery already seen")
	ErrMethodNotAllowed    = errors.New("method not allowed")
	ErrInvalidConfig       = errors.New("invalid trigger config")
)

// NewID returns a new trigger identifier.
func NewID() string {
	id, err := typeid.WithPrefix("trg")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Trigger is a configured source of execution requests.
type Trigger struct {
	ID              string         `json:"id" yaml:"id"`
	OrganizationID  string         `json:"organization_id,omitempty" yaml:"organization_id"`
	WorkflowID      string         `json:"workflow_id" yaml:"workflow_id"`
	Name            string         `json:"name,omitempty" yaml:"name"`
	Type            Type           `json:"trigger_type" yaml:"trigger_type"`
	IsEnabled       bool           `json:"is_enabled" yaml:"is_enabled"`
	Config          map[string]any `json:"config,omitempty" yaml:"config"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty" yaml:"-"`
	TriggerCount    int64          `json:"trigger_count" yaml:"-"`
	ErrorMessage    string         `json:"error_message,omitempty" yaml:"-"`
}

// Clone returns a copy of t that shares no maps with it.
func (t *Trigger) Clone() *Trigger {
	c := *t
	c.Config = cloneMap(t.Config)
	if t.LastTriggeredAt != nil {
		ts := *t.LastTriggeredAt
		c.LastTriggeredAt = &ts
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch v := v.(type) {
		case map[string]any:
			out[k] = cloneMap(v)
		case []any:
			out[k] = append([]any(nil), v...)
		default:
			out[k] = v
		}
	}
	return out
}

// Event is what a handler produces when its trigger fires.
type Event struct {
	TriggerID      string         `json:"trigger_id"`
	TriggerType    Type           `json:"trigger_type"`
	WorkflowID     string         `json:"workflow_id"`
	OrganizationID string         `json:"organization_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Payload        map[string]any `json:"payload"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CorrelationID  string         `json:"correlation_id"`
}

// Result reports the outcome of a firing.
type Result struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// EventCallback starts an execution for an event and returns its id.
type EventCallback func(ctx context.Context, event Event) (executionID string, err error)

// FireFunc is handed to a handler when a trigger starts. Calling it fires
// the trigger.
type FireFunc func(ctx context.Context, payload, metadata map[string]any) Result

// Handler serves one trigger type. Start moves a trigger from registered
// to active and Stop moves it back. Test validates a config without
// changing any state.
type Handler interface {
	Type() Type

	// Start begins listening for t. The handler may fill in missing config
	// values, such as a generated webhook secret, by writing to t.Config.
	Start(ctx context.Context, t *Trigger, fire FireFunc) error

	Stop(ctx context.Context, triggerID string) error
	Test(ctx context.Context, config map[string]any) error

	// Active returns the ids of the triggers currently listening.
	Active() []string
}

// decodeConfig copies a trigger config into a typed struct.
func decodeConfig(config map[string]any, out any) error {
	if config == nil {
		config = map[string]any{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// activeSet is a set of trigger ids.
type activeSet map[string]struct{}

func (a activeSet) ids() []string {
	return slices.Sorted(maps.Keys(a))
}
