package trigger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Manager.
type Options struct {
	Logger *slog.Logger

	// Now is used for event timestamps. Defaults to time.Now.
	Now func() time.Time
}

type registration struct {
	trigger *Trigger
	active  bool
}

// Manager owns one handler per trigger type and the in-memory registration
// of every trigger it has been told about.
type Manager struct {
	mu            sync.Mutex
	handlers      map[Type]Handler
	registrations map[string]*registration
	callback      EventCallback
	logger        *slog.Logger
	now           func() time.Time
}

// NewManager returns a manager serving the given handlers.
func NewManager(opts Options, handlers ...Handler) (*Manager, error) {
	m := &Manager{
		handlers:      make(map[Type]Handler, len(handlers)),
		registrations: map[string]*registration{},
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.now == nil {
		m.now = time.Now
	}
	for _, h := range handlers {
		if !h.Type().Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, h.Type())
		}
		if _, exists := m.handlers[h.Type()]; exists {
			return nil, fmt.Errorf("duplicate handler for trigger type %q", h.Type())
		}
		m.handlers[h.Type()] = h
	}
	return m, nil
}

// SetEventCallback installs the callback that turns events into
// executions. It may only be set once.
func (m *Manager) SetEventCallback(cb EventCallback) error {
	if cb == nil {
		return errors.New("event callback is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.callback != nil {
		return ErrCallbackAlreadySet
	}
	m.callback = cb
	return nil
}

func (m *Manager) handler(t Type) (Handler, error) {
	h, ok := m.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, t)
	}
	return h, nil
}

// SupportedTypes returns the trigger types with a handler, sorted.
func (m *Manager) SupportedTypes() []Type {
	types := make([]Type, 0, len(m.handlers))
	for t := range m.handlers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// Test validates config for a trigger type without changing any state.
func (m *Manager) Test(ctx context.Context, t Type, config map[string]any) error {
	h, err := m.handler(t)
	if err != nil {
		return err
	}
	return h.Test(ctx, config)
}

// Start registers t and activates it with its handler. Starting an active
// trigger restarts it with the new definition. A handler failure is
// recorded on the trigger and returned; other triggers are unaffected.
func (m *Manager) Start(ctx context.Context, t *Trigger) error {
	if t == nil || t.ID == "" {
		return errors.New("trigger id is required")
	}
	h, err := m.handler(t.Type)
	if err != nil {
		m.setError(t, err)
		return err
	}

	started := t.Clone()
	var previous Handler
	m.mu.Lock()
	if reg, exists := m.registrations[t.ID]; exists {
		if reg.active {
			previous = m.handlerFor(reg.trigger)
			reg.active = false
		}
		if reg.trigger.LastTriggeredAt != nil {
			last := *reg.trigger.LastTriggeredAt
			started.LastTriggeredAt = &last
		}
		started.TriggerCount = max(started.TriggerCount, reg.trigger.TriggerCount)
	}
	m.mu.Unlock()
	if previous != nil {
		if err := previous.Stop(ctx, t.ID); err != nil {
			m.logger.Warn("failed to stop trigger before restart", "trigger_id", t.ID, "error", err)
		}
	}

	startErr := h.Start(ctx, started, m.fireFunc(t.ID))

	m.mu.Lock()
	defer m.mu.Unlock()
	reg := &registration{trigger: started, active: startErr == nil}
	if startErr != nil {
		reg.trigger.ErrorMessage = startErr.Error()
	} else {
		reg.trigger.ErrorMessage = ""
	}
	m.registrations[t.ID] = reg
	if startErr != nil {
		m.logger.Error("failed to start trigger", "trigger_id", t.ID, "trigger_type", t.Type, "error", startErr)
		return fmt.Errorf("start trigger %s: %w", t.ID, startErr)
	}
	m.logger.Info("trigger started", "trigger_id", t.ID, "trigger_type", t.Type)
	return nil
}

func (m *Manager) handlerFor(t *Trigger) Handler {
	return m.handlers[t.Type]
}

func (m *Manager) setError(t *Trigger, err error) {
	if t == nil || t.ID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[t.ID]
	if !ok {
		reg = &registration{trigger: t.Clone()}
		m.registrations[t.ID] = reg
	}
	reg.trigger.ErrorMessage = err.Error()
}

// Stop deactivates a trigger. It stays registered and can still be fired
// manually.
func (m *Manager) Stop(ctx context.Context, triggerID string) error {
	m.mu.Lock()
	reg, ok := m.registrations[triggerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	active := reg.active
	h := m.handlerFor(reg.trigger)
	reg.active = false
	m.mu.Unlock()

	if !active || h == nil {
		return nil
	}
	if err := h.Stop(ctx, triggerID); err != nil {
		m.setError(reg.trigger, err)
		return fmt.Errorf("stop trigger %s: %w", triggerID, err)
	}
	m.logger.Info("trigger stopped", "trigger_id", triggerID)
	return nil
}

// Remove stops a trigger and forgets it.
func (m *Manager) Remove(ctx context.Context, triggerID string) error {
	err := m.Stop(ctx, triggerID)
	m.mu.Lock()
	delete(m.registrations, triggerID)
	m.mu.Unlock()
	return err
}

// Sync reconciles the in-memory registrations with persisted triggers.
// Enabled triggers are started (or restarted when their definition
// changed), disabled ones are stopped and triggers missing from the list
// are removed. Errors are collected per trigger.
func (m *Manager) Sync(ctx context.Context, triggers []*Trigger) error {
	seen := make(map[string]bool, len(triggers))
	var errs []error
	for _, t := range triggers {
		seen[t.ID] = true
		m.mu.Lock()
		reg, exists := m.registrations[t.ID]
		var active, changed bool
		if exists {
			active = reg.active
			changed = definitionChanged(reg.trigger, t)
		}
		m.mu.Unlock()

		switch {
		case t.IsEnabled && (!active || changed):
			if err := m.Start(ctx, t); err != nil {
				errs = append(errs, err)
			}
		case !t.IsEnabled && exists:
			if err := m.Stop(ctx, t.ID); err != nil {
				errs = append(errs, err)
			}
			m.mu.Lock()
			reg.trigger.IsEnabled = false
			m.mu.Unlock()
		case !t.IsEnabled:
			m.mu.Lock()
			m.registrations[t.ID] = &registration{trigger: t.Clone()}
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	var stale []string
	for id := range m.registrations {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		if err := m.Remove(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// definitionChanged ignores the runtime fields and any config value the
// handler filled in on start.
func definitionChanged(current, next *Trigger) bool {
	if current.Type != next.Type || current.WorkflowID != next.WorkflowID ||
		current.OrganizationID != next.OrganizationID || current.IsEnabled != next.IsEnabled {
		return true
	}
	for k, v := range next.Config {
		if !reflect.DeepEqual(current.Config[k], v) {
			return true
		}
	}
	return false
}

func (m *Manager) fireFunc(triggerID string) FireFunc {
	return func(ctx context.Context, payload, metadata map[string]any) Result {
		return m.fire(ctx, triggerID, payload, metadata)
	}
}

// FireTrigger fires an enabled trigger on demand, whatever its type.
func (m *Manager) FireTrigger(ctx context.Context, triggerID string, payload map[string]any) Result {
	m.mu.Lock()
	reg, ok := m.registrations[triggerID]
	enabled := ok && reg.trigger.IsEnabled
	m.mu.Unlock()
	if !ok {
		return Result{Message: "trigger not found", Error: fmt.Sprintf("%s: %s", ErrNotFound, triggerID)}
	}
	if !enabled {
		return Result{Message: "trigger is disabled", Error: "trigger is disabled"}
	}
	return m.fire(ctx, triggerID, payload, map[string]any{"source": "manual"})
}

func (m *Manager) fire(ctx context.Context, triggerID string, payload, metadata map[string]any) Result {
	now := m.now().UTC()
	m.mu.Lock()
	reg, ok := m.registrations[triggerID]
	if !ok {
		m.mu.Unlock()
		return Result{Message: "trigger not found", Error: fmt.Sprintf("%s: %s", ErrNotFound, triggerID)}
	}
	cb := m.callback
	t := reg.trigger
	t.LastTriggeredAt = &now
	t.TriggerCount++
	if payload == nil {
		payload = map[string]any{}
	}
	event := Event{
		TriggerID:      t.ID,
		TriggerType:    t.Type,
		WorkflowID:     t.WorkflowID,
		OrganizationID: t.OrganizationID,
		Timestamp:      now,
		Payload:        payload,
		Metadata:       metadata,
		CorrelationID:  uuid.NewString(),
	}
	m.mu.Unlock()

	logger := m.logger.With("trigger_id", triggerID, "correlation_id", event.CorrelationID)
	if cb == nil {
		logger.Error("trigger fired without an event callback")
		return Result{Message: "no event callback set", Error: "no event callback set"}
	}
	executionID, err := cb(ctx, event)
	if err != nil {
		m.setError(t, err)
		logger.Error("failed to start execution", "error", err)
		return Result{Message: "failed to start execution", Error: err.Error()}
	}
	logger.Info("trigger fired", "execution_id", executionID)
	return Result{Success: true, Message: "execution started", ExecutionID: executionID}
}

// Get returns a copy of a registered trigger.
func (m *Manager) Get(triggerID string) (*Trigger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[triggerID]
	if !ok {
		return nil, false
	}
	return reg.trigger.Clone(), true
}

// TriggerStatus is the runtime view of one trigger.
type TriggerStatus struct {
	ID              string     `json:"id"`
	Type            Type       `json:"trigger_type"`
	WorkflowID      string     `json:"workflow_id"`
	IsEnabled       bool       `json:"is_enabled"`
	Active          bool       `json:"active"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	TriggerCount    int64      `json:"trigger_count"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// Status summarizes the manager.
type Status struct {
	SupportedTypes []Type           `json:"supported_types"`
	Active         map[Type][]string `json:"active"`
	Triggers       []TriggerStatus  `json:"triggers"`
}

// Status returns the supported types, the triggers each handler has
// active and the state of every registered trigger.
func (m *Manager) Status() Status {
	status := Status{SupportedTypes: m.SupportedTypes(), Active: map[Type][]string{}}
	for t, h := range m.handlers {
		status.Active[t] = h.Active()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, reg := range m.registrations {
		t := reg.trigger
		ts := TriggerStatus{
			ID:           t.ID,
			Type:         t.Type,
			WorkflowID:   t.WorkflowID,
			IsEnabled:    t.IsEnabled,
			Active:       reg.active,
			TriggerCount: t.TriggerCount,
			ErrorMessage: t.ErrorMessage,
		}
		if t.LastTriggeredAt != nil {
			last := *t.LastTriggeredAt
			ts.LastTriggeredAt = &last
		}
		status.Triggers = append(status.Triggers, ts)
	}
	slices.SortFunc(status.Triggers, func(a, b TriggerStatus) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return status
}

// Shutdown stops every active trigger and closes handlers that hold
// resources.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var active []string
	for id, reg := range m.registrations {
		if reg.active {
			active = append(active, id)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range active {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	for _, h := range m.handlers {
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
