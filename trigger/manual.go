package trigger

import (
	"context"
	"fmt"
	"sync"
)

// ManualHandler has nothing to listen to; its triggers fire only through
// Manager.FireTrigger.
type ManualHandler struct {
	mu     sync.Mutex
	active activeSet
}

func NewManualHandler() *ManualHandler {
	return &ManualHandler{active: activeSet{}}
}

func (h *ManualHandler) Type() Type { return TypeManual }

func (h *ManualHandler) Test(ctx context.Context, config map[string]any) error {
	return nil
}

func (h *ManualHandler) Start(ctx context.Context, t *Trigger, fire FireFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[t.ID] = struct{}{}
	return nil
}

func (h *ManualHandler) Stop(ctx context.Context, triggerID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[triggerID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	delete(h.active, triggerID)
	return nil
}

func (h *ManualHandler) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active.ids()
}
