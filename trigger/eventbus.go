package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// EventBusConfig is the config of an event_bus trigger.
type EventBusConfig struct {
	Channel string `json:"channel"`
}

// EventBusHandler fires on messages published to Redis channels.
type EventBusHandler struct {
	client redis.UniversalClient

	mu     sync.Mutex
	active map[string]*subscription
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewEventBusHandler(client redis.UniversalClient) *EventBusHandler {
	return &EventBusHandler{client: client, active: map[string]*subscription{}}
}

func (h *EventBusHandler) Type() Type { return TypeEventBus }

func parseEventBusConfig(config map[string]any) (*EventBusConfig, error) {
	var cfg EventBusConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Channel == "" {
		return nil, invalidConfig("channel is required")
	}
	return &cfg, nil
}

func (h *EventBusHandler) Test(ctx context.Context, config map[string]any) error {
	_, err := parseEventBusConfig(config)
	return err
}

func (h *EventBusHandler) Start(ctx context.Context, t *Trigger, fire FireFunc) error {
	cfg, err := parseEventBusConfig(t.Config)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[t.ID]; ok {
		return fmt.Errorf("trigger %s is already subscribed", t.ID)
	}

	pubsub := h.client.Subscribe(ctx, cfg.Channel)
	// Wait for the subscription so no message published after Start is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", cfg.Channel, err)
	}
	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	h.active[t.ID] = sub

	fireCtx := context.WithoutCancel(ctx)
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var payload map[string]any
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil || payload == nil {
				payload = map[string]any{"message": msg.Payload}
			}
			fire(fireCtx, payload, map[string]any{"source": "event_bus", "channel": msg.Channel})
		}
	}()
	return nil
}

func (h *EventBusHandler) Stop(ctx context.Context, triggerID string) error {
	h.mu.Lock()
	sub, ok := h.active[triggerID]
	delete(h.active, triggerID)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	err := sub.pubsub.Close()
	<-sub.done
	return err
}

func (h *EventBusHandler) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make(activeSet, len(h.active))
	for id := range h.active {
		ids[id] = struct{}{}
	}
	return ids.ids()
}
