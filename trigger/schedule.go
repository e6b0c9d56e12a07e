package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig is the config of a schedule trigger.
type ScheduleConfig struct {
	// Cron is a five field expression. Month and day names and the
	// @hourly style descriptors are accepted.
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a schedule config and returns its schedule.
func ParseSchedule(config map[string]any) (cron.Schedule, error) {
	var cfg ScheduleConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Cron == "" {
		return nil, invalidConfig("cron is required")
	}
	schedule, err := cronParser.Parse(cfg.Cron)
	if err != nil {
		return nil, invalidConfig("invalid cron expression %q: %v", cfg.Cron, err)
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, invalidConfig("invalid timezone %q: %v", cfg.Timezone, err)
		}
	}
	if spec, ok := schedule.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return schedule, nil
}

func jobKey(triggerID string) string {
	return "trigger_" + triggerID
}

// ScheduleHandler fires triggers on cron schedules.
type ScheduleHandler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewScheduleHandler returns a handler with its own running scheduler.
// Close stops the scheduler.
func NewScheduleHandler() *ScheduleHandler {
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC))
	c.Start()
	return &ScheduleHandler{cron: c, entries: map[string]cron.EntryID{}}
}

func (h *ScheduleHandler) Type() Type { return TypeSchedule }

func (h *ScheduleHandler) Test(ctx context.Context, config map[string]any) error {
	_, err := ParseSchedule(config)
	return err
}

func (h *ScheduleHandler) Start(ctx context.Context, t *Trigger, fire FireFunc) error {
	schedule, err := ParseSchedule(t.Config)
	if err != nil {
		return err
	}
	key := jobKey(t.ID)
	job := cron.FuncJob(func() {
		fire(context.Background(), map[string]any{
			"scheduled_at": time.Now().UTC().Format(time.RFC3339),
		}, map[string]any{"source": "schedule", "job": key})
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.entries[key]; ok {
		h.cron.Remove(id)
	}
	h.entries[key] = h.cron.Schedule(schedule, job)
	return nil
}

func (h *ScheduleHandler) Stop(ctx context.Context, triggerID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := jobKey(triggerID)
	id, ok := h.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, triggerID)
	}
	h.cron.Remove(id)
	delete(h.entries, key)
	return nil
}

func (h *ScheduleHandler) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make(activeSet, len(h.entries))
	for key := range h.entries {
		ids[strings.TrimPrefix(key, "trigger_")] = struct{}{}
	}
	return ids.ids()
}

// Next returns when an active trigger fires next.
func (h *ScheduleHandler) Next(triggerID string) (time.Time, bool) {
	h.mu.Lock()
	id, ok := h.entries[jobKey(triggerID)]
	h.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	entry := h.cron.Entry(id)
	if !entry.Valid() {
		return time.Time{}, false
	}
	return entry.Next, true
}

// Close stops the scheduler and waits for running jobs.
func (h *ScheduleHandler) Close() error {
	<-h.cron.Stop().Done()
	return nil
}
