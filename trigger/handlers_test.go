package trigger

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestScheduleTest(t *testing.T) {
	h := NewScheduleHandler()
	defer h.Close()
	ctx := context.Background()

	require.NoError(t, h.Test(ctx, map[string]any{"cron": "0 9 * * MON"}))
	require.NoError(t, h.Test(ctx, map[string]any{"cron": "*/5 * * * *", "timezone": "Europe/Berlin"}))
	require.NoError(t, h.Test(ctx, map[string]any{"cron": "@hourly"}))

	err := h.Test(ctx, map[string]any{"cron": "not a cron"})
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.NotEmpty(t, err.Error())

	require.ErrorIs(t, h.Test(ctx, map[string]any{}), ErrInvalidConfig)
	require.ErrorIs(t, h.Test(ctx, map[string]any{"cron": "0 9 * * * *"}), ErrInvalidConfig, "six fields are rejected")
	require.ErrorIs(t, h.Test(ctx, map[string]any{"cron": "0 9 * * *", "timezone": "Mars/Olympus"}), ErrInvalidConfig)
	require.Empty(t, h.Active(), "test does not register anything")
}

func TestScheduleNextRunHonorsTimezone(t *testing.T) {
	h := NewScheduleHandler()
	defer h.Close()
	ctx := context.Background()

	tr := &Trigger{ID: "s1", Type: TypeSchedule, Config: map[string]any{"cron": "0 9 * * MON", "timezone": "America/New_York"}}
	require.NoError(t, h.Start(ctx, tr, func(context.Context, map[string]any, map[string]any) Result { return Result{} }))
	require.Equal(t, []string{"s1"}, h.Active())

	next, ok := h.Next("s1")
	require.True(t, ok)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	local := next.In(ny)
	require.Equal(t, time.Monday, local.Weekday())
	require.Equal(t, 9, local.Hour())
	require.Equal(t, 0, local.Minute())
	require.True(t, next.After(time.Now()))

	require.NoError(t, h.Stop(ctx, "s1"))
	_, ok = h.Next("s1")
	require.False(t, ok)
	require.ErrorIs(t, h.Stop(ctx, "s1"), ErrNotFound)
}

func TestScheduleFires(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the scheduler")
	}
	ctx := context.Background()
	m, rec := newTestManager(t, NewScheduleHandler())
	require.NoError(t, m.Start(ctx, &Trigger{ID: "tick", Type: TypeSchedule, IsEnabled: true, Config: map[string]any{"cron": "@every 1s"}}))

	ev := rec.wait(t)
	require.Equal(t, "tick", ev.TriggerID)
	require.Equal(t, "schedule", ev.Metadata["source"])
	require.Equal(t, "trigger_tick", ev.Metadata["job"])
	require.NotEmpty(t, ev.Payload["scheduled_at"])
}

func TestAPIPollFiresOnChange(t *testing.T) {
	var version atomic.Int64
	version.Store(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"version":%d}`, version.Load())
	}))
	defer srv.Close()

	ctx := context.Background()
	h := NewAPIPollHandler(srv.Client(), nil)
	m, rec := newTestManager(t, h)
	require.NoError(t, m.Start(ctx, &Trigger{ID: "poll", Type: TypeAPIPoll, IsEnabled: true, Config: map[string]any{
		"url":              srv.URL,
		"headers":          map[string]any{"Authorization": "token"},
		"interval_seconds": 0.02,
	}}))

	// The first poll sets the baseline without firing.
	select {
	case <-rec.ch:
		t.Fatal("fired before the response changed")
	case <-time.After(100 * time.Millisecond):
	}

	version.Store(2)
	ev := rec.wait(t)
	require.Equal(t, "poll", ev.TriggerID)
	require.Equal(t, map[string]any{"version": 2.0}, ev.Payload["body"])
	require.Equal(t, 200, ev.Payload["status_code"])
	require.NotEqual(t, ev.Payload["hash"], ev.Payload["previous_hash"])

	require.NoError(t, m.Stop(ctx, "poll"))
	require.Empty(t, h.Active())
}

func TestAPIPollTest(t *testing.T) {
	h := NewAPIPollHandler(nil, nil)
	ctx := context.Background()
	require.NoError(t, h.Test(ctx, map[string]any{"url": "https://example.com/status"}))
	require.ErrorIs(t, h.Test(ctx, map[string]any{"url": "example.com"}), ErrInvalidConfig)
	require.ErrorIs(t, h.Test(ctx, map[string]any{"url": "https://example.com", "interval_seconds": -1}), ErrInvalidConfig)
	require.ErrorIs(t, h.Test(ctx, map[string]any{"url": "https://example.com", "fire_on": "sometimes"}), ErrInvalidConfig)
}

func TestFileWatch(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	h := NewFileWatchHandler(nil)
	m, rec := newTestManager(t, h)
	require.NoError(t, m.Start(ctx, &Trigger{ID: "files", Type: TypeFileWatch, IsEnabled: true, Config: map[string]any{
		"path":    dir,
		"events":  []any{"create"},
		"pattern": "*.csv",
	}}))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.csv"), []byte("a,b"), 0o644))

	ev := rec.wait(t)
	require.Equal(t, "report.csv", ev.Payload["name"])
	require.Equal(t, "create", ev.Payload["event"])
	require.Equal(t, filepath.Join(dir, "report.csv"), ev.Payload["path"])

	require.NoError(t, m.Stop(ctx, "files"))
	require.Empty(t, h.Active())

	require.ErrorIs(t, h.Test(ctx, map[string]any{}), ErrInvalidConfig)
	require.ErrorIs(t, h.Test(ctx, map[string]any{"path": dir, "events": []any{"explode"}}), ErrInvalidConfig)
	require.ErrorIs(t, h.Test(ctx, map[string]any{"path": dir, "pattern": "["}), ErrInvalidConfig)

	err := m.Start(ctx, &Trigger{ID: "gone", Type: TypeFileWatch, IsEnabled: true, Config: map[string]any{"path": filepath.Join(dir, "missing")}})
	require.Error(t, err)
}

func TestEventBus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	h := NewEventBusHandler(client)
	m, rec := newTestManager(t, h)
	require.NoError(t, m.Start(ctx, &Trigger{ID: "bus", Type: TypeEventBus, IsEnabled: true, Config: map[string]any{"channel": "orders"}}))

	require.NoError(t, client.Publish(ctx, "orders", `{"order_id":"o-1"}`).Err())
	ev := rec.wait(t)
	require.Equal(t, map[string]any{"order_id": "o-1"}, ev.Payload)
	require.Equal(t, "orders", ev.Metadata["channel"])

	require.NoError(t, client.Publish(ctx, "orders", "plain").Err())
	require.Equal(t, map[string]any{"message": "plain"}, rec.wait(t).Payload)

	require.NoError(t, m.Stop(ctx, "bus"))
	require.Empty(t, h.Active())
	require.ErrorIs(t, h.Test(ctx, map[string]any{}), ErrInvalidConfig)
}
