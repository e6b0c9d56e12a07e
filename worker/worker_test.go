package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/lease"
	"github.com/deepnoodle-ai/flow/task"
	"github.com/deepnoodle-ai/flow/trigger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const greetDefinition = `{
	"id": "greet",
	"entry_point": "hello",
	"steps": [
		{"id": "hello", "type": "echo", "config": {"value": "{{ variables.trigger.name }}"}}
	]
}`

type fixture struct {
	engine *flow.Engine
	store  *flow.MemoryStore
	cm     *flow.CheckpointManager
	defs   *Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	echo := task.NewFunc(task.Metadata{Type: "echo", Family: task.FamilyControl},
		func(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
			return task.Succeeded(config["value"]), nil
		})
	registry, err := task.NewRegistry(echo)
	require.NoError(t, err)

	store := flow.NewMemoryStore()
	cm, err := flow.NewCheckpointManager(flow.CheckpointManagerOptions{Store: store})
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })

	engine, err := flow.NewEngine(flow.EngineOptions{Registry: registry, Checkpoints: cm})
	require.NoError(t, err)

	def, err := flow.ParseDefinition([]byte(greetDefinition))
	require.NoError(t, err)
	return &fixture{engine: engine, store: store, cm: cm, defs: NewCatalog(def)}
}

func (f *fixture) latest(t *testing.T, executionID string) *flow.ExecutionContext {
	t.Helper()
	latest, err := f.cm.LoadLatest(context.Background(), executionID)
	require.NoError(t, err)
	return latest
}

func event(name string) trigger.Event {
	return trigger.Event{
		TriggerID:     "trg_1",
		TriggerType:   trigger.TypeManual,
		WorkflowID:    "greet",
		Timestamp:     time.Now(),
		Payload:       map[string]any{"name": name},
		CorrelationID: "corr_" + name,
	}
}

func startPool(t *testing.T, opts PoolOptions) (*Pool, context.CancelFunc, <-chan error) {
	t.Helper()
	pool, err := NewPool(opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- pool.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return pool, cancel, done
}

func TestRequest(t *testing.T) {
	def, err := flow.ParseDefinition([]byte(greetDefinition))
	require.NoError(t, err)
	req, err := NewRequest(def, "", "org", map[string]any{"a": 1}, map[string]any{"name": "ada"})
	require.NoError(t, err)
	require.Equal(t, "greet", req.WorkflowID)
	require.NotEmpty(t, req.ExecutionID)
	require.NoError(t, req.Validate())

	encoded, err := encodeRequest(req)
	require.NoError(t, err)
	decoded, err := decodeRequest(encoded)
	require.NoError(t, err)
	require.Equal(t, req.ExecutionID, decoded.ExecutionID)
	require.JSONEq(t, string(req.Definition), string(decoded.Definition))

	execReq := decoded.ExecuteRequest()
	require.Equal(t, "hello", execReq.Definition.EntryPoint)
	require.Equal(t, map[string]any{"name": "ada"}, execReq.TriggerPayload)

	bad := &Request{ExecutionID: "exec_1", Definition: json.RawMessage(`"not a definition"`)}
	require.Nil(t, bad.ExecuteRequest().Definition)
	require.Error(t, (&Request{}).Validate())
}

func TestMemoryQueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	for _, id := range []string{"exec_1", "exec_2"} {
		require.NoError(t, q.Enqueue(ctx, &Request{ExecutionID: id, Definition: json.RawMessage(`{}`)}))
	}
	require.Error(t, q.Enqueue(ctx, &Request{}))
	require.Equal(t, 2, q.Len())

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "exec_1", d.Request.ExecutionID)
	require.Equal(t, 1, q.Pending())
	require.NoError(t, q.Ack(ctx, d))
	require.Equal(t, 0, q.Pending())

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	d, err = q.Dequeue(timeout)
	require.NoError(t, err)
	require.Equal(t, "exec_2", d.Request.ExecutionID)
	_, err = q.Dequeue(timeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Close())
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrQueueClosed)
	require.ErrorIs(t, q.Enqueue(ctx, &Request{ExecutionID: "exec_3", Definition: json.RawMessage(`{}`)}), ErrQueueClosed)
}

func TestRedisQueueRedelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	q := NewRedisQueue(client, RedisQueueOptions{Consumer: "node-a"})
	for _, id := range []string{"exec_1", "exec_2"} {
		require.NoError(t, q.Enqueue(ctx, &Request{ExecutionID: id, Definition: json.RawMessage(`{}`)}))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "exec_1", d.Request.ExecutionID, "first in, first out")
	require.NoError(t, q.Ack(ctx, d))

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "exec_2", d.Request.ExecutionID)
	inFlight, err := q.InFlight(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), inFlight)

	// The consumer restarts without acknowledging exec_2.
	restarted := NewRedisQueue(client, RedisQueueOptions{Consumer: "node-a"})
	moved, err := restarted.Requeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, moved)

	d, err = restarted.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "exec_2", d.Request.ExecutionID)
	require.NoError(t, restarted.Ack(ctx, d))
	inFlight, err = restarted.InFlight(ctx)
	require.NoError(t, err)
	require.Zero(t, inFlight)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = restarted.Dequeue(cancelled)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPoolRunsQueuedRequests(t *testing.T) {
	f := newFixture(t)
	queue := NewMemoryQueue()
	bridge, err := NewBridge(BridgeOptions{Definitions: f.defs, Queue: queue})
	require.NoError(t, err)

	pool, _, _ := startPool(t, PoolOptions{
		Queue: queue, Executor: f.engine, Leases: lease.NewMemory(),
		Checkpoints: f.cm, Owner: "node-a", Concurrency: 2,
	})

	var ids []string
	for _, name := range []string{"ada", "grace", "linus"} {
		id, err := bridge.HandleEvent(context.Background(), event(name))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool { return pool.Processed() == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, queue.Pending())

	for i, name := range []string{"ada", "grace", "linus"} {
		latest := f.latest(t, ids[i])
		require.Equal(t, flow.ExecutionStatusCompleted, latest.Status)
		require.Equal(t, name, latest.StepResults["hello"].Output)
		require.Equal(t, map[string]any{"name": name}, latest.Variables[flow.TriggerVariable])
	}
}

func TestPoolSkipsLeasedExecution(t *testing.T) {
	f := newFixture(t)
	queue := NewMemoryQueue()
	leases := lease.NewMemory()
	ctx := context.Background()

	def, err := f.defs.Definition(ctx, "greet")
	require.NoError(t, err)
	req, err := NewRequest(def, "", "", nil, nil)
	require.NoError(t, err)
	ok, err := leases.Acquire(ctx, flow.LeaseKey(req.ExecutionID), "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, queue.Enqueue(ctx, req))

	pool, _, _ := startPool(t, PoolOptions{Queue: queue, Executor: f.engine, Leases: leases, Owner: "node-a"})
	require.Eventually(t, func() bool { return pool.Skipped() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, pool.Processed())
	require.Zero(t, queue.Pending())
	_, err = f.cm.LoadLatest(ctx, req.ExecutionID)
	require.ErrorIs(t, err, flow.ErrNotFound)
}

func TestPoolSkipsFinishedRedelivery(t *testing.T) {
	f := newFixture(t)
	queue := NewMemoryQueue()
	ctx := context.Background()

	def, err := f.defs.Definition(ctx, "greet")
	require.NoError(t, err)
	req, err := NewRequest(def, "", "", nil, map[string]any{"name": "ada"})
	require.NoError(t, err)
	_, err = f.engine.Execute(ctx, req.ExecuteRequest())
	require.NoError(t, err)

	require.NoError(t, queue.Enqueue(ctx, req))
	pool, _, _ := startPool(t, PoolOptions{Queue: queue, Executor: f.engine, Leases: lease.NewMemory(), Checkpoints: f.cm, Owner: "node-a"})
	require.Eventually(t, func() bool { return pool.Skipped() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, pool.Processed())
}

func TestPoolStopsOnClosedQueue(t *testing.T) {
	f := newFixture(t)
	queue := NewMemoryQueue()
	_, _, done := startPool(t, PoolOptions{Queue: queue, Executor: f.engine, Leases: lease.NewMemory(), Owner: "node-a"})
	require.NoError(t, queue.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool(PoolOptions{})
	require.Error(t, err)
	_, err = NewBridge(BridgeOptions{Definitions: NewCatalog()})
	require.Error(t, err)
}

func TestBridgeDirectMode(t *testing.T) {
	f := newFixture(t)
	bridge, err := NewBridge(BridgeOptions{Definitions: f.defs, Executor: f.engine})
	require.NoError(t, err)
	defer bridge.Close()

	id, err := bridge.HandleEvent(context.Background(), event("ada"))
	require.NoError(t, err)
	bridge.Wait()
	latest := f.latest(t, id)
	require.Equal(t, flow.ExecutionStatusCompleted, latest.Status)
	require.Equal(t, "ada", latest.StepResults["hello"].Output)

	ev := event("nobody")
	ev.WorkflowID = "missing"
	_, err = bridge.HandleEvent(context.Background(), ev)
	require.ErrorIs(t, err, flow.ErrNotFound)
}

func TestBridgeWithTriggerManager(t *testing.T) {
	f := newFixture(t)
	bridge, err := NewBridge(BridgeOptions{Definitions: f.defs, Executor: f.engine})
	require.NoError(t, err)
	defer bridge.Close()

	m, err := trigger.NewManager(trigger.Options{}, trigger.NewManualHandler())
	require.NoError(t, err)
	require.NoError(t, m.SetEventCallback(bridge.HandleEvent))
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, &trigger.Trigger{ID: "trg_1", WorkflowID: "greet", Type: trigger.TypeManual, IsEnabled: true}))

	result := m.FireTrigger(ctx, "trg_1", map[string]any{"name": "grace"})
	require.True(t, result.Success, result.Error)
	bridge.Wait()
	require.Equal(t, "grace", f.latest(t, result.ExecutionID).StepResults["hello"].Output)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("hello.yaml", "entry_point: a\nsteps:\n  - id: a\n    type: echo\n")
	write("other.json", `{"id":"bee","entry_point":"a","steps":[{"id":"a","type":"echo"}]}`)
	write("notes.txt", "ignored")

	c, err := LoadCatalog(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"bee", "hello"}, c.IDs())
	def, err := c.Definition(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "a", def.EntryPoint)

	write("dup.json", `{"id":"bee","entry_point":"a","steps":[{"id":"a","type":"echo"}]}`)
	_, err = LoadCatalog(dir)
	require.ErrorContains(t, err, "duplicate workflow id")

	write("broken.yaml", "entry_point: missing\nsteps: []\n")
	_, err = LoadCatalog(dir)
	require.Error(t, err)
}

// seedInterrupted leaves the checkpoint stream of an execution whose
// process died right after entering its first step.
func seedInterrupted(t *testing.T, cm *flow.CheckpointManager, req *Request, def *flow.Definition) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, cm.Begin(ctx, req.ExecutionID, def.ID, req.OrganizationID, req.Definition))
	c := flow.NewExecutionContext(req.ExecutionID, def.ID, req.OrganizationID, nil)
	c.Status = flow.ExecutionStatusRunning
	c.StartedAt = time.Now().UTC()
	c.CurrentSteps = []string{def.EntryPoint}
	require.NoError(t, cm.Record(ctx, &flow.Checkpoint{
		ExecutionID:     req.ExecutionID,
		Type:            flow.CheckpointExecutionStarted,
		ContextSnapshot: c.ToMap(),
	}))
	require.NoError(t, cm.Record(ctx, &flow.Checkpoint{
		ExecutionID: req.ExecutionID,
		Type:        flow.CheckpointStepEntered,
		StepID:      def.EntryPoint,
		StepIndex:   1,
	}))
	require.NoError(t, cm.Flush(ctx))
}

func TestRecoveryAndPoolResumeSameExecutionOnce(t *testing.T) {
	def, err := flow.ParseDefinition([]byte(`{"id":"pair","entry_point":"a","steps":[
		{"id":"a","type":"echo","config":{"value":"first"},"next":["b"]},
		{"id":"b","type":"echo","config":{"value":"{{ steps.a.output }}"}}
	]}`))
	require.NoError(t, err)

	for i := range 5 {
		f := newFixture(t)
		ctx := context.Background()
		queue := NewMemoryQueue()
		leases := lease.NewMemory()

		req, err := NewRequest(def, "", "org", nil, nil)
		require.NoError(t, err)
		seedInterrupted(t, f.cm, req, def)
		require.NoError(t, queue.Enqueue(ctx, req))

		recovery, err := flow.NewRecoveryService(flow.RecoveryOptions{
			Checkpoints: f.cm,
			Executor:    f.engine,
			Leases:      leases,
			Owner:       "node-a",
			LeaseTTL:    150 * time.Millisecond,
		})
		require.NoError(t, err)
		pool, _, _ := startPool(t, PoolOptions{
			Queue:       queue,
			Executor:    f.engine,
			Leases:      leases,
			Checkpoints: f.cm,
			Owner:       "node-a",
			LeaseTTL:    150 * time.Millisecond,
		})
		_, err = recovery.RecoverAll(ctx)
		require.NoError(t, err)
		recovery.Wait()

		key := flow.LeaseKey(req.ExecutionID)
		require.Eventually(t, func() bool {
			holder, err := leases.Holder(ctx, key)
			return err == nil && holder == "" &&
				pool.Processed()+pool.Skipped() == 1 && queue.Pending() == 0 && len(f.engine.Running()) == 0
		}, 5*time.Second, 10*time.Millisecond, "run %d", i)

		latest := f.latest(t, req.ExecutionID)
		require.Equal(t, flow.ExecutionStatusCompleted, latest.Status, "run %d", i)
		require.Equal(t, []string{"a", "b"}, latest.StepOrder, "run %d", i)
	}
}
