package flow

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/flow/lease"
	"github.com/stretchr/testify/require"
)

// seedCrashedExecution writes the stream a process leaves behind when it
// dies right after starting an execution.
func seedCrashedExecution(t *testing.T, cm *CheckpointManager, executionID string, def *Definition) {
	t.Helper()
	ctx := context.Background()
	defJSON, err := def.JSON()
	require.NoError(t, err)
	require.NoError(t, cm.Begin(ctx, executionID, def.ID, "org", defJSON))

	c := NewExecutionContext(executionID, def.ID, "org", map[string]any{"name": "ada"})
	c.Status = ExecutionStatusRunning
	c.StartedAt = time.Now().UTC()
	c.CurrentSteps = []string{def.EntryPoint}
	require.NoError(t, cm.Record(ctx, &Checkpoint{
		ExecutionID:     executionID,
		Type:            CheckpointExecutionStarted,
		Data:            map[string]any{"definition": def.ToMap()},
		ContextSnapshot: c.ToMap(),
	}))
	c.StepCount = 1
	require.NoError(t, cm.Record(ctx, &Checkpoint{ExecutionID: executionID, Type: CheckpointStepEntered, StepID: def.EntryPoint, StepIndex: 1}))
	require.NoError(t, cm.Flush(ctx))
}

func newRecoveryService(t *testing.T, f *engineFixture, leases Lease, owner string) *RecoveryService {
	t.Helper()
	svc, err := NewRecoveryService(RecoveryOptions{
		Checkpoints: f.cm,
		Executor:    f.engine,
		Leases:      leases,
		Owner:       owner,
		LeaseTTL:    time.Second,
	})
	require.NoError(t, err)
	return svc
}

func TestRecoverAllResumesActiveExecutions(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{})
	def := mustDefinition(t, `{"id":"greet","entry_point":"a","steps":[
		{"id":"a","type":"echo","config":{"value":"hi {{variables.name}}"},"next":["b"]},
		{"id":"b","type":"echo","config":{"value":"{{steps.a.output}}"}}
	]}`)
	seedCrashedExecution(t, f.cm, "exec_crashed", def)

	leases := lease.NewMemory()
	svc := newRecoveryService(t, f, leases, "node-a")
	results, err := svc.RecoverAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []RecoveryResult{{ExecutionID: "exec_crashed", Recovered: true}}, results)
	svc.Wait()

	state, err := f.cm.LoadLatest(context.Background(), "exec_crashed")
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, state.Status)
	require.Equal(t, []string{"a", "b"}, state.StepOrder)
	require.Equal(t, "greet", state.WorkflowID)
	require.Equal(t, "org", state.OrganizationID)
	out, _ := state.StepOutput("b")
	require.Equal(t, "hi ada", out)

	holder, err := leases.Holder(context.Background(), LeaseKey("exec_crashed"))
	require.NoError(t, err)
	require.Empty(t, holder, "lease is released after the resumed run")

	active, err := f.store.ListActiveExecutions(context.Background())
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRecoverAllSkipsLeasedExecutions(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{})
	def := mustDefinition(t, `{"id":"wf","entry_point":"a","steps":[{"id":"a","type":"echo"}]}`)
	seedCrashedExecution(t, f.cm, "exec_owned", def)

	leases := lease.NewMemory()
	ok, err := leases.Acquire(context.Background(), LeaseKey("exec_owned"), "node-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	svc := newRecoveryService(t, f, leases, "node-a")
	results, err := svc.RecoverAll(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Recovered)
	require.Equal(t, "lease held by node-b", results[0].Reason)
	svc.Wait()

	state, err := f.cm.LoadLatest(context.Background(), "exec_owned")
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusRunning, state.Status)
}

func TestRecoverSkipsTerminalExecutions(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{})
	def := mustDefinition(t, `{"id":"wf","entry_point":"a","steps":[{"id":"a","type":"echo"}]}`)
	state, err := f.engine.Execute(context.Background(), ExecuteRequest{ExecutionID: "exec_done", Definition: def})
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, state.Status)

	leases := lease.NewMemory()
	svc := newRecoveryService(t, f, leases, "node-a")
	result := svc.Recover(context.Background(), "exec_done")
	require.False(t, result.Recovered)
	require.Equal(t, "execution already completed", result.Reason)

	holder, err := leases.Holder(context.Background(), LeaseKey("exec_done"))
	require.NoError(t, err)
	require.Empty(t, holder)

	result = svc.Recover(context.Background(), "exec_unknown")
	require.False(t, result.Recovered)
	require.Contains(t, result.Reason, "load latest context")
}

func TestNewRecoveryServiceValidation(t *testing.T) {
	_, err := NewRecoveryService(RecoveryOptions{})
	require.Error(t, err)
}

func TestKeepAliveReportsLostLease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	leases := lease.NewMemory()
	_, err := leases.Acquire(ctx, "k", "node-a", 30*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, leases.Release(ctx, "k", "node-a"))
	_, err = leases.Acquire(ctx, "k", "node-b", time.Minute)
	require.NoError(t, err)

	lost := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		KeepAlive(ctx, leases, "k", "node-a", 30*time.Millisecond, discardLogger(), func() { close(lost) })
	}()

	select {
	case <-lost:
	case <-ctx.Done():
		t.Fatal("lease loss was not reported")
	}
	<-done
}

func TestKeepAliveRenews(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	leases := lease.NewMemory()
	_, err := leases.Acquire(ctx, "k", "node-a", 60*time.Millisecond)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		KeepAlive(ctx, leases, "k", "node-a", 60*time.Millisecond, discardLogger(), func() { t.Error("lease reported lost") })
	}()
	time.Sleep(150 * time.Millisecond)

	holder, err := leases.Holder(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "node-a", holder)
	cancel()
	<-done
}

func TestLeaseToken(t *testing.T) {
	a := NewLeaseToken("node-a")
	b := NewLeaseToken("node-a")
	require.NotEqual(t, a, b)

	parsed, ok := ParseLeaseToken(a)
	require.True(t, ok)
	require.Equal(t, "node-a", parsed.Owner)
	require.Equal(t, leaseProcess, parsed.Process)
	require.Equal(t, a, parsed.String())
	require.Equal(t, "node-a", LeaseOwner(a))

	parsed, ok = ParseLeaseToken("ns/node-a/proc_1/n1")
	require.True(t, ok)
	require.Equal(t, "ns/node-a", parsed.Owner)

	for _, bad := range []string{"node-a", "node-a/p1", "/p1/n1", "node-a//n1", "node-a/p1/"} {
		_, ok := ParseLeaseToken(bad)
		require.False(t, ok, bad)
	}
	require.Equal(t, "node-b", LeaseOwner("node-b"))

	mine, _ := ParseLeaseToken(a)
	require.False(t, mine.Supersedes(b), "same process")
	require.True(t, mine.Supersedes("node-a/proc_earlier/n1"))
	require.False(t, mine.Supersedes("node-b/proc_earlier/n1"))
	require.False(t, mine.Supersedes("node-a"))
}

func TestAcquireLease(t *testing.T) {
	ctx := context.Background()
	leases := lease.NewMemory()

	first := NewLeaseToken("node-a")
	ok, holder, err := AcquireLease(ctx, leases, "k", first, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, holder)

	ok, holder, err = AcquireLease(ctx, leases, "k", NewLeaseToken("node-a"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "a second acquisition in this process is refused")
	require.Equal(t, first, holder)

	require.NoError(t, leases.Release(ctx, "k", NewLeaseToken("node-a")))
	current, err := leases.Holder(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, first, current, "release with another token is ignored")

	stale := LeaseToken{Owner: "node-a", Process: "proc_earlier", Nonce: "n1"}.String()
	_, err = leases.Acquire(ctx, "stale", stale, time.Minute)
	require.NoError(t, err)
	token := NewLeaseToken("node-a")
	ok, _, err = AcquireLease(ctx, leases, "stale", token, time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "lease of an earlier process is taken over")
	current, err = leases.Holder(ctx, "stale")
	require.NoError(t, err)
	require.Equal(t, token, current)

	other := LeaseToken{Owner: "node-b", Process: "proc_earlier", Nonce: "n1"}.String()
	_, err = leases.Acquire(ctx, "foreign", other, time.Minute)
	require.NoError(t, err)
	ok, holder, err = AcquireLease(ctx, leases, "foreign", NewLeaseToken("node-a"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, other, holder)
}

func TestRecoverTakesOverLeaseOfEarlierProcess(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{})
	def := mustDefinition(t, `{"id":"wf","entry_point":"a","steps":[{"id":"a","type":"echo"}]}`)
	seedCrashedExecution(t, f.cm, "exec_restarted", def)

	leases := lease.NewMemory()
	stale := LeaseToken{Owner: "node-a", Process: "proc_earlier", Nonce: "n1"}.String()
	ok, err := leases.Acquire(context.Background(), LeaseKey("exec_restarted"), stale, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	svc := newRecoveryService(t, f, leases, "node-a")
	results, err := svc.RecoverAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, []RecoveryResult{{ExecutionID: "exec_restarted", Recovered: true}}, results)
	svc.Wait()

	state, err := f.cm.LoadLatest(context.Background(), "exec_restarted")
	require.NoError(t, err)
	require.Equal(t, ExecutionStatusCompleted, state.Status)
}

func TestRecoverLeavesLeaseOfThisProcess(t *testing.T) {
	f := newEngineFixture(t, EngineOptions{})
	def := mustDefinition(t, `{"id":"wf","entry_point":"a","steps":[{"id":"a","type":"echo"}]}`)
	seedCrashedExecution(t, f.cm, "exec_busy", def)

	leases := lease.NewMemory()
	busy := NewLeaseToken("node-a")
	ok, err := leases.Acquire(context.Background(), LeaseKey("exec_busy"), busy, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	svc := newRecoveryService(t, f, leases, "node-a")
	result := svc.Recover(context.Background(), "exec_busy")
	require.False(t, result.Recovered)
	require.Equal(t, "lease held by node-a", result.Reason)
	svc.Wait()

	holder, err := leases.Holder(context.Background(), LeaseKey("exec_busy"))
	require.NoError(t, err)
	require.Equal(t, busy, holder)
}
