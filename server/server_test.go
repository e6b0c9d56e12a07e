package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/flow"
	"github.com/deepnoodle-ai/flow/metrics"
	"github.com/deepnoodle-ai/flow/task"
	"github.com/deepnoodle-ai/flow/trigger"
	"github.com/deepnoodle-ai/flow/worker"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv     *httptest.Server
	engine  *flow.Engine
	bridge  *worker.Bridge
	release chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	release := make(chan struct{})
	echo := task.NewFunc(task.Metadata{Type: "echo", Family: task.FamilyControl},
		func(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
			return task.Succeeded(config["value"]), nil
		})
	block := task.NewFunc(task.Metadata{Type: "block", Family: task.FamilyControl},
		func(ctx context.Context, config map[string]any, view task.ContextView) (*task.Result, error) {
			select {
			case <-release:
				return task.Succeeded(nil), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	registry, err := task.NewRegistry(echo, block)
	require.NoError(t, err)

	cm, err := flow.NewCheckpointManager(flow.CheckpointManagerOptions{Store: flow.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })
	collector := metrics.NewCollector()
	engine, err := flow.NewEngine(flow.EngineOptions{Registry: registry, Checkpoints: cm, Callbacks: collector})
	require.NoError(t, err)

	greet, err := flow.ParseDefinition([]byte(`{"id":"greet","entry_point":"a","steps":[
		{"id":"a","type":"echo","config":{"value":"hi {{variables.trigger.name}}"}}]}`))
	require.NoError(t, err)
	bridge, err := worker.NewBridge(worker.BridgeOptions{Definitions: worker.NewCatalog(greet), Executor: engine})
	require.NoError(t, err)
	t.Cleanup(func() { bridge.Close() })

	webhooks := trigger.NewWebhookHandler(trigger.WebhookOptions{})
	manager, err := trigger.NewManager(trigger.Options{}, trigger.NewManualHandler(), webhooks)
	require.NoError(t, err)
	require.NoError(t, manager.SetEventCallback(bridge.HandleEvent))
	ctx := context.Background()
	for _, tr := range []*trigger.Trigger{
		{ID: "manual", WorkflowID: "greet", Type: trigger.TypeManual, IsEnabled: true},
		{ID: "off", WorkflowID: "greet", Type: trigger.TypeManual, IsEnabled: false},
		{ID: "hook", WorkflowID: "greet", Type: trigger.TypeWebhook, IsEnabled: true,
			Config: map[string]any{"path": "ci/done", "secret": "s3cret"}},
	} {
		require.NoError(t, manager.Start(ctx, tr))
	}

	s, err := New(Options{
		Triggers:    manager,
		Webhooks:    webhooks,
		Registry:    registry,
		Runner:      engine,
		Checkpoints: cm,
		Metrics:     collector.Handler(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, engine: engine, bridge: bridge, release: release}
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	} else {
		out["body"] = string(data)
	}
	return resp.StatusCode, out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])

	status, body = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body["body"], "flow_executions_active")
}

func TestFireTriggerAndInspectExecution(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodPost, "/api/triggers/manual/fire", `{"name":"ada"}`, nil)
	require.Equal(t, http.StatusAccepted, status)
	require.Equal(t, true, body["success"])
	id, _ := body["execution_id"].(string)
	require.NotEmpty(t, id)
	f.bridge.Wait()

	status, body = f.do(t, http.MethodGet, "/api/executions/"+id, "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "completed", body["status"])
	require.Equal(t, false, body["running"])
	results := body["step_results"].(map[string]any)
	require.Equal(t, "hi ada", results["a"].(map[string]any)["output"])

	status, body = f.do(t, http.MethodGet, "/api/executions/"+id+"/journal", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, body["entries"])

	status, body = f.do(t, http.MethodGet, "/api/triggers", "", nil)
	require.Equal(t, http.StatusOK, status)
	triggers := body["triggers"].([]any)
	require.Len(t, triggers, 3)
	require.Equal(t, "hook", triggers[0].(map[string]any)["id"])
	require.Equal(t, 1.0, triggers[1].(map[string]any)["trigger_count"])
}

func TestFireTriggerErrors(t *testing.T) {
	f := newFixture(t)
	status, _ := f.do(t, http.MethodPost, "/api/triggers/missing/fire", "", nil)
	require.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/api/triggers/off/fire", "", nil)
	require.Equal(t, http.StatusConflict, status)

	status, body := f.do(t, http.MethodPost, "/api/triggers/manual/fire", `[1,2]`, nil)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, body["error"], "JSON object")

	status, _ = f.do(t, http.MethodGet, "/api/executions/exec_missing", "", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestWebhook(t *testing.T) {
	f := newFixture(t)
	payload := `{"name":"ci"}`
	now := time.Now()
	signed := func(secret string) http.Header {
		h := http.Header{}
		h.Set(trigger.TimestampHeader, strconv.FormatInt(now.Unix(), 10))
		h.Set(trigger.SignatureHeader, trigger.Sign(secret, now.Unix(), []byte(payload)))
		h.Set("Content-Type", "application/json")
		return h
	}

	status, body := f.do(t, http.MethodPost, "/hooks/ci/done", payload, signed("s3cret"))
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, body["execution_id"])

	status, _ = f.do(t, http.MethodPost, "/hooks/ci/done", payload, signed("s3cret"))
	require.Equal(t, http.StatusConflict, status, "replayed delivery")

	status, _ = f.do(t, http.MethodPost, "/hooks/ci/done", payload, signed("wrong"))
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = f.do(t, http.MethodPost, "/hooks/nowhere", payload, signed("s3cret"))
	require.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodGet, "/hooks/ci/done", "", nil)
	require.Equal(t, http.StatusMethodNotAllowed, status)
	f.bridge.Wait()
}

func TestListTasks(t *testing.T) {
	f := newFixture(t)
	status, body := f.do(t, http.MethodGet, "/api/tasks", "", nil)
	require.Equal(t, http.StatusOK, status)
	var types []string
	for _, m := range body["tasks"].([]any) {
		types = append(types, m.(map[string]any)["task_type"].(string))
	}
	require.ElementsMatch(t, []string{"echo", "block"}, types)
}

func TestCancelExecution(t *testing.T) {
	f := newFixture(t)
	def, err := flow.ParseDefinition([]byte(`{"id":"slow","entry_point":"wait","steps":[{"id":"wait","type":"block"}]}`))
	require.NoError(t, err)
	id := flow.NewExecutionID()
	done := make(chan *flow.ExecutionContext, 1)
	go func() {
		final, _ := f.engine.Execute(context.Background(), flow.ExecuteRequest{ExecutionID: id, Definition: def})
		done <- final
	}()
	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/executions", "", nil)
		running, _ := body["running"].([]any)
		return len(running) == 1
	}, 5*time.Second, 10*time.Millisecond)

	status, _ := f.do(t, http.MethodPost, "/api/executions/"+id+"/cancel", "", nil)
	require.Equal(t, http.StatusAccepted, status)
	close(f.release)
	select {
	case final := <-done:
		require.Equal(t, flow.ExecutionStatusCancelled, final.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("execution was not cancelled")
	}

	status, _ = f.do(t, http.MethodPost, "/api/executions/"+id+"/cancel", "", nil)
	require.Equal(t, http.StatusNotFound, status)
}
