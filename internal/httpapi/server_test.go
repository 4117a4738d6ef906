package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowcrm/internal/crm"
	"github.com/roach88/flowcrm/internal/engine"
	"github.com/roach88/flowcrm/internal/execution"
	"github.com/roach88/flowcrm/internal/graph"
	"github.com/roach88/flowcrm/internal/nodes"
	"github.com/roach88/flowcrm/internal/realtime"
	"github.com/roach88/flowcrm/internal/store"
)

type fixture struct {
	store   *store.Store
	engine  *engine.Engine
	broker  *realtime.Broker
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	broker := realtime.NewBroker(0)
	t.Cleanup(broker.Close)
	registry := nodes.NewDefaultRegistry(nodes.Deps{CRM: crm.NewService(s.CRM())})
	runner := engine.NewRunner(s, registry, engine.WithPublisher(broker))
	eng := engine.New(runner)

	srv := &Server{Store: s, Runner: runner, Engine: eng, Broker: broker, PollInterval: 20 * time.Millisecond}
	return &fixture{store: s, engine: eng, broker: broker, handler: NewRouter(srv)}
}

func (f *fixture) do(t *testing.T, method, path, tenant string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireAPIError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	resp := decode[errorResponse](t, rec)
	assert.Equal(t, code, resp.Error.Code)
	assert.NotEmpty(t, resp.Error.RequestID)
	return resp.Error
}

func greetingWorkflow(id string) graph.Workflow {
	return graph.Workflow{
		ID:   id,
		Name: "Greeting",
		Nodes: []graph.Node{
			{ID: "start", Type: graph.NodeManualTrigger},
			{ID: "hook", Type: graph.NodeWebhookTrigger},
			{ID: "greet", Type: graph.NodeSetVariable, Data: map[string]any{
				"values": map[string]any{"text": "Hello {{trigger.name}}"},
			}},
		},
		Connections: []graph.Connection{
			{FromNodeID: "start", ToNodeID: "greet"},
			{FromNodeID: "hook", ToNodeID: "greet"},
		},
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMissingTenant(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/workflows", "", nil)
	requireAPIError(t, rec, http.StatusBadRequest, CodeMissingTenant)
}

func TestWorkflowCRUD(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/workflows", "acme", greetingWorkflow("greeting"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[graph.Workflow](t, rec)
	assert.Equal(t, "acme", created.TenantID)
	assert.Len(t, created.Nodes, 3)
	assert.Equal(t, graph.DefaultOutput, created.Connections[0].FromOutput)

	rec = f.do(t, http.MethodPost, "/v1/workflows", "acme", greetingWorkflow("greeting"))
	requireAPIError(t, rec, http.StatusConflict, CodeConflict)

	rec = f.do(t, http.MethodGet, "/v1/workflows/greeting", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Greeting", decode[graph.Workflow](t, rec).Name)

	rec = f.do(t, http.MethodGet, "/v1/workflows/greeting", "globex", nil)
	requireAPIError(t, rec, http.StatusNotFound, CodeNotFound)

	rec = f.do(t, http.MethodGet, "/v1/workflows", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Workflows []store.WorkflowSummary `json:"workflows"`
	}](t, rec)
	require.Len(t, list.Workflows, 1)
	assert.Equal(t, 3, list.Workflows[0].NodeCount)

	updated := greetingWorkflow("ignored")
	updated.Name = "Greeting v2"
	rec = f.do(t, http.MethodPut, "/v1/workflows/greeting", "acme", updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "greeting", decode[graph.Workflow](t, rec).ID, "path ID wins")

	rec = f.do(t, http.MethodPut, "/v1/workflows/greeting", "globex", updated)
	requireAPIError(t, rec, http.StatusConflict, CodeConflict)

	rec = f.do(t, http.MethodDelete, "/v1/workflows/greeting", "acme", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/workflows/greeting", "acme", nil)
	requireAPIError(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestCreateWorkflow_GeneratesID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/workflows", "acme", greetingWorkflow(""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, decode[graph.Workflow](t, rec).ID, 26)
}

func TestSaveWorkflow_Invalid(t *testing.T) {
	f := newFixture(t)

	wf := greetingWorkflow("loop")
	wf.Connections = append(wf.Connections, graph.Connection{FromNodeID: "greet", ToNodeID: "greet"})
	rec := f.do(t, http.MethodPut, "/v1/workflows/loop", "acme", wf)
	e := requireAPIError(t, rec, http.StatusUnprocessableEntity, CodeValidation)
	assert.NotEmpty(t, e.Details)

	rec = f.do(t, http.MethodPost, "/v1/workflows", "acme", "{not json")
	requireAPIError(t, rec, http.StatusBadRequest, CodeBadRequest)
}

func TestCreateWorkflow_DuplicateConnection(t *testing.T) {
	f := newFixture(t)

	wf := greetingWorkflow("dup")
	wf.Connections = append(wf.Connections, graph.Connection{ID: "again", FromNodeID: "start", ToNodeID: "greet"})
	rec := f.do(t, http.MethodPost, "/v1/workflows", "acme", wf)
	requireAPIError(t, rec, http.StatusUnprocessableEntity, CodeValidation)
	assert.Contains(t, rec.Body.String(), graph.ErrDuplicateEdge)

	wf = greetingWorkflow("dup")
	wf.Connections[0].ID = "edge"
	wf.Connections[1].ID = "edge"
	rec = f.do(t, http.MethodPost, "/v1/workflows", "acme", wf)
	requireAPIError(t, rec, http.StatusUnprocessableEntity, CodeValidation)
	assert.Contains(t, rec.Body.String(), graph.ErrDuplicateConnID)

	rec = f.do(t, http.MethodGet, "/v1/workflows/dup", "acme", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteWorkflow(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/workflows", "acme", greetingWorkflow("greeting")).Code)

	rec := f.do(t, http.MethodPost, "/v1/workflows/greeting/execute", "acme", map[string]any{
		"payload": map[string]any{"name": "Ada"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ex := decode[execution.Execution](t, rec)
	assert.Equal(t, execution.StatusSuccess, ex.Status)
	assert.Equal(t, execution.TriggerManual, ex.Trigger)
	assert.Equal(t, map[string]any{"text": "Hello Ada"}, ex.Output["greet"])

	rec = f.do(t, http.MethodGet, "/v1/executions/"+ex.ID, "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ex.ID, decode[execution.Execution](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/v1/executions/"+ex.ID, "globex", nil)
	requireAPIError(t, rec, http.StatusNotFound, CodeNotFound)

	rec = f.do(t, http.MethodGet, "/v1/executions/"+ex.ID+"/nodes", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[struct {
		Events []execution.NodeEvent `json:"events"`
	}](t, rec).Events
	// hook skipped, start loading+success, greet loading+success
	require.Len(t, events, 5)
	assert.Equal(t, "hook", events[0].NodeID)
	assert.Equal(t, execution.NodeSkipped, events[0].Status)
	assert.Equal(t, execution.NodeSuccess, events[4].Status)

	rec = f.do(t, http.MethodGet, "/v1/workflows/greeting/executions?limit=10", "acme", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[struct {
		Executions []execution.Execution `json:"executions"`
	}](t, rec).Executions
	require.Len(t, runs, 1)

	rec = f.do(t, http.MethodGet, "/v1/workflows/greeting/executions?limit=zero", "acme", nil)
	requireAPIError(t, rec, http.StatusBadRequest, CodeBadRequest)
}

func TestExecuteWorkflow_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/workflows/nope/execute", "acme", nil)
	requireAPIError(t, rec, http.StatusNotFound, CodeNotFound)
}

func TestExecuteWorkflow_Async(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/workflows", "acme", greetingWorkflow("greeting")).Code)

	rec := f.do(t, http.MethodPost, "/v1/workflows/greeting/execute", "acme", map[string]any{"async": true})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[engine.Receipt](t, rec).ExecutionID)
	assert.Equal(t, 1, f.engine.QueueLen())
}

func TestWebhook(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/workflows", "acme", greetingWorkflow("greeting")).Code)

	body := map[string]any{"name": "Grace"}
	first := f.do(t, http.MethodPost, "/v1/webhooks/greeting", "acme", body, EventIDHeader, "evt_42")
	require.Equal(t, http.StatusAccepted, first.Code, first.Body.String())
	second := f.do(t, http.MethodPost, "/v1/webhooks/greeting", "acme", body, EventIDHeader, "evt_42")
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())

	r1 := decode[engine.Receipt](t, first)
	r2 := decode[engine.Receipt](t, second)
	assert.False(t, r1.Duplicate)
	assert.True(t, r2.Duplicate)
	assert.Equal(t, r1.ExecutionID, r2.ExecutionID)
	assert.Equal(t, 1, f.engine.QueueLen())

	rec := f.do(t, http.MethodPost, "/v1/webhooks/missing", "acme", body)
	requireAPIError(t, rec, http.StatusNotFound, CodeNotFound)

	f.engine.Stop()
	rec = f.do(t, http.MethodPost, "/v1/webhooks/greeting", "acme", body)
	requireAPIError(t, rec, http.StatusServiceUnavailable, CodeUnavailable)
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.event != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}

func openStream(t *testing.T, url, tenant string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set(TenantHeader, tenant)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStreamEvents_Replay(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/workflows", "acme", greetingWorkflow("greeting")).Code)
	ex := decode[execution.Execution](t, f.do(t, http.MethodPost, "/v1/workflows/greeting/execute", "acme", nil))

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	resp := openStream(t, srv.URL+"/v1/executions/"+ex.ID+"/events", "acme")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp)
	require.Len(t, events, 6)
	for _, ev := range events[:5] {
		assert.Equal(t, "node", ev.event)
		assert.NotEmpty(t, ev.id)
	}
	last := events[5]
	assert.Equal(t, "done", last.event)
	assert.Contains(t, last.data, `"status":"SUCCESS"`)
}

func TestStreamEvents_Live(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/workflows", "acme", greetingWorkflow("greeting")).Code)
	ex := &execution.Execution{ID: "ex-live", TenantID: "acme", WorkflowID: "greeting", Trigger: execution.TriggerManual, StartedAt: time.Now().UTC()}
	require.NoError(t, f.store.CreateExecution(ctx, ex))

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	result := make(chan []sseEvent, 1)
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/executions/ex-live/events", nil)
		req.Header.Set(TenantHeader, "acme")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			result <- nil
			return
		}
		defer resp.Body.Close()
		result <- readSSE(t, resp)
	}()

	require.Eventually(t, func() bool { return f.broker.Subscribers("ex-live") == 1 }, 5*time.Second, 5*time.Millisecond)

	f.broker.Publish(execution.NodeEvent{ExecutionID: "ex-live", NodeID: "greet", NodeType: graph.NodeSetVariable, Status: execution.NodeLoading, Seq: 7, At: time.Now().UTC()})
	require.NoError(t, f.store.FinishExecution(ctx, "ex-live", execution.StatusFailed, nil, "boom", time.Now().UTC()))

	select {
	case events := <-result:
		require.Len(t, events, 2)
		assert.Equal(t, "node", events[0].event)
		assert.Equal(t, "7", events[0].id)
		assert.Equal(t, "done", events[1].event)
		assert.Contains(t, events[1].data, `"status":"FAILED"`)
		assert.Contains(t, events[1].data, `"error":"boom"`)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func TestStreamEvents_BackfillsDroppedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/workflows", "acme", greetingWorkflow("greeting")).Code)
	ex := &execution.Execution{ID: "ex-gap", TenantID: "acme", WorkflowID: "greeting", Trigger: execution.TriggerManual, StartedAt: time.Now().UTC()}
	require.NoError(t, f.store.CreateExecution(ctx, ex))

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	result := make(chan []sseEvent, 1)
	go func() {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/executions/ex-gap/events", nil)
		req.Header.Set(TenantHeader, "acme")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			result <- nil
			return
		}
		defer resp.Body.Close()
		result <- readSSE(t, resp)
	}()

	require.Eventually(t, func() bool { return f.broker.Subscribers("ex-gap") == 1 }, 5*time.Second, 5*time.Millisecond)

	event := func(seq int64, node string, status execution.NodeStatus) execution.NodeEvent {
		return execution.NodeEvent{ExecutionID: "ex-gap", NodeID: node, NodeType: graph.NodeSetVariable, Status: status, Seq: seq, At: time.Now().UTC()}
	}
	stored := []execution.NodeEvent{
		event(1, "start", execution.NodeLoading),
		event(2, "start", execution.NodeSuccess),
		event(3, "greet", execution.NodeLoading),
		event(4, "greet", execution.NodeSuccess),
	}
	for _, ev := range stored {
		require.NoError(t, f.store.AppendNodeEvent(ctx, ev))
	}
	// Only seq 3 reaches subscribers; 1, 2 and 4 were dropped.
	f.broker.Publish(stored[2])
	require.NoError(t, f.store.FinishExecution(ctx, "ex-gap", execution.StatusSuccess, nil, "", time.Now().UTC()))

	select {
	case events := <-result:
		var ids []string
		for _, ev := range events {
			ids = append(ids, ev.id)
		}
		assert.Equal(t, []string{"1", "2", "3", "4", ""}, ids)
		assert.Equal(t, "done", events[len(events)-1].event)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
}

func TestStreamEvents_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/executions/nope/events", "acme", nil)
	requireAPIError(t, rec, http.StatusNotFound, CodeNotFound)
}
