package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowcrm/internal/crm"
	"github.com/roach88/flowcrm/internal/graph"
	"github.com/roach88/flowcrm/internal/store"
)

func input(typ graph.NodeType, cfg map[string]any) Input {
	return Input{
		TenantID:    "acme",
		ExecutionID: "ex-1",
		Node:        graph.Node{ID: "n1", Type: typ},
		Config:      cfg,
		Vars:        map[string]any{},
		Trigger:     map[string]any{"email": "ada@x.io"},
	}
}

func newCRM(t *testing.T) *crm.Service {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return crm.NewService(s.CRM())
}

func TestDefaultRegistry_CoversKnownTypes(t *testing.T) {
	r := NewDefaultRegistry(Deps{})
	for typ := range graph.KnownNodeTypes {
		_, ok := r.Lookup(typ)
		assert.True(t, ok, "no executor for %s", typ)
	}
	assert.Len(t, r.Types(), len(graph.KnownNodeTypes))
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register(graph.NodeSlack, Trigger())
	r.Register(graph.NodeSlack, SetVariable())

	e, ok := r.Lookup(graph.NodeSlack)
	require.True(t, ok)
	_, err := e.Execute(t.Context(), input(graph.NodeSlack, map[string]any{}))
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce, "second registration wins")

	_, ok = r.Lookup(graph.NodeDiscord)
	assert.False(t, ok)
}

func TestTrigger_PassesPayload(t *testing.T) {
	in := input(graph.NodeManualTrigger, nil)
	out, err := Trigger().Execute(t.Context(), in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"email": "ada@x.io"}, out)

	out["email"] = "changed"
	assert.Equal(t, "ada@x.io", in.Trigger["email"], "output is a copy")
}

func TestBundleInput(t *testing.T) {
	in := input(graph.NodeBundleInput, map[string]any{"inputs": []any{"email"}})
	in.Trigger["extra"] = 1
	out, err := BundleInput().Execute(t.Context(), in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"email": "ada@x.io"}, out)

	in = input(graph.NodeBundleInput, map[string]any{"inputs": "email, phone"})
	_, err = BundleInput().Execute(t.Context(), in)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, `"phone"`)
}

func TestBundleOutput(t *testing.T) {
	out, err := BundleOutput().Execute(t.Context(), input(graph.NodeBundleOutput, map[string]any{
		"values": map[string]any{"score": 42.0},
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"score": 42.0}, out)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		left  any
		op    string
		right any
		want  bool
	}{
		{"pro", OpEquals, "pro", true},
		{"10", OpEquals, 10.0, true},
		{"10.0", OpEquals, "10", true},
		{"pro", OpNotEquals, "free", true},
		{"hello world", OpContains, "world", true},
		{[]any{"a", "b"}, OpContains, "b", true},
		{[]any{1.0, 2.0}, OpContains, "2", true},
		{[]any{"a"}, OpNotContains, "z", true},
		{"ada@x.io", OpEndsWith, "@x.io", true},
		{"ada@x.io", OpStartsWith, "bob", false},
		{"9", OpGreaterThan, "10", false}, // numeric, not lexical
		{"b", OpGreaterThan, "a", true},
		{5.0, OpLessThan, 7, true},
		{5.0, OpGreaterOrEqual, "5", true},
		{5.0, OpLessOrEqual, 4.0, false},
		{nil, OpIsEmpty, nil, true},
		{"  ", OpIsEmpty, nil, true},
		{[]any{}, OpIsEmpty, nil, true},
		{map[string]any{}, OpIsEmpty, nil, true},
		{0.0, OpIsEmpty, nil, false},
		{"x", OpIsNotEmpty, nil, true},
	}
	for _, tt := range tests {
		got, ok := Compare(tt.left, tt.op, tt.right)
		require.True(t, ok, tt.op)
		assert.Equal(t, tt.want, got, "%v %s %v", tt.left, tt.op, tt.right)
	}

	_, ok := Compare("a", "like", "b")
	assert.False(t, ok)
}

func TestToNumber(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{12.5, 12.5, true},
		{3, 3, true},
		{int64(-4), -4, true},
		{" 1e3 ", 1000, true},
		{"Infinity", 0, false},
		{"+Inf", 0, false},
		{"NaN", 0, false},
		{math.Inf(-1), 0, false},
		{"ten", 0, false},
		{true, 0, false},
	}
	for _, tt := range tests {
		got, ok := toNumber(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}
}

func TestIfElse_Branch(t *testing.T) {
	out, err := IfElse().Execute(t.Context(), input(graph.NodeIfElse, map[string]any{
		"left": 1200.0, "operator": OpGreaterThan, "right": "1000",
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": true, "branch": graph.BranchTrue}, out)

	out, err = IfElse().Execute(t.Context(), input(graph.NodeIfElse, map[string]any{
		"left": "free", "right": "pro",
	}))
	require.NoError(t, err)
	assert.Equal(t, graph.BranchFalse, out["branch"], "operator defaults to equals")

	_, err = IfElse().Execute(t.Context(), input(graph.NodeIfElse, map[string]any{"operator": "like"}))
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Retriable())
}

func TestSetVariable(t *testing.T) {
	out, err := SetVariable().Execute(t.Context(), input(graph.NodeSetVariable, map[string]any{
		"values": map[string]any{"tier": "vip", "score": 3.0},
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tier": "vip", "score": 3.0}, out)

	_, err = SetVariable().Execute(t.Context(), input(graph.NodeSetVariable, map[string]any{"values": "nope"}))
	assert.Error(t, err)
}

func TestCreateContact_Upsert(t *testing.T) {
	svc := newCRM(t)
	exec := CreateContact(svc)
	cfg := map[string]any{"name": "Ada", "email": "Ada@X.io", "tags": "lead, vip", "upsert": true}

	first, err := exec.Execute(t.Context(), input(graph.NodeCreateContact, cfg))
	require.NoError(t, err)
	assert.Equal(t, true, first["created"])
	assert.Equal(t, "ada@x.io", first["email"])
	assert.Equal(t, []any{"lead", "vip"}, first["tags"])

	second, err := exec.Execute(t.Context(), input(graph.NodeCreateContact, cfg))
	require.NoError(t, err)
	assert.Equal(t, false, second["created"])
	assert.Equal(t, first["id"], second["id"])

	cfg["upsert"] = false
	_, err = exec.Execute(t.Context(), input(graph.NodeCreateContact, cfg))
	var ce *crm.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, crm.CodeConflict, ce.Code)
	assert.False(t, ce.Retriable())
}

func TestDeals(t *testing.T) {
	svc := newCRM(t)
	p, err := svc.CreatePipeline(t.Context(), "acme", "Sales", []string{"Lead", "Won"})
	require.NoError(t, err)

	deal, err := CreateDeal(svc).Execute(t.Context(), input(graph.NodeCreateDeal, map[string]any{
		"title": "Renewal", "value": "1500.50", "pipelineId": p.ID,
	}))
	require.NoError(t, err)
	assert.Equal(t, 1500.5, deal["value"])
	assert.Equal(t, p.Stages[0].ID, deal["stageId"])

	_, err = CreateDeal(svc).Execute(t.Context(), input(graph.NodeCreateDeal, map[string]any{
		"title": "Bad", "value": "lots", "pipelineId": p.ID,
	}))
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	for _, value := range []string{"Infinity", "-Inf", "NaN"} {
		_, err = CreateDeal(svc).Execute(t.Context(), input(graph.NodeCreateDeal, map[string]any{
			"title": "Unbounded", "value": value, "pipelineId": p.ID,
		}))
		assert.ErrorAs(t, err, &cfgErr, value)
	}
	deals, err := svc.ListDeals(t.Context(), "acme", p.ID)
	require.NoError(t, err)
	assert.Len(t, deals, 1, "rejected values create no deal")

	moved, err := UpdateDealStage(svc).Execute(t.Context(), input(graph.NodeUpdateDealStage, map[string]any{
		"dealId": deal["id"], "stageId": p.Stages[1].ID,
	}))
	require.NoError(t, err)
	assert.Equal(t, p.Stages[1].ID, moved["stageId"])

	_, err = UpdateDealStage(svc).Execute(t.Context(), input(graph.NodeUpdateDealStage, map[string]any{
		"dealId": deal["id"], "stageId": "elsewhere",
	}))
	var ce *crm.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, crm.CodeStageMismatch, ce.Code)

	_, err = UpdateDealStage(svc).Execute(t.Context(), input(graph.NodeUpdateDealStage, map[string]any{"stageId": "x"}))
	assert.ErrorAs(t, err, &cfgErr)
}

func TestHTTPRequest_JSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		var got map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "ada@x.io", got["email"])

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"lead-7","score":12}`))
	}))
	defer srv.Close()

	out, err := HTTPRequest(srv.Client()).Execute(t.Context(), input(graph.NodeHTTPRequest, map[string]any{
		"endpoint": srv.URL + "/leads",
		"method":   "post",
		"body":     map[string]any{"email": "ada@x.io"},
		"headers":  map[string]any{"X-Api-Key": "secret"},
	}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, out["status"])
	assert.Equal(t, map[string]any{"id": "lead-7", "score": 12.0}, out["body"])
}

func TestHTTPRequest_TextBodyAndDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	out, err := HTTPRequest(srv.Client()).Execute(t.Context(), input(graph.NodeHTTPRequest, map[string]any{
		"endpoint": srv.URL,
	}))
	require.NoError(t, err)
	assert.Equal(t, "pong", out["body"])
}

func TestHTTPRequest_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, "no such lead", http.StatusNotFound)
		default:
			http.Error(w, "down", http.StatusBadGateway)
		}
	}))
	defer srv.Close()
	exec := HTTPRequest(srv.Client())

	_, err := exec.Execute(t.Context(), input(graph.NodeHTTPRequest, map[string]any{"endpoint": srv.URL + "/missing"}))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.Equal(t, "no such lead", se.Body)
	assert.False(t, se.Retriable())

	_, err = exec.Execute(t.Context(), input(graph.NodeHTTPRequest, map[string]any{"endpoint": srv.URL}))
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retriable())

	var ce *ConfigError
	_, err = exec.Execute(t.Context(), input(graph.NodeHTTPRequest, map[string]any{"endpoint": "ftp://x"}))
	assert.ErrorAs(t, err, &ce)
	_, err = exec.Execute(t.Context(), input(graph.NodeHTTPRequest, map[string]any{"endpoint": srv.URL, "method": "TRACE"}))
	assert.ErrorAs(t, err, &ce)
	_, err = exec.Execute(t.Context(), input(graph.NodeHTTPRequest, map[string]any{}))
	assert.ErrorAs(t, err, &ce)
}

func TestChatWebhooks(t *testing.T) {
	var last atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		last.Store(string(data))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cfg := map[string]any{"webhookUrl": srv.URL, "content": "New lead: Ada", "username": "flowcrm"}

	out, err := Discord(srv.Client()).Execute(t.Context(), input(graph.NodeDiscord, cfg))
	require.NoError(t, err)
	assert.Equal(t, true, out["delivered"])
	assert.Equal(t, http.StatusNoContent, out["status"])
	assert.JSONEq(t, `{"content":"New lead: Ada","username":"flowcrm"}`, last.Load().(string))

	_, err = Slack(srv.Client()).Execute(t.Context(), input(graph.NodeSlack, cfg))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"New lead: Ada","username":"flowcrm"}`, last.Load().(string))

	_, err = Slack(srv.Client()).Execute(t.Context(), input(graph.NodeSlack, map[string]any{"webhookUrl": srv.URL}))
	var ce *ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestChatWebhooks_RedactToken(t *testing.T) {
	const token = "s3cr3t-t0ken"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	hook := srv.URL + "/api/webhooks/123/" + token
	_, err := Discord(srv.Client()).Execute(t.Context(), input(graph.NodeDiscord, map[string]any{
		"webhookUrl": hook, "content": "hi",
	}))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
	assert.NotContains(t, err.Error(), token)
	assert.Contains(t, err.Error(), strings.TrimPrefix(srv.URL, "http://"))

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	_, err = Slack(http.DefaultClient).Execute(t.Context(), input(graph.NodeSlack, map[string]any{
		"webhookUrl": closed.URL + "/services/T0/B0/" + token, "content": "hi",
	}))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), token)

	_, err = Slack(http.DefaultClient).Execute(t.Context(), input(graph.NodeSlack, map[string]any{
		"webhookUrl": "ftp://hooks.slack.com/services/T0/B0/" + token, "content": "hi",
	}))
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.NotContains(t, err.Error(), token)
}

type fakeBundles struct {
	got BundleRequest
	out map[string]any
	err error
}

func (f *fakeBundles) RunBundle(_ context.Context, req BundleRequest) (map[string]any, error) {
	f.got = req
	return f.out, f.err
}

func TestBundle(t *testing.T) {
	fb := &fakeBundles{out: map[string]any{"score": 9.0}}
	in := input(graph.NodeBundle, map[string]any{"bundleId": "enrich", "inputs": map[string]any{"email": "ada@x.io"}})
	in.Bundles = fb
	in.Depth = 1

	out, err := Bundle().Execute(t.Context(), in)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"score": 9.0}, out)
	assert.Equal(t, BundleRequest{
		TenantID: "acme", BundleID: "enrich", ParentExecutionID: "ex-1",
		Inputs: map[string]any{"email": "ada@x.io"}, Depth: 2,
	}, fb.got)

	fb.err = errors.New("boom")
	_, err = Bundle().Execute(t.Context(), in)
	assert.EqualError(t, err, "boom")

	in.Bundles = nil
	_, err = Bundle().Execute(t.Context(), in)
	assert.Error(t, err)
}
