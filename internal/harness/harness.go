package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/flowcrm/internal/crm"
	"github.com/roach88/flowcrm/internal/definition"
	"github.com/roach88/flowcrm/internal/engine"
	"github.com/roach88/flowcrm/internal/execution"
	"github.com/roach88/flowcrm/internal/nodes"
	"github.com/roach88/flowcrm/internal/store"
)

// FixedNow is the wall clock every scenario runs at.
var FixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// StubURL replaces the stub server's address in errors and traces so
// they do not depend on the port it was given.
const StubURL = "http://stub.test"

// Harness runs one scenario against a fresh store.
type Harness struct {
	store    *store.Store
	crm      *crm.Service
	runner   *engine.Runner
	stub     *stubServer
	scenario *Scenario
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh SQLite database in a temporary
// directory. A non-nil error means the scenario could not be run at all
// (unreadable workflow, bad seed data); expectation mismatches are
// reported in Result.Errors instead.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "flowcrm-harness-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "harness.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stub := newStubServer(scenario.HTTP)
	defer stub.Close()

	h := newHarness(st, stub, scenario)
	return h.run(ctx)
}

func newHarness(st *store.Store, stub *stubServer, scenario *Scenario) *Harness {
	now := func() time.Time { return FixedNow }
	svc := crm.NewService(st.CRM(),
		crm.WithClock(now),
		crm.WithIDGenerator(newSequence("rec").Generate),
	)
	registry := nodes.NewDefaultRegistry(nodes.Deps{
		CRM:        svc,
		HTTPClient: stub.Client(),
	})
	runner := engine.NewRunner(st, registry,
		engine.WithClock(engine.NewClock()),
		engine.WithIDGenerator(newExecutionIDs(executionID(scenario))),
		engine.WithNow(now),
	)
	return &Harness{
		store:    st,
		crm:      svc,
		runner:   runner,
		stub:     stub,
		scenario: scenario,
		logger:   slog.Default().With("scenario", scenario.Name),
	}
}

func (h *Harness) run(ctx context.Context) (*Result, error) {
	s := h.scenario
	tenant := tenantOf(s)

	for _, path := range s.Workflows {
		wf, err := definition.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load workflow: %w", err)
		}
		wf.TenantID = tenant
		wf.Normalize()
		if err := h.store.SaveWorkflow(ctx, wf, FixedNow); err != nil {
			return nil, fmt.Errorf("save workflow %s: %w", wf.ID, err)
		}
		h.logger.Debug("loaded workflow", "workflow_id", wf.ID, "path", path)
	}

	setupVars, err := h.seed(ctx, tenant, s.Setup)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(s.Trigger.Variables)+2)
	maps.Copy(vars, s.Trigger.Variables)
	vars["setup"] = setupVars
	vars["http"] = map[string]any{"url": h.stub.URL}

	trigger := execution.Trigger(s.Trigger.Type)
	if trigger == "" {
		trigger = execution.TriggerManual
	}

	ex, runErr := h.runner.Execute(ctx, engine.Request{
		TenantID:   tenant,
		WorkflowID: s.Trigger.Workflow,
		Trigger:    trigger,
		Payload:    s.Trigger.Payload,
		Variables:  vars,
	})
	if ex == nil {
		return nil, fmt.Errorf("execution did not start: %w", runErr)
	}

	result := NewResult()
	result.ExecutionID = ex.ID
	result.Requests = h.stub.Requests()

	// Read back what was persisted rather than the in-memory copy.
	stored, err := h.store.GetExecution(ctx, tenant, ex.ID)
	if err != nil {
		return nil, fmt.Errorf("read execution: %w", err)
	}
	result.Status = stored.Status
	result.Error = h.stub.scrub(stored.Error)
	result.Output = stored.Output

	events, err := h.store.ListNodeEvents(ctx, ex.ID)
	if err != nil {
		return nil, fmt.Errorf("read node events: %w", err)
	}
	for _, ev := range events {
		ev.Error = h.stub.scrub(ev.Error)
		result.AddNodeEvent(ev)
	}

	checkExpectations(result, s.Expect)
	for _, msg := range EvaluateAssertions(result, s.Assertions, &AssertionContext{Ctx: ctx, Store: h.store}) {
		result.AddError(msg)
	}

	h.logger.Debug("scenario finished", "execution_id", ex.ID, "status", result.Status, "pass", result.Pass)
	return result, nil
}

// seed creates the scenario's pipelines and contacts and returns the
// template variables that expose their IDs.
func (h *Harness) seed(ctx context.Context, tenant string, setup Setup) (map[string]any, error) {
	pipelines := make(map[string]any, len(setup.Pipelines))
	for _, ps := range setup.Pipelines {
		name := ps.Name
		if name == "" {
			name = ps.Key
		}
		p, err := h.crm.CreatePipeline(ctx, tenant, name, ps.Stages)
		if err != nil {
			return nil, fmt.Errorf("setup pipeline %s: %w", ps.Key, err)
		}
		stages := make(map[string]any, len(p.Stages))
		for _, stage := range p.Stages {
			stages[stage.Name] = stage.ID
		}
		pipelines[ps.Key] = map[string]any{"id": p.ID, "stages": stages}
	}

	contacts := make(map[string]any, len(setup.Contacts))
	for _, cs := range setup.Contacts {
		c, _, err := h.crm.CreateContact(ctx, tenant, crm.CreateContactInput{
			Name:    cs.Name,
			Email:   cs.Email,
			Phone:   cs.Phone,
			Company: cs.Company,
			Tags:    cs.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("setup contact %s: %w", cs.Name, err)
		}
		contacts[c.Email] = c.ID
	}

	return map[string]any{"pipelines": pipelines, "contacts": contacts}, nil
}

// checkExpectations compares the finished execution with Expect.
func checkExpectations(result *Result, expect Expectation) {
	if string(result.Status) != expect.Status {
		msg := fmt.Sprintf("expected status %s, got %s", expect.Status, result.Status)
		if result.Error != "" {
			msg += ": " + result.Error
		}
		result.AddError(msg)
	}

	final := result.FinalStatus()
	for _, node := range slices.Sorted(maps.Keys(expect.Nodes)) {
		want := expect.Nodes[node]
		got, ok := final[node]
		if !ok {
			got = "(no events)"
		}
		if got != want {
			result.AddError(fmt.Sprintf("node %s: expected %s, got %s", node, want, got))
		}
	}

	if len(expect.Output) > 0 && !matchFields(any(result.Output), expect.Output) {
		result.AddError(fmt.Sprintf("output does not contain %v", expect.Output))
	}

	if expect.Error != "" && !strings.Contains(result.Error, expect.Error) {
		result.AddError(fmt.Sprintf("expected error containing %q, got %q", expect.Error, result.Error))
	}
}

func tenantOf(s *Scenario) string {
	if s.Tenant != "" {
		return s.Tenant
	}
	return DefaultTenant
}

func executionID(s *Scenario) string {
	if s.ExecutionID != "" {
		return s.ExecutionID
	}
	return DefaultExecutionID
}

// sequence generates "<prefix>-001", "<prefix>-002", ...
type sequence struct {
	mu     sync.Mutex
	prefix string
	n      int
}

func newSequence(prefix string) *sequence {
	return &sequence{prefix: prefix}
}

// Generate returns the next ID.
func (s *sequence) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%03d", s.prefix, s.n)
}

// executionIDs hands out the scenario's execution ID first and numbered
// IDs for bundle child executions after it.
type executionIDs struct {
	first string
	rest  *sequence
	used  bool
	mu    sync.Mutex
}

func newExecutionIDs(first string) *executionIDs {
	return &executionIDs{first: first, rest: newSequence(first)}
}

// Generate implements engine.IDGenerator.
func (g *executionIDs) Generate() string {
	g.mu.Lock()
	if !g.used {
		g.used = true
		g.mu.Unlock()
		return g.first
	}
	g.mu.Unlock()
	return g.rest.Generate()
}

// stubServer serves HTTPStub responses and records every request.
type stubServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []RecordedRequest
}

func newStubServer(stubs []HTTPStub) *stubServer {
	s := &stubServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		rec := RecordedRequest{Method: r.Method, Path: r.URL.Path}
		if len(data) > 0 {
			var body any
			if err := json.Unmarshal(data, &body); err == nil {
				rec.Body = body
			} else {
				rec.Body = string(data)
			}
		}
		s.mu.Lock()
		s.requests = append(s.requests, rec)
		s.mu.Unlock()

		stub, ok := match(stubs, r)
		if !ok {
			http.Error(w, "no stub for "+r.Method+" "+r.URL.Path, http.StatusNotFound)
			return
		}
		status := stub.Status
		if status == 0 {
			status = http.StatusOK
		}
		switch b := stub.Body.(type) {
		case nil:
			w.WriteHeader(status)
		case string:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(status)
			io.WriteString(w, b)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(b)
		}
	}))
	return s
}

func match(stubs []HTTPStub, r *http.Request) (HTTPStub, bool) {
	for _, stub := range stubs {
		if stub.Path != r.URL.Path {
			continue
		}
		if stub.Method != "" && !strings.EqualFold(stub.Method, r.Method) {
			continue
		}
		return stub, true
	}
	return HTTPStub{}, false
}

// Requests returns a copy of the recorded requests.
func (s *stubServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

func (s *stubServer) scrub(msg string) string {
	return strings.ReplaceAll(msg, s.URL, StubURL)
}

// RunFile loads a scenario file and runs it.
func RunFile(ctx context.Context, path string) (*Scenario, *Result, error) {
	scenario, err := LoadScenario(path)
	if err != nil {
		return nil, nil, err
	}
	result, err := Run(ctx, scenario)
	if err != nil {
		return scenario, nil, err
	}
	return scenario, result, nil
}

// ErrFailed is returned by Check when a scenario ran but did not pass.
var ErrFailed = errors.New("scenario failed")

// Check returns ErrFailed wrapped with the first error when result did
// not pass.
func Check(result *Result) error {
	if result.Pass {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrFailed, strings.Join(result.Errors, "; "))
}
