package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/roach88/flowcrm/internal/engine"
	"github.com/roach88/flowcrm/internal/execution"
	"github.com/roach88/flowcrm/internal/graph"
	"github.com/roach88/flowcrm/internal/realtime"
	"github.com/roach88/flowcrm/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server implements the API handlers.
type Server struct {
	Store  *store.Store
	Runner *engine.Runner
	Engine *engine.Engine
	Broker *realtime.Broker

	// Now stamps workflow writes. Defaults to time.Now.
	Now func() time.Time

	// PollInterval is how often event streams check whether their
	// execution has finished. Defaults to one second.
	PollInterval time.Duration
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "database unavailable", nil)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return errors.New("request body too large")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// Workflows

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.Store.ListWorkflows(r.Context(), tenantOf(r))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": list})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.Store.GetWorkflow(r.Context(), tenantOf(r), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf graph.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	if wf.ID == "" {
		wf.ID = ulid.Make().String()
	}

	_, err := s.Store.GetWorkflow(r.Context(), tenantOf(r), wf.ID)
	switch {
	case err == nil:
		writeError(w, r, http.StatusConflict, CodeConflict, fmt.Sprintf("workflow %s already exists", wf.ID), nil)
		return
	case !errors.Is(err, store.ErrNotFound):
		writeErr(w, r, err)
		return
	}
	s.saveWorkflow(w, r, &wf, http.StatusCreated)
}

func (s *Server) putWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf graph.Workflow
	if err := decodeBody(r, &wf); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	wf.ID = chi.URLParam(r, "workflowID")
	s.saveWorkflow(w, r, &wf, http.StatusOK)
}

func (s *Server) saveWorkflow(w http.ResponseWriter, r *http.Request, wf *graph.Workflow, status int) {
	wf.TenantID = tenantOf(r)
	wf.Normalize()
	if errs := graph.Validate(wf); len(errs) > 0 {
		writeValidation(w, r, errs)
		return
	}
	if err := s.Store.SaveWorkflow(r.Context(), wf, s.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The ID belongs to another tenant.
			writeError(w, r, http.StatusConflict, CodeConflict, fmt.Sprintf("workflow id %s is not available", wf.ID), nil)
			return
		}
		writeErr(w, r, err)
		return
	}
	saved, err := s.Store.GetWorkflow(r.Context(), wf.TenantID, wf.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, status, saved)
}

func (s *Server) deleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteWorkflow(r.Context(), tenantOf(r), chi.URLParam(r, "workflowID")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// executeRequest is the body of POST /v1/workflows/{id}/execute.
type executeRequest struct {
	Payload   map[string]any `json:"payload"`
	Variables map[string]any `json:"variables"`
	Async     bool           `json:"async"`
}

func (s *Server) executeWorkflow(w http.ResponseWriter, r *http.Request) {
	var body executeRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	req := engine.Request{
		TenantID:   tenantOf(r),
		WorkflowID: chi.URLParam(r, "workflowID"),
		Trigger:    execution.TriggerManual,
		Payload:    body.Payload,
		Variables:  body.Variables,
	}

	if body.Async {
		s.submit(w, r, req)
		return
	}

	ex, err := s.Runner.Execute(r.Context(), req)
	if ex == nil {
		writeErr(w, r, err)
		return
	}
	// A failed run is still a completed request; the execution carries
	// the error.
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeBody(r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	s.submit(w, r, engine.Request{
		TenantID:   tenantOf(r),
		WorkflowID: chi.URLParam(r, "workflowID"),
		Trigger:    execution.TriggerWebhook,
		Payload:    payload,
		EventID:    r.Header.Get(EventIDHeader),
	})
}

// submit queues req after checking the workflow exists.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, req engine.Request) {
	if _, err := s.Store.GetWorkflow(r.Context(), req.TenantID, req.WorkflowID); err != nil {
		writeErr(w, r, err)
		return
	}
	receipt, err := s.Engine.Submit(r.Context(), req)
	if errors.Is(err, engine.ErrStopped) {
		writeError(w, r, http.StatusServiceUnavailable, CodeUnavailable, "execution queue is shutting down", nil)
		return
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	status := http.StatusAccepted
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

// Executions

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, CodeBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}
	list, err := s.Store.ListExecutions(r.Context(), tenantOf(r), chi.URLParam(r, "workflowID"), limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []*execution.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.Store.GetExecution(r.Context(), tenantOf(r), chi.URLParam(r, "executionID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) listNodeEvents(w http.ResponseWriter, r *http.Request) {
	ex, err := s.Store.GetExecution(r.Context(), tenantOf(r), chi.URLParam(r, "executionID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	events, err := s.Store.ListNodeEvents(r.Context(), ex.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []execution.NodeEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
