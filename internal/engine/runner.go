package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/roach88/flowcrm/internal/canonical"
	"github.com/roach88/flowcrm/internal/execution"
	"github.com/roach88/flowcrm/internal/graph"
	"github.com/roach88/flowcrm/internal/nodes"
	"github.com/roach88/flowcrm/internal/store"
	"github.com/roach88/flowcrm/internal/template"
)

// DefaultMaxSteps is the default maximum number of node executions per
// execution.
const DefaultMaxSteps = 1000

// DefaultMaxBundleDepth is how deeply BUNDLE nodes may nest.
const DefaultMaxBundleDepth = 5

// TriggerVariable is the context key holding the trigger payload.
const TriggerVariable = "trigger"

// Publisher receives node status events as they happen.
// Implemented by realtime.Broker.
type Publisher interface {
	Publish(ev execution.NodeEvent)
}

// Request describes one execution to run.
type Request struct {
	TenantID   string
	WorkflowID string
	Trigger    execution.Trigger

	// Payload is exposed to nodes as {{trigger.*}}.
	Payload map[string]any

	// Variables seed the execution context alongside the trigger payload.
	Variables map[string]any

	// EventID identifies a webhook delivery for deduplication.
	EventID string

	// ExecutionID is assigned by the runner when empty.
	ExecutionID string

	// ParentID and Depth are set for bundle child executions.
	ParentID string
	Depth    int
}

// Runner executes workflows.
//
// A run walks the graph in topological order. A node runs when it is an
// entry node for the trigger, or when at least one incoming connection
// is live: its source ran successfully and, for IF_ELSE sources, the
// connection leaves on the branch that was taken. Every other node is
// reported as skipped. The first failing node fails the execution.
//
// Thread-safety: Execute may be called from many goroutines.
type Runner struct {
	store     *store.Store
	registry  *nodes.Registry
	clock     *Clock
	ids       IDGenerator
	publisher Publisher
	now       func() time.Time
	maxSteps  int
	maxDepth  int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMaxSteps sets the maximum steps quota per execution.
func WithMaxSteps(maxSteps int) RunnerOption {
	return func(r *Runner) { r.maxSteps = maxSteps }
}

// WithMaxBundleDepth sets the bundle nesting limit.
func WithMaxBundleDepth(depth int) RunnerOption {
	return func(r *Runner) { r.maxDepth = depth }
}

// WithClock sets the logical clock used to stamp events.
func WithClock(c *Clock) RunnerOption {
	return func(r *Runner) { r.clock = c }
}

// WithIDGenerator sets the execution ID generator.
func WithIDGenerator(g IDGenerator) RunnerOption {
	return func(r *Runner) { r.ids = g }
}

// WithPublisher sets where node status events are published.
func WithPublisher(p Publisher) RunnerOption {
	return func(r *Runner) { r.publisher = p }
}

// WithNow overrides the wall clock used for timestamps.
func WithNow(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a Runner over a store and an executor registry.
func NewRunner(s *store.Store, registry *nodes.Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:    s,
		registry: registry,
		clock:    NewClock(),
		ids:      UUIDv7Generator{},
		now:      func() time.Time { return time.Now().UTC() },
		maxSteps: DefaultMaxSteps,
		maxDepth: DefaultMaxBundleDepth,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewExecutionID returns a fresh execution ID.
func (r *Runner) NewExecutionID() string {
	return r.ids.Generate()
}

// Execute runs a workflow to completion.
//
// The returned execution reflects the final state, including on failure,
// as long as the execution record could be created. A non-nil error means
// the execution did not succeed.
func (r *Runner) Execute(ctx context.Context, req Request) (*execution.Execution, error) {
	ex, _, err := r.run(ctx, req)
	return ex, err
}

// RunBundle runs a bundle workflow as a child execution and returns the
// merged output of its BUNDLE_OUTPUT nodes. Implements nodes.BundleRunner.
func (r *Runner) RunBundle(ctx context.Context, breq nodes.BundleRequest) (map[string]any, error) {
	_, outputs, err := r.run(ctx, Request{
		TenantID:   breq.TenantID,
		WorkflowID: breq.BundleID,
		Trigger:    execution.TriggerBundle,
		Payload:    breq.Inputs,
		ParentID:   breq.ParentExecutionID,
		Depth:      breq.Depth,
	})
	return outputs, err
}

func (r *Runner) run(ctx context.Context, req Request) (*execution.Execution, map[string]any, error) {
	if req.Depth > r.maxDepth {
		return nil, nil, &RuntimeError{
			Code:    ErrCodeBundleDepth,
			Message: fmt.Sprintf("bundle nesting exceeds %d levels", r.maxDepth),
			Details: map[string]string{"bundle_id": req.WorkflowID, "parent_id": req.ParentID},
		}
	}

	wf, err := r.store.GetWorkflow(ctx, req.TenantID, req.WorkflowID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, NonRetriable(err)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load workflow: %w", err)
	}
	wf.Normalize()

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	ex := &execution.Execution{
		ID:         req.ExecutionID,
		TenantID:   req.TenantID,
		WorkflowID: wf.ID,
		ParentID:   req.ParentID,
		Trigger:    req.Trigger,
		Status:     execution.StatusRunning,
		Input:      payload,
		StartedAt:  r.now(),
	}
	if ex.ID == "" {
		ex.ID = r.ids.Generate()
	}
	if ex.Trigger == "" {
		ex.Trigger = execution.TriggerManual
	}
	if err := r.store.CreateExecution(ctx, ex); err != nil {
		return nil, nil, fmt.Errorf("create execution: %w", err)
	}

	log := slog.With("execution_id", ex.ID, "workflow_id", wf.ID, "tenant_id", ex.TenantID)
	log.Info("execution started", "trigger", ex.Trigger, "depth", req.Depth)

	vars := make(map[string]any, len(req.Variables)+len(wf.Nodes)+1)
	maps.Copy(vars, req.Variables)
	vars[TriggerVariable] = payload

	order, err := r.plan(wf, ex)
	if err != nil {
		return r.finish(ctx, log, ex, execution.StatusFailed, vars, err)
	}

	entry := isEntry(wf, ex.Trigger)
	var (
		ran       = make(map[string]bool, len(order))
		branches  = make(map[string]string)
		quota     = NewQuotaEnforcer(r.maxSteps)
		bundleOut = map[string]any{}
	)
	for _, node := range order {
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, log, ex, execution.StatusCancelled, vars, err)
		}

		if !isActive(wf, node, entry, ran, branches) {
			r.emit(ctx, ex, node, execution.NodeSkipped, nil, "")
			continue
		}

		if err := quota.Check(ex.ID); err != nil {
			var se *StepsExceededError
			errors.As(err, &se)
			return r.finish(ctx, log, ex, execution.StatusFailed, vars, NewQuotaError(ex.ID, se))
		}

		r.emit(ctx, ex, node, execution.NodeLoading, nil, "")
		out, err := r.runNode(ctx, ex, node, vars, payload, req.Depth)
		if err != nil {
			r.emit(ctx, ex, node, execution.NodeError, nil, err.Error())
			if ctx.Err() != nil {
				return r.finish(ctx, log, ex, execution.StatusCancelled, vars, ctx.Err())
			}
			return r.finish(ctx, log, ex, execution.StatusFailed, vars, &RuntimeError{
				Code:        ErrCodeNodeFailed,
				Message:     fmt.Sprintf("%s node failed", node.Type),
				ExecutionID: ex.ID,
				NodeID:      node.ID,
				Err:         err,
			})
		}

		vars[node.VariableName()] = out
		ran[node.ID] = true
		if node.Type.IsBranching() {
			branches[node.ID], _ = out["branch"].(string)
		}
		if node.Type == graph.NodeBundleOutput {
			maps.Copy(bundleOut, out)
		}
		r.emit(ctx, ex, node, execution.NodeSuccess, out, "")
	}

	ex, _, err = r.finish(ctx, log, ex, execution.StatusSuccess, vars, nil)
	return ex, bundleOut, err
}

// plan validates the workflow for this run and returns its node order.
func (r *Runner) plan(wf *graph.Workflow, ex *execution.Execution) ([]graph.Node, error) {
	if ex.Trigger == execution.TriggerBundle && !wf.IsBundle {
		return nil, &RuntimeError{
			Code:        ErrCodeInvalidWorkflow,
			Message:     fmt.Sprintf("workflow %s is not a bundle", wf.ID),
			ExecutionID: ex.ID,
		}
	}

	if errs := graph.Validate(wf); len(errs) > 0 {
		code := ErrCodeInvalidWorkflow
		for _, e := range errs {
			if e.Code == graph.ErrCycle || e.Code == graph.ErrSelfLoop {
				code = ErrCodeCycleDetected
				break
			}
		}
		return nil, &RuntimeError{
			Code:        code,
			Message:     "workflow failed validation",
			ExecutionID: ex.ID,
			Err:         graph.ValidationErrors(errs),
		}
	}

	order, err := graph.TopologicalSort(wf)
	if err != nil {
		return nil, &RuntimeError{Code: ErrCodeCycleDetected, Message: "cannot order nodes", ExecutionID: ex.ID, Err: err}
	}

	entry := isEntry(wf, ex.Trigger)
	entries := 0
	for _, n := range order {
		if _, ok := r.registry.Lookup(n.Type); !ok {
			return nil, &RuntimeError{
				Code:        ErrCodeUnknownNodeType,
				Message:     fmt.Sprintf("no executor for node type %s", n.Type),
				ExecutionID: ex.ID,
				NodeID:      n.ID,
			}
		}
		if entry(n.Type) {
			entries++
		}
	}
	if entries == 0 {
		return nil, &RuntimeError{
			Code:        ErrCodeInvalidWorkflow,
			Message:     fmt.Sprintf("workflow has no entry node for %s trigger", ex.Trigger),
			ExecutionID: ex.ID,
		}
	}
	return order, nil
}

// isEntry returns the predicate for nodes that start a run. Bundles start
// at BUNDLE_INPUT; other workflows at INITIAL and the trigger node that
// matches how the execution was started.
func isEntry(wf *graph.Workflow, trigger execution.Trigger) func(graph.NodeType) bool {
	return func(t graph.NodeType) bool {
		if wf.IsBundle {
			return t == graph.NodeBundleInput
		}
		switch t {
		case graph.NodeInitial:
			return true
		case graph.NodeManualTrigger:
			return trigger == execution.TriggerManual
		case graph.NodeWebhookTrigger:
			return trigger == execution.TriggerWebhook
		default:
			return false
		}
	}
}

func isActive(wf *graph.Workflow, node graph.Node, entry func(graph.NodeType) bool, ran map[string]bool, branches map[string]string) bool {
	if node.Type.IsTrigger() {
		return entry(node.Type)
	}
	for _, c := range wf.Incoming(node.ID) {
		if !ran[c.FromNodeID] {
			continue
		}
		taken, branching := branches[c.FromNodeID]
		if !branching || c.FromOutput == taken {
			return true
		}
	}
	return false
}

func (r *Runner) runNode(ctx context.Context, ex *execution.Execution, node graph.Node, vars, payload map[string]any, depth int) (map[string]any, error) {
	exec, _ := r.registry.Lookup(node.Type)

	mode := template.Lenient
	if strict, _ := node.Data["strict"].(bool); strict {
		mode = template.Strict
	}
	cfg, err := template.ResolveData(node.Data, vars, mode)
	if err != nil {
		return nil, fmt.Errorf("resolve config: %w", err)
	}

	out, err := exec.Execute(ctx, nodes.Input{
		TenantID:    ex.TenantID,
		ExecutionID: ex.ID,
		Node:        node,
		Config:      cfg,
		Vars:        vars,
		Trigger:     payload,
		Depth:       depth,
		Bundles:     r,
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// emit records a node status change and publishes it. Store failures are
// logged; live subscribers still get the event.
func (r *Runner) emit(ctx context.Context, ex *execution.Execution, node graph.Node, status execution.NodeStatus, output map[string]any, errMsg string) {
	ev := execution.NodeEvent{
		ExecutionID: ex.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      status,
		Seq:         r.clock.Next(),
		Output:      output,
		Error:       errMsg,
		At:          r.now(),
	}

	slog.Debug("node status",
		"execution_id", ev.ExecutionID,
		"node_id", ev.NodeID,
		"node_type", ev.NodeType,
		"status", ev.Status,
		"seq", ev.Seq,
	)

	err := r.store.AppendNodeEvent(context.WithoutCancel(ctx), ev)
	if errors.Is(err, canonical.ErrUnsupported) {
		// Keep the status change; drop the output that cannot be stored.
		stored := ev
		stored.Output = nil
		stored.Error = fmt.Sprintf("output not stored: %v", err)
		err = r.store.AppendNodeEvent(context.WithoutCancel(ctx), stored)
	}
	if err != nil {
		slog.Error("failed to record node event",
			"execution_id", ev.ExecutionID,
			"node_id", ev.NodeID,
			"status", ev.Status,
			"error", err,
		)
	}
	if r.publisher != nil {
		r.publisher.Publish(ev)
	}
}

// finish moves the execution to a terminal status. runErr is returned
// unchanged so callers can inspect it.
func (r *Runner) finish(ctx context.Context, log *slog.Logger, ex *execution.Execution, status execution.Status, vars map[string]any, runErr error) (*execution.Execution, map[string]any, error) {
	completed := r.now()
	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}

	err := r.store.FinishExecution(context.WithoutCancel(ctx), ex.ID, status, vars, errMsg, completed)
	if errors.Is(err, canonical.ErrUnsupported) {
		// Record a terminal status with an empty output instead of
		// leaving the run RUNNING.
		log.Error("execution output cannot be stored", "status", status, "error", err)
		cause := &RuntimeError{
			Code:        ErrCodeOutputNotStored,
			Message:     "execution output is not valid JSON",
			ExecutionID: ex.ID,
			Err:         err,
		}
		if runErr != nil {
			cause.Err = fmt.Errorf("%w (after: %v)", err, runErr)
		}
		status, vars, runErr = execution.StatusFailed, map[string]any{}, cause
		errMsg = runErr.Error()
		err = r.store.FinishExecution(context.WithoutCancel(ctx), ex.ID, status, vars, errMsg, completed)
	}
	if err != nil {
		log.Error("failed to record execution result", "status", status, "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("finish execution: %w", err)
		}
	}

	ex.Status = status
	ex.Output = vars
	ex.Error = errMsg
	ex.CompletedAt = &completed

	if runErr != nil {
		log.Warn("execution finished", "status", status, "error", errMsg)
	} else {
		log.Info("execution finished", "status", status)
	}
	return ex, nil, runErr
}
