package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/flowcrm/internal/canonical"
	"github.com/roach88/flowcrm/internal/execution"
)

// Queue defaults.
const (
	DefaultWorkers      = 4
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 200 * time.Millisecond
)

// ErrStopped is returned by Submit after the engine has been stopped.
var ErrStopped = errors.New("engine stopped")

// Result reports the outcome of one job attempt.
type Result struct {
	Job       Job
	Execution *execution.Execution // nil if no execution record was created
	Err       error
	Final     bool // no further attempts will be made
}

// Receipt acknowledges a submitted request.
type Receipt struct {
	ExecutionID string `json:"executionId"`
	Duplicate   bool   `json:"duplicate"`
}

// Engine is the execution job queue.
//
// A single dispatch loop (Run) hands queued jobs to a bounded set of
// workers, each of which runs one execution at a time through the Runner.
// Failed attempts are retried with exponential backoff unless the error
// is non-retriable. Every attempt is its own execution with a fresh ID.
//
// Thread-safety model:
//   - Submit(), Enqueue(), Stop(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
type Engine struct {
	runner      *Runner
	queue       *jobQueue
	workers     int
	maxAttempts int
	backoff     time.Duration
	observer    func(Result)

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets how many executions may run at once.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithMaxAttempts sets the attempt limit per job, including the first.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithRetryBackoff sets the delay before the first retry. Each further
// retry doubles it.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) { e.backoff = d }
}

// WithObserver registers a function called after every attempt, from the
// worker goroutine that ran it.
func WithObserver(fn func(Result)) Option {
	return func(e *Engine) { e.observer = fn }
}

// New creates an Engine that runs jobs through runner.
func New(runner *Runner, opts ...Option) *Engine {
	e := &Engine{
		runner:      runner,
		queue:       newJobQueue(),
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultRetryBackoff,
		timers:      make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = 1
	}
	return e
}

// Submit assigns an execution ID and queues the request.
//
// Requests carrying an EventID are deduplicated per workflow: the first
// delivery is queued, later ones return the first delivery's execution ID
// with Duplicate set and are not queued.
func (e *Engine) Submit(ctx context.Context, req Request) (Receipt, error) {
	if req.ExecutionID == "" {
		req.ExecutionID = e.runner.NewExecutionID()
	}

	if req.EventID != "" {
		key, err := canonical.TriggerKey(req.WorkflowID, req.EventID)
		if err != nil {
			return Receipt{}, fmt.Errorf("trigger key: %w", err)
		}
		claimed, existing, err := e.runner.store.ClaimTrigger(ctx, req.WorkflowID, key, req.ExecutionID, e.runner.now())
		if err != nil {
			return Receipt{}, err
		}
		if !claimed {
			slog.Info("duplicate trigger delivery ignored",
				"workflow_id", req.WorkflowID,
				"event_id", req.EventID,
				"execution_id", existing,
			)
			return Receipt{ExecutionID: existing, Duplicate: true}, nil
		}
	}

	if !e.Enqueue(req) {
		return Receipt{}, ErrStopped
	}
	return Receipt{ExecutionID: req.ExecutionID}, nil
}

// Enqueue queues a request as a first attempt.
// Returns false if the engine has been stopped.
func (e *Engine) Enqueue(req Request) bool {
	return e.queue.Enqueue(Job{Request: req, Attempt: 1})
}

// QueueLen returns the number of jobs waiting for a worker.
func (e *Engine) QueueLen() int {
	return e.queue.Len()
}

// Run starts the dispatch loop and the workers.
// Blocks until the context is cancelled or Stop() is called and the
// queue has drained. Returns after every worker has finished its job.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "workers", e.workers, "max_attempts", e.maxAttempts)

	jobs := make(chan Job)
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				e.process(ctx, job)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		if job, ok := e.queue.TryDequeue(); ok {
			select {
			case jobs <- job:
				continue
			case <-ctx.Done():
				slog.Warn("engine stopping with job undelivered",
					"workflow_id", job.Request.WorkflowID,
					"execution_id", job.Request.ExecutionID,
				)
				e.Stop()
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.Stop()
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel closes with the queue; drain what is
			// left before returning.
			if e.queue.Closed() && e.queue.Len() == 0 {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue and cancels pending retries. Run returns once
// the queue has drained.
func (e *Engine) Stop() {
	e.queue.Close()

	e.mu.Lock()
	defer e.mu.Unlock()
	for t := range e.timers {
		t.Stop()
		delete(e.timers, t)
	}
}

func (e *Engine) process(ctx context.Context, job Job) {
	ex, err := e.runner.Execute(ctx, job.Request)

	final := err == nil || IsNonRetriable(err) || job.Attempt >= e.maxAttempts || ctx.Err() != nil
	if e.observer != nil {
		e.observer(Result{Job: job, Execution: ex, Err: err, Final: final})
	}

	if err == nil {
		return
	}
	if final {
		slog.Error("execution failed",
			"workflow_id", job.Request.WorkflowID,
			"execution_id", job.Request.ExecutionID,
			"attempt", job.Attempt,
			"error", err,
		)
		return
	}

	delay := e.backoff << (job.Attempt - 1)
	next := Job{Request: job.Request, Attempt: job.Attempt + 1}
	next.Request.ExecutionID = e.runner.NewExecutionID()

	slog.Warn("execution failed, retrying",
		"workflow_id", job.Request.WorkflowID,
		"execution_id", job.Request.ExecutionID,
		"attempt", job.Attempt,
		"retry_in", delay,
		"error", err,
	)
	e.schedule(delay, next)
}

func (e *Engine) schedule(delay time.Duration, job Job) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, t)
		e.mu.Unlock()

		if !e.queue.Enqueue(job) {
			slog.Warn("retry dropped: engine stopped",
				"workflow_id", job.Request.WorkflowID,
				"attempt", job.Attempt,
			)
		}
	})
	e.timers[t] = struct{}{}
}
