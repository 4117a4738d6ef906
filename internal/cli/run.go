package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/flowcrm/internal/definition"
	"github.com/roach88/flowcrm/internal/engine"
	"github.com/roach88/flowcrm/internal/execution"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Tenant   string
	Payload  string // JSON object
	Webhook  bool

	// IDGenerator overrides execution IDs (for testing).
	// If nil, UUIDv7 IDs are used.
	IDGenerator engine.IDGenerator
}

// RunResult is the outcome of a run.
type RunResult struct {
	Execution *execution.Execution  `json:"execution"`
	Events    []execution.NodeEvent `json:"events"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a workflow definition once",
		Long: `Load a workflow definition, execute it synchronously and print each
node's status as it changes.

Without --db the run uses a throwaway database, so CRM records it
creates are discarded afterwards.

Examples:
  flowcrm run ./workflows/lead-routing.yaml --payload '{"plan":"pro"}'
  flowcrm run ./workflows/lead-routing.yaml --webhook --db ./crm.db --tenant acme
  flowcrm run ./workflows/lead-routing.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: temporary)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "local", "tenant to run as")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "trigger payload as a JSON object")
	cmd.Flags().BoolVar(&opts.Webhook, "webhook", false, "start as a webhook delivery instead of a manual run")

	return cmd
}

func runWorkflow(opts *RunOptions, file string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := cmd.Context()

	wf, err := definition.LoadFile(file)
	if err != nil {
		exit := ExitFailure
		var le *definition.LoadError
		if errors.As(err, &le) && le.Code == definition.ErrCodeRead {
			exit = ExitCommandError
		}
		return f.Fail(exit, CodeLoad, err.Error(), nil, nil)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(opts.Payload), &payload); err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload JSON", err)
	}

	cfg := opts.cfg
	dbPath := opts.Database
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "flowcrm-run-*")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create temp dir", err)
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "run.db")
	}
	st, err := openStore(cfg, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	wf.TenantID = opts.Tenant
	wf.Normalize()
	if err := st.SaveWorkflow(ctx, wf, time.Now().UTC()); err != nil {
		return f.Fail(ExitCommandError, CodeStore, fmt.Sprintf("save %s: %v", wf.ID, err), nil, nil)
	}

	printer := &eventPrinter{}
	if !f.JSON() {
		printer.w = f.Writer
	}
	runnerOpts := []engine.RunnerOption{engine.WithPublisher(printer)}
	if opts.IDGenerator != nil {
		runnerOpts = append(runnerOpts, engine.WithIDGenerator(opts.IDGenerator))
	}
	runner, err := newRunner(ctx, cfg, st, runnerOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start runner", err)
	}

	trigger := execution.TriggerManual
	if opts.Webhook {
		trigger = execution.TriggerWebhook
	}
	ex, runErr := runner.Execute(ctx, engine.Request{
		TenantID:   opts.Tenant,
		WorkflowID: wf.ID,
		Trigger:    trigger,
		Payload:    payload,
	})
	if ex == nil {
		return f.Fail(ExitCommandError, CodeExecution, fmt.Sprintf("execution did not start: %v", runErr), nil, nil)
	}

	events, err := st.ListNodeEvents(ctx, ex.ID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read node events", err)
	}
	result := RunResult{Execution: ex, Events: events}

	if ex.Status != execution.StatusSuccess {
		return f.Fail(ExitFailure, CodeExecution, fmt.Sprintf("execution %s %s", ex.ID, ex.Status), result,
			func(w io.Writer) { fmt.Fprintf(w, "Execution %s: %s\n  %s\n", ex.ID, ex.Status, ex.Error) })
	}
	return f.Success(result, func(w io.Writer) {
		fmt.Fprintf(w, "Execution %s: %s\n", ex.ID, ex.Status)
	})
}

// eventPrinter writes node status changes as they happen. With a nil
// writer it discards them.
type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

// Publish implements engine.Publisher.
func (p *eventPrinter) Publish(ev execution.NodeEvent) {
	if p.w == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, formatEvent(ev))
}

func formatEvent(ev execution.NodeEvent) string {
	line := fmt.Sprintf("  [%d] %-20s %-18s %s", ev.Seq, ev.NodeID, ev.NodeType, ev.Status)
	if ev.Error != "" {
		line += ": " + ev.Error
	}
	return line
}
