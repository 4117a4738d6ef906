package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/flowcrm/internal/execution"
	"github.com/roach88/flowcrm/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Node     string // optional - filter to one node
}

// TraceStats holds summary statistics for an execution.
type TraceStats struct {
	TotalEvents int `json:"total_events"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Skipped     int `json:"skipped"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Execution *execution.Execution  `json:"execution"`
	Timeline  []execution.NodeEvent `json:"timeline"`
	Stats     TraceStats            `json:"stats"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <execution-id>",
		Short: "Show the node timeline of an execution",
		Long: `Show an execution's status and every node status change in the
order it happened.

Examples:
  flowcrm trace 0196b1e2-7a4c-7d2e-9f1a-3b5c7d9e1f20
  flowcrm trace 0196b1e2-7a4c-7d2e-9f1a-3b5c7d9e1f20 --node check
  flowcrm trace 0196b1e2-7a4c-7d2e-9f1a-3b5c7d9e1f20 --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Node, "node", "", "only show events of this node")

	return cmd
}

func runTrace(opts *TraceOptions, executionID string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	ctx := cmd.Context()

	st, err := openStore(opts.cfg, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ex, err := st.LookupExecution(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return f.Fail(ExitCommandError, CodeNotFound, fmt.Sprintf("execution %s not found", executionID), nil, nil)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read execution", err)
	}

	events, err := st.ListNodeEvents(ctx, executionID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read node events", err)
	}

	result := TraceResult{Execution: ex, Timeline: []execution.NodeEvent{}}
	for _, ev := range events {
		if opts.Node != "" && ev.NodeID != opts.Node {
			continue
		}
		result.Timeline = append(result.Timeline, ev)
		result.Stats.TotalEvents++
		switch ev.Status {
		case execution.NodeSuccess:
			result.Stats.Succeeded++
		case execution.NodeError:
			result.Stats.Failed++
		case execution.NodeSkipped:
			result.Stats.Skipped++
		}
	}

	return f.Success(result, func(w io.Writer) { renderTrace(w, result) })
}

func renderTrace(w io.Writer, result TraceResult) {
	ex := result.Execution
	fmt.Fprintf(w, "Execution %s\n", ex.ID)
	fmt.Fprintf(w, "  workflow: %s (tenant %s)\n", ex.WorkflowID, ex.TenantID)
	if ex.ParentID != "" {
		fmt.Fprintf(w, "  parent:   %s\n", ex.ParentID)
	}
	fmt.Fprintf(w, "  trigger:  %s\n", ex.Trigger)
	fmt.Fprintf(w, "  status:   %s\n", ex.Status)
	if ex.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", ex.Error)
	}
	if ex.CompletedAt != nil {
		fmt.Fprintf(w, "  duration: %s\n", ex.CompletedAt.Sub(ex.StartedAt))
	}

	fmt.Fprintln(w, "\nTimeline:")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	}
	for _, ev := range result.Timeline {
		fmt.Fprintln(w, formatEvent(ev))
	}

	s := result.Stats
	fmt.Fprintf(w, "\n%d events: %d succeeded, %d failed, %d skipped\n", s.TotalEvents, s.Succeeded, s.Failed, s.Skipped)
}
