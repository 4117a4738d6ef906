package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/flowcrm/internal/engine"
	"github.com/roach88/flowcrm/internal/httpapi"
	"github.com/roach88/flowcrm/internal/realtime"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Database string

	// Ready is called with the bound address once the API is listening.
	// Used by tests that listen on port 0.
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the execution engine",
		Long: `Start the REST API, the webhook endpoint and the execution queue.

Executions submitted over HTTP run on a bounded worker pool; node status
changes are streamed to subscribers as Server-Sent Events. SIGINT and
SIGTERM shut the server down gracefully.

Examples:
  flowcrm serve
  flowcrm serve --addr :9090 --db ./crm.db
  flowcrm serve --config ./flowcrm.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions, out io.Writer) error {
	cfg := opts.cfg
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}

	st, err := openStore(cfg, opts.Database)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	broker := realtime.NewBroker(0)
	defer broker.Close()

	runner, err := newRunner(ctx, cfg, st, engine.WithPublisher(broker))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start runner", err)
	}
	eng := engine.New(runner,
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithMaxAttempts(cfg.Engine.MaxAttempts),
		engine.WithRetryBackoff(cfg.Engine.RetryBackoff),
	)

	engineCtx, cancelEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelEngine()
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(engineCtx) }()

	handler := httpapi.NewRouter(&httpapi.Server{
		Store:  st,
		Runner: runner,
		Engine: eng,
		Broker: broker,
	})
	serveErr := httpapi.Serve(ctx, cfg.Server.Addr, handler, httpapi.ListenOptions{
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		Ready: func(addr string) {
			fmt.Fprintf(out, "flowcrm listening on %s\n", addr)
			if opts.Ready != nil {
				opts.Ready(addr)
			}
		},
	})

	// Let queued executions finish before the store closes.
	eng.Stop()
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("engine stopped with error", "error", err)
	}

	if serveErr != nil {
		return WrapExitError(ExitCommandError, "api server failed", serveErr)
	}
	slog.Info("server stopped gracefully")
	return nil
}
