package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/roach88/flowcrm/internal/config"
	"github.com/roach88/flowcrm/internal/crm"
	"github.com/roach88/flowcrm/internal/engine"
	"github.com/roach88/flowcrm/internal/nodes"
	"github.com/roach88/flowcrm/internal/store"
)

// openStore opens the database, preferring the --db flag over config.
func openStore(cfg config.Config, flagDB string) (*store.Store, error) {
	path := cfg.Database
	if flagDB != "" {
		path = flagDB
	}
	slog.Debug("opening database", "path", path)
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// newRunner wires a Runner with the built-in executors. The logical
// clock resumes after the highest seq already stored so event streams
// stay ordered across restarts.
func newRunner(ctx context.Context, cfg config.Config, st *store.Store, opts ...engine.RunnerOption) (*engine.Runner, error) {
	maxSeq, err := st.MaxNodeEventSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("read event sequence: %w", err)
	}

	registry := nodes.NewDefaultRegistry(nodes.Deps{
		CRM:        crm.NewService(st.CRM()),
		HTTPClient: &http.Client{Timeout: cfg.Nodes.HTTPTimeout},
	})
	base := []engine.RunnerOption{
		engine.WithClock(engine.NewClockAt(maxSeq)),
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithMaxBundleDepth(cfg.Engine.MaxBundleDepth),
	}
	return engine.NewRunner(st, registry, append(base, opts...)...), nil
}
