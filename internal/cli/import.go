package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/flowcrm/internal/graph"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Database string
	Tenant   string
}

// ImportResult lists the workflows written to the store.
type ImportResult struct {
	Tenant    string         `json:"tenant"`
	Workflows []WorkflowInfo `json:"workflows"`
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Load workflow definitions into the database",
		Long: `Validate every definition under a directory and save them for a tenant.

Nothing is written unless every definition is valid. Existing workflows
with the same ID are replaced.

Examples:
  flowcrm import ./workflows --tenant acme
  flowcrm import ./workflows --tenant acme --db ./crm.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant to import into (required)")
	_ = cmd.MarkFlagRequired("tenant")

	return cmd
}

func runImport(opts *ImportOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	result, files, fatal := validateDir(dir)
	if fatal != nil {
		return f.Fail(ExitCommandError, CodeLoad, fatal.Error(), nil, nil)
	}
	if !result.Valid {
		return f.Fail(ExitFailure, CodeValidation,
			fmt.Sprintf("%d definition(s) invalid, nothing imported", len(result.Errors)),
			result, func(w io.Writer) { renderValidation(w, result) })
	}

	st, err := openStore(opts.cfg, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	wfs := make([]*graph.Workflow, len(files))
	for i, file := range files {
		wf := file.Workflow
		wf.TenantID = opts.Tenant
		wf.Normalize()
		wfs[i] = wf
	}
	if err := st.SaveWorkflows(cmd.Context(), wfs, time.Now().UTC()); err != nil {
		return f.Fail(ExitCommandError, CodeStore, fmt.Sprintf("%v, nothing imported", err), nil, nil)
	}
	for _, file := range files {
		f.VerboseLog("Imported %s from %s", file.Workflow.ID, file.Path)
	}

	imported := ImportResult{Tenant: opts.Tenant, Workflows: result.Workflows}

	return f.Success(imported, func(w io.Writer) {
		for _, wf := range imported.Workflows {
			fmt.Fprintf(w, "✓ %s (%s)\n", wf.ID, wf.File)
		}
		fmt.Fprintf(w, "Imported %d workflow(s) for tenant %s\n", len(imported.Workflows), imported.Tenant)
	})
}
