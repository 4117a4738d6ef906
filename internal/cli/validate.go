package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/flowcrm/internal/definition"
)

// WorkflowInfo summarizes a definition that loaded cleanly.
type WorkflowInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	File        string `json:"file"`
	Bundle      bool   `json:"bundle,omitempty"`
	Nodes       int    `json:"nodes"`
	Connections int    `json:"connections"`
}

// ValidationIssue is one definition that failed to load.
type ValidationIssue struct {
	Code    string `json:"code"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Workflows []WorkflowInfo    `json:"workflows"`
	Errors    []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate workflow definitions",
		Long: `Validate every YAML and CUE workflow definition under a directory.

Each file is checked against the workflow schema and the graph rules
(unique node IDs, known node types, IF_ELSE handles, no cycles). All
problems are reported, not just the first.

Exit codes:
  0 - All definitions are valid
  1 - One or more definitions are invalid
  2 - The directory could not be read or holds no definitions`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	result, _, fatal := validateDir(dir)
	if fatal != nil {
		return f.Fail(ExitCommandError, CodeLoad, fatal.Error(), nil, nil)
	}
	f.VerboseLog("Loaded %d workflow(s) from %s", len(result.Workflows), dir)

	if !result.Valid {
		return f.Fail(ExitFailure, CodeValidation,
			fmt.Sprintf("%d definition(s) invalid", len(result.Errors)),
			result, func(w io.Writer) { renderValidation(w, result) })
	}
	return f.Success(result, func(w io.Writer) {
		renderValidation(w, result)
		fmt.Fprintf(w, "✓ %d workflow(s) valid\n", len(result.Workflows))
	})
}

// validateDir loads dir and splits the outcome into workflows and issues.
// A directory that cannot be read at all is returned as a fatal error.
func validateDir(dir string) (*ValidationResult, []definition.File, error) {
	files, errs := definition.LoadDir(dir)
	if len(files) == 0 && len(errs) == 1 {
		var le *definition.LoadError
		if errors.As(errs[0], &le) && (le.Code == definition.ErrCodeRead || le.Code == definition.ErrCodeNoFiles) && le.File == dir {
			return nil, nil, errs[0]
		}
	}

	result := &ValidationResult{Valid: len(errs) == 0, Workflows: []WorkflowInfo{}}
	for _, file := range files {
		wf := file.Workflow
		result.Workflows = append(result.Workflows, WorkflowInfo{
			ID:          wf.ID,
			Name:        wf.Name,
			File:        file.Path,
			Bundle:      wf.IsBundle,
			Nodes:       len(wf.Nodes),
			Connections: len(wf.Connections),
		})
	}
	for _, err := range errs {
		result.Errors = append(result.Errors, toIssue(err))
	}
	return result, files, nil
}

func toIssue(err error) ValidationIssue {
	var le *definition.LoadError
	if !errors.As(err, &le) {
		return ValidationIssue{Code: CodeLoad, Message: err.Error()}
	}
	issue := ValidationIssue{Code: le.Code, File: le.File, Message: le.Message}
	if le.Pos.IsValid() {
		issue.Line = le.Pos.Line()
	}
	return issue
}

func renderValidation(w io.Writer, result *ValidationResult) {
	for _, wf := range result.Workflows {
		kind := "workflow"
		if wf.Bundle {
			kind = "bundle"
		}
		fmt.Fprintf(w, "✓ %s (%s %s, %d nodes)\n", wf.File, kind, wf.ID, wf.Nodes)
	}
	for _, issue := range result.Errors {
		loc := issue.File
		if issue.Line > 0 {
			loc = fmt.Sprintf("%s:%d", issue.File, issue.Line)
		}
		fmt.Fprintf(w, "✗ %s [%s] %s\n", loc, issue.Code, issue.Message)
	}
}
