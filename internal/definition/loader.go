package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/flowcrm/internal/graph"
)

// File is a workflow loaded from disk.
type File struct {
	Path     string
	Workflow *graph.Workflow
}

// IsDefinitionFile reports whether path has a definition extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

// LoadFile reads and parses a single definition file.
func LoadFile(path string) (*graph.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeRead, File: path, Message: err.Error(), Err: err}
	}
	return Parse(path, data)
}

// Parse decodes a definition. The format is chosen by name's extension.
func Parse(name string, data []byte) (*graph.Workflow, error) {
	var (
		doc *document
		err error
	)
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		doc, err = parseYAML(name, data)
	case ".cue":
		doc, err = parseCUE(name, data)
	default:
		return nil, &LoadError{Code: ErrCodeFileType, File: name, Message: "expected .yaml, .yml or .cue"}
	}
	if err != nil {
		return nil, err
	}

	wf := doc.workflow()
	if errs := graph.Validate(wf); len(errs) > 0 {
		return nil, &LoadError{
			Code:    ErrCodeGraph,
			File:    name,
			Message: graph.ValidationErrors(errs).Error(),
			Err:     graph.ValidationErrors(errs),
		}
	}
	return wf, nil
}

func parseYAML(name string, data []byte) (*document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &LoadError{Code: ErrCodeSyntax, File: name, Message: "empty document"}
		}
		return nil, &LoadError{Code: ErrCodeSyntax, File: name, Message: err.Error(), Err: err}
	}

	ctx := cuecontext.New()
	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return nil, &LoadError{Code: ErrCodeSchema, File: name, Message: err.Error(), Err: err}
	}
	if err := checkSchema(ctx, name, v); err != nil {
		return nil, err
	}
	return &doc, nil
}

func parseCUE(name string, data []byte) (*document, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, cueLoadError(ErrCodeSyntax, name, err)
	}
	if err := checkSchema(ctx, name, v); err != nil {
		return nil, err
	}

	var doc document
	if err := v.Decode(&doc); err != nil {
		return nil, cueLoadError(ErrCodeSchema, name, err)
	}
	return &doc, nil
}

// checkSchema unifies v with #Workflow and requires a concrete result.
// Closed definitions reject unknown fields, as the YAML decoder does.
func checkSchema(ctx *cue.Context, name string, v cue.Value) error {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile embedded schema: %w", err)
	}
	unified := schema.LookupPath(cue.ParsePath("#Workflow")).Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cueLoadError(ErrCodeSchema, name, err)
	}
	return nil
}

func cueLoadError(code, name string, err error) *LoadError {
	le := &LoadError{Code: code, File: name, Message: err.Error(), Err: err}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		le.Message = errs[0].Error()
		le.Pos = errs[0].Position()
	}
	return le
}

// normalizeNumbers turns integers into float64 so node data has the
// same number types whether it came from YAML, CUE or JSON.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeNumbers(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeNumbers(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	default:
		return v
	}
}

// LoadDir loads every definition file under dir, recursively.
// All errors are collected; files that load cleanly are returned even
// when others fail. Results are sorted by path.
func LoadDir(dir string) ([]File, []error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeRead, File: dir, Message: err.Error(), Err: err}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeRead, File: dir, Message: "not a directory"}}
	}

	paths, err := findFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeRead, File: dir, Message: fmt.Sprintf("scanning directory: %v", err), Err: err}}
	}
	if len(paths) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, File: dir, Message: "no workflow definitions found"}}
	}

	var (
		files []File
		errs  []error
		seen  = make(map[string]string)
	)
	for _, path := range paths {
		wf, err := LoadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, ok := seen[wf.ID]; ok {
			errs = append(errs, &LoadError{
				Code:    ErrCodeDupID,
				File:    path,
				Message: fmt.Sprintf("workflow %q already defined in %s", wf.ID, prev),
			})
			continue
		}
		seen[wf.ID] = path
		files = append(files, File{Path: path, Workflow: wf})
	}
	return files, errs
}

func findFiles(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsDefinitionFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	sort.Strings(paths)
	return paths, err
}
