// Package template resolves {{variable}} placeholders in node
// configuration against the outputs of upstream nodes.
//
// A placeholder is a dotted path into the execution context, optionally
// prefixed by a helper name:
//
//	{{trigger.email}}          value at path, rendered as text
//	{{json lead}}              value encoded as JSON
//	{{upper lead.name}}        upper-cased text
//	{{lower lead.email}}       lower-cased text
//	{{title lead.name}}        title-cased text (Unicode aware)
//
// Array elements are addressed by index: {{items.0.sku}}.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Mode controls how missing variables are treated.
type Mode int

const (
	// Lenient renders missing variables as the empty string.
	Lenient Mode = iota
	// Strict fails with a MissingVariableError.
	Strict
)

// MissingVariableError reports a placeholder whose path does not resolve.
type MissingVariableError struct {
	Path string
}

// Error implements the error interface.
func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("variable %q not found", e.Path)
}

// SyntaxError reports a malformed placeholder.
type SyntaxError struct {
	Template string
	Offset   int
	Message  string
}

// Error implements the error interface.
func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template syntax error at offset %d: %s", e.Offset, e.Message)
}

type helperFunc func(v any) (string, error)

var titleCaser = cases.Title(language.Und)

var helpers = map[string]helperFunc{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("json helper: %w", err)
		}
		return string(b), nil
	},
	"upper": func(v any) (string, error) { return strings.ToUpper(Stringify(v)), nil },
	"lower": func(v any) (string, error) { return strings.ToLower(Stringify(v)), nil },
	"title": func(v any) (string, error) { return titleCaser.String(Stringify(v)), nil },
}

// placeholder is a parsed {{...}} expression.
type placeholder struct {
	start, end int // byte offsets of "{{" and just past "}}"
	helper     string
	path       string
}

// parse scans a template for placeholders.
func parse(tmpl string) ([]placeholder, error) {
	var out []placeholder
	i := 0
	for {
		open := strings.Index(tmpl[i:], "{{")
		if open < 0 {
			return out, nil
		}
		open += i
		closeIdx := strings.Index(tmpl[open+2:], "}}")
		if closeIdx < 0 {
			return nil, &SyntaxError{Template: tmpl, Offset: open, Message: "unclosed placeholder"}
		}
		end := open + 2 + closeIdx + 2
		expr := strings.TrimSpace(tmpl[open+2 : end-2])
		if expr == "" {
			return nil, &SyntaxError{Template: tmpl, Offset: open, Message: "empty placeholder"}
		}

		p := placeholder{start: open, end: end}
		fields := strings.Fields(expr)
		switch len(fields) {
		case 1:
			p.path = fields[0]
		case 2:
			if _, ok := helpers[fields[0]]; !ok {
				return nil, &SyntaxError{Template: tmpl, Offset: open, Message: fmt.Sprintf("unknown helper %q", fields[0])}
			}
			p.helper, p.path = fields[0], fields[1]
		default:
			return nil, &SyntaxError{Template: tmpl, Offset: open, Message: fmt.Sprintf("too many arguments in %q", expr)}
		}
		out = append(out, p)
		i = end
	}
}

// Lookup walks a dotted path through nested maps and slices.
func Lookup(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify renders a resolved value as text. Strings are returned as-is,
// nil renders empty, maps and slices render as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		return fmt.Sprint(val)
	}
}

func evaluate(p placeholder, ctx map[string]any, mode Mode) (any, error) {
	v, ok := Lookup(ctx, p.path)
	if !ok {
		if mode == Strict {
			return nil, &MissingVariableError{Path: p.path}
		}
		v = nil
	}
	if p.helper == "" {
		return v, nil
	}
	return helpers[p.helper](v)
}

// Render interpolates every placeholder in tmpl as text.
func Render(tmpl string, ctx map[string]any, mode Mode) (string, error) {
	phs, err := parse(tmpl)
	if err != nil {
		return "", err
	}
	if len(phs) == 0 {
		return tmpl, nil
	}

	var b strings.Builder
	last := 0
	for _, p := range phs {
		b.WriteString(tmpl[last:p.start])
		v, err := evaluate(p, ctx, mode)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(v))
		last = p.end
	}
	b.WriteString(tmpl[last:])
	return b.String(), nil
}

// Resolve is like Render, except that a template consisting of exactly one
// bare placeholder yields the referenced value unchanged (numbers stay
// numbers, objects stay objects). A missing path still resolves to "" in
// lenient mode.
func Resolve(tmpl string, ctx map[string]any, mode Mode) (any, error) {
	phs, err := parse(tmpl)
	if err != nil {
		return nil, err
	}
	if len(phs) == 1 && phs[0].helper == "" && phs[0].start == 0 && phs[0].end == len(tmpl) {
		if _, ok := Lookup(ctx, phs[0].path); !ok && mode == Lenient {
			return "", nil
		}
		return evaluate(phs[0], ctx, mode)
	}
	return Render(tmpl, ctx, mode)
}

// ResolveData resolves every string inside a node's configuration,
// descending into nested maps and slices. The input is not modified.
func ResolveData(data map[string]any, ctx map[string]any, mode Mode) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		r, err := resolveAny(v, ctx, mode)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

func resolveAny(v any, ctx map[string]any, mode Mode) (any, error) {
	switch val := v.(type) {
	case string:
		return Resolve(val, ctx, mode)
	case map[string]any:
		return ResolveData(val, ctx, mode)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			r, err := resolveAny(elem, ctx, mode)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}
