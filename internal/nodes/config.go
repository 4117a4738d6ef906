package nodes

import (
	"math"
	"strconv"
	"strings"

	"github.com/roach88/flowcrm/internal/template"
)

// stringField returns cfg[key] as trimmed text. Non-string values are
// stringified.
func stringField(cfg map[string]any, key string) string {
	return strings.TrimSpace(template.Stringify(cfg[key]))
}

func requireString(in Input, key string) (string, error) {
	s := stringField(in.Config, key)
	if s == "" {
		return "", configError(in, key, "is required")
	}
	return s, nil
}

// boolField accepts a bool or its common text forms.
func boolField(cfg map[string]any, key string) bool {
	switch v := cfg[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	default:
		return false
	}
}

// toNumber converts numbers and numeric text to a finite float64.
// "NaN" and "Infinity" are not numbers here.
func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		var err error
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// mapField returns cfg[key] as an object, or nil.
func mapField(cfg map[string]any, key string) map[string]any {
	m, _ := cfg[key].(map[string]any)
	return m
}

// stringList accepts a list or a comma separated string.
func stringList(v any) []string {
	var out []string
	switch val := v.(type) {
	case []any:
		for _, e := range val {
			if s := strings.TrimSpace(template.Stringify(e)); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		for _, s := range val {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, s := range strings.Split(val, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func anyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
