package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/flowcrm/internal/canonical"
)

// marshalObject converts a JSON object to canonical JSON TEXT for storage.
// A nil map is stored as "{}".
func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := canonical.Marshal(normalizeJSON(m))
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// unmarshalObject parses a JSON object column. Numbers decode as float64,
// matching values that arrive over the API.
func unmarshalObject(data string) (map[string]any, error) {
	if data == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func marshalStrings(ss []string) (string, error) {
	if ss == nil {
		ss = []string{}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "", fmt.Errorf("marshal strings: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	var ss []string
	if err := json.Unmarshal([]byte(data), &ss); err != nil {
		return nil, fmt.Errorf("unmarshal strings: %w", err)
	}
	return ss, nil
}

// normalizeJSON round-trips values of types canonical.Marshal does not
// know (typed slices, structs from executors) through encoding/json so
// any JSON-representable value can be stored.
func normalizeJSON(m map[string]any) any {
	if _, err := canonical.Marshal(m); err == nil {
		return m
	}
	data, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return m
	}
	return out
}
