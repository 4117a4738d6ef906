package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/flowcrm/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Identifiers are interpolated into queries, so nothing else is allowed.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Trace for debugging context, may be nil
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nTrace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", ev.Seq, ev.Node, ev.Status)
			if ev.Error != "" {
				fmt.Fprintf(&buf, " (%s)", ev.Error)
			}
			buf.WriteByte('\n')
		}
	}

	return buf.String()
}

// assertNodeOrder checks that the listed nodes succeeded in the given
// relative order. Other nodes may run in between.
func assertNodeOrder(trace []TraceEvent, assertion Assertion) error {
	done := make(map[string]int64)
	for _, ev := range trace {
		if ev.Status == "success" {
			done[ev.Node] = ev.Seq
		}
	}

	var prev string
	for _, node := range assertion.Nodes {
		seq, ok := done[node]
		if !ok {
			return &AssertionError{
				Type:     AssertNodeOrder,
				Expected: fmt.Sprintf("node %q to succeed", node),
				Actual:   "node did not succeed",
				Trace:    trace,
			}
		}
		if prev != "" && seq < done[prev] {
			return &AssertionError{
				Type:     AssertNodeOrder,
				Expected: fmt.Sprintf("%q after %q", node, prev),
				Actual:   fmt.Sprintf("%q finished at seq %d, %q at seq %d", node, seq, prev, done[prev]),
				Trace:    trace,
			}
		}
		prev = node
	}
	return nil
}

// assertNodeCount checks how many events a node emitted.
func assertNodeCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Node == assertion.Node {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertNodeCount,
			Expected: fmt.Sprintf("%d events for node %q", assertion.Count, assertion.Node),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertOutput checks the value at a dot path of the execution output.
func assertOutput(output map[string]any, assertion Assertion) error {
	actual, ok := lookupPath(output, assertion.Path)
	if !ok {
		return &AssertionError{
			Type:     AssertOutput,
			Expected: fmt.Sprintf("%s = %v", assertion.Path, assertion.Equals),
			Actual:   "path not present in output",
		}
	}
	if !valuesEqual(actual, assertion.Equals) {
		return &AssertionError{
			Type:     AssertOutput,
			Expected: fmt.Sprintf("%s = %v (type %T)", assertion.Path, assertion.Equals, assertion.Equals),
			Actual:   fmt.Sprintf("%s = %v (type %T)", assertion.Path, actual, actual),
		}
	}
	return nil
}

// assertHTTPRequest checks that the stub server received a request on
// the path, optionally with a method and a body containing the given
// fields.
func assertHTTPRequest(requests []RecordedRequest, assertion Assertion) error {
	for _, req := range requests {
		if req.Path != assertion.Path {
			continue
		}
		if assertion.Method != "" && !strings.EqualFold(req.Method, assertion.Method) {
			continue
		}
		if matchFields(req.Body, assertion.Body) {
			return nil
		}
	}

	seen := make([]string, 0, len(requests))
	for _, req := range requests {
		seen = append(seen, req.Method+" "+req.Path)
	}
	want := assertion.Path
	if assertion.Method != "" {
		want = strings.ToUpper(assertion.Method) + " " + want
	}
	if len(assertion.Body) > 0 {
		want += fmt.Sprintf(" with body %v", assertion.Body)
	}
	return &AssertionError{
		Type:     AssertHTTPRequest,
		Expected: "request " + want,
		Actual:   fmt.Sprintf("received %v", seen),
	}
}

// assertFinalState checks that exactly one row of a table matches Where
// and that it holds the expected column values.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if assertion.Table == "" {
		return fmt.Errorf("final_state assertion requires table name")
	}
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}

	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.Query(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	if err := rows.Scan(valuePtrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, formatWhereClause(assertion.Where)),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	keys := sortedKeys(assertion.Expect)
	for _, key := range keys {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// buildWhereClause constructs a parameterized WHERE clause. Keys are
// sorted for determinism and validated since they are interpolated.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := sortedKeys(where)
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, fmt.Sprintf("%s = ?", key))
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML scalar to a SQL argument.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, float64, bool, nil:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := sortedKeys(where)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares an expected YAML value with a column value.
// SQLite hands back int64, float64, string or []byte; booleans are
// stored as integers.
func stateValuesEqual(expected, actual any) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	if exp, ok := expected.(bool); ok {
		switch act := actual.(type) {
		case bool:
			return exp == act
		case int64:
			return exp == (act != 0)
		}
		return false
	}
	return valuesEqual(actual, expected)
}

// matchFields reports whether actual is an object holding every expected
// field. Nested objects match as subsets too.
func matchFields(actual any, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	actualMap, ok := actual.(map[string]any)
	if !ok {
		return false
	}
	for key, expectedVal := range expected {
		actualVal, exists := actualMap[key]
		if !exists {
			return false
		}
		if nested, ok := expectedVal.(map[string]any); ok {
			if !matchFields(actualVal, nested) {
				return false
			}
			continue
		}
		if !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// valuesEqual compares two values, treating all numeric types as equal
// when they hold the same number. Output decoded from JSON holds float64
// while YAML scenarios hold int.
func valuesEqual(actual, expected any) bool {
	if a, ok := toFloat(actual); ok {
		e, ok := toFloat(expected)
		return ok && a == e
	}

	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for k, v := range exp {
			av, ok := act[k]
			if !ok || !valuesEqual(av, v) {
				return false
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !valuesEqual(act[i], exp[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(actual, expected)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// lookupPath resolves a dot path such as "vip.tier" in nested maps.
func lookupPath(root map[string]any, path string) (any, bool) {
	var cur any = root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssertionContext provides what assertions evaluate against.
type AssertionContext struct {
	Ctx   context.Context
	Store *store.Store
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertNodeOrder:
			err = assertNodeOrder(result.Trace, assertion)
		case AssertNodeCount:
			err = assertNodeCount(result.Trace, assertion)
		case AssertOutput:
			err = assertOutput(result.Output, assertion)
		case AssertHTTPRequest:
			err = assertHTTPRequest(result.Requests, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
