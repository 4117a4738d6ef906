package harness

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowcrm/internal/crm"
	"github.com/roach88/flowcrm/internal/store"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Seq: 1, Node: "start", Status: "loading"},
		{Seq: 2, Node: "start", Status: "success"},
		{Seq: 3, Node: "skip", Status: "skipped"},
		{Seq: 4, Node: "end", Status: "loading"},
		{Seq: 5, Node: "end", Status: "error", Error: "boom"},
	}
}

func TestAssertNodeOrder(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Node: "a", Status: "success"},
		{Seq: 2, Node: "b", Status: "success"},
		{Seq: 3, Node: "c", Status: "success"},
	}
	assert.NoError(t, assertNodeOrder(trace, Assertion{Nodes: []string{"a", "c"}}))

	err := assertNodeOrder(trace, Assertion{Nodes: []string{"c", "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a" after "c"`)

	err = assertNodeOrder(sampleTrace(), Assertion{Nodes: []string{"start", "end"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `node "end" to succeed`)
	assert.Contains(t, err.Error(), "[5] end error (boom)")
}

func TestAssertNodeCount(t *testing.T) {
	assert.NoError(t, assertNodeCount(sampleTrace(), Assertion{Node: "start", Count: 2}))
	assert.NoError(t, assertNodeCount(sampleTrace(), Assertion{Node: "absent", Count: 0}))

	err := assertNodeCount(sampleTrace(), Assertion{Node: "skip", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 events for node \"skip\"")
}

func TestAssertOutput(t *testing.T) {
	output := map[string]any{
		"deal": map[string]any{"value": float64(1200), "title": "Big"},
		"tags": []any{"a", "b"},
	}

	assert.NoError(t, assertOutput(output, Assertion{Path: "deal.value", Equals: 1200}))
	assert.NoError(t, assertOutput(output, Assertion{Path: "deal.title", Equals: "Big"}))
	assert.NoError(t, assertOutput(output, Assertion{Path: "tags", Equals: []any{"a", "b"}}))

	err := assertOutput(output, Assertion{Path: "deal.value", Equals: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deal.value = 1200 (type float64)")

	err = assertOutput(output, Assertion{Path: "deal.title.x", Equals: "Big"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path not present")
}

func TestAssertHTTPRequest(t *testing.T) {
	requests := []RecordedRequest{
		{Method: "GET", Path: "/ping"},
		{Method: "POST", Path: "/notify", Body: map[string]any{"tier": "vip", "meta": map[string]any{"n": float64(1), "x": "y"}}},
	}

	assert.NoError(t, assertHTTPRequest(requests, Assertion{Path: "/ping"}))
	assert.NoError(t, assertHTTPRequest(requests, Assertion{Path: "/notify", Method: "post"}))
	assert.NoError(t, assertHTTPRequest(requests, Assertion{Path: "/notify", Body: map[string]any{"meta": map[string]any{"n": 1}}}))

	err := assertHTTPRequest(requests, Assertion{Path: "/notify", Method: "GET"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request GET /notify")
	assert.Contains(t, err.Error(), "[GET /ping POST /notify]")

	assert.Error(t, assertHTTPRequest(requests, Assertion{Path: "/notify", Body: map[string]any{"tier": "standard"}}))
	assert.Error(t, assertHTTPRequest(nil, Assertion{Path: "/ping"}))
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		expected any
		want     bool
	}{
		{"int vs float", float64(3), 3, true},
		{"int64 vs int", int64(3), 3, true},
		{"different numbers", float64(3.5), 3, false},
		{"number vs string", float64(3), "3", false},
		{"strings", "a", "a", true},
		{"nested maps", map[string]any{"a": float64(1)}, map[string]any{"a": 1}, true},
		{"map size differs", map[string]any{"a": 1, "b": 2}, map[string]any{"a": 1}, false},
		{"lists", []any{float64(1), "x"}, []any{1, "x"}, true},
		{"list length differs", []any{1}, []any{1, 2}, false},
		{"nil", nil, nil, true},
		{"bools", true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valuesEqual(tt.actual, tt.expected))
		})
	}
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual("a", []byte("a")))
	assert.True(t, stateValuesEqual(true, int64(1)))
	assert.True(t, stateValuesEqual(false, int64(0)))
	assert.False(t, stateValuesEqual(true, "1"))
	assert.True(t, stateValuesEqual(1200, float64(1200)))
	assert.True(t, stateValuesEqual(nil, nil))
	assert.False(t, stateValuesEqual(nil, ""))
	assert.False(t, stateValuesEqual("", nil))
}

func TestBuildWhereClause(t *testing.T) {
	sql, args, err := buildWhereClause(map[string]any{"tenant_id": "t1", "email": "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "email = ? AND tenant_id = ?", sql)
	assert.Equal(t, []any{"a@b.c", "t1"}, args)

	sql, args, err = buildWhereClause(nil)
	require.NoError(t, err)
	assert.Empty(t, sql)
	assert.Nil(t, args)

	_, _, err = buildWhereClause(map[string]any{"id; DROP TABLE deals": 1})
	assert.ErrorContains(t, err, "invalid column name")
}

func TestFormatWhereClause(t *testing.T) {
	assert.Equal(t, "(no conditions)", formatWhereClause(nil))
	assert.Equal(t, "a=1 AND b=x", formatWhereClause(map[string]any{"b": "x", "a": 1}))
}

func TestAssertFinalState(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := crm.NewService(st.CRM(),
		crm.WithClock(func() time.Time { return FixedNow }),
		crm.WithIDGenerator(newSequence("id").Generate),
	)
	ctx := t.Context()
	_, _, err = svc.CreateContact(ctx, "t1", crm.CreateContactInput{Name: "Ada", Email: "ada@example.com", Tags: []string{"vip"}})
	require.NoError(t, err)
	_, _, err = svc.CreateContact(ctx, "t1", crm.CreateContactInput{Name: "Ada", Email: "ada2@example.com"})
	require.NoError(t, err)

	ok := Assertion{Table: "contacts", Where: map[string]any{"email": "ada@example.com"}, Expect: map[string]any{"id": "id-001", "name": "Ada", "tags": `["vip"]`}}
	assert.NoError(t, assertFinalState(ctx, st, ok))

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   string
	}{
		{"wrong value", Assertion{Table: "contacts", Where: map[string]any{"email": "ada@example.com"}, Expect: map[string]any{"name": "Bob"}}, `field "name" = Ada`},
		{"unknown column", Assertion{Table: "contacts", Where: map[string]any{"email": "ada@example.com"}, Expect: map[string]any{"age": 3}}, `field "age" not present`},
		{"no row", Assertion{Table: "contacts", Where: map[string]any{"email": "nobody@example.com"}, Expect: map[string]any{"name": "Ada"}}, "row not found"},
		{"ambiguous", Assertion{Table: "contacts", Where: map[string]any{"name": "Ada"}, Expect: map[string]any{"name": "Ada"}}, "multiple rows matched"},
		{"bad table", Assertion{Table: "contacts; --", Expect: map[string]any{"name": "Ada"}}, "invalid table name"},
		{"missing table", Assertion{Table: "missing", Expect: map[string]any{"name": "Ada"}}, "query error"},
		{"no table", Assertion{Expect: map[string]any{"name": "Ada"}}, "requires table name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(ctx, st, tt.assertion)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEvaluateAssertions(t *testing.T) {
	result := NewResult()
	result.Trace = sampleTrace()

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertNodeCount, Node: "start", Count: 2},
		{Type: AssertFinalState, Table: "contacts", Expect: map[string]any{"a": 1}},
		{Type: "bogus"},
	}, nil)

	require.Len(t, errs, 2)
	assert.Equal(t, "assertion[1]: final_state requires database context", errs[0])
	assert.Equal(t, `assertion[2]: unknown assertion type "bogus"`, errs[1])
}
