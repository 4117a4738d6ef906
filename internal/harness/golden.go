package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/flowcrm/internal/canonical"
)

// TraceSnapshot captures the node trace of a scenario execution.
// It is serialized as canonical JSON so golden files compare byte for
// byte.
type TraceSnapshot struct {
	ScenarioName string
	ExecutionID  string
	Status       string
	Error        string
	Trace        []TraceEvent
}

// NewTraceSnapshot builds the snapshot of a result.
func NewTraceSnapshot(scenarioName string, result *Result) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: scenarioName,
		ExecutionID:  result.ExecutionID,
		Status:       string(result.Status),
		Error:        result.Error,
		Trace:        result.Trace,
	}
}

// toCanonicalMap converts the snapshot to the value types canonical.Marshal
// accepts.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"seq":    ev.Seq,
			"node":   ev.Node,
			"type":   ev.Type,
			"status": ev.Status,
		}
		if ev.Error != "" {
			m["error"] = ev.Error
		}
		traceList[i] = m
	}

	out := map[string]any{
		"scenario":     s.ScenarioName,
		"execution_id": s.ExecutionID,
		"status":       s.Status,
		"trace":        traceList,
	}
	if s.Error != "" {
		out["error"] = s.Error
	}
	return out
}

// Marshal returns the canonical JSON form of the snapshot.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	return canonical.Marshal(s.toCanonicalMap())
}

// RunWithGolden runs a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass. Test failure (via
// goldie) occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(t.Context(), scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an already computed result against the golden
// file for scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	snapshot := NewTraceSnapshot(scenarioName, result)
	data, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
