package harness

import (
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/baasix/querycore/internal/ir"
)

// TraceSnapshot captures the trace of a scenario execution.
type TraceSnapshot struct {
	ScenarioName string
	Executions   int
	Trace        []TraceEvent
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, e := range s.Trace {
		m := map[string]any{
			"step":   e.Step,
			"kind":   e.Kind,
			"cached": e.Cached,
		}
		if e.Name != "" {
			m["name"] = e.Name
		}
		if e.Collection != "" {
			m["collection"] = e.Collection
		}
		if e.SQL != "" {
			m["sql"] = e.SQL
		}
		if len(e.Args) > 0 {
			m["args"] = canonicalValues(e.Args)
		}
		if len(e.Dependencies) > 0 {
			m["dependencies"] = e.Dependencies
		}
		if e.Kind == KindQuery && e.Error == "" {
			rows := make([]any, len(e.Rows))
			for j, r := range e.Rows {
				row := make(map[string]any, len(r))
				for k, v := range r {
					row[k] = canonicalValue(v)
				}
				rows[j] = row
			}
			m["rows"] = rows
		}
		if e.NextCursor != "" {
			m["next_cursor"] = e.NextCursor
		}
		if e.Error != "" {
			m["error"] = e.Error
		}
		trace[i] = m
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"executions":    s.Executions,
		"trace":         trace,
	}
}

func canonicalValues(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = canonicalValue(v)
	}
	return out
}

// canonicalValue maps values MarshalCanonical does not take, such as WKB
// geometry bytes, to strings.
func canonicalValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return fmt.Sprintf("%x", x)
	case int32:
		return int64(x)
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[k] = canonicalValue(e)
		}
		return m
	case []any:
		return canonicalValues(x)
	case nil, string, int, int64, uint64, float64, bool:
		return v
	}
	if _, err := ir.MarshalCanonical(v); err == nil {
		return v
	}
	return fmt.Sprint(v)
}

// Snapshot renders result as canonical JSON.
func Snapshot(name string, result *Result) ([]byte, error) {
	s := TraceSnapshot{ScenarioName: name, Executions: result.Executions, Trace: result.Trace}
	return ir.MarshalCanonical(s.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares the trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's trace against its golden
// file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		t.Fatalf("snapshot %s: %v", name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
}
