package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario is a sequence of reads, writes and invalidations against one
// schema, with expectations on each read and assertions on the whole run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is an optional CUE file defining the collections. Relative
	// paths resolve against the scenario file. Empty means the fixture
	// schema from testutil.
	Schema string `yaml:"schema,omitempty"`

	// Seed statements run before the first step.
	Seed []string `yaml:"seed,omitempty"`

	// Permissions maps role -> collection -> read rule.
	Permissions map[string]map[string]yaml.Node `yaml:"permissions,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is exactly one of Query, Write, Exec or InvalidateAll.
type Step struct {
	Name string `yaml:"name,omitempty"`

	Query *QueryStep `yaml:"query,omitempty"`

	// Write notifies the engine of a committed write to a collection.
	Write string `yaml:"write,omitempty"`

	// Exec runs a raw statement against the database without notifying
	// the engine.
	Exec string `yaml:"exec,omitempty"`

	InvalidateAll bool `yaml:"invalidate_all,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// QueryStep is one read request.
type QueryStep struct {
	Collection string    `yaml:"collection"`
	Filter     yaml.Node `yaml:"filter,omitempty"`
	Fields     []string  `yaml:"fields,omitempty"`
	Sort       string    `yaml:"sort,omitempty"`
	Limit      int       `yaml:"limit,omitempty"`
	Offset     int       `yaml:"offset,omitempty"`

	// After continues from the next cursor of the named step.
	After string `yaml:"after,omitempty"`

	Aggregate *AggregateStep `yaml:"aggregate,omitempty"`
	As        Identity       `yaml:"as"`
	NoCache   bool           `yaml:"no_cache,omitempty"`
}

// AggregateStep requests grouped aggregates: "count(*)", "sum(total)".
type AggregateStep struct {
	Funcs   []string `yaml:"funcs"`
	GroupBy []string `yaml:"group_by,omitempty"`
}

// Identity is the caller a query runs as.
type Identity struct {
	User   string `yaml:"user,omitempty"`
	Role   string `yaml:"role,omitempty"`
	Tenant string `yaml:"tenant,omitempty"`
	Scope  string `yaml:"scope,omitempty"`
}

// ExpectClause holds the expected outcome of a query step. Unset fields
// are not checked.
type ExpectClause struct {
	Cached *bool `yaml:"cached,omitempty"`
	Count  *int  `yaml:"count,omitempty"`

	// IDs are the expected "id" column values, in order.
	IDs []int64 `yaml:"ids,omitempty"`

	// Rows are matched in order with subset semantics per row.
	Rows []map[string]any `yaml:"rows,omitempty"`

	// Error is an error code such as FIELD_NOT_FOUND, or a substring of the
	// error message.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates the whole run.
type Assertion struct {
	// Type is one of executions, sql_contains, dependencies or final_state.
	Type string `yaml:"type"`

	// Step names the step (by name or 1-based number) for sql_contains and
	// dependencies.
	Step string `yaml:"step,omitempty"`

	// Text is the expected SQL fragment (sql_contains).
	Text string `yaml:"text,omitempty"`

	// Tables is the expected dependency set (dependencies).
	Tables []string `yaml:"tables,omitempty"`

	// Count is the expected number of executor runs (executions).
	Count int `yaml:"count,omitempty"`

	// Table, Where and Expect drive final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertExecutions   = "executions"
	AssertSQLContains  = "sql_contains"
	AssertDependencies = "dependencies"
	AssertFinalState   = "final_state"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) {
		scenario.Schema = filepath.Join(filepath.Dir(path), scenario.Schema)
	}
	if scenario.Schema != "" {
		if _, err := os.Stat(scenario.Schema); err != nil {
			return nil, fmt.Errorf("invalid scenario: schema file not found: %s", scenario.Schema)
		}
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	names := make(map[string]bool)
	for i, step := range s.Steps {
		set := 0
		if step.Query != nil {
			set++
		}
		if step.Write != "" {
			set++
		}
		if step.Exec != "" {
			set++
		}
		if step.InvalidateAll {
			set++
		}
		if set != 1 {
			return fmt.Errorf("steps[%d]: exactly one of query, write, exec or invalidate_all is required", i)
		}
		if step.Query != nil && step.Query.Collection == "" {
			return fmt.Errorf("steps[%d].query: collection is required", i)
		}
		if step.Expect != nil && step.Query == nil {
			return fmt.Errorf("steps[%d]: expect applies to query steps only", i)
		}
		if step.Query != nil && step.Query.After != "" && !names[step.Query.After] {
			return fmt.Errorf("steps[%d].query: after refers to unknown earlier step %q", i, step.Query.After)
		}
		if step.Name != "" {
			if names[step.Name] {
				return fmt.Errorf("steps[%d]: duplicate step name %q", i, step.Name)
			}
			names[step.Name] = true
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertExecutions:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for executions", index)
		}
	case AssertSQLContains:
		if a.Step == "" || a.Text == "" {
			return fmt.Errorf("assertions[%d]: step and text are required for sql_contains", index)
		}
	case AssertDependencies:
		if a.Step == "" || len(a.Tables) == 0 {
			return fmt.Errorf("assertions[%d]: step and tables are required for dependencies", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
