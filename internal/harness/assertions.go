package harness

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/baasix/querycore/internal/schema"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// checkExpect compares a query step's outcome with its expect clause.
func checkExpect(want *ExpectClause, got TraceEvent) []string {
	var errs []string
	if want.Error != "" {
		if got.Error == "" {
			return []string{fmt.Sprintf("expected error %q, query succeeded", want.Error)}
		}
		if !strings.Contains(got.Error, want.Error) {
			errs = append(errs, fmt.Sprintf("expected error %q, got %q", want.Error, got.Error))
		}
		return errs
	}
	if got.Error != "" {
		return nil // already reported
	}

	if want.Cached != nil && *want.Cached != got.Cached {
		errs = append(errs, fmt.Sprintf("cached = %v, expected %v", got.Cached, *want.Cached))
	}
	if want.Count != nil && *want.Count != len(got.Rows) {
		errs = append(errs, fmt.Sprintf("%d rows, expected %d", len(got.Rows), *want.Count))
	}
	if want.IDs != nil {
		ids := make([]int64, 0, len(got.Rows))
		for _, r := range got.Rows {
			id, _ := r["id"].(int64)
			ids = append(ids, id)
		}
		if !reflect.DeepEqual(ids, want.IDs) {
			errs = append(errs, fmt.Sprintf("ids = %v, expected %v", ids, want.IDs))
		}
	}
	if want.Rows != nil {
		if len(want.Rows) != len(got.Rows) {
			errs = append(errs, fmt.Sprintf("%d rows, expected %d", len(got.Rows), len(want.Rows)))
		} else {
			for i := range want.Rows {
				if !matchRow(got.Rows[i], want.Rows[i]) {
					errs = append(errs, fmt.Sprintf("row %d = %v, expected %v", i, got.Rows[i], want.Rows[i]))
				}
			}
		}
	}
	return errs
}

// matchRow checks if actual contains all expected columns (subset match).
func matchRow(actual map[string]any, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok || !stateValuesEqual(want, got) {
			return false
		}
	}
	return true
}

// EvaluateAssertions evaluates all assertions against the result and the
// final database state. Returns a message per failed assertion.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, db interface{ DB() *sql.DB }) []string {
	var errors []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertExecutions:
			if result.Executions != a.Count {
				err = &AssertionError{
					Type:     a.Type,
					Expected: fmt.Sprintf("%d executor runs", a.Count),
					Actual:   fmt.Sprintf("%d executor runs", result.Executions),
				}
			}
		case AssertSQLContains:
			err = assertStep(result, a, func(e *TraceEvent) error {
				if !strings.Contains(e.SQL, a.Text) {
					return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("SQL containing %q", a.Text), Actual: e.SQL}
				}
				return nil
			})
		case AssertDependencies:
			err = assertStep(result, a, func(e *TraceEvent) error {
				want := append([]string(nil), a.Tables...)
				sort.Strings(want)
				if !reflect.DeepEqual(e.Dependencies, want) {
					return &AssertionError{Type: a.Type, Expected: fmt.Sprint(want), Actual: fmt.Sprint(e.Dependencies)}
				}
				return nil
			})
		case AssertFinalState:
			err = assertFinalState(ctx, db.DB(), a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}

		if err != nil {
			errors = append(errors, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}

	return errors
}

func assertStep(result *Result, a Assertion, check func(*TraceEvent) error) error {
	e, ok := result.Event(a.Step)
	if !ok {
		return fmt.Errorf("no step %q in trace", a.Step)
	}
	return check(e)
}

// assertFinalState queries a table with parameterized SQL and checks the
// single matching row with subset semantics. Identifiers are validated
// because they cannot be parameterized.
func assertFinalState(ctx context.Context, db *sql.DB, a Assertion) error {
	if !schema.ValidIdentifier(a.Table) {
		return fmt.Errorf("invalid table name %q", a.Table)
	}

	keys := make([]string, 0, len(a.Where))
	for k := range a.Where {
		if !schema.ValidIdentifier(k) {
			return fmt.Errorf("invalid column name %q in where clause", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	query := "SELECT * FROM " + a.Table
	args := make([]any, 0, len(keys))
	if len(keys) > 0 {
		clauses := make([]string, len(keys))
		for i, k := range keys {
			clauses[i] = k + " = ?"
			args = append(args, a.Where[k])
		}
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return &AssertionError{Type: AssertFinalState, Expected: "query table " + a.Table, Actual: fmt.Sprintf("query error: %v", err)}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}
	if !rows.Next() {
		return &AssertionError{Type: AssertFinalState, Expected: fmt.Sprintf("row in %s where %v", a.Table, a.Where), Actual: "row not found"}
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}
	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %v", a.Table, a.Where),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actual := make(map[string]any, len(columns))
	for i, col := range columns {
		actual[col] = values[i]
	}
	for key, want := range a.Expect {
		got, ok := actual[key]
		if !ok {
			return &AssertionError{Type: AssertFinalState, Expected: fmt.Sprintf("field %q to exist", key), Actual: fmt.Sprintf("columns %v", columns)}
		}
		if !stateValuesEqual(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, want, want),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, got, got),
			}
		}
	}
	return nil
}

// stateValuesEqual compares a YAML-decoded expected value with a scanned
// one. SQLite returns int64 for integers, 0/1 for booleans and []byte for
// some text.
func stateValuesEqual(expected, actual any) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case int:
		switch act := actual.(type) {
		case int64:
			return int64(exp) == act
		case float64:
			return float64(exp) == act
		}
		return false
	case float64:
		switch act := actual.(type) {
		case float64:
			return exp == act
		case int64:
			return exp == float64(act)
		}
		return false
	case bool:
		switch act := actual.(type) {
		case bool:
			return exp == act
		case int64:
			return exp == (act != 0)
		}
		return false
	case string:
		act, ok := actual.(string)
		return ok && exp == act
	}

	return reflect.DeepEqual(expected, actual)
}
