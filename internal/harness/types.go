package harness

import "strconv"

// Step kinds recorded in the trace.
const (
	KindQuery         = "query"
	KindWrite         = "write"
	KindExec          = "exec"
	KindInvalidateAll = "invalidate_all"
)

// TraceEvent is one executed step.
type TraceEvent struct {
	Step         int              `json:"step"`
	Name         string           `json:"name,omitempty"`
	Kind         string           `json:"kind"`
	Collection   string           `json:"collection,omitempty"`
	SQL          string           `json:"sql,omitempty"`
	Args         []any            `json:"args,omitempty"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Cached       bool             `json:"cached"`
	Rows         []map[string]any `json:"rows,omitempty"`
	NextCursor   string           `json:"next_cursor,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	// Executions counts executor runs, i.e. cache misses.
	Executions int `json:"executions"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Event returns the trace event of the named or 1-based numbered step.
func (r *Result) Event(step string) (*TraceEvent, bool) {
	for i := range r.Trace {
		e := &r.Trace[i]
		if e.Name == step || strconv.Itoa(e.Step) == step {
			return e, true
		}
	}
	return nil, false
}
