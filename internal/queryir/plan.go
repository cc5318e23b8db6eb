package queryir

import (
	"fmt"
	"strings"

	"github.com/baasix/querycore/internal/ir"
)

// JoinType is the SQL join used for one relation hop.
type JoinType uint8

const (
	// JoinLeft keeps root rows without a related row; comparisons against
	// the missing side see NULL.
	JoinLeft JoinType = iota

	// JoinInner drops root rows without a related row. Scoping conditions
	// use it so "the linked row must satisfy C" cannot pass on a missing
	// link.
	JoinInner
)

func (t JoinType) String() string {
	if t == JoinInner {
		return "INNER JOIN"
	}
	return "LEFT JOIN"
}

// JoinStep is one table joined into a compiled query.
//
// On holds "?" placeholders for OnParams (polymorphic discriminators). Path
// is the relation path the step serves, with a "#" suffix for the junction
// hop of a many-to-many relation.
type JoinStep struct {
	Table    string
	Alias    string
	Type     JoinType
	On       string
	OnParams []any
	Path     string
}

// SQL renders the step as a JOIN clause.
func (j JoinStep) SQL() string {
	return fmt.Sprintf("%s %s %s ON %s", j.Type, j.Table, j.Alias, j.On)
}

// SortKey orders by one field path.
type SortKey struct {
	Field string
	Desc  bool
}

// ParseSort reads "-created_at,title" style sort specs. A leading "-" means
// descending.
func ParseSort(spec string) []SortKey {
	var keys []SortKey
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "-") {
			keys = append(keys, SortKey{Field: part[1:], Desc: true})
			continue
		}
		keys = append(keys, SortKey{Field: strings.TrimPrefix(part, "+")})
	}
	return keys
}

func (k SortKey) String() string {
	if k.Desc {
		return "-" + k.Field
	}
	return k.Field
}

// Pagination selects a window of the ordered result.
//
// Offset pagination costs O(offset) at the store. Cursor pagination (After)
// seeks past the last row of the previous page and is the recommended path
// for large result sets. After holds that row's sort-key tuple, in the order
// of CompiledQuery.SortKeys.
type Pagination struct {
	Limit  int
	Offset int
	After  []ir.Value
}

// AggFunc is an aggregate function.
type AggFunc string

const (
	AggCount AggFunc = "count"
	AggSum   AggFunc = "sum"
	AggAvg   AggFunc = "avg"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
)

// Valid reports whether f is a supported aggregate.
func (f AggFunc) Valid() bool {
	switch f {
	case AggCount, AggSum, AggAvg, AggMin, AggMax:
		return true
	}
	return false
}

// Aggregate is one aggregated output column. Field "*" is allowed for count.
type Aggregate struct {
	Func  AggFunc
	Field string
	Alias string
}

// OutputName is the column name of the aggregate in result rows.
func (a Aggregate) OutputName() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Field == "*" {
		return string(a.Func)
	}
	return string(a.Func) + "_" + strings.ReplaceAll(a.Field, ".", "_")
}

// ParseAggregate reads "count(*)", "sum(total)" or "avg(items.qty) as q".
func ParseAggregate(spec string) (Aggregate, error) {
	spec = strings.TrimSpace(spec)
	var alias string
	if i := strings.LastIndex(strings.ToLower(spec), " as "); i >= 0 {
		alias = strings.TrimSpace(spec[i+4:])
		spec = strings.TrimSpace(spec[:i])
	}
	open := strings.IndexByte(spec, '(')
	if open <= 0 || !strings.HasSuffix(spec, ")") {
		return Aggregate{}, fmt.Errorf("aggregate %q: want func(field)", spec)
	}
	a := Aggregate{
		Func:  AggFunc(strings.ToLower(spec[:open])),
		Field: strings.TrimSpace(spec[open+1 : len(spec)-1]),
		Alias: alias,
	}
	if !a.Func.Valid() {
		return Aggregate{}, fmt.Errorf("aggregate %q: unknown function %q", spec, a.Func)
	}
	if a.Field == "" {
		return Aggregate{}, fmt.Errorf("aggregate %q: missing field", spec)
	}
	return a, nil
}

// Aggregation groups rows and computes aggregates per group.
type Aggregation struct {
	Funcs   []Aggregate
	GroupBy []string
}

// IsZero reports whether no aggregation was requested.
func (a *Aggregation) IsZero() bool {
	return a == nil || (len(a.Funcs) == 0 && len(a.GroupBy) == 0)
}

// CompiledSortKey is a resolved ORDER BY entry.
type CompiledSortKey struct {
	Field  string // field path as requested, "" for the appended tiebreaker
	Column string // qualified column expression
	Output string // result column carrying the value, used to build cursors
	Desc   bool

	// Nullable is set when the column can hold NULL, including any field
	// reached through a LEFT JOIN.
	Nullable bool
}

// CompiledQuery is the executor-facing plan of one request.
//
// Invariant: Args equals the join OnParams followed by WhereParams and the
// cursor parameters, in placeholder order of SQL.
type CompiledQuery struct {
	Collection   string
	Select       []string
	Distinct     bool
	Joins        []JoinStep
	Where        string
	WhereParams  []any
	OrderBy      []string
	SortKeys     []CompiledSortKey
	Limit        int
	Offset       int
	Cursor       []ir.Value
	GroupBy      []string
	Dependencies []string

	SQL  string
	Args []any
}
