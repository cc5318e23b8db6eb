package operator

import (
	"fmt"
	"strings"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/qerr"
	"github.com/baasix/querycore/internal/schema"
)

// Dialect selects the SQL flavor operators emit.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect maps a configuration value to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	}
	return "", fmt.Errorf("unknown SQL dialect %q", s)
}

// ColumnResolver turns a $COL path into a column expression.
type ColumnResolver func(path string) (string, error)

// Context carries everything an operator needs to render one leaf.
type Context struct {
	Dialect  Dialect
	Column   string // qualified column expression of the filtered field
	Path     string // field path as written in the filter, for errors
	Field    schema.Field
	Geometry bool // storage has geometry support
	Columns  ColumnResolver
}

// Fragment is a piece of WHERE text with "?" placeholders and their
// arguments in placeholder order.
type Fragment struct {
	SQL  string
	Args []any
}

type compileFunc func(op *Operator, c *Context, v ir.Value) (Fragment, error)

var compilers = [numKinds]compileFunc{
	Eq:  compileComparison,
	Neq: compileComparison,
	Gt:  compileComparison,
	Gte: compileComparison,
	Lt:  compileComparison,
	Lte: compileComparison,

	Contains:     compileMatch,
	NContains:    compileMatch,
	IContains:    compileMatch,
	NIContains:   compileMatch,
	StartsWith:   compileMatch,
	NStartsWith:  compileMatch,
	IStartsWith:  compileMatch,
	NIStartsWith: compileMatch,
	EndsWith:     compileMatch,
	NEndsWith:    compileMatch,
	IEndsWith:    compileMatch,
	NIEndsWith:   compileMatch,
	Like:         compileLike,
	NLike:        compileLike,
	ILike:        compileLike,
	NILike:       compileLike,
	Regex:        compileRegex,
	NRegex:       compileRegex,
	IEq:          compileIEq,
	NIEq:         compileIEq,

	In:       compileIn,
	NIn:      compileIn,
	Between:  compileBetween,
	NBetween: compileBetween,

	IsNull:   compileNull,
	NotNull:  compileNull,
	Empty:    compileEmpty,
	NotEmpty: compileEmpty,

	JSONHas:      compileJSONHas,
	JSONContains: compileJSONContains,
	JSONEq:       compileJSONCompare,
	JSONNeq:      compileJSONCompare,
	JSONGt:       compileJSONCompare,
	JSONLt:       compileJSONCompare,
	JSONIn:       compileJSONIn,

	DWithin:     compileDWithin,
	Intersects:  compileSpatial,
	NIntersects: compileSpatial,
	Within:      compileSpatial,
	NWithin:     compileSpatial,
}

// Compile validates v and renders the leaf "<column> <op> <value>".
func (op *Operator) Compile(c *Context, v ir.Value) (Fragment, error) {
	if err := op.Check(c.Path, c.Field, v); err != nil {
		return Fragment{}, err
	}
	if op.Capability == CapabilityGeometry && !c.Geometry {
		return Fragment{}, &qerr.CapabilityError{Operator: op.Name, Capability: string(op.Capability)}
	}
	return compilers[op.Kind](op, c, v)
}

var comparisonSymbols = map[Kind]string{
	Eq:  "=",
	Neq: "<>",
	Gt:  ">",
	Gte: ">=",
	Lt:  "<",
	Lte: "<=",
}

func compileComparison(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	sym := comparisonSymbols[op.Kind]

	switch val := v.(type) {
	case ir.Null:
		if op.Kind == Eq {
			return Fragment{SQL: c.Column + " IS NULL"}, nil
		}
		return Fragment{SQL: c.Column + " IS NOT NULL"}, nil
	case ir.ColumnRef:
		if c.Columns == nil {
			return Fragment{}, fmt.Errorf("operator %s: column references are not available here", op.Name)
		}
		other, err := c.Columns(val.Path)
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{SQL: c.Column + " " + sym + " " + other}, nil
	}

	p, err := ir.Param(v)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{SQL: c.Column + " " + sym + " ?", Args: []any{p}}, nil
}

type anchor uint8

const (
	anchorContains anchor = iota
	anchorStart
	anchorEnd
)

type matchSpec struct {
	anchor      anchor
	insensitive bool
	negate      bool
}

var matchSpecs = map[Kind]matchSpec{
	Contains:     {anchorContains, false, false},
	NContains:    {anchorContains, false, true},
	IContains:    {anchorContains, true, false},
	NIContains:   {anchorContains, true, true},
	StartsWith:   {anchorStart, false, false},
	NStartsWith:  {anchorStart, false, true},
	IStartsWith:  {anchorStart, true, false},
	NIStartsWith: {anchorStart, true, true},
	EndsWith:     {anchorEnd, false, false},
	NEndsWith:    {anchorEnd, false, true},
	IEndsWith:    {anchorEnd, true, false},
	NIEndsWith:   {anchorEnd, true, true},
}

// compileMatch handles the substring family. User text is escaped so its
// wildcard characters match literally. SQLite LIKE ignores ASCII case, so the
// case-sensitive SQLite form uses GLOB.
func compileMatch(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	spec := matchSpecs[op.Kind]
	s := string(v.(ir.String))

	var sql, pattern string
	switch {
	case c.Dialect == SQLite && !spec.insensitive:
		pattern = wrap(spec.anchor, escapeGlob(s), "*")
		sql = c.Column + " GLOB ?"
	case c.Dialect == SQLite:
		pattern = wrap(spec.anchor, escapeLike(s), "%")
		sql = "LOWER(" + c.Column + ") LIKE LOWER(?) ESCAPE '\\'"
	case spec.insensitive:
		pattern = wrap(spec.anchor, escapeLike(s), "%")
		sql = c.Column + " ILIKE ? ESCAPE '\\'"
	default:
		pattern = wrap(spec.anchor, escapeLike(s), "%")
		sql = c.Column + " LIKE ? ESCAPE '\\'"
	}
	if spec.negate {
		sql = "NOT (" + sql + ")"
	}
	return Fragment{SQL: sql, Args: []any{pattern}}, nil
}

func wrap(a anchor, s, wildcard string) string {
	switch a {
	case anchorStart:
		return s + wildcard
	case anchorEnd:
		return wildcard + s
	default:
		return wildcard + s + wildcard
	}
}

var (
	likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	globEscaper = strings.NewReplacer(`[`, `[[]`, `*`, `[*]`, `?`, `[?]`)
)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
func escapeGlob(s string) string { return globEscaper.Replace(s) }

// compileLike passes the caller's pattern through, wildcards included.
func compileLike(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	insensitive := op.Kind == ILike || op.Kind == NILike
	negate := op.Kind == NLike || op.Kind == NILike

	not := ""
	if negate {
		not = "NOT "
	}

	var sql string
	switch {
	case insensitive && c.Dialect == Postgres:
		sql = c.Column + " " + not + "ILIKE ?"
	case insensitive:
		sql = "LOWER(" + c.Column + ") " + not + "LIKE LOWER(?)"
	default:
		sql = c.Column + " " + not + "LIKE ?"
	}
	return Fragment{SQL: sql, Args: []any{string(v.(ir.String))}}, nil
}

func compileRegex(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	negate := op.Kind == NRegex

	var sql string
	switch {
	case c.Dialect == Postgres && negate:
		sql = c.Column + " !~ ?"
	case c.Dialect == Postgres:
		sql = c.Column + " ~ ?"
	case negate:
		sql = c.Column + " NOT REGEXP ?"
	default:
		sql = c.Column + " REGEXP ?"
	}
	return Fragment{SQL: sql, Args: []any{string(v.(ir.String))}}, nil
}

func compileIEq(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	sym := "="
	if op.Kind == NIEq {
		sym = "<>"
	}
	return Fragment{
		SQL:  "LOWER(" + c.Column + ") " + sym + " LOWER(?)",
		Args: []any{string(v.(ir.String))},
	}, nil
}

// compileIn renders IN lists. An empty list matches nothing (nin: everything).
func compileIn(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	items := v.(ir.Array)
	if len(items) == 0 {
		if op.Kind == In {
			return Fragment{SQL: "1 = 0"}, nil
		}
		return Fragment{SQL: "1 = 1"}, nil
	}

	args := make([]any, 0, len(items))
	for _, item := range items {
		p, err := ir.Param(item)
		if err != nil {
			return Fragment{}, err
		}
		args = append(args, p)
	}

	kw := " IN ("
	if op.Kind == NIn {
		kw = " NOT IN ("
	}
	return Fragment{SQL: c.Column + kw + placeholders(len(args)) + ")", Args: args}, nil
}

func compileBetween(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	bounds := v.(ir.Array)
	lo, err := ir.Param(bounds[0])
	if err != nil {
		return Fragment{}, err
	}
	hi, err := ir.Param(bounds[1])
	if err != nil {
		return Fragment{}, err
	}

	kw := " BETWEEN ? AND ?"
	if op.Kind == NBetween {
		kw = " NOT BETWEEN ? AND ?"
	}
	return Fragment{SQL: c.Column + kw, Args: []any{lo, hi}}, nil
}

// flagValue reads the operand of null-check operators; null means true.
func flagValue(v ir.Value) bool {
	if b, ok := v.(ir.Bool); ok {
		return bool(b)
	}
	return true
}

func compileNull(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	want := flagValue(v)
	if op.Kind == NotNull {
		want = !want
	}
	if want {
		return Fragment{SQL: c.Column + " IS NULL"}, nil
	}
	return Fragment{SQL: c.Column + " IS NOT NULL"}, nil
}

func compileEmpty(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	want := flagValue(v)
	if op.Kind == NotEmpty {
		want = !want
	}
	if want {
		return Fragment{SQL: "(" + c.Column + " IS NULL OR " + c.Column + " = ?)", Args: []any{""}}, nil
	}
	return Fragment{SQL: "(" + c.Column + " IS NOT NULL AND " + c.Column + " <> ?)", Args: []any{""}}, nil
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
