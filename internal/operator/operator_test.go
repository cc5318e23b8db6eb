package operator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/qerr"
	"github.com/baasix/querycore/internal/schema"
)

func TestTablesAreExhaustive(t *testing.T) {
	for k := Kind(0); k < numKinds; k++ {
		assert.NotEmpty(t, operators[k].Name, "kind %d", k)
		assert.Equal(t, k, operators[k].Kind)
		assert.NotNil(t, compilers[k], "operator %s", operators[k].Name)
	}
	assert.Equal(t, 46, Count())
	assert.Len(t, All(), Count())
}

func TestLookup(t *testing.T) {
	op, err := Lookup("between")
	require.NoError(t, err)
	assert.Equal(t, Between, op.Kind)
	assert.Equal(t, CategoryList, op.Category)
	assert.Equal(t, "between", Between.String())

	_, err = Lookup("equals")
	require.Error(t, err)
	var unk *qerr.UnknownOperatorError
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, "equals", unk.Name)
}

func field(kind schema.FieldKind) schema.Field {
	return schema.Field{Name: "f", Kind: kind, Nullable: true}
}

func compile(t *testing.T, d Dialect, name string, f schema.Field, v ir.Value) (Fragment, error) {
	t.Helper()
	op, err := Lookup(name)
	require.NoError(t, err)
	return op.Compile(&Context{
		Dialect: d,
		Column:  "col",
		Path:    "f",
		Field:   f,
		Columns: func(path string) (string, error) { return "t0." + path, nil },
	}, v)
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		op      string
		kind    schema.FieldKind
		value   ir.Value
		sql     string
		args    []any
	}{
		{"eq", SQLite, "eq", schema.KindString, ir.String("a"), "col = ?", []any{"a"}},
		{"eq null", SQLite, "eq", schema.KindString, ir.Null{}, "col IS NULL", nil},
		{"neq null", SQLite, "neq", schema.KindInteger, ir.Null{}, "col IS NOT NULL", nil},
		{"gt number", SQLite, "gt", schema.KindInteger, ir.Int(30), "col > ?", []any{int64(30)}},
		{"lte column", SQLite, "lte", schema.KindDecimal, ir.ColumnRef{Path: "budget"}, "col <= t0.budget", nil},
		{"contains sqlite", SQLite, "contains", schema.KindString, ir.String("a*b"), "col GLOB ?", []any{"*a[*]b*"}},
		{"contains postgres", Postgres, "contains", schema.KindString, ir.String("50%"), `col LIKE ? ESCAPE '\'`, []any{`%50\%%`}},
		{"icontains sqlite", SQLite, "icontains", schema.KindString, ir.String("a_b"), `LOWER(col) LIKE LOWER(?) ESCAPE '\'`, []any{`%a\_b%`}},
		{"nistartswith postgres", Postgres, "nistartswith", schema.KindString, ir.String("ab"), `NOT (col ILIKE ? ESCAPE '\')`, []any{"ab%"}},
		{"endswith sqlite", SQLite, "endswith", schema.KindText, ir.String(".go"), "col GLOB ?", []any{"*.go"}},
		{"like", SQLite, "like", schema.KindString, ir.String("a%"), "col LIKE ?", []any{"a%"}},
		{"nilike postgres", Postgres, "nilike", schema.KindString, ir.String("a%"), "col NOT ILIKE ?", []any{"a%"}},
		{"regex sqlite", SQLite, "regex", schema.KindString, ir.String("^a"), "col REGEXP ?", []any{"^a"}},
		{"nregex postgres", Postgres, "nregex", schema.KindString, ir.String("^a"), "col !~ ?", []any{"^a"}},
		{"ieq", SQLite, "ieq", schema.KindString, ir.String("Bob"), "LOWER(col) = LOWER(?)", []any{"Bob"}},
		{"in", SQLite, "in", schema.KindInteger, ir.Array{ir.Int(1), ir.Int(2)}, "col IN (?, ?)", []any{int64(1), int64(2)}},
		{"in empty", SQLite, "in", schema.KindInteger, ir.Array{}, "1 = 0", nil},
		{"nin empty", SQLite, "nin", schema.KindInteger, ir.Array{}, "1 = 1", nil},
		{"nin", SQLite, "nin", schema.KindString, ir.Array{ir.String("x")}, "col NOT IN (?)", []any{"x"}},
		{"between", SQLite, "between", schema.KindInteger, ir.Array{ir.Int(1), ir.Int(9)}, "col BETWEEN ? AND ?", []any{int64(1), int64(9)}},
		{"nbetween", SQLite, "nbetween", schema.KindInteger, ir.Array{ir.Int(1), ir.Int(9)}, "col NOT BETWEEN ? AND ?", []any{int64(1), int64(9)}},
		{"null true", SQLite, "null", schema.KindInteger, ir.Bool(true), "col IS NULL", nil},
		{"null false", SQLite, "null", schema.KindInteger, ir.Bool(false), "col IS NOT NULL", nil},
		{"nnull", SQLite, "nnull", schema.KindInteger, ir.Null{}, "col IS NOT NULL", nil},
		{"empty", SQLite, "empty", schema.KindString, ir.Bool(true), "(col IS NULL OR col = ?)", []any{""}},
		{"nempty", SQLite, "nempty", schema.KindString, ir.Bool(true), "(col IS NOT NULL AND col <> ?)", []any{""}},
		{"jsonhas sqlite", SQLite, "jsonhas", schema.KindJSON, ir.String("a.0"), "json_type(col, ?) IS NOT NULL", []any{`$."a"[0]`}},
		{"jsonhas postgres", Postgres, "jsonhas", schema.KindJSON, ir.String("a.b"), "(col #> ?::text[]) IS NOT NULL", []any{[]string{"a", "b"}}},
		{"jsoneq sqlite", SQLite, "jsoneq",
			schema.KindJSON, ir.Object{"path": ir.String("n"), "value": ir.Int(3)},
			"json_extract(col, ?) = ?", []any{`$."n"`, int64(3)}},
		{"jsoneq postgres", Postgres, "jsoneq",
			schema.KindJSON, ir.Object{"path": ir.String("n"), "value": ir.Int(3)},
			"(col #>> ?::text[]) = ?", []any{[]string{"n"}, "3"}},
		{"jsongt postgres", Postgres, "jsongt",
			schema.KindJSON, ir.Object{"path": ir.String("n"), "value": ir.Int(3)},
			"(col #>> ?::text[])::numeric > ?", []any{[]string{"n"}, int64(3)}},
		{"jsoncontains sqlite", SQLite, "jsoncontains",
			schema.KindJSON, ir.Object{"path": ir.String("tags"), "value": ir.String("go")},
			"EXISTS (SELECT 1 FROM json_each(col, ?) WHERE json_each.value = ?)", []any{`$."tags"`, "go"}},
		{"jsoncontains postgres", Postgres, "jsoncontains",
			schema.KindJSON, ir.Object{"path": ir.String("tags"), "value": ir.String("go")},
			"(col #> ?::text[]) @> ?::jsonb", []any{[]string{"tags"}, `["go"]`}},
		{"jsonin sqlite", SQLite, "jsonin",
			schema.KindJSON, ir.Object{"path": ir.String("k"), "values": ir.Array{ir.String("a"), ir.Bool(true)}},
			"json_extract(col, ?) IN (?, ?)", []any{`$."k"`, "a", true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frag, err := compile(t, tt.dialect, tt.op, field(tt.kind), tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, frag.SQL)
			assert.Equal(t, tt.args, frag.Args)
			assert.Equal(t, strings.Count(frag.SQL, "?"), len(frag.Args), "placeholders and args must line up")
		})
	}
}

func TestCompileTypeMismatch(t *testing.T) {
	tests := []struct {
		name  string
		op    string
		kind  schema.FieldKind
		value ir.Value
		msg   string
	}{
		{"between scalar", "between", schema.KindInteger, ir.Int(5),
			`TYPE_MISMATCH: field "f" operator "between" expects array of 2 values, got number`},
		{"between three", "between", schema.KindInteger, ir.Array{ir.Int(1), ir.Int(2), ir.Int(3)},
			`TYPE_MISMATCH: field "f" operator "between" expects array of 2 values, got array of 3 values`},
		{"contains on number", "contains", schema.KindInteger, ir.String("1"),
			`TYPE_MISMATCH: field "f" operator "contains" expects a text field, got integer field`},
		{"gt string on number field", "gt", schema.KindInteger, ir.String("x"),
			`TYPE_MISMATCH: field "f" operator "gt" expects a single comparable value, got string for integer field`},
		{"in with null", "in", schema.KindString, ir.Array{ir.String("a"), ir.Null{}},
			`TYPE_MISMATCH: field "f" operator "in" expects an array of values, got null at index 1`},
		{"gt null", "gt", schema.KindInteger, ir.Null{},
			`TYPE_MISMATCH: field "f" operator "gt" expects a single comparable value, got null`},
		{"jsoneq bad key", "jsoneq", schema.KindJSON, ir.Object{"path": ir.String("a"), "val": ir.Int(1)},
			`TYPE_MISMATCH: field "f" operator "jsoneq" expects object {path, value}, got object with key "val"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compile(t, SQLite, tt.op, field(tt.kind), tt.value)
			require.Error(t, err)
			assert.Equal(t, qerr.CodeTypeMismatch, qerr.CodeOf(err))
			assert.Equal(t, tt.msg, err.Error())
		})
	}
}

func TestGeometryCapability(t *testing.T) {
	point := ir.Object{"type": ir.String("Point"), "coordinates": ir.Array{ir.Float(13.4), ir.Float(52.5)}}

	_, err := compile(t, Postgres, "intersects", field(schema.KindGeometry), point)
	require.Error(t, err)
	assert.Equal(t, qerr.CodeCapability, qerr.CodeOf(err))

	op, err := Lookup("dwithin")
	require.NoError(t, err)
	frag, err := op.Compile(&Context{
		Dialect:  Postgres,
		Column:   "location",
		Path:     "location",
		Field:    field(schema.KindGeometry),
		Geometry: true,
	}, ir.Object{"geometry": point, "distance": ir.Int(1000)})
	require.NoError(t, err)
	assert.Equal(t, "ST_DWithin(location, ST_GeomFromWKB(?, 4326), ?)", frag.SQL)
	require.Len(t, frag.Args, 2)
	assert.IsType(t, []byte(nil), frag.Args[0])
	assert.Equal(t, int64(1000), frag.Args[1])

	op, err = Lookup("nwithin")
	require.NoError(t, err)
	frag, err = op.Compile(&Context{
		Dialect:  SQLite,
		Column:   "location",
		Field:    field(schema.KindGeometry),
		Geometry: true,
	}, point)
	require.NoError(t, err)
	assert.Equal(t, "NOT ST_Within(location, ST_GeomFromWKB(?, 4326))", frag.SQL)

	_, err = op.Compile(&Context{
		Dialect:  SQLite,
		Column:   "location",
		Field:    field(schema.KindGeometry),
		Geometry: true,
	}, ir.Object{"type": ir.String("Nope")})
	assert.Equal(t, qerr.CodeTypeMismatch, qerr.CodeOf(err))
}

func TestParseDialect(t *testing.T) {
	d, err := ParseDialect("postgresql")
	require.NoError(t, err)
	assert.Equal(t, Postgres, d)

	d, err = ParseDialect("")
	require.NoError(t, err)
	assert.Equal(t, SQLite, d)

	_, err = ParseDialect("oracle")
	assert.Error(t, err)
}
