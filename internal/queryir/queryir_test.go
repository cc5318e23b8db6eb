package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/qerr"
)

func leaf(field string, v ir.Value) *Leaf {
	return &Leaf{Field: field, Op: operator.Eq, Value: v}
}

func TestValidate(t *testing.T) {
	good := &And{Children: []FilterNode{
		leaf("status", ir.String("active")),
		&Or{Children: []FilterNode{leaf("a", ir.Int(1)), &Not{Child: leaf("b", ir.Int(2))}}},
	}}
	assert.NoError(t, Validate(good))

	tests := []struct {
		name string
		node FilterNode
		path string
	}{
		{"nil", nil, ""},
		{"empty and", &And{}, ""},
		{"empty or nested", &And{Children: []FilterNode{leaf("a", ir.Int(1)), &Or{}}}, "AND[1]"},
		{"leaf without field", &Not{Child: &Leaf{Op: operator.Eq, Value: ir.Null{}}}, "NOT"},
		{"leaf without value", &Leaf{Field: "a", Op: operator.Eq}, ""},
		{"bad operator", &Leaf{Field: "a", Op: operator.Kind(200), Value: ir.Int(1)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.node)
			require.Error(t, err)
			var syn *qerr.FilterSyntaxError
			require.ErrorAs(t, err, &syn)
			assert.Equal(t, tt.path, syn.Path)
		})
	}
}

func TestCloneMarksWithoutMutating(t *testing.T) {
	orig := &Or{Children: []FilterNode{leaf("a", ir.Int(1)), &Not{Child: leaf("b", ir.Int(2))}}}
	cp := Clone(orig, func(l *Leaf) { l.Scoped = true })

	Walk(cp, func(l *Leaf) { assert.True(t, l.Scoped) })
	Walk(orig, func(l *Leaf) { assert.False(t, l.Scoped) })
}

func TestWalkOrderAndHasVariable(t *testing.T) {
	node := &And{Children: []FilterNode{
		leaf("a", ir.Int(1)),
		&Or{Children: []FilterNode{leaf("b", ir.Int(2)), &Leaf{Field: "owner", Op: operator.Eq, Value: ir.Int(7), Variable: "$CURRENT_USER"}}},
	}}

	var fields []string
	Walk(node, func(l *Leaf) { fields = append(fields, l.Field) })
	assert.Equal(t, []string{"a", "b", "owner"}, fields)
	assert.True(t, HasVariable(node, "$CURRENT_USER"))
	assert.False(t, HasVariable(node, "$CURRENT_ROLE"))
}

func TestConjoin(t *testing.T) {
	a := leaf("a", ir.Int(1))
	assert.Nil(t, Conjoin(nil, nil))
	assert.Same(t, a, Conjoin(nil, a))

	both := Conjoin(a, leaf("b", ir.Int(2)))
	and, ok := both.(*And)
	require.True(t, ok)
	assert.Len(t, and.Children, 2)
}

func TestParseSort(t *testing.T) {
	keys := ParseSort("-created_at, title,,+author.name")
	assert.Equal(t, []SortKey{
		{Field: "created_at", Desc: true},
		{Field: "title"},
		{Field: "author.name"},
	}, keys)
	assert.Equal(t, "-created_at", keys[0].String())
}

func TestAggregateOutputName(t *testing.T) {
	assert.Equal(t, "count", Aggregate{Func: AggCount, Field: "*"}.OutputName())
	assert.Equal(t, "sum_items_qty", Aggregate{Func: AggSum, Field: "items.qty"}.OutputName())
	assert.Equal(t, "n", Aggregate{Func: AggCount, Field: "id", Alias: "n"}.OutputName())
	assert.True(t, (*Aggregation)(nil).IsZero())
	assert.False(t, AggFunc("median").Valid())
}

func TestJoinStepSQL(t *testing.T) {
	j := JoinStep{Table: "users", Alias: "t1", Type: JoinInner, On: "t1.id = t0.author_id"}
	assert.Equal(t, "INNER JOIN users t1 ON t1.id = t0.author_id", j.SQL())
	assert.Equal(t, "LEFT JOIN", JoinLeft.String())
}

func TestCursorRoundTrip(t *testing.T) {
	sort := []CompiledSortKey{{Output: "views", Desc: true}, {Output: "id"}}
	tok, err := EncodeCursor(sort, []ir.Value{ir.Int(10), ir.Int(42)})
	require.NoError(t, err)

	vals, err := DecodeCursor(sort, tok)
	require.NoError(t, err)
	assert.Equal(t, []ir.Value{ir.Int(10), ir.Int(42)}, vals)

	other := []CompiledSortKey{{Output: "views"}, {Output: "id"}}
	_, err = DecodeCursor(other, tok)
	assert.ErrorIs(t, err, ErrCursorMismatch)

	_, err = DecodeCursor(sort, "!!not-base64")
	assert.Error(t, err)

	_, err = EncodeCursor(sort, []ir.Value{ir.Int(1)})
	assert.Error(t, err)
}

func TestParseAggregate(t *testing.T) {
	a, err := ParseAggregate("count(*)")
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Func: AggCount, Field: "*"}, a)

	a, err = ParseAggregate(" AVG(items.qty) as avg_qty ")
	require.NoError(t, err)
	assert.Equal(t, Aggregate{Func: AggAvg, Field: "items.qty", Alias: "avg_qty"}, a)

	for _, bad := range []string{"median(x)", "sum()", "total", "sum(x"} {
		_, err := ParseAggregate(bad)
		assert.Error(t, err, bad)
	}
}
