package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/queryir"
	"github.com/baasix/querycore/internal/schema"
	"github.com/baasix/querycore/internal/testutil"
)

func collection(t *testing.T, name string) *schema.Collection {
	t.Helper()
	c, err := testutil.FixtureRegistry().Collection(name)
	require.NoError(t, err)
	return c
}

func TestTenantCondition(t *testing.T) {
	users := collection(t, "users")

	node, err := TenantCondition(Accountability{UserID: "u1", TenantID: "acme"}, users)
	require.NoError(t, err)
	leaf, ok := node.(*queryir.Leaf)
	require.True(t, ok)
	assert.Equal(t, "tenant_id", leaf.Field)
	assert.Equal(t, operator.Eq, leaf.Op)
	assert.Equal(t, ir.String("acme"), leaf.Value)
	assert.Equal(t, VarCurrentTenant, leaf.Variable)
	assert.True(t, leaf.Scoped)
}

func TestTenantConditionSkipped(t *testing.T) {
	node, err := TenantCondition(Accountability{Scope: ScopeSystem}, collection(t, "users"))
	require.NoError(t, err)
	assert.Nil(t, node)

	node, err = TenantCondition(Accountability{Scope: ScopePublic}, collection(t, "posts"))
	require.NoError(t, err)
	assert.Nil(t, node)

	// profiles has no tenant field.
	node, err = TenantCondition(Accountability{TenantID: "acme"}, collection(t, "profiles"))
	require.NoError(t, err)
	assert.Nil(t, node)
}

func TestTenantConditionFailsClosed(t *testing.T) {
	_, err := TenantCondition(Accountability{UserID: "u1"}, collection(t, "orders"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingTenant)
}

func TestIdentityValue(t *testing.T) {
	v, err := IdentityValue("42", schema.Field{Kind: schema.KindInteger})
	require.NoError(t, err)
	assert.Equal(t, ir.Int(42), v)

	v, err = IdentityValue("42", schema.Field{Kind: schema.KindUUID})
	require.NoError(t, err)
	assert.Equal(t, ir.String("42"), v)

	v, err = IdentityValue("", schema.Field{Kind: schema.KindInteger})
	require.NoError(t, err)
	assert.Equal(t, ir.Null{}, v)

	_, err = IdentityValue("abc", schema.Field{Kind: schema.KindInteger})
	assert.Error(t, err)
}

func TestInjectWrapsWholeUserFilter(t *testing.T) {
	user := &queryir.Or{Children: []queryir.FilterNode{
		&queryir.Leaf{Field: "status", Op: operator.Eq, Value: ir.String("draft")},
		&queryir.Leaf{Field: "views", Op: operator.Gt, Value: ir.Int(100)},
	}}
	tenant := &queryir.Leaf{Field: "tenant_id", Op: operator.Eq, Value: ir.String("acme"), Scoped: true}
	perm := &queryir.Leaf{Field: "author.id", Op: operator.Eq, Value: ir.String("u1"), Variable: VarCurrentUser}

	got := Inject(user, tenant, perm)
	and, ok := got.(*queryir.And)
	require.True(t, ok)
	require.Len(t, and.Children, 3)

	// The user OR stays intact as one conjunct.
	assert.Same(t, user, and.Children[2])

	// Permission leaves are copied and marked scoped; the input is untouched.
	permCopy, ok := and.Children[1].(*queryir.Leaf)
	require.True(t, ok)
	assert.True(t, permCopy.Scoped)
	assert.False(t, perm.Scoped)

	queryir.Walk(user, func(l *queryir.Leaf) { assert.False(t, l.Scoped) })
}

func TestInjectDropsMissingParts(t *testing.T) {
	user := &queryir.Leaf{Field: "status", Op: operator.Eq, Value: ir.String("active")}
	assert.Same(t, user, Inject(user, nil, nil))
	assert.Nil(t, Inject(nil, nil, nil))

	perm := &queryir.Leaf{Field: "status", Op: operator.Neq, Value: ir.String("banned")}
	only, ok := Inject(nil, nil, perm).(*queryir.Leaf)
	require.True(t, ok)
	assert.True(t, only.Scoped)
}

func TestParseScope(t *testing.T) {
	for in, want := range map[string]Scope{"": ScopeTenant, "tenant": ScopeTenant, "system": ScopeSystem, "public": ScopePublic} {
		got, err := ParseScope(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseScope("root")
	assert.Error(t, err)
	assert.Equal(t, "system", ScopeSystem.String())
}
