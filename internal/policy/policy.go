// Package policy wraps user filters with mandatory tenant and permission
// scoping.
//
// The injected conditions always sit beside the whole user filter under one
// outer AND. They are never pushed into branches of the user's OR, so no
// user filter shape can widen the scoped row set.
package policy

import (
	"errors"
	"fmt"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/queryir"
	"github.com/baasix/querycore/internal/schema"
)

// Scope says which scoping rules apply to a request.
type Scope uint8

const (
	// ScopeTenant is the default: rows are limited to the caller's tenant.
	ScopeTenant Scope = iota

	// ScopeSystem marks trusted internal requests; no tenant condition.
	ScopeSystem

	// ScopePublic marks anonymous requests against shared data; no tenant
	// condition.
	ScopePublic
)

func (s Scope) String() string {
	switch s {
	case ScopeSystem:
		return "system"
	case ScopePublic:
		return "public"
	default:
		return "tenant"
	}
}

// ParseScope maps "tenant", "system" or "public" to a Scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "tenant":
		return ScopeTenant, nil
	case "system":
		return ScopeSystem, nil
	case "public":
		return ScopePublic, nil
	}
	return ScopeTenant, fmt.Errorf("unknown scope %q", s)
}

// Accountability is the caller identity every request carries.
type Accountability struct {
	UserID   string
	Role     string
	TenantID string
	Scope    Scope
}

// Variable names resolved from an Accountability.
const (
	VarCurrentUser   = "$CURRENT_USER"
	VarCurrentRole   = "$CURRENT_ROLE"
	VarCurrentTenant = "$CURRENT_TENANT"
)

// ErrMissingTenant is returned for tenant-scoped requests without a tenant.
var ErrMissingTenant = errors.New("tenant-scoped request has no tenant id")

// TenantCondition builds "<tenant field> = <tenant id>" for coll. It returns
// nil for system and public requests and for collections without a tenant
// field.
func TenantCondition(acc Accountability, coll *schema.Collection) (queryir.FilterNode, error) {
	if acc.Scope != ScopeTenant || coll.TenantField == "" {
		return nil, nil
	}
	if acc.TenantID == "" {
		return nil, fmt.Errorf("collection %q: %w", coll.Name, ErrMissingTenant)
	}

	field, _ := coll.Field(coll.TenantField)
	value, err := IdentityValue(acc.TenantID, field)
	if err != nil {
		return nil, fmt.Errorf("collection %q: tenant id: %w", coll.Name, err)
	}
	return &queryir.Leaf{
		Field:    coll.TenantField,
		Op:       operator.Eq,
		Value:    value,
		Variable: VarCurrentTenant,
		Scoped:   true,
	}, nil
}

// IdentityValue converts an identity string to a value comparable with
// field: numeric fields get a number, everything else the string.
func IdentityValue(id string, field schema.Field) (ir.Value, error) {
	if id == "" {
		return ir.Null{}, nil
	}
	if field.Kind.Class() == schema.ClassNumber {
		return ir.ParseNumber(id)
	}
	return ir.String(id), nil
}

// Inject returns And{tenant, permission, user}. Nil parts are dropped. The
// tenant and permission trees are copied with every leaf marked Scoped, so
// their relation paths compile to INNER JOINs; the user tree is kept as is.
func Inject(user, tenant, permission queryir.FilterNode) queryir.FilterNode {
	return queryir.Conjoin(scoped(tenant), scoped(permission), user)
}

func scoped(node queryir.FilterNode) queryir.FilterNode {
	if node == nil {
		return nil
	}
	return queryir.Clone(node, func(l *queryir.Leaf) { l.Scoped = true })
}
