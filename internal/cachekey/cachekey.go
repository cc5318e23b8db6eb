// Package cachekey derives deterministic cache keys for read requests.
//
// A key is a domain-separated SHA-256 over the canonical JSON of the
// request. Before hashing, AND/OR children and in/nin operand lists are
// sorted by their canonical bytes, so filters that differ only in member
// order share a key. The caller's scope is always part of the key; the user
// id is added only when the filter depends on the current user.
package cachekey

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/policy"
	"github.com/baasix/querycore/internal/queryir"
)

// Prefix starts every key.
const Prefix = "qc"

// Input is everything that determines a result set.
type Input struct {
	Collection     string
	Filter         queryir.FilterNode
	Sort           []queryir.SortKey
	Page           queryir.Pagination
	Cursor         string
	Fields         []string
	Aggregate      *queryir.Aggregation
	Accountability policy.Accountability
}

// Derive returns "qc:<collection>:<sha256 hex>" for in.
func Derive(in Input) (string, error) {
	doc, err := Document(in)
	if err != nil {
		return "", err
	}
	return Prefix + ":" + in.Collection + ":" + ir.HashWithDomain(ir.DomainCacheKey, doc), nil
}

// CollectionPattern matches every key of coll.
func CollectionPattern(coll string) string {
	return Prefix + ":" + coll + ":*"
}

// CollectionOf extracts the collection from a key produced by Derive.
func CollectionOf(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, Prefix+":")
	if !ok {
		return "", false
	}
	coll, _, ok := strings.Cut(rest, ":")
	return coll, ok && coll != ""
}

// Document returns the canonical bytes Derive hashes.
func Document(in Input) ([]byte, error) {
	filter := ir.Canonical("null")
	if in.Filter != nil {
		var err error
		if filter, err = canonicalNode(in.Filter); err != nil {
			return nil, err
		}
	}

	sortKeys := make([]any, len(in.Sort))
	for i, k := range in.Sort {
		sortKeys[i] = k.String()
	}

	fields := append([]string(nil), in.Fields...)
	sort.Strings(fields)

	after := make(ir.Array, len(in.Page.After))
	copy(after, in.Page.After)

	doc := map[string]any{
		"collection": in.Collection,
		"filter":     filter,
		"sort":       sortKeys,
		"fields":     fields,
		"page": map[string]any{
			"limit":  in.Page.Limit,
			"offset": in.Page.Offset,
			"after":  after,
			"cursor": in.Cursor,
		},
		"aggregate": canonicalAggregate(in.Aggregate),
		"scope":     scope(in.Accountability, in.Filter),
	}
	b, err := ir.MarshalCanonical(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s request: %w", in.Collection, err)
	}
	return b, nil
}

// scope keys the entry to what the caller may see. Tenant and role always
// count; the user id only when a leaf came from $CURRENT_USER.
func scope(acc policy.Accountability, filter queryir.FilterNode) map[string]any {
	s := map[string]any{
		"mode":   acc.Scope.String(),
		"tenant": acc.TenantID,
		"role":   acc.Role,
	}
	if UserScoped(filter) {
		s["user"] = acc.UserID
	}
	return s
}

// UserScoped reports whether the result of filter depends on the current
// user.
func UserScoped(filter queryir.FilterNode) bool {
	return queryir.HasVariable(filter, policy.VarCurrentUser)
}

func canonicalAggregate(a *queryir.Aggregation) any {
	if a.IsZero() {
		return nil
	}
	funcs := make([]any, len(a.Funcs))
	for i, f := range a.Funcs {
		funcs[i] = map[string]any{"fn": string(f.Func), "field": f.Field, "as": f.OutputName()}
	}
	group := append([]string(nil), a.GroupBy...)
	sort.Strings(group)
	return map[string]any{"funcs": funcs, "group": group}
}

func canonicalNode(n queryir.FilterNode) (ir.Canonical, error) {
	switch n := n.(type) {
	case *queryir.Leaf:
		return canonicalLeaf(n)
	case *queryir.And:
		return canonicalJunction("and", flatten(n.Children, isAnd))
	case *queryir.Or:
		return canonicalJunction("or", flatten(n.Children, isOr))
	case *queryir.Not:
		child, err := canonicalNode(n.Child)
		if err != nil {
			return nil, err
		}
		return ir.MarshalCanonical(map[string]any{"not": child})
	}
	return nil, fmt.Errorf("canonicalize filter: unknown node %T", n)
}

func isAnd(n queryir.FilterNode) ([]queryir.FilterNode, bool) {
	a, ok := n.(*queryir.And)
	if !ok {
		return nil, false
	}
	return a.Children, true
}

func isOr(n queryir.FilterNode) ([]queryir.FilterNode, bool) {
	o, ok := n.(*queryir.Or)
	if !ok {
		return nil, false
	}
	return o.Children, true
}

// flatten inlines nested junctions of the same kind: AND(a, AND(b, c)) is
// AND(a, b, c).
func flatten(children []queryir.FilterNode, same func(queryir.FilterNode) ([]queryir.FilterNode, bool)) []queryir.FilterNode {
	out := make([]queryir.FilterNode, 0, len(children))
	for _, c := range children {
		if inner, ok := same(c); ok {
			out = append(out, flatten(inner, same)...)
			continue
		}
		out = append(out, c)
	}
	return out
}

func canonicalJunction(kind string, children []queryir.FilterNode) (ir.Canonical, error) {
	if len(children) == 1 {
		return canonicalNode(children[0])
	}
	parts, err := sortedParts(children)
	if err != nil {
		return nil, err
	}
	return ir.MarshalCanonical(map[string]any{kind: parts})
}

func sortedParts(children []queryir.FilterNode) ([]any, error) {
	raw := make([]ir.Canonical, len(children))
	for i, c := range children {
		b, err := canonicalNode(c)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}
	sort.Slice(raw, func(i, j int) bool { return bytes.Compare(raw[i], raw[j]) < 0 })

	parts := make([]any, 0, len(raw))
	for i, b := range raw {
		if i > 0 && bytes.Equal(raw[i-1], b) {
			continue
		}
		parts = append(parts, b)
	}
	return parts, nil
}

func canonicalLeaf(l *queryir.Leaf) (ir.Canonical, error) {
	op := operator.Get(l.Op)
	if op == nil {
		return nil, fmt.Errorf("canonicalize filter: leaf %q has an undeclared operator", l.Field)
	}

	value := any(l.Value)
	if arr, ok := l.Value.(ir.Array); ok && (l.Op == operator.In || l.Op == operator.NIn) {
		sorted, err := sortedValues(arr)
		if err != nil {
			return nil, err
		}
		value = sorted
	}

	m := map[string]any{"f": l.Field, "o": op.Name, "v": value}
	if l.Scoped {
		m["s"] = true
	}
	return ir.MarshalCanonical(m)
}

func sortedValues(arr ir.Array) ([]any, error) {
	raw := make([]ir.Canonical, len(arr))
	for i, v := range arr {
		b, err := ir.MarshalCanonical(v)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}
	sort.Slice(raw, func(i, j int) bool { return bytes.Compare(raw[i], raw[j]) < 0 })
	out := make([]any, len(raw))
	for i, b := range raw {
		out[i] = b
	}
	return out, nil
}
