package queryir

import (
	"fmt"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/qerr"
)

// FilterNode is a node of a boolean filter tree.
//
// This is a sealed interface - only types in this package implement it.
type FilterNode interface {
	filterNode() // Marker method - seals interface to this package
}

// Leaf compares one field (or relation path) with a value.
//
// Semantics:
//
//	<Field> <Op> <Value>
//
// Field is a dotted path rooted at the query's collection, e.g. "status" or
// "author.profile.city". Polymorphic segments carry their target as
// "subject:posts".
type Leaf struct {
	Field string
	Op    operator.Kind
	Value ir.Value

	// Variable names the dynamic variable Value was resolved from
	// ("$CURRENT_USER", "$NOW-DAYS_7"), or "" for literals.
	Variable string

	// Scoped marks leaves injected by tenant or permission scoping. Relation
	// paths of scoped leaves are joined with INNER JOIN.
	Scoped bool
}

func (*Leaf) filterNode() {}

// And is a conjunction. It must have at least one child.
type And struct {
	Children []FilterNode
}

func (*And) filterNode() {}

// Or is a disjunction. It must have at least one child.
type Or struct {
	Children []FilterNode
}

func (*Or) filterNode() {}

// Not negates its child.
type Not struct {
	Child FilterNode
}

func (*Not) filterNode() {}

// Validate checks structural invariants: And/Or have children, Not has a
// child, every Leaf has a field, a declared operator and a value.
func Validate(node FilterNode) error {
	return validate(node, "")
}

func validate(node FilterNode, at string) error {
	switch n := node.(type) {
	case nil:
		return &qerr.FilterSyntaxError{Path: at, Message: "nil filter node"}
	case *Leaf:
		if n.Field == "" {
			return &qerr.FilterSyntaxError{Path: at, Message: "leaf without a field"}
		}
		if n.Op >= operator.Kind(operator.Count()) {
			return &qerr.FilterSyntaxError{Path: at, Message: fmt.Sprintf("leaf %q has an undeclared operator", n.Field)}
		}
		if n.Value == nil {
			return &qerr.FilterSyntaxError{Path: at, Message: fmt.Sprintf("leaf %q has no value", n.Field)}
		}
	case *And:
		if len(n.Children) == 0 {
			return &qerr.FilterSyntaxError{Path: at, Message: "AND needs at least one condition"}
		}
		for i, c := range n.Children {
			if err := validate(c, fmt.Sprintf("%sAND[%d]", prefix(at), i)); err != nil {
				return err
			}
		}
	case *Or:
		if len(n.Children) == 0 {
			return &qerr.FilterSyntaxError{Path: at, Message: "OR needs at least one condition"}
		}
		for i, c := range n.Children {
			if err := validate(c, fmt.Sprintf("%sOR[%d]", prefix(at), i)); err != nil {
				return err
			}
		}
	case *Not:
		return validate(n.Child, prefix(at)+"NOT")
	default:
		return &qerr.FilterSyntaxError{Path: at, Message: fmt.Sprintf("unknown filter node %T", node)}
	}
	return nil
}

func prefix(at string) string {
	if at == "" {
		return ""
	}
	return at + "."
}

// Walk calls fn for every leaf in document order.
func Walk(node FilterNode, fn func(*Leaf)) {
	switch n := node.(type) {
	case *Leaf:
		fn(n)
	case *And:
		for _, c := range n.Children {
			Walk(c, fn)
		}
	case *Or:
		for _, c := range n.Children {
			Walk(c, fn)
		}
	case *Not:
		Walk(n.Child, fn)
	}
}

// Clone returns a deep copy of node. When mark is non-nil it is applied to
// every copied leaf.
func Clone(node FilterNode, mark func(*Leaf)) FilterNode {
	switch n := node.(type) {
	case *Leaf:
		cp := *n
		if mark != nil {
			mark(&cp)
		}
		return &cp
	case *And:
		return &And{Children: cloneAll(n.Children, mark)}
	case *Or:
		return &Or{Children: cloneAll(n.Children, mark)}
	case *Not:
		return &Not{Child: Clone(n.Child, mark)}
	}
	return nil
}

func cloneAll(nodes []FilterNode, mark func(*Leaf)) []FilterNode {
	out := make([]FilterNode, len(nodes))
	for i, c := range nodes {
		out[i] = Clone(c, mark)
	}
	return out
}

// HasVariable reports whether any leaf was resolved from variable.
func HasVariable(node FilterNode, variable string) bool {
	found := false
	Walk(node, func(l *Leaf) {
		if l.Variable == variable {
			found = true
		}
	})
	return found
}

// Conjoin returns the AND of the non-nil nodes, or nil when there are none.
// A single node is returned unwrapped.
func Conjoin(nodes ...FilterNode) FilterNode {
	var kept []FilterNode
	for _, n := range nodes {
		if n != nil {
			kept = append(kept, n)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &And{Children: kept}
}
