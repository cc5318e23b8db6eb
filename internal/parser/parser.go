// Package parser lowers declarative filter documents into validated filter
// trees.
//
// Grammar:
//
//	document  := object
//	object    := { member, ... }               implicit AND of members
//	member    := "AND": [object, ...]
//	           | "OR":  [object, ...]
//	           | "NOT": object
//	           | path: literal                 implicit eq
//	           | path: { operator: value, ... } AND of the operators
//	           | relation: object              nested filter on the related row
//
// Paths are dotted relation paths ("author.profile.city"). Dynamic variables
// are resolved here, so the tree handed to the compiler only holds literals
// and column references.
package parser

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/policy"
	"github.com/baasix/querycore/internal/qerr"
	"github.com/baasix/querycore/internal/queryir"
	"github.com/baasix/querycore/internal/resolver"
	"github.com/baasix/querycore/internal/schema"
)

// Reserved document keys.
const (
	KeyAnd = "AND"
	KeyOr  = "OR"
	KeyNot = "NOT"
)

// Clock supplies the instant $NOW variables resolve against.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ExecContext carries what dynamic variables resolve against.
type ExecContext struct {
	Accountability policy.Accountability
	Clock          Clock
}

// Parser parses filter documents against the resolver's schema.
type Parser struct {
	res    *resolver.Resolver
	logger *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// New creates a parser resolving paths through res.
func New(res *resolver.Resolver, opts ...Option) *Parser {
	p := &Parser{res: res, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse lowers doc into a filter tree rooted at collection coll. An empty
// document yields a nil tree (no filter). doc is never modified.
//
// Errors: *qerr.FilterSyntaxError, *qerr.FieldNotFoundError,
// *qerr.UnknownOperatorError, *qerr.TypeMismatchError,
// *qerr.AmbiguousRelationError, *qerr.JoinDepthExceededError,
// *qerr.CollectionNotFoundError.
func (p *Parser) Parse(doc *Document, coll string, exec ExecContext) (queryir.FilterNode, error) {
	if _, err := p.res.Schemas().Collection(coll); err != nil {
		return nil, err
	}
	if doc == nil || len(doc.Root) == 0 {
		return nil, nil
	}
	if exec.Clock == nil {
		exec.Clock = SystemClock{}
	}

	st := &state{p: p, root: coll, exec: exec, now: exec.Clock.Now().UTC()}
	node, err := st.object(doc.Root, "", "")
	if err != nil {
		return nil, err
	}
	if err := queryir.Validate(node); err != nil {
		return nil, err
	}
	p.logger.Debug("parsed filter", "collection", coll, "members", len(doc.Root))
	return node, nil
}

// state is the per-call parse state. now is read once so every $NOW in one
// document resolves to the same instant.
type state struct {
	p    *Parser
	root string
	exec ExecContext
	now  time.Time
}

// object lowers an object whose paths are relative to prefix. at is the
// document location used in syntax errors.
func (st *state) object(obj Object, prefix, at string) (queryir.FilterNode, error) {
	if len(obj) == 0 {
		return nil, &qerr.FilterSyntaxError{Path: at, Message: "empty filter object"}
	}

	children := make([]queryir.FilterNode, 0, len(obj))
	for _, m := range obj {
		var (
			node queryir.FilterNode
			err  error
		)
		switch m.Key {
		case KeyAnd, KeyOr:
			node, err = st.group(m.Key, m.Value, prefix, join(at, m.Key))
		case KeyNot:
			sub, ok := m.Value.(Object)
			if !ok {
				return nil, &qerr.FilterSyntaxError{Path: join(at, KeyNot), Message: "NOT takes a filter object"}
			}
			var child queryir.FilterNode
			if child, err = st.object(sub, prefix, join(at, KeyNot)); err == nil {
				node = &queryir.Not{Child: child}
			}
		default:
			node, err = st.member(prefix+m.Key, m.Value, join(at, m.Key))
		}
		if err != nil {
			return nil, err
		}
		children = append(children, node)
	}
	return queryir.Conjoin(children...), nil
}

func (st *state) group(key string, v any, prefix, at string) (queryir.FilterNode, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, &qerr.FilterSyntaxError{Path: at, Message: key + " takes an array of filter objects"}
	}
	if len(list) == 0 {
		return nil, &qerr.FilterSyntaxError{Path: at, Message: key + " needs at least one condition"}
	}

	children := make([]queryir.FilterNode, len(list))
	for i, e := range list {
		elemAt := fmt.Sprintf("%s[%d]", at, i)
		sub, ok := e.(Object)
		if !ok {
			return nil, &qerr.FilterSyntaxError{Path: elemAt, Message: key + " elements must be filter objects"}
		}
		node, err := st.object(sub, prefix, elemAt)
		if err != nil {
			return nil, err
		}
		children[i] = node
	}
	if key == KeyAnd {
		return &queryir.And{Children: children}, nil
	}
	return &queryir.Or{Children: children}, nil
}

// member lowers "path: value".
func (st *state) member(path string, v any, at string) (queryir.FilterNode, error) {
	res, err := st.p.res.Resolve(st.root, path, resolver.Options{})
	if err != nil {
		return nil, err
	}
	if res.Field != nil {
		return st.field(path, *res.Field, v, at)
	}

	rel := res.EndRelation
	obj, isObj := v.(Object)
	if isObj && !isOperatorMap(obj) {
		return st.object(obj, path+".", at)
	}
	if rel.Kind != schema.BelongsTo {
		return nil, &qerr.FilterSyntaxError{
			Path:    at,
			Message: fmt.Sprintf("%s relation %q needs a nested filter object", rel.Kind, path),
		}
	}

	// A belongs-to relation compared directly means its foreign key column.
	fk := rel.LocalField
	if parent := parentPath(path); parent != "" {
		fk = parent + "." + fk
	}
	fkRes, err := st.p.res.Resolve(st.root, fk, resolver.Options{})
	if err != nil {
		return nil, err
	}
	return st.field(fk, *fkRes.Field, v, at)
}

// field lowers a literal or operator map against a resolved scalar field.
func (st *state) field(path string, f schema.Field, v any, at string) (queryir.FilterNode, error) {
	obj, isObj := v.(Object)
	if !isObj {
		return st.leaf(path, f, operator.Get(operator.Eq), v)
	}
	if len(obj) == 0 {
		return nil, &qerr.FilterSyntaxError{Path: at, Message: fmt.Sprintf("empty operator map for %q", path)}
	}

	leaves := make([]queryir.FilterNode, 0, len(obj))
	for _, m := range obj {
		op, err := operator.Lookup(m.Key)
		if err != nil {
			return nil, err
		}
		l, err := st.leaf(path, f, op, m.Value)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, l)
	}
	return queryir.Conjoin(leaves...), nil
}

func (st *state) leaf(path string, f schema.Field, op *operator.Operator, raw any) (*queryir.Leaf, error) {
	val, variable, err := st.value(raw, path, f, op)
	if err != nil {
		return nil, err
	}
	if err := op.Check(path, f, val); err != nil {
		return nil, err
	}
	return &queryir.Leaf{Field: path, Op: op.Kind, Value: val, Variable: variable}, nil
}

// isOperatorMap reports whether every key of obj names an operator.
func isOperatorMap(obj Object) bool {
	if len(obj) == 0 {
		return false
	}
	for _, m := range obj {
		if _, err := operator.Lookup(m.Key); err != nil {
			return false
		}
	}
	return true
}

func parentPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return ""
}

func join(at, key string) string {
	if at == "" {
		return key
	}
	return at + "." + key
}

// value converts a document value to an ir.Value, resolving variables. The
// returned variable names the variable the value came from, preferring
// $CURRENT_USER when several appear.
func (st *state) value(raw any, path string, f schema.Field, op *operator.Operator) (ir.Value, string, error) {
	switch v := raw.(type) {
	case string:
		return st.variable(v, path, f, op)
	case []any:
		arr := make(ir.Array, len(v))
		var variable string
		for i, e := range v {
			ev, evar, err := st.value(e, path, f, op)
			if err != nil {
				return nil, "", err
			}
			arr[i] = ev
			variable = preferVariable(variable, evar)
		}
		return arr, variable, nil
	case Object:
		obj := make(ir.Object, len(v))
		var variable string
		for _, m := range v {
			ev, evar, err := st.value(m.Value, path, schema.Field{Name: f.Name, Kind: schema.KindJSON}, op)
			if err != nil {
				return nil, "", err
			}
			obj[m.Key] = ev
			variable = preferVariable(variable, evar)
		}
		return obj, variable, nil
	}

	val, err := ir.FromAny(raw)
	if err != nil {
		return nil, "", &qerr.TypeMismatchError{Field: path, Operator: op.Name, Expected: op.Expect, Got: err.Error()}
	}
	return val, "", nil
}

func preferVariable(cur, next string) string {
	switch {
	case cur == policy.VarCurrentUser:
		return cur
	case next == policy.VarCurrentUser:
		return next
	case cur != "":
		return cur
	}
	return next
}
