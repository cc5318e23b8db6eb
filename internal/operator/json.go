package operator

import (
	"strconv"
	"strings"

	"github.com/baasix/querycore/internal/ir"
)

// JSON operators address a nested value with a dotted path such as
// "address.city" or "tags.0". SQLite receives a JSONPath string ("$.tags[0]"),
// Postgres a text[] path for the #> and #>> operators.

// jsonPath validates a dotted path and returns its segments. An empty path
// addresses the document root.
func jsonPath(op *Operator, c *Context, raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	segs := strings.Split(raw, ".")
	for _, s := range segs {
		if s == "" {
			return nil, op.mismatch(c.Path, "JSON path "+strconv.Quote(raw))
		}
	}
	return segs, nil
}

// pathArg is the dialect-specific parameter for segs.
func pathArg(d Dialect, segs []string) any {
	if d == Postgres {
		if segs == nil {
			return []string{}
		}
		return segs
	}
	var b strings.Builder
	b.WriteString("$")
	for _, s := range segs {
		if _, err := strconv.Atoi(s); err == nil {
			b.WriteString("[" + s + "]")
			continue
		}
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(s, `"`, `\"`))
		b.WriteString(`"`)
	}
	return b.String()
}

// extract renders the expression reading the value at the path argument:
// SQL-typed on SQLite, text on Postgres.
func extract(c *Context) string {
	if c.Dialect == Postgres {
		return "(" + c.Column + " #>> ?::text[])"
	}
	return "json_extract(" + c.Column + ", ?)"
}

// jsonArg converts a scalar operand. Postgres compares extracted text, so
// non-string scalars are sent in their JSON text form.
func jsonArg(c *Context, v ir.Value) (any, error) {
	if c.Dialect == Postgres {
		if s, ok := v.(ir.String); ok {
			return string(s), nil
		}
		b, err := ir.MarshalCanonical(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return ir.Param(v)
}

// pathOperand splits an object operand {path, <valueKey>}.
func pathOperand(op *Operator, c *Context, v ir.Value, valueKey string) ([]string, ir.Value, error) {
	obj := v.(ir.Object)
	for k := range obj {
		if k != "path" && k != valueKey {
			return nil, nil, op.mismatch(c.Path, "object with key "+strconv.Quote(k))
		}
	}

	rawPath, ok := obj["path"].(ir.String)
	if !ok {
		return nil, nil, op.mismatch(c.Path, "object without a string path")
	}
	segs, err := jsonPath(op, c, string(rawPath))
	if err != nil {
		return nil, nil, err
	}

	val, ok := obj[valueKey]
	if !ok {
		return nil, nil, op.mismatch(c.Path, "object without "+valueKey)
	}
	return segs, val, nil
}

func isJSONScalar(v ir.Value) bool {
	switch v.Kind() {
	case ir.KindString, ir.KindNumber, ir.KindBool:
		return true
	}
	return false
}

func compileJSONHas(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	segs, err := jsonPath(op, c, string(v.(ir.String)))
	if err != nil {
		return Fragment{}, err
	}
	if c.Dialect == Postgres {
		return Fragment{SQL: "(" + c.Column + " #> ?::text[]) IS NOT NULL", Args: []any{pathArg(c.Dialect, segs)}}, nil
	}
	return Fragment{SQL: "json_type(" + c.Column + ", ?) IS NOT NULL", Args: []any{pathArg(c.Dialect, segs)}}, nil
}

// compileJSONContains matches when the array at path holds value.
func compileJSONContains(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	segs, val, err := pathOperand(op, c, v, "value")
	if err != nil {
		return Fragment{}, err
	}
	if !isJSONScalar(val) {
		return Fragment{}, op.mismatch(c.Path, "value of kind "+val.Kind().String())
	}

	if c.Dialect == Postgres {
		doc, err := ir.MarshalCanonical(ir.Array{val})
		if err != nil {
			return Fragment{}, err
		}
		return Fragment{
			SQL:  "(" + c.Column + " #> ?::text[]) @> ?::jsonb",
			Args: []any{pathArg(c.Dialect, segs), string(doc)},
		}, nil
	}

	p, err := ir.Param(val)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{
		SQL:  "EXISTS (SELECT 1 FROM json_each(" + c.Column + ", ?) WHERE json_each.value = ?)",
		Args: []any{pathArg(c.Dialect, segs), p},
	}, nil
}

func compileJSONCompare(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	segs, val, err := pathOperand(op, c, v, "value")
	if err != nil {
		return Fragment{}, err
	}
	path := pathArg(c.Dialect, segs)

	switch op.Kind {
	case JSONEq, JSONNeq:
		if val.Kind() == ir.KindNull {
			if op.Kind == JSONEq {
				return Fragment{SQL: extract(c) + " IS NULL", Args: []any{path}}, nil
			}
			return Fragment{SQL: extract(c) + " IS NOT NULL", Args: []any{path}}, nil
		}
		if !isJSONScalar(val) {
			return Fragment{}, op.mismatch(c.Path, "value of kind "+val.Kind().String())
		}
		arg, err := jsonArg(c, val)
		if err != nil {
			return Fragment{}, err
		}
		sym := "="
		if op.Kind == JSONNeq {
			sym = "<>"
		}
		return Fragment{SQL: extract(c) + " " + sym + " ?", Args: []any{path, arg}}, nil

	default:
		if val.Kind() != ir.KindNumber {
			return Fragment{}, op.mismatch(c.Path, "value of kind "+val.Kind().String())
		}
		p, err := ir.Param(val)
		if err != nil {
			return Fragment{}, err
		}
		expr := extract(c)
		if c.Dialect == Postgres {
			expr += "::numeric"
		}
		sym := ">"
		if op.Kind == JSONLt {
			sym = "<"
		}
		return Fragment{SQL: expr + " " + sym + " ?", Args: []any{path, p}}, nil
	}
}

func compileJSONIn(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	segs, val, err := pathOperand(op, c, v, "values")
	if err != nil {
		return Fragment{}, err
	}
	items, ok := val.(ir.Array)
	if !ok || len(items) == 0 {
		return Fragment{}, op.mismatch(c.Path, "values that are not a non-empty array")
	}

	args := []any{pathArg(c.Dialect, segs)}
	for _, item := range items {
		if !isJSONScalar(item) {
			return Fragment{}, op.mismatch(c.Path, "values containing "+item.Kind().String())
		}
		arg, err := jsonArg(c, item)
		if err != nil {
			return Fragment{}, err
		}
		args = append(args, arg)
	}
	return Fragment{SQL: extract(c) + " IN (" + placeholders(len(items)) + ")", Args: args}, nil
}
