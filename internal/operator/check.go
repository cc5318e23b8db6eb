package operator

import (
	"fmt"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/qerr"
	"github.com/baasix/querycore/internal/schema"
)

// Check validates that op applies to field and that v has the shape op
// expects. path names the field in errors.
func (op *Operator) Check(path string, field schema.Field, v ir.Value) error {
	if !op.Fields.Has(field.Kind.Class()) {
		return &qerr.TypeMismatchError{
			Field:    path,
			Operator: op.Name,
			Expected: fmt.Sprintf("a %s field", op.Fields),
			Got:      fmt.Sprintf("%s field", field.Kind),
		}
	}
	if !op.Values.Has(v.Kind()) {
		return op.mismatch(path, describe(v))
	}

	n := argCount(op, v)
	if n < op.MinArgs || (op.MaxArgs != Unbounded && n > op.MaxArgs) {
		return op.mismatch(path, describe(v))
	}

	switch op.Category {
	case CategoryComparison:
		if !fitsField(v, field) {
			return op.mismatch(path, describe(v)+" for "+string(field.Kind)+" field")
		}
	case CategoryList:
		for i, e := range v.(ir.Array) {
			if e.Kind() == ir.KindNull || e.Kind() == ir.KindColumn || !fitsField(e, field) {
				return op.mismatch(path, fmt.Sprintf("%s at index %d", describe(e), i))
			}
		}
	}
	return nil
}

func (op *Operator) mismatch(path, got string) error {
	return &qerr.TypeMismatchError{Field: path, Operator: op.Name, Expected: op.Expect, Got: got}
}

func argCount(op *Operator, v ir.Value) int {
	switch val := v.(type) {
	case ir.Array:
		return len(val)
	case ir.Null:
		if op.Category == CategoryNull {
			return 0
		}
	}
	return 1
}

// fitsField reports whether a scalar literal can be compared with a field.
// Null and column references are checked elsewhere.
func fitsField(v ir.Value, field schema.Field) bool {
	switch v.Kind() {
	case ir.KindNull, ir.KindColumn:
		return true
	}
	switch field.Kind.Class() {
	case schema.ClassText:
		return v.Kind() == ir.KindString
	case schema.ClassNumber:
		return v.Kind() == ir.KindNumber
	case schema.ClassBool:
		return v.Kind() == ir.KindBool
	case schema.ClassTemporal:
		return v.Kind() == ir.KindDate || v.Kind() == ir.KindString
	case schema.ClassJSON:
		k := v.Kind()
		return k == ir.KindString || k == ir.KindNumber || k == ir.KindBool
	}
	return false
}

func describe(v ir.Value) string {
	if a, ok := v.(ir.Array); ok {
		return fmt.Sprintf("array of %d values", len(a))
	}
	return v.Kind().String()
}
