// Package operator is the closed registry of filter operators.
//
// Every operator is a Kind constant. The metadata table and the compile table
// are fixed-size arrays indexed by Kind, and init refuses to start if either
// has a hole, so an operator cannot be declared without a compiler.
//
// Operators never write values into SQL text. Every literal becomes a bound
// parameter; only validated identifiers and fixed keywords reach the fragment.
package operator

import (
	"fmt"
	"sort"

	"github.com/baasix/querycore/internal/ir"
	"github.com/baasix/querycore/internal/qerr"
	"github.com/baasix/querycore/internal/schema"
)

// Kind identifies an operator.
type Kind uint8

const (
	// comparison
	Eq Kind = iota
	Neq
	Gt
	Gte
	Lt
	Lte

	// string
	Contains
	NContains
	IContains
	NIContains
	StartsWith
	NStartsWith
	IStartsWith
	NIStartsWith
	EndsWith
	NEndsWith
	IEndsWith
	NIEndsWith
	Like
	NLike
	ILike
	NILike
	Regex
	NRegex
	IEq
	NIEq

	// list and range
	In
	NIn
	Between
	NBetween

	// null checks
	IsNull
	NotNull
	Empty
	NotEmpty

	// json
	JSONHas
	JSONContains
	JSONEq
	JSONNeq
	JSONGt
	JSONLt
	JSONIn

	// geospatial
	DWithin
	Intersects
	NIntersects
	Within
	NWithin

	numKinds
)

// Category groups operators for documentation and the CLI listing.
type Category string

const (
	CategoryComparison Category = "comparison"
	CategoryString     Category = "string"
	CategoryList       Category = "list"
	CategoryNull       Category = "null"
	CategoryJSON       Category = "json"
	CategoryGeo        Category = "geospatial"
)

// Capability is a storage feature an operator depends on.
type Capability string

const (
	CapabilityNone     Capability = ""
	CapabilityGeometry Capability = "geometry"
)

// Unbounded marks an operator without a maximum argument count.
const Unbounded = -1

// ValueKinds is a set of ir.Kind values an operator accepts.
type ValueKinds uint16

func kinds(ks ...ir.Kind) ValueKinds {
	var m ValueKinds
	for _, k := range ks {
		m |= 1 << uint(k)
	}
	return m
}

// Has reports whether k is in the set.
func (m ValueKinds) Has(k ir.Kind) bool { return m&(1<<uint(k)) != 0 }

// Operator is the static description of one filter operator.
type Operator struct {
	Name     string
	Kind     Kind
	Category Category

	// MinArgs and MaxArgs bound the number of operand values. Arrays count
	// their elements, null-check flags count as zero or one.
	MinArgs int
	MaxArgs int

	Fields     schema.FieldClass
	Values     ValueKinds
	Expect     string // shape description used in TypeMismatchError
	Capability Capability
}

func (k Kind) String() string {
	if k < numKinds {
		return operators[k].Name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

var (
	scalar       = kinds(ir.KindString, ir.KindNumber, ir.KindBool, ir.KindDate, ir.KindNull, ir.KindColumn)
	ordered      = kinds(ir.KindString, ir.KindNumber, ir.KindDate, ir.KindColumn)
	text         = kinds(ir.KindString)
	list         = kinds(ir.KindArray)
	flag         = kinds(ir.KindBool, ir.KindNull)
	object       = kinds(ir.KindObject)
	pathOnly     = kinds(ir.KindString)
	comparable   = schema.ClassText | schema.ClassNumber | schema.ClassBool | schema.ClassTemporal | schema.ClassJSON
	orderable    = schema.ClassText | schema.ClassNumber | schema.ClassTemporal
	textual      = schema.ClassText
	emptiable    = schema.ClassText | schema.ClassJSON
	nullable     = schema.ClassAny
	jsonOnly     = schema.ClassJSON
	geometryOnly = schema.ClassGeometry
)

func cmp(name string, k Kind, values ValueKinds, fields schema.FieldClass) Operator {
	return Operator{Name: name, Kind: k, Category: CategoryComparison, MinArgs: 1, MaxArgs: 1,
		Fields: fields, Values: values, Expect: "a single comparable value"}
}

func str(name string, k Kind) Operator {
	return Operator{Name: name, Kind: k, Category: CategoryString, MinArgs: 1, MaxArgs: 1,
		Fields: textual, Values: text, Expect: "a string"}
}

func nul(name string, k Kind, fields schema.FieldClass) Operator {
	return Operator{Name: name, Kind: k, Category: CategoryNull, MinArgs: 0, MaxArgs: 1,
		Fields: fields, Values: flag, Expect: "true, false or null"}
}

func jsn(name string, k Kind, values ValueKinds, expect string) Operator {
	return Operator{Name: name, Kind: k, Category: CategoryJSON, MinArgs: 1, MaxArgs: 1,
		Fields: jsonOnly, Values: values, Expect: expect}
}

func geo(name string, k Kind, expect string) Operator {
	return Operator{Name: name, Kind: k, Category: CategoryGeo, MinArgs: 1, MaxArgs: 1,
		Fields: geometryOnly, Values: object, Expect: expect, Capability: CapabilityGeometry}
}

var operators = [numKinds]Operator{
	Eq:  cmp("eq", Eq, scalar, comparable),
	Neq: cmp("neq", Neq, scalar, comparable),
	Gt:  cmp("gt", Gt, ordered, orderable),
	Gte: cmp("gte", Gte, ordered, orderable),
	Lt:  cmp("lt", Lt, ordered, orderable),
	Lte: cmp("lte", Lte, ordered, orderable),

	Contains:     str("contains", Contains),
	NContains:    str("ncontains", NContains),
	IContains:    str("icontains", IContains),
	NIContains:   str("nicontains", NIContains),
	StartsWith:   str("startswith", StartsWith),
	NStartsWith:  str("nstartswith", NStartsWith),
	IStartsWith:  str("istartswith", IStartsWith),
	NIStartsWith: str("nistartswith", NIStartsWith),
	EndsWith:     str("endswith", EndsWith),
	NEndsWith:    str("nendswith", NEndsWith),
	IEndsWith:    str("iendswith", IEndsWith),
	NIEndsWith:   str("niendswith", NIEndsWith),
	Like:         str("like", Like),
	NLike:        str("nlike", NLike),
	ILike:        str("ilike", ILike),
	NILike:       str("nilike", NILike),
	Regex:        str("regex", Regex),
	NRegex:       str("nregex", NRegex),
	IEq:          str("ieq", IEq),
	NIEq:         str("nieq", NIEq),

	In: {Name: "in", Kind: In, Category: CategoryList, MinArgs: 0, MaxArgs: Unbounded,
		Fields: comparable, Values: list, Expect: "an array of values"},
	NIn: {Name: "nin", Kind: NIn, Category: CategoryList, MinArgs: 0, MaxArgs: Unbounded,
		Fields: comparable, Values: list, Expect: "an array of values"},
	Between: {Name: "between", Kind: Between, Category: CategoryList, MinArgs: 2, MaxArgs: 2,
		Fields: orderable, Values: list, Expect: "array of 2 values"},
	NBetween: {Name: "nbetween", Kind: NBetween, Category: CategoryList, MinArgs: 2, MaxArgs: 2,
		Fields: orderable, Values: list, Expect: "array of 2 values"},

	IsNull:   nul("null", IsNull, nullable),
	NotNull:  nul("nnull", NotNull, nullable),
	Empty:    nul("empty", Empty, emptiable),
	NotEmpty: nul("nempty", NotEmpty, emptiable),

	JSONHas:      jsn("jsonhas", JSONHas, pathOnly, "a JSON path string"),
	JSONContains: jsn("jsoncontains", JSONContains, object, "object {path, value}"),
	JSONEq:       jsn("jsoneq", JSONEq, object, "object {path, value}"),
	JSONNeq:      jsn("jsonneq", JSONNeq, object, "object {path, value}"),
	JSONGt:       jsn("jsongt", JSONGt, object, "object {path, value} with a numeric value"),
	JSONLt:       jsn("jsonlt", JSONLt, object, "object {path, value} with a numeric value"),
	JSONIn:       jsn("jsonin", JSONIn, object, "object {path, values}"),

	DWithin:     geo("dwithin", DWithin, "object {geometry, distance}"),
	Intersects:  geo("intersects", Intersects, "a GeoJSON geometry"),
	NIntersects: geo("nintersects", NIntersects, "a GeoJSON geometry"),
	Within:      geo("within", Within, "a GeoJSON geometry"),
	NWithin:     geo("nwithin", NWithin, "a GeoJSON geometry"),
}

var byName map[string]Kind

func init() {
	byName = make(map[string]Kind, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		op := operators[k]
		if op.Name == "" || op.Kind != k {
			panic(fmt.Sprintf("operator: kind %d has no table entry", k))
		}
		if compilers[k] == nil {
			panic(fmt.Sprintf("operator: %q has no compiler", op.Name))
		}
		if _, dup := byName[op.Name]; dup {
			panic(fmt.Sprintf("operator: duplicate name %q", op.Name))
		}
		byName[op.Name] = k
	}
}

// Lookup returns the operator named name, or *qerr.UnknownOperatorError.
func Lookup(name string) (*Operator, error) {
	k, ok := byName[name]
	if !ok {
		return nil, &qerr.UnknownOperatorError{Name: name}
	}
	op := operators[k]
	return &op, nil
}

// Get returns the operator for k, or nil when k is not declared.
func Get(k Kind) *Operator {
	if k >= numKinds {
		return nil
	}
	op := operators[k]
	return &op
}

// All returns every operator ordered by category, then name.
func All() []Operator {
	out := make([]Operator, 0, numKinds)
	out = append(out, operators[:]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Count is the number of registered operators.
func Count() int { return int(numKinds) }
