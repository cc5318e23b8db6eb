// Package schema holds the read-only collection metadata consumed by the
// filter parser, the relation resolver and the invalidation bus.
//
// A Registry publishes immutable snapshots. Every change produces a new
// snapshot with a higher version, so anything derived from a snapshot (resolved
// join chains, relation closures) can be cached per version without locks.
package schema

import (
	"fmt"
	"regexp"
)

// FieldKind is the storage type of a field.
type FieldKind string

const (
	KindString   FieldKind = "string"
	KindText     FieldKind = "text"
	KindUUID     FieldKind = "uuid"
	KindEnum     FieldKind = "enum"
	KindInteger  FieldKind = "integer"
	KindBigInt   FieldKind = "bigint"
	KindFloat    FieldKind = "float"
	KindDecimal  FieldKind = "decimal"
	KindBoolean  FieldKind = "boolean"
	KindDate     FieldKind = "date"
	KindDateTime FieldKind = "datetime"
	KindTime     FieldKind = "time"
	KindJSON     FieldKind = "json"
	KindGeometry FieldKind = "geometry"
)

// FieldClass groups field kinds by the operators that apply to them.
type FieldClass uint8

const (
	ClassText FieldClass = 1 << iota
	ClassNumber
	ClassBool
	ClassTemporal
	ClassJSON
	ClassGeometry
)

// ClassAny matches every field class.
const ClassAny = ClassText | ClassNumber | ClassBool | ClassTemporal | ClassJSON | ClassGeometry

// Class returns the operator class of the kind. Unknown kinds have no class.
func (k FieldKind) Class() FieldClass {
	switch k {
	case KindString, KindText, KindUUID, KindEnum:
		return ClassText
	case KindInteger, KindBigInt, KindFloat, KindDecimal:
		return ClassNumber
	case KindBoolean:
		return ClassBool
	case KindDate, KindDateTime, KindTime:
		return ClassTemporal
	case KindJSON:
		return ClassJSON
	case KindGeometry:
		return ClassGeometry
	}
	return 0
}

// Has reports whether c includes every class in other.
func (c FieldClass) Has(other FieldClass) bool {
	return other != 0 && c&other == other
}

func (c FieldClass) String() string {
	names := []struct {
		c    FieldClass
		name string
	}{
		{ClassText, "text"},
		{ClassNumber, "number"},
		{ClassBool, "boolean"},
		{ClassTemporal, "temporal"},
		{ClassJSON, "json"},
		{ClassGeometry, "geometry"},
	}
	out := ""
	for _, n := range names {
		if c&n.c == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += n.name
	}
	if out == "" {
		return "none"
	}
	return out
}

// Field is a scalar column of a collection.
type Field struct {
	Name     string
	Kind     FieldKind
	Nullable bool
}

// RelationKind is the cardinality of a relation.
type RelationKind string

const (
	BelongsTo   RelationKind = "belongs_to"
	HasMany     RelationKind = "has_many"
	ManyToMany  RelationKind = "many_to_many"
	Polymorphic RelationKind = "polymorphic"
)

// Relation links a collection to one (or, for polymorphic relations, one of
// several) target collections.
//
// Column meaning per kind:
//
//	BelongsTo    source.LocalField = target.ForeignField
//	HasMany      source.LocalField = target.ForeignField
//	ManyToMany   source.LocalField = Junction.JunctionLocal,
//	             Junction.JunctionForeign = target.ForeignField
//	Polymorphic  source.LocalField = target.ForeignField
//	             AND source.Discriminator = <target name>
type Relation struct {
	Name            string
	Kind            RelationKind
	Target          string
	LocalField      string
	ForeignField    string
	Junction        string
	JunctionLocal   string
	JunctionForeign string
	Discriminator   string
	Targets         []string
}

// ToMany reports whether traversing the relation can multiply rows.
func (r Relation) ToMany() bool {
	return r.Kind == HasMany || r.Kind == ManyToMany
}

// TargetNames lists every collection the relation can reach. The junction
// table is included for many-to-many relations.
func (r Relation) TargetNames() []string {
	switch r.Kind {
	case Polymorphic:
		return append([]string(nil), r.Targets...)
	case ManyToMany:
		return []string{r.Junction, r.Target}
	default:
		return []string{r.Target}
	}
}

// HasTarget reports whether name is an allowed polymorphic target.
func (r Relation) HasTarget(name string) bool {
	for _, t := range r.Targets {
		if t == name {
			return true
		}
	}
	return false
}

// Collection describes one table and its relations.
type Collection struct {
	Name        string
	PrimaryKey  string
	TenantField string
	Fields      map[string]Field
	Relations   map[string]Relation
}

// Field looks up a scalar field by name.
func (c *Collection) Field(name string) (Field, bool) {
	f, ok := c.Fields[name]
	return f, ok
}

// Relation looks up a relation by name.
func (c *Collection) Relation(name string) (Relation, bool) {
	r, ok := c.Relations[name]
	return r, ok
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s can be used as a table or column name.
// Identifiers are written into SQL text unquoted, so nothing else is allowed.
func ValidIdentifier(s string) bool {
	return identPattern.MatchString(s)
}

func checkIdent(what, s string) error {
	if !ValidIdentifier(s) {
		return fmt.Errorf("invalid %s identifier %q", what, s)
	}
	return nil
}

// ForeignFieldOn returns the column joined on the target side. Polymorphic
// relations without an explicit foreign field use each target's primary key.
func (r Relation) ForeignFieldOn(target *Collection) string {
	if r.ForeignField != "" {
		return r.ForeignField
	}
	return target.PrimaryKey
}
