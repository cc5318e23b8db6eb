package schema

import (
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// Collections are declared in CUE under a top-level "collection" struct:
//
//	collection: posts: {
//		primary_key:  "id"
//		tenant_field: "tenant_id"
//		fields: {
//			id:        "integer"
//			tenant_id: "string"
//			title:     {kind: "string", nullable: true}
//			author_id: "integer"
//		}
//		relations: author: {kind: "belongs_to", target: "users"}
//	}
//
// A field is either a kind name or a struct with kind and nullable.

// LoadError is a schema loading failure with a CUE source position.
type LoadError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// LoadDir loads every CUE file of the package in dir.
func LoadDir(dir string) ([]Collection, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("schema directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("schema directory: not a directory: %s", dir)
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}
	return Decode(ctx.BuildInstance(inst))
}

// LoadSource compiles a single CUE document.
func LoadSource(filename, src string) ([]Collection, error) {
	ctx := cuecontext.New()
	return Decode(ctx.CompileString(src, cue.Filename(filename)))
}

// Decode reads collections from an evaluated CUE value. Collections are
// returned sorted by name.
func Decode(v cue.Value) ([]Collection, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath("collection"))
	if !root.Exists() {
		return nil, &LoadError{Field: "collection", Message: "no collections declared", Pos: v.Pos()}
	}

	iter, err := root.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var cols []Collection
	for iter.Next() {
		c, err := decodeCollection(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols, nil
}

func decodeCollection(name string, v cue.Value) (Collection, error) {
	c := Collection{
		Name:      name,
		Fields:    make(map[string]Field),
		Relations: make(map[string]Relation),
	}

	var err error
	if c.PrimaryKey, err = optionalString(v, "primary_key"); err != nil {
		return c, err
	}
	if c.TenantField, err = optionalString(v, "tenant_field"); err != nil {
		return c, err
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return c, &LoadError{
			Field:   fmt.Sprintf("collection.%s.fields", name),
			Message: "fields are required",
			Pos:     v.Pos(),
		}
	}
	fieldIter, err := fieldsVal.Fields()
	if err != nil {
		return c, formatCUEError(err)
	}
	for fieldIter.Next() {
		f, err := decodeField(fieldIter.Label(), fieldIter.Value())
		if err != nil {
			return c, err
		}
		c.Fields[f.Name] = f
	}

	relVal := v.LookupPath(cue.ParsePath("relations"))
	if relVal.Exists() {
		relIter, err := relVal.Fields()
		if err != nil {
			return c, formatCUEError(err)
		}
		for relIter.Next() {
			rel, err := decodeRelation(relIter.Label(), relIter.Value())
			if err != nil {
				return c, err
			}
			c.Relations[rel.Name] = rel
		}
	}
	return c, nil
}

func decodeField(name string, v cue.Value) (Field, error) {
	f := Field{Name: name}

	if kind, err := v.String(); err == nil {
		f.Kind = FieldKind(kind)
	} else {
		kind, err := v.LookupPath(cue.ParsePath("kind")).String()
		if err != nil {
			return f, &LoadError{
				Field:   "field." + name,
				Message: "must be a kind name or a struct with a kind",
				Pos:     v.Pos(),
			}
		}
		f.Kind = FieldKind(kind)

		nullable := v.LookupPath(cue.ParsePath("nullable"))
		if nullable.Exists() {
			if f.Nullable, err = nullable.Bool(); err != nil {
				return f, formatCUEError(err)
			}
		}
	}

	if f.Kind.Class() == 0 {
		return f, &LoadError{
			Field:   "field." + name,
			Message: fmt.Sprintf("unknown field kind %q", f.Kind),
			Pos:     v.Pos(),
		}
	}
	return f, nil
}

func decodeRelation(name string, v cue.Value) (Relation, error) {
	rel := Relation{Name: name}

	kind, err := v.LookupPath(cue.ParsePath("kind")).String()
	if err != nil {
		return rel, &LoadError{Field: "relation." + name, Message: "kind is required", Pos: v.Pos()}
	}
	rel.Kind = RelationKind(kind)

	strs := []struct {
		label string
		dst   *string
	}{
		{"target", &rel.Target},
		{"local", &rel.LocalField},
		{"foreign", &rel.ForeignField},
		{"junction", &rel.Junction},
		{"junction_local", &rel.JunctionLocal},
		{"junction_foreign", &rel.JunctionForeign},
		{"discriminator", &rel.Discriminator},
	}
	for _, s := range strs {
		if *s.dst, err = optionalString(v, s.label); err != nil {
			return rel, err
		}
	}

	targets := v.LookupPath(cue.ParsePath("targets"))
	if targets.Exists() {
		list, err := targets.List()
		if err != nil {
			return rel, formatCUEError(err)
		}
		for list.Next() {
			t, err := list.Value().String()
			if err != nil {
				return rel, formatCUEError(err)
			}
			rel.Targets = append(rel.Targets, t)
		}
	}
	return rel, nil
}

func optionalString(v cue.Value, label string) (string, error) {
	val := v.LookupPath(cue.ParsePath(label))
	if !val.Exists() {
		return "", nil
	}
	s, err := val.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

// formatCUEError keeps the first error and its source position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &LoadError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
