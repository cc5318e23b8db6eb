package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/baasix/querycore/internal/operator"
	"github.com/baasix/querycore/internal/schema"
)

var columnTypes = map[operator.Dialect]map[schema.FieldKind]string{
	operator.SQLite: {
		schema.KindInteger: "INTEGER",
		schema.KindBigInt:  "INTEGER",
		schema.KindBoolean: "INTEGER",
		schema.KindFloat:   "REAL",
		schema.KindDecimal: "REAL",
	},
	operator.Postgres: {
		schema.KindUUID:     "UUID",
		schema.KindInteger:  "INTEGER",
		schema.KindBigInt:   "BIGINT",
		schema.KindFloat:    "DOUBLE PRECISION",
		schema.KindDecimal:  "NUMERIC",
		schema.KindBoolean:  "BOOLEAN",
		schema.KindDate:     "DATE",
		schema.KindDateTime: "TIMESTAMPTZ",
		schema.KindTime:     "TIME",
		schema.KindJSON:     "JSONB",
		schema.KindGeometry: "geometry",
	},
}

func columnType(d operator.Dialect, k schema.FieldKind) string {
	if t, ok := columnTypes[d][k]; ok {
		return t
	}
	return "TEXT"
}

// TableDDL renders CREATE TABLE IF NOT EXISTS for coll. The primary key
// comes first; other columns follow in name order.
func TableDDL(d operator.Dialect, coll schema.Collection) string {
	pk := coll.PrimaryKey
	if pk == "" {
		pk = "id"
	}
	names := make([]string, 0, len(coll.Fields))
	for name := range coll.Fields {
		if name != pk {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	pkKind := schema.KindInteger
	if f, ok := coll.Fields[pk]; ok {
		pkKind = f.Kind
	}
	cols := []string{pk + " " + columnType(d, pkKind) + " PRIMARY KEY"}
	for _, name := range names {
		cols = append(cols, name+" "+columnType(d, coll.Fields[name].Kind))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", coll.Name, strings.Join(cols, ", "))
}

// CreateTables creates a table for each collection that does not have one.
func CreateTables(ctx context.Context, db Database, colls ...schema.Collection) error {
	for _, c := range colls {
		if err := db.Exec(ctx, TableDDL(db.Dialect(), c)); err != nil {
			return fmt.Errorf("create table %s: %w", c.Name, err)
		}
	}
	return nil
}
