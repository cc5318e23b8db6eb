package operator

import (
	"encoding/json"
	"strconv"

	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	"github.com/baasix/querycore/internal/ir"
)

// SRID is the spatial reference of geometry operands (WGS 84).
const SRID = 4326

// Geometry operands arrive as GeoJSON geometry objects and are bound as WKB,
// so no coordinate text ever reaches the statement.
func geometryArg(op *Operator, c *Context, v ir.Value) ([]byte, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, op.mismatch(c.Path, v.Kind().String())
	}
	raw, err := json.Marshal(ir.ToAny(obj))
	if err != nil {
		return nil, err
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil || g.Geometry() == nil {
		return nil, op.mismatch(c.Path, "an object that is not GeoJSON geometry")
	}
	return wkb.Marshal(g.Geometry())
}

func geomFromWKB() string {
	return "ST_GeomFromWKB(?, " + strconv.Itoa(SRID) + ")"
}

var spatialFuncs = map[Kind]struct {
	fn     string
	negate bool
}{
	Intersects:  {"ST_Intersects", false},
	NIntersects: {"ST_Intersects", true},
	Within:      {"ST_Within", false},
	NWithin:     {"ST_Within", true},
}

func compileSpatial(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	geom, err := geometryArg(op, c, v)
	if err != nil {
		return Fragment{}, err
	}
	spec := spatialFuncs[op.Kind]
	sql := spec.fn + "(" + c.Column + ", " + geomFromWKB() + ")"
	if spec.negate {
		sql = "NOT " + sql
	}
	return Fragment{SQL: sql, Args: []any{geom}}, nil
}

// compileDWithin takes {geometry, distance}. Distance is in SRID units.
func compileDWithin(op *Operator, c *Context, v ir.Value) (Fragment, error) {
	obj := v.(ir.Object)
	distance, ok := obj["distance"]
	if !ok || distance.Kind() != ir.KindNumber {
		return Fragment{}, op.mismatch(c.Path, "object without a numeric distance")
	}
	geomVal, ok := obj["geometry"]
	if !ok {
		return Fragment{}, op.mismatch(c.Path, "object without geometry")
	}
	geom, err := geometryArg(op, c, geomVal)
	if err != nil {
		return Fragment{}, err
	}
	d, err := ir.Param(distance)
	if err != nil {
		return Fragment{}, err
	}

	if c.Dialect == Postgres {
		return Fragment{
			SQL:  "ST_DWithin(" + c.Column + ", " + geomFromWKB() + ", ?)",
			Args: []any{geom, d},
		}, nil
	}
	return Fragment{
		SQL:  "ST_Distance(" + c.Column + ", " + geomFromWKB() + ") <= ?",
		Args: []any{geom, d},
	}, nil
}
