package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/baasix/querycore/internal/engine"
	"github.com/baasix/querycore/internal/parser"
	"github.com/baasix/querycore/internal/policy"
	"github.com/baasix/querycore/internal/queryir"
)

// RequestOptions are the flags shared by compile and query.
type RequestOptions struct {
	Schema      string
	Filter      string
	Fields      []string
	Sort        string
	Limit       int
	Offset      int
	Cursor      string
	Aggregate   []string
	GroupBy     []string
	User        string
	Role        string
	Tenant      string
	Scope       string
	Permissions string
}

func (o *RequestOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.Schema, "schema", "", "CUE schema directory (overrides schema.dir)")
	f.StringVar(&o.Filter, "filter", "", "filter document, JSON or YAML")
	f.StringSliceVar(&o.Fields, "fields", nil, "fields to select (comma separated)")
	f.StringVar(&o.Sort, "sort", "", `sort spec, e.g. "-published_at,title"`)
	f.IntVar(&o.Limit, "limit", 0, "page size")
	f.IntVar(&o.Offset, "offset", 0, "rows to skip")
	f.StringVar(&o.Cursor, "cursor", "", "continue after a previous page's next cursor")
	f.StringArrayVar(&o.Aggregate, "aggregate", nil, `aggregate such as "count(*)" or "sum(total) as revenue" (repeatable)`)
	f.StringSliceVar(&o.GroupBy, "group-by", nil, "group-by field paths")
	f.StringVar(&o.User, "user", "", "caller user id")
	f.StringVar(&o.Role, "role", "", "caller role")
	f.StringVar(&o.Tenant, "tenant", "", "caller tenant id")
	f.StringVar(&o.Scope, "scope", "tenant", "tenant, system or public")
	f.StringVar(&o.Permissions, "permissions", "", "role rules file, YAML or JSON")
}

// request builds the engine request for collection.
func (o *RequestOptions) request(collection string) (engine.Request, error) {
	scope, err := policy.ParseScope(o.Scope)
	if err != nil {
		return engine.Request{}, err
	}
	req := engine.Request{
		Collection: collection,
		Fields:     o.Fields,
		Sort:       queryir.ParseSort(o.Sort),
		Page:       queryir.Pagination{Limit: o.Limit, Offset: o.Offset},
		Cursor:     o.Cursor,
		Accountability: policy.Accountability{
			UserID:   o.User,
			Role:     o.Role,
			TenantID: o.Tenant,
			Scope:    scope,
		},
	}
	if o.Filter != "" {
		if req.Filter, err = parser.DecodeDocument([]byte(o.Filter)); err != nil {
			return engine.Request{}, err
		}
	}

	if len(o.Aggregate) == 0 && len(o.GroupBy) > 0 {
		return engine.Request{}, fmt.Errorf("--group-by needs at least one --aggregate")
	}
	if len(o.Aggregate) > 0 {
		agg := &queryir.Aggregation{GroupBy: o.GroupBy}
		for _, spec := range o.Aggregate {
			a, err := queryir.ParseAggregate(spec)
			if err != nil {
				return engine.Request{}, err
			}
			agg.Funcs = append(agg.Funcs, a)
		}
		req.Aggregate = agg
	}
	return req, nil
}

// permissions loads the rules file, if one was given.
func (o *RequestOptions) permissions() (engine.PermissionSource, error) {
	if o.Permissions == "" {
		return nil, nil
	}
	return engine.LoadPermissions(o.Permissions)
}
