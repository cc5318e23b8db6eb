package testutil

import "github.com/baasix/querycore/internal/schema"

// FixtureCollections is the schema shared by package tests and scenarios.
//
//	users       -> profiles (profile, belongs_to)
//	posts       -> users (author), comments (has_many), tags (many_to_many via post_tags)
//	comments    -> posts (post), users (author)
//	orders      -> order_items (items, has_many), users (customer)
//	order_items -> orders (order)
//	activities  -> posts | orders (subject, polymorphic)
//	categories  -> categories (parent, children)
func FixtureCollections() []schema.Collection {
	return []schema.Collection{
		{
			Name:        "users",
			TenantField: "tenant_id",
			Fields: fields(map[string]schema.FieldKind{
				"id":         schema.KindInteger,
				"tenant_id":  schema.KindString,
				"name":       schema.KindString,
				"email":      schema.KindString,
				"status":     schema.KindString,
				"tier":       schema.KindString,
				"age":        schema.KindInteger,
				"profile_id": schema.KindInteger,
				"created_at": schema.KindDateTime,
			}),
			Relations: map[string]schema.Relation{
				"profile": {Kind: schema.BelongsTo, Target: "profiles"},
			},
		},
		{
			Name: "profiles",
			Fields: fields(map[string]schema.FieldKind{
				"id":      schema.KindInteger,
				"city":    schema.KindString,
				"country": schema.KindString,
				"bio":     schema.KindText,
			}),
		},
		{
			Name:        "posts",
			TenantField: "tenant_id",
			Fields: fields(map[string]schema.FieldKind{
				"id":           schema.KindInteger,
				"tenant_id":    schema.KindString,
				"title":        schema.KindString,
				"status":       schema.KindString,
				"author_id":    schema.KindInteger,
				"views":        schema.KindInteger,
				"rating":       schema.KindFloat,
				"published_at": schema.KindDateTime,
				"meta":         schema.KindJSON,
				"location":     schema.KindGeometry,
				"featured":     schema.KindBoolean,
			}),
			Relations: map[string]schema.Relation{
				"author":   {Kind: schema.BelongsTo, Target: "users"},
				"comments": {Kind: schema.HasMany, Target: "comments", ForeignField: "post_id"},
				"tags": {
					Kind:            schema.ManyToMany,
					Target:          "tags",
					Junction:        "post_tags",
					JunctionLocal:   "post_id",
					JunctionForeign: "tag_id",
				},
			},
		},
		{
			Name: "comments",
			Fields: fields(map[string]schema.FieldKind{
				"id":        schema.KindInteger,
				"post_id":   schema.KindInteger,
				"author_id": schema.KindInteger,
				"body":      schema.KindText,
			}),
			Relations: map[string]schema.Relation{
				"post":   {Kind: schema.BelongsTo, Target: "posts"},
				"author": {Kind: schema.BelongsTo, Target: "users"},
			},
		},
		{
			Name: "tags",
			Fields: fields(map[string]schema.FieldKind{
				"id":   schema.KindInteger,
				"name": schema.KindString,
			}),
		},
		{
			Name: "post_tags",
			Fields: fields(map[string]schema.FieldKind{
				"id":      schema.KindInteger,
				"post_id": schema.KindInteger,
				"tag_id":  schema.KindInteger,
			}),
		},
		{
			Name:        "orders",
			TenantField: "tenant_id",
			Fields: fields(map[string]schema.FieldKind{
				"id":          schema.KindInteger,
				"tenant_id":   schema.KindString,
				"status":      schema.KindString,
				"total":       schema.KindDecimal,
				"customer_id": schema.KindInteger,
				"placed_at":   schema.KindDateTime,
			}),
			Relations: map[string]schema.Relation{
				"items":    {Kind: schema.HasMany, Target: "order_items", ForeignField: "order_id"},
				"customer": {Kind: schema.BelongsTo, Target: "users"},
			},
		},
		{
			Name: "order_items",
			Fields: fields(map[string]schema.FieldKind{
				"id":       schema.KindInteger,
				"order_id": schema.KindInteger,
				"sku":      schema.KindString,
				"qty":      schema.KindInteger,
				"price":    schema.KindDecimal,
			}),
			Relations: map[string]schema.Relation{
				"order": {Kind: schema.BelongsTo, Target: "orders"},
			},
		},
		{
			Name:        "activities",
			TenantField: "tenant_id",
			Fields: fields(map[string]schema.FieldKind{
				"id":           schema.KindInteger,
				"tenant_id":    schema.KindString,
				"verb":         schema.KindString,
				"subject_type": schema.KindString,
				"subject_id":   schema.KindInteger,
			}),
			Relations: map[string]schema.Relation{
				"subject": {Kind: schema.Polymorphic, Targets: []string{"posts", "orders"}},
			},
		},
		{
			Name: "categories",
			Fields: fields(map[string]schema.FieldKind{
				"id":        schema.KindInteger,
				"name":      schema.KindString,
				"parent_id": schema.KindInteger,
			}),
			Relations: map[string]schema.Relation{
				"parent":   {Kind: schema.BelongsTo, Target: "categories"},
				"children": {Kind: schema.HasMany, Target: "categories", ForeignField: "parent_id"},
			},
		},
	}
}

// FixtureRegistry returns a registry holding FixtureCollections.
func FixtureRegistry() *schema.Registry {
	return schema.MustRegistry(FixtureCollections()...)
}

func fields(kinds map[string]schema.FieldKind) map[string]schema.Field {
	out := make(map[string]schema.Field, len(kinds))
	for name, kind := range kinds {
		out[name] = schema.Field{Name: name, Kind: kind, Nullable: name != "id"}
	}
	return out
}
