// Package queryir defines the intermediate representation shared by the
// filter parser, the scoping policy, the SQL compiler and the cache key
// deriver.
//
// ARCHITECTURE:
//
//	[filter document] -> parser -> FilterNode
//	                               | policy.Inject (tenant, permission)
//	                               v
//	                     querysql.Compile -> CompiledQuery -> executor
//	                               |
//	                               +-> cachekey.Derive
//
// SEALED INTERFACES:
//
// FilterNode is a sealed interface using the marker method pattern. Only
// *Leaf, *And, *Or and *Not implement it, which keeps type switches in the
// compiler and the key deriver exhaustive:
//
//	switch n := node.(type) {
//	case *Leaf:
//	case *And:
//	case *Or:
//	case *Not:
//	}
//
// Nodes are immutable once built. Code that needs a variant (for example the
// scoping policy marking injected leaves) copies the tree with Clone.
//
// VALUES:
//
// Leaf values are ir.Value sums. Dynamic variables such as $CURRENT_USER are
// resolved by the parser before a Leaf exists; Leaf.Variable only records
// which variable produced the value so the cache key can include the scope it
// depends on.
//
// PLANS:
//
// CompiledQuery is executor agnostic: SQL text with placeholders plus Args in
// placeholder order. Dependencies lists every table the statement reads.
package queryir
