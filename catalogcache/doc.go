// Package catalogcache keeps a remote relational catalog (schemas, tables,
// columns, indexes, procedures) as an in-memory object graph that is filled on
// demand from a cache.RowSource.
//
// # Overview
//
// Four cache shapes cover the ways catalog objects are read:
//
//   - ObjectCache: the complete list of one kind of object for an owner
//   - LookupCache: an ObjectCache keyed by name that can resolve single
//     objects with a narrow query before the full list is needed
//   - CompositeCache: children folded from one row per sub-row (an index and
//     its columns), grouped per parent
//   - StructCache: a LookupCache of parents that also holds each parent's
//     children, read with one flattened query
//
// A Registry groups the caches of one container and coordinates explicit
// invalidation and refresh. Nothing expires on a timer.
//
// # Basic Usage
//
// Each cache takes the row source and a strategy describing the queries and
// row mapping:
//
//	tables := catalogcache.NewLookupCache(src, catalogcache.LookupFetcher[*Schema, *Table]{
//		Fetcher: catalogcache.Fetcher[*Schema, *Table]{
//			BuildQuery: func(s *Schema) (cache.Query, error) {
//				return cache.Query{Name: "tables", Text: "SELECT ... WHERE schema = ?", Args: []any{s.Name}}, nil
//			},
//			RowToEntity: func(ctx context.Context, s *Schema, row cache.Row) (*Table, error) {
//				return &Table{Schema: s, Name: row.Trimmed("TABLE_NAME")}, nil
//			},
//		},
//		BuildLookupQuery: func(s *Schema, name string) (cache.Query, error) { ... },
//	}, catalogcache.WithName("tables"), catalogcache.WithLogger(logger))
//
//	t, err := tables.Find(ctx, schema, "ORDERS") // narrow query, cache PARTIAL
//	all, err := tables.Objects(ctx, schema)     // full load, cache LOADED
//
// # Consistency
//
// Readers never block: every cache publishes an immutable snapshot after each
// successful load. Loads of one cache are serialised and concurrent callers
// share the in-flight query. A load that fails or is cancelled leaves the
// previous snapshot in place.
//
// A reload is authoritative: objects missing from the new result are removed.
// With MergeInPlace, surviving objects keep their identity and receive the
// new field values through the cache's update function; an unchanged row
// fingerprint skips the update.
//
// # Errors
//
// Transport failures fail the operation (cache.TransportError). Rows that
// cannot be mapped or attached are dropped and reported through the Reporter
// as cache.StructuralError. Misses match cache.ErrNotFound. Cancellation
// surfaces as cache.CancellationError.
//
// # Post-processing
//
// DisambiguateOverloads, ExcludeTracked and FoldByDepth rewrite a freshly
// folded list before it is committed.
package catalogcache
