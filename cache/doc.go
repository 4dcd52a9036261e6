// Package cache holds the contracts shared by the catalog caches: rows and
// row sources, entity keys, cache states, the error taxonomy, memo keys and
// configuration.
//
// # Row sources
//
// A RowSource runs a Query and returns a forward-only cursor of Rows. Rows
// are plain field maps; accessors such as Row.Trimmed and Row.Int smooth over
// the differences between catalog views (identifier case, CHAR padding,
// numeric widths):
//
//	src := cache.RowSourceFunc(func(ctx context.Context, q cache.Query) (cache.Rows, error) {
//		return db.QueryContext(ctx, q.Text, q.Args...)
//	})
//
// # Errors
//
// Every failure surfaced by a cache falls in one of four groups:
//
//   - *TransportError: the source could not deliver rows. The operation fails
//     and the cache keeps what it had.
//   - *StructuralError: one row or sub-row could not be reconciled. It is
//     reported and dropped; the load succeeds.
//   - *NotFoundError: a lookup resolved to nothing. Match it with
//     errors.Is(err, ErrNotFound).
//   - *CancellationError: the caller's context ended mid-load. Nothing was
//     committed.
//
// # Memo keys
//
// Lookup caches front their narrow queries with a LookupMemo keyed by
// KeySerializer output. The default serializer joins segments with
// KeySeparator and escapes names that contain it, so a quoted identifier such
// as "a::b" cannot collide with a two-segment key.
//
// # Configuration
//
// Config carries the memo sizing, name folding and composite sort settings.
// LoadConfig reads them from a YAML or TOML file:
//
//	lookup:
//	  capacity: 5000
//	  ttl: 1m
//	names:
//	  folding: upper
//	  unquote: true
package cache
