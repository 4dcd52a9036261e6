package cache

import "context"

// Query describes one remote request. Text is handed to the RowSource as is;
// Args carry the key values that parameterise it (owner name, object name...).
type Query struct {
	// Name identifies the query in logs and errors.
	Name string
	Text string
	Args []any
}

// Rows is a forward-only cursor over the result of a Query.
type Rows interface {
	Next() bool
	Row() Row
	Err() error
	Close() error
}

// RowSource produces ordered, finite row sequences for a Query. Connectivity
// and authorization failures should be reported as *TransportError; deadlines
// and cancellation come from ctx.
type RowSource interface {
	Query(ctx context.Context, q Query) (Rows, error)
}

// RowSourceFunc adapts a function to RowSource.
type RowSourceFunc func(ctx context.Context, q Query) (Rows, error)

// Query implements RowSource.
func (f RowSourceFunc) Query(ctx context.Context, q Query) (Rows, error) {
	return f(ctx, q)
}

// Entity is a cached, identity-bearing catalog object.
type Entity[K comparable] interface {
	CacheKey() K
}

// State reports how much of a cache is populated.
type State int

const (
	// StateEmpty means nothing was fetched since construction or invalidation.
	StateEmpty State = iota
	// StateLoading means a full load is in flight.
	StateLoading
	// StatePartial means some names were resolved on demand; the set is not exhaustive.
	StatePartial
	// StateLoaded means the cache holds the complete child set.
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StatePartial:
		return "partial"
	case StateLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// PairKey identifies a child of a composite fetch by parent and child key.
type PairKey struct {
	Parent string
	Child  string
}

func (k PairKey) String() string {
	return k.Parent + "/" + k.Child
}

// FetchFn is the function signature LookupMemo expects when resolving from the source.
type FetchFn[T any] func(ctx context.Context) (T, error)

// LookupMemo fronts narrow, name-filtered queries. Implementations collapse
// concurrent fetches of the same key into one and may remember misses; a
// fetch that reports ErrNotFound must surface as ErrNotFound.
type LookupMemo interface {
	GetOrFetch(ctx context.Context, key string, fetchFn func(ctx context.Context) (any, error)) (any, error)
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// GetOrFetch is a type-safe wrapper around LookupMemo.GetOrFetch.
func GetOrFetch[T any](ctx context.Context, memo LookupMemo, key string, fetchFn FetchFn[T]) (T, error) {
	var zero T
	result, err := memo.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		return fetchFn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, ErrInvalidResultType
	}
	return typed, nil
}

// Object constrains values held by the catalog caches: a key plus comparable
// identity, which in practice means a pointer to the catalog object.
type Object[K comparable] interface {
	comparable
	Entity[K]
}
