package catalogcache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-catalog-cache/cache"
)

// Fetcher is the per-cache strategy: how to ask for the full list and how to
// turn one row into an entity.
type Fetcher[O any, E any] struct {
	// BuildQuery returns the query listing every object of owner.
	BuildQuery func(owner O) (cache.Query, error)
	// RowToEntity maps one row. Returning ErrSkipRow or a zero entity drops
	// the row silently; any other error drops it with a diagnostic.
	RowToEntity func(ctx context.Context, owner O, row cache.Row) (E, error)

	// Policy selects how survivors of a reload are merged. MergeInPlace
	// requires Update.
	Policy MergePolicy
	// Update copies fresh fields into an existing instance. It runs under
	// the cache's write lock, but readers may hold the instance concurrently.
	Update func(existing, fresh E)

	// Order sorts the committed list. Nil keeps row order.
	Order func(a, b E) int
	// PostProcess runs on the folded list before it is reconciled.
	PostProcess []PostProcessor[E]
}

// ObjectCache holds the complete list of one kind of object for an owner.
// Reads are lock-free against an immutable snapshot; loads are serialised and
// concurrent callers share one in-flight query.
type ObjectCache[O any, K comparable, E cache.Object[K]] struct {
	settings
	source cache.RowSource
	fetch  Fetcher[O, E]
	merge  merger[E]

	snap    atomic.Pointer[snapshot[K, E]]
	loading atomic.Int32
	gen     atomic.Uint64

	mu    sync.Mutex
	group singleflight.Group

	// hooks run under mu after a commit (loaded is true) or an invalidation.
	hooks []func(loaded bool, next *snapshot[K, E])
}

// NewObjectCache creates an empty cache reading from source. It panics when
// fetch lacks BuildQuery or RowToEntity, or asks for MergeInPlace without
// Update.
func NewObjectCache[O any, K comparable, E cache.Object[K]](source cache.RowSource, fetch Fetcher[O, E], opts ...Option) *ObjectCache[O, K, E] {
	if fetch.BuildQuery == nil || fetch.RowToEntity == nil {
		panic("catalogcache: Fetcher needs BuildQuery and RowToEntity")
	}
	if fetch.Policy == MergeInPlace && fetch.Update == nil {
		panic("catalogcache: MergeInPlace needs an Update function")
	}
	c := &ObjectCache[O, K, E]{
		settings: newSettings(typeName[E]("objects"), opts),
		source:   source,
		fetch:    fetch,
	}
	c.merge = merger[E]{policy: fetch.Policy, update: fetch.Update}
	c.snap.Store(emptySnapshot[K, E]())
	return c
}

// Name returns the cache name.
func (c *ObjectCache[O, K, E]) Name() string {
	return c.name
}

// State reports the lifecycle state. A cache with a load in flight reports
// StateLoading.
func (c *ObjectCache[O, K, E]) State() cache.State {
	if c.loading.Load() > 0 {
		return cache.StateLoading
	}
	return c.snap.Load().state
}

// Cached returns the cached entities without I/O.
func (c *ObjectCache[O, K, E]) Cached() []E {
	return slices.Clone(c.snap.Load().items)
}

// CachedObject returns the cached entity for key without I/O.
func (c *ObjectCache[O, K, E]) CachedObject(key K) (E, bool) {
	e, ok := c.snap.Load().index[c.normalizeKey(key)]
	return e, ok
}

// Objects returns every entity of owner, loading them on first use.
func (c *ObjectCache[O, K, E]) Objects(ctx context.Context, owner O) ([]E, error) {
	if s := c.snap.Load(); s.state == cache.StateLoaded {
		return slices.Clone(s.items), nil
	}
	return c.run(ctx, "objects", owner, false)
}

// Load fetches the full list of owner's objects and reconciles it against the
// cached one. On any error the previous contents stay visible.
func (c *ObjectCache[O, K, E]) Load(ctx context.Context, owner O) ([]E, error) {
	return c.run(ctx, "load", owner, true)
}

// Invalidate drops every entity and returns the cache to StateEmpty.
func (c *ObjectCache[O, K, E]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen.Add(1)
	next := emptySnapshot[K, E]()
	c.snap.Store(next)
	for _, hook := range c.hooks {
		hook(false, next)
	}
	c.logger.Debug("cache invalidated")
}

// Bind ties the cache to owner so a Registry can reload it.
func (c *ObjectCache[O, K, E]) Bind(owner O) Member {
	return &boundMember{
		state:      c.State,
		invalidate: c.Invalidate,
		reload: func(ctx context.Context) error {
			_, err := c.Load(ctx, owner)
			return err
		},
	}
}

func (c *ObjectCache[O, K, E]) onChange(hook func(loaded bool, next *snapshot[K, E])) {
	c.hooks = append(c.hooks, hook)
}

func (c *ObjectCache[O, K, E]) run(ctx context.Context, key string, owner O, force bool) ([]E, error) {
	items, err := shared(ctx, c.name, &c.group, key, func(ctx context.Context) ([]E, error) {
		return c.load(ctx, owner, force)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(items), nil
}

func (c *ObjectCache[O, K, E]) load(ctx context.Context, owner O, force bool) ([]E, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.snap.Load()
	if !force && prev.state == cache.StateLoaded {
		return prev.items, nil
	}

	c.loading.Add(1)
	defer c.loading.Add(-1)

	log := c.loadLogger(ctx)
	log.Debug("loading objects", "state", prev.state.String())

	q, err := c.fetch.BuildQuery(owner)
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", c.name, err)
	}

	var (
		items  []E
		prints = map[E]uint64{}
	)
	err = scan(ctx, c.name, c.source, q, func(row cache.Row) error {
		e, ok := buildEntity(&c.settings, fmt.Sprint(len(items)), func() (E, error) {
			return c.fetch.RowToEntity(ctx, owner, row)
		})
		if !ok {
			return nil
		}
		items = append(items, e)
		prints[e] = fingerprint(row)
		return nil
	})
	if err != nil {
		log.Debug("load failed", "error", err)
		return nil, err
	}

	if items, err = runPostProcessors(ctx, &c.settings, items, c.fetch.PostProcess); err != nil {
		return nil, err
	}

	next, stats := reconcile(&c.settings, c.merge, c.keyOf, prev, items, prints)
	if c.fetch.Order != nil {
		slices.SortStableFunc(next.items, c.fetch.Order)
	}

	c.gen.Add(1)
	c.snap.Store(next)
	for _, hook := range c.hooks {
		hook(true, next)
	}

	log.Debug("objects loaded",
		"objects", len(next.items),
		"added", stats.added,
		"updated", stats.updated,
		"unchanged", stats.unchanged,
		"removed", stats.removed,
	)
	return next.items, nil
}

// keyOf returns e's key normalised the way lookups normalise names.
func (c *ObjectCache[O, K, E]) keyOf(e E) K {
	return c.normalizeKey(e.CacheKey())
}

func (c *ObjectCache[O, K, E]) normalizeKey(key K) K {
	if s, ok := any(key).(string); ok {
		return any(c.normalize(s)).(K)
	}
	return key
}
