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

// ObjectLister lists every object of an owner. ObjectCache, LookupCache and
// StructCache implement it.
type ObjectLister[O any, E any] interface {
	Objects(ctx context.Context, owner O) ([]E, error)
}

// CompositeFetcher describes a query returning one row per sub-row of a child
// (one row per column of every index, say) and how the rows fold back into
// children.
type CompositeFetcher[O any, P any, E any, R any] struct {
	// BuildQuery returns the query for every parent of owner when parent is
	// the zero value, or for that parent alone.
	BuildQuery func(owner O, parent P) (cache.Query, error)

	// ParentField and ChildField name the row fields holding the parent and
	// child names. Rows must arrive ordered by them unless client sort is on.
	ParentField string
	ChildField  string
	// SeqField names the sub-row position. Without it rows keep their order.
	SeqField string
	// SubKeyField names the sub-row key when rows carry one element each.
	SubKeyField string
	// EncodedField names a field holding every element of the child in one
	// delimited value, see ParseSubRowList. It takes precedence over
	// SubKeyField and SeqField when present in a row.
	EncodedField string

	// NewChild builds the child from the first row of its group.
	NewChild func(ctx context.Context, owner O, parent P, row cache.Row) (E, error)
	// NewSubRow builds one element. Errors drop the element only.
	NewSubRow func(ctx context.Context, parent P, child E, sub SubRow) (R, error)
	// Assembled receives a child's elements ordered by Seq once its group
	// closes.
	Assembled func(child E, subRows []R)

	Policy MergePolicy
	Update func(existing, fresh E)
}

type compositeSnapshot[E any] struct {
	full     bool
	items    []E
	byParent map[string][]E
	index    map[cache.PairKey]E
	prints   map[cache.PairKey]uint64
}

func emptyCompositeSnapshot[E any]() *compositeSnapshot[E] {
	return &compositeSnapshot[E]{
		byParent: map[string][]E{},
		index:    map[cache.PairKey]E{},
		prints:   map[cache.PairKey]uint64{},
	}
}

func (s *compositeSnapshot[E]) state() cache.State {
	switch {
	case s.full:
		return cache.StateLoaded
	case len(s.byParent) > 0:
		return cache.StatePartial
	}
	return cache.StateEmpty
}

// CompositeCache holds children folded from multi-row results, indexed by
// (parent, child) and grouped per parent.
type CompositeCache[O any, P cache.Object[string], E cache.Object[string], R any] struct {
	settings
	source  cache.RowSource
	parents ObjectLister[O, P]
	fetch   CompositeFetcher[O, P, E, R]
	merge   merger[E]

	snap    atomic.Pointer[compositeSnapshot[E]]
	loading atomic.Int32

	mu    sync.Mutex
	group singleflight.Group
}

// NewCompositeCache creates an empty composite cache. It panics when fetch
// lacks BuildQuery, NewChild or the key fields, or asks for MergeInPlace
// without Update.
func NewCompositeCache[O any, P cache.Object[string], E cache.Object[string], R any](source cache.RowSource, parents ObjectLister[O, P], fetch CompositeFetcher[O, P, E, R], opts ...Option) *CompositeCache[O, P, E, R] {
	if fetch.BuildQuery == nil || fetch.NewChild == nil {
		panic("catalogcache: CompositeFetcher needs BuildQuery and NewChild")
	}
	if fetch.ParentField == "" || fetch.ChildField == "" {
		panic("catalogcache: CompositeFetcher needs ParentField and ChildField")
	}
	if fetch.Policy == MergeInPlace && fetch.Update == nil {
		panic("catalogcache: MergeInPlace needs an Update function")
	}
	c := &CompositeCache[O, P, E, R]{
		settings: newSettings(typeName[E]("composite"), opts),
		source:   source,
		parents:  parents,
		fetch:    fetch,
		merge:    merger[E]{policy: fetch.Policy, update: fetch.Update},
	}
	c.snap.Store(emptyCompositeSnapshot[E]())
	return c
}

// Name returns the cache name.
func (c *CompositeCache[O, P, E, R]) Name() string {
	return c.name
}

// State reports StateLoaded after a load of every parent, StatePartial when
// only some parents are loaded.
func (c *CompositeCache[O, P, E, R]) State() cache.State {
	if c.loading.Load() > 0 {
		return cache.StateLoading
	}
	return c.snap.Load().state()
}

// Cached returns every cached child without I/O.
func (c *CompositeCache[O, P, E, R]) Cached() []E {
	return slices.Clone(c.snap.Load().items)
}

// CachedOf returns parent's cached children without I/O. ok is false when
// they were never loaded.
func (c *CompositeCache[O, P, E, R]) CachedOf(parent P) ([]E, bool) {
	s := c.snap.Load()
	children, ok := s.byParent[c.parentKey(parent)]
	if !ok && !s.full {
		return nil, false
	}
	return slices.Clone(children), true
}

// Objects returns the children of every parent, loading them on first use.
func (c *CompositeCache[O, P, E, R]) Objects(ctx context.Context, owner O) ([]E, error) {
	var zero P
	if s := c.snap.Load(); s.full {
		return slices.Clone(s.items), nil
	}
	return c.run(ctx, owner, zero, false)
}

// ObjectsOf returns parent's children, loading them on first use.
func (c *CompositeCache[O, P, E, R]) ObjectsOf(ctx context.Context, owner O, parent P) ([]E, error) {
	if children, ok := c.CachedOf(parent); ok {
		return children, nil
	}
	return c.run(ctx, owner, parent, false)
}

// Find returns parent's child called name.
func (c *CompositeCache[O, P, E, R]) Find(ctx context.Context, owner O, parent P, name string) (E, error) {
	var zero E
	if _, err := c.ObjectsOf(ctx, owner, parent); err != nil {
		return zero, err
	}
	key := cache.PairKey{Parent: c.parentKey(parent), Child: c.normalize(name)}
	if e, ok := c.snap.Load().index[key]; ok {
		return e, nil
	}
	return zero, &cache.NotFoundError{Cache: c.name, Name: key.String()}
}

// Load fetches the children of every parent of owner when parent is the zero
// value, or of parent alone, replacing only what was fetched.
func (c *CompositeCache[O, P, E, R]) Load(ctx context.Context, owner O, parent P) ([]E, error) {
	return c.run(ctx, owner, parent, true)
}

// Invalidate drops every child.
func (c *CompositeCache[O, P, E, R]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap.Store(emptyCompositeSnapshot[E]())
	c.logger.Debug("cache invalidated")
}

// Bind ties the cache to owner so a Registry can reload every parent's
// children.
func (c *CompositeCache[O, P, E, R]) Bind(owner O) Member {
	var zero P
	return &boundMember{
		state:      c.State,
		invalidate: c.Invalidate,
		reload: func(ctx context.Context) error {
			_, err := c.Load(ctx, owner, zero)
			return err
		},
	}
}

func (c *CompositeCache[O, P, E, R]) parentKey(parent P) string {
	var zero P
	if parent == zero {
		return ""
	}
	return c.normalize(parent.CacheKey())
}

func (c *CompositeCache[O, P, E, R]) run(ctx context.Context, owner O, parent P, force bool) ([]E, error) {
	key := "all"
	if pk := c.parentKey(parent); pk != "" {
		key = c.serializer.SerializeKey("parent", pk)
	}
	if !force {
		key = c.serializer.SerializeKey("lazy", key)
	}
	items, err := shared(ctx, c.name, &c.group, key, func(ctx context.Context) ([]E, error) {
		return c.load(ctx, owner, parent, force)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(items), nil
}

func (c *CompositeCache[O, P, E, R]) load(ctx context.Context, owner O, parent P, force bool) ([]E, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pk := c.parentKey(parent)
	single := pk != ""
	prev := c.snap.Load()
	if !force {
		if !single && prev.full {
			return prev.items, nil
		}
		if children, ok := prev.byParent[pk]; single && (ok || prev.full) {
			return children, nil
		}
	}

	c.loading.Add(1)
	defer c.loading.Add(-1)

	log := c.loadLogger(ctx)
	if single {
		log = log.With("parent", pk)
	}
	log.Debug("loading composite objects")

	resolve := func(key string) (P, bool) {
		if key == pk {
			return parent, true
		}
		var zero P
		return zero, false
	}
	if !single {
		parents, err := c.parents.Objects(ctx, owner)
		if err != nil {
			return nil, err
		}
		byKey := make(map[string]P, len(parents))
		for _, p := range parents {
			byKey[c.normalize(p.CacheKey())] = p
		}
		resolve = func(key string) (P, bool) {
			p, ok := byKey[key]
			return p, ok
		}
	}

	q, err := c.fetch.BuildQuery(owner, parent)
	if err != nil {
		return nil, fmt.Errorf("%s: build query: %w", c.name, err)
	}

	f := &folder[O, P, E, R]{
		ctx:     ctx,
		owner:   owner,
		s:       &c.settings,
		fetch:   &c.fetch,
		resolve: resolve,
		groups:  map[cache.PairKey]*foldGroup[P, E, R]{},
		dropped: map[cache.PairKey]bool{},
		missing: map[string]bool{},
	}
	if c.sortRows {
		var rows []cache.Row
		err = scan(ctx, c.name, c.source, q, func(row cache.Row) error {
			rows = append(rows, row)
			return nil
		})
		if err == nil {
			sortCompositeRows(rows, c.normalize, c.fetch.ParentField, c.fetch.ChildField, c.fetch.SeqField)
			for _, row := range rows {
				if err = ctx.Err(); err != nil {
					err = &cache.CancellationError{Cache: c.name, Err: err}
					break
				}
				_ = f.add(row)
			}
		}
	} else {
		err = scan(ctx, c.name, c.source, q, f.add)
	}
	if err != nil {
		log.Debug("load failed", "error", err)
		return nil, err
	}

	next, loaded, stats := c.commit(prev, pk, f.finish())
	c.snap.Store(next)

	log.Debug("composite objects loaded",
		"objects", len(loaded),
		"added", stats.added,
		"updated", stats.updated,
		"unchanged", stats.unchanged,
		"removed", stats.removed,
	)
	return loaded, nil
}

// commit builds the snapshot replacing pk's children, or everything when pk
// is empty. It returns the snapshot and the children just loaded.
func (c *CompositeCache[O, P, E, R]) commit(prev *compositeSnapshot[E], pk string, groups []*foldGroup[P, E, R]) (*compositeSnapshot[E], []E, mergeStats) {
	var stats mergeStats
	next := emptyCompositeSnapshot[E]()
	next.full = pk == "" || prev.full

	if pk != "" {
		replaced := make(map[E]bool, len(prev.byParent[pk]))
		for _, e := range prev.byParent[pk] {
			replaced[e] = true
		}
		for _, e := range prev.items {
			if !replaced[e] {
				next.items = append(next.items, e)
			}
		}
		for parent, children := range prev.byParent {
			if parent == pk {
				continue
			}
			next.byParent[parent] = children
			for _, e := range children {
				key := cache.PairKey{Parent: parent, Child: c.normalize(e.CacheKey())}
				next.index[key] = e
				next.prints[key] = prev.prints[key]
			}
		}
		next.byParent[pk] = []E{}
	}

	loaded := make([]E, 0, len(groups))
	seen := make(map[cache.PairKey]bool, len(groups))
	for _, g := range groups {
		key := cache.PairKey{Parent: g.key.Parent, Child: c.normalize(g.child.CacheKey())}
		if seen[key] {
			stats.duplicates++
			c.structural(SeverityWarning, key.String(), "duplicate key in result, keeping first", nil)
			continue
		}
		seen[key] = true

		print := fingerprint(g.rows...)
		kept := g.child
		if existing, ok := prev.index[key]; ok {
			kept = c.merge.survivor(existing, g.child, prev.prints[key], print, &stats)
		} else {
			stats.added++
		}
		loaded = append(loaded, kept)
		next.items = append(next.items, kept)
		next.index[key] = kept
		next.prints[key] = print
		next.byParent[key.Parent] = append(next.byParent[key.Parent], kept)
	}

	for key := range prev.index {
		if (pk == "" || key.Parent == pk) && !seen[key] {
			stats.removed++
		}
	}
	return next, loaded, stats
}
