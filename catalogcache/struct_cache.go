package catalogcache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-catalog-cache/cache"
)

// ChildFetcher describes how the children of a StructCache's parents are read:
// one flat query whose rows name their parent.
type ChildFetcher[O any, P any, C any] struct {
	// ParentField names the row field holding the parent name.
	ParentField string
	// BuildQuery returns the query for every parent when parent is the zero
	// value, or for that parent alone.
	BuildQuery func(owner O, parent P) (cache.Query, error)
	// NewChild maps one row. ErrSkipRow or a zero child drops the row.
	NewChild func(ctx context.Context, owner O, parent P, row cache.Row) (C, error)
	// Compare sorts each parent's children. Nil keeps row order.
	Compare func(a, b C) int
	// PostProcess runs on each parent's sorted children.
	PostProcess []PostProcessor[C]
}

// StructCache is a LookupCache of parents (tables, say) that also holds each
// parent's children (columns). Parents are listed cheaply; children are read
// in one flattened query and assigned to parents by name.
type StructCache[O any, P cache.Object[string], C comparable] struct {
	*LookupCache[O, P]
	children ChildFetcher[O, P, C]

	childState   *xsync.MapOf[string, []C]
	allChildren  atomic.Bool
	childGen     atomic.Uint64
	childLoading atomic.Int32

	childMu    sync.Mutex
	childGroup singleflight.Group
	// commitMu orders child commits against invalidations. It is never held
	// across I/O.
	commitMu sync.Mutex
}

// NewStructCache creates an empty struct cache. Invalidating or reloading the
// parents drops the children of every parent that was replaced or removed.
func NewStructCache[O any, P cache.Object[string], C comparable](source cache.RowSource, parents LookupFetcher[O, P], children ChildFetcher[O, P, C], opts ...Option) *StructCache[O, P, C] {
	if children.BuildQuery == nil || children.NewChild == nil || children.ParentField == "" {
		panic("catalogcache: ChildFetcher needs ParentField, BuildQuery and NewChild")
	}
	c := &StructCache[O, P, C]{
		LookupCache: NewLookupCache(source, parents, opts...),
		children:    children,
		childState:  xsync.NewMapOf[string, []C](),
	}
	c.onChange(func(loaded bool, next *snapshot[string, P]) {
		c.commitMu.Lock()
		defer c.commitMu.Unlock()
		c.childGen.Add(1)
		c.allChildren.Store(false)
		if !loaded || c.fetch.Policy != MergeInPlace {
			c.childState.Clear()
			return
		}
		c.childState.Range(func(key string, _ []C) bool {
			if _, ok := next.index[key]; !ok {
				c.childState.Delete(key)
			}
			return true
		})
	})
	return c
}

// ChildrenState reports the lifecycle state of the children.
func (c *StructCache[O, P, C]) ChildrenState() cache.State {
	switch {
	case c.childLoading.Load() > 0:
		return cache.StateLoading
	case c.allChildren.Load():
		return cache.StateLoaded
	case c.childState.Size() > 0:
		return cache.StatePartial
	}
	return cache.StateEmpty
}

// CachedChildren returns parent's children without I/O. ok is false when
// they were never loaded.
func (c *StructCache[O, P, C]) CachedChildren(parent P) ([]C, bool) {
	children, ok := c.childState.Load(c.normalize(parent.CacheKey()))
	if !ok {
		return nil, false
	}
	return slices.Clone(children), true
}

// Children returns parent's children, loading them on first use.
func (c *StructCache[O, P, C]) Children(ctx context.Context, owner O, parent P) ([]C, error) {
	if children, ok := c.CachedChildren(parent); ok {
		return children, nil
	}
	return c.LoadChildren(ctx, owner, parent)
}

// LoadChildren reads the children of every parent when parent is the zero
// value, or of parent alone. Rows naming an unknown parent are dropped with a
// diagnostic.
func (c *StructCache[O, P, C]) LoadChildren(ctx context.Context, owner O, parent P) ([]C, error) {
	var zero P
	key := "all"
	if parent != zero {
		key = c.serializer.SerializeKey("parent", c.normalize(parent.CacheKey()))
	}
	children, err := shared(ctx, c.name, &c.childGroup, key, func(ctx context.Context) ([]C, error) {
		return c.loadChildren(ctx, owner, parent)
	})
	if err != nil {
		return nil, err
	}
	return slices.Clone(children), nil
}

// InvalidateChildren drops every parent's children. Parents stay cached.
func (c *StructCache[O, P, C]) InvalidateChildren() {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	c.childGen.Add(1)
	c.allChildren.Store(false)
	c.childState.Clear()
	c.logger.Debug("children invalidated")
}

// BindChildren ties the children to owner so a Registry can reload them.
func (c *StructCache[O, P, C]) BindChildren(owner O) Member {
	var zero P
	return &boundMember{
		state:      c.ChildrenState,
		invalidate: c.InvalidateChildren,
		reload: func(ctx context.Context) error {
			_, err := c.LoadChildren(ctx, owner, zero)
			return err
		},
	}
}

func (c *StructCache[O, P, C]) loadChildren(ctx context.Context, owner O, parent P) ([]C, error) {
	c.childMu.Lock()
	defer c.childMu.Unlock()

	c.childLoading.Add(1)
	defer c.childLoading.Add(-1)

	var zero P
	single := parent != zero
	parents := []P{parent}
	if !single {
		var err error
		if parents, err = c.Objects(ctx, owner); err != nil {
			return nil, err
		}
	}
	gen := c.childGen.Load()

	log := c.loadLogger(ctx)
	log.Debug("loading children", "parents", len(parents))

	order := make([]string, 0, len(parents))
	byKey := make(map[string]P, len(parents))
	buckets := make(map[string][]C, len(parents))
	for _, p := range parents {
		k := c.normalize(p.CacheKey())
		if _, dup := byKey[k]; dup {
			continue
		}
		order = append(order, k)
		byKey[k] = p
		buckets[k] = []C{}
	}

	q, err := c.children.BuildQuery(owner, parent)
	if err != nil {
		return nil, fmt.Errorf("%s: build children query: %w", c.name, err)
	}

	missing := map[string]bool{}
	err = scan(ctx, c.name, c.source, q, func(row cache.Row) error {
		pk := c.normalize(row.Trimmed(c.children.ParentField))
		p, ok := byKey[pk]
		if !ok {
			if !missing[pk] {
				missing[pk] = true
				c.structural(SeverityWarning, pk, "parent not found, child rows dropped", cache.ErrNotFound)
			}
			return nil
		}
		child, ok := buildEntity(&c.settings, pk, func() (C, error) {
			return c.children.NewChild(ctx, owner, p, row)
		})
		if ok {
			buckets[pk] = append(buckets[pk], child)
		}
		return nil
	})
	if err != nil {
		log.Debug("children load failed", "error", err)
		return nil, err
	}

	var all []C
	for _, k := range order {
		list := buckets[k]
		if c.children.Compare != nil {
			slices.SortStableFunc(list, c.children.Compare)
		}
		if list, err = runPostProcessors(ctx, &c.settings, list, c.children.PostProcess); err != nil {
			return nil, err
		}
		buckets[k] = list
		all = append(all, list...)
	}

	if !c.commitChildren(gen, order, buckets, single) {
		log.Debug("children changed during load, result not cached")
		return all, nil
	}

	log.Debug("children loaded", "children", len(all), "orphaned_parents", len(missing))
	return all, nil
}

// commitChildren stores buckets unless the children were invalidated or the
// parents changed since gen was read.
func (c *StructCache[O, P, C]) commitChildren(gen uint64, order []string, buckets map[string][]C, single bool) bool {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	if c.childGen.Load() != gen {
		return false
	}
	for _, k := range order {
		c.childState.Store(k, buckets[k])
	}
	if !single {
		c.childState.Range(func(key string, _ []C) bool {
			if _, ok := buckets[key]; !ok {
				c.childState.Delete(key)
			}
			return true
		})
		c.allChildren.Store(true)
	}
	return true
}
