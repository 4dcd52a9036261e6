package catalogcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/goliatone/go-catalog-cache/cache"
)

// LookupFetcher extends Fetcher with a name-filtered query for single finds.
type LookupFetcher[O any, E any] struct {
	Fetcher[O, E]
	// BuildLookupQuery returns a query narrowed to name. It may return more
	// than one row (overloads, case variants); post-processors run on the
	// result and the entity whose key matches name is kept.
	BuildLookupQuery func(owner O, name string) (cache.Query, error)
}

// LookupCache is an ObjectCache keyed by name that can resolve single objects
// without loading the full list.
type LookupCache[O any, E cache.Object[string]] struct {
	*ObjectCache[O, string, E]
	lookup     func(owner O, name string) (cache.Query, error)
	memoPrefix string
}

// NewLookupCache creates an empty lookup cache. Without BuildLookupQuery, a
// Find on an unloaded cache loads the full list.
func NewLookupCache[O any, E cache.Object[string]](source cache.RowSource, fetch LookupFetcher[O, E], opts ...Option) *LookupCache[O, E] {
	c := &LookupCache[O, E]{
		ObjectCache: NewObjectCache[O, string, E](source, fetch.Fetcher, opts...),
		lookup:      fetch.BuildLookupQuery,
	}
	c.memoPrefix = c.serializer.SerializeKey("Find", c.name, uuid.NewString()) + cache.KeySeparator
	c.onChange(func(bool, *snapshot[string, E]) {
		if err := c.memo.DeleteByPrefix(context.Background(), c.memoPrefix); err != nil {
			c.logger.Warn("purging lookup memo failed", "error", err)
		}
	})
	return c
}

// Find returns the object called name. A loaded cache answers from its index;
// otherwise a previously found object is returned or a narrow query is run
// and its result kept, leaving the cache StatePartial. A miss returns an
// error matching cache.ErrNotFound.
func (c *LookupCache[O, E]) Find(ctx context.Context, owner O, name string) (E, error) {
	var zero E
	key := c.normalize(name)

	s := c.snap.Load()
	if e, ok := s.index[key]; ok {
		return e, nil
	}
	if s.state == cache.StateLoaded {
		return zero, &cache.NotFoundError{Cache: c.name, Name: name}
	}

	if c.lookup == nil {
		items, err := c.Objects(ctx, owner)
		if err != nil {
			return zero, err
		}
		for _, e := range items {
			if c.keyOf(e) == key {
				return e, nil
			}
		}
		return zero, &cache.NotFoundError{Cache: c.name, Name: name}
	}

	var (
		gen   uint64
		found fetched
		err   error
	)
	for {
		gen = c.gen.Load()
		led := false
		found, err = cache.GetOrFetch(ctx, c.memo, c.memoPrefix+key, func(ctx context.Context) (fetched, error) {
			led = true
			return c.fetchOne(ctx, owner, name, key)
		})
		// A lookup shared with a caller that gave up is retried.
		if err == nil || ctx.Err() != nil || led || !cache.IsCancellation(err) {
			break
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, cache.ErrNotFound):
			return zero, &cache.NotFoundError{Cache: c.name, Name: name}
		case cache.IsCancellation(err):
			return zero, classify(ctx, c.name, cache.Query{}, err)
		}
		return zero, err
	}
	e, ok := found.entity.(E)
	if !ok {
		return zero, cache.ErrInvalidResultType
	}
	return c.remember(gen, key, name, e, found.print)
}

// fetched carries a looked up entity through the memo. The entity is kept
// untyped so memo implementations never see a typed nil.
type fetched struct {
	entity any
	print  uint64
}

func (c *LookupCache[O, E]) fetchOne(ctx context.Context, owner O, name, key string) (fetched, error) {
	q, err := c.lookup(owner, name)
	if err != nil {
		return fetched{}, fmt.Errorf("%s: build lookup query: %w", c.name, err)
	}

	log := c.logger.With("find", name)
	var (
		items  []E
		prints = map[E]uint64{}
	)
	err = scan(ctx, c.name, c.source, q, func(row cache.Row) error {
		e, ok := buildEntity(&c.settings, name, func() (E, error) {
			return c.fetch.RowToEntity(ctx, owner, row)
		})
		if ok {
			items = append(items, e)
			prints[e] = fingerprint(row)
		}
		return nil
	})
	if err != nil {
		return fetched{}, err
	}
	if items, err = runPostProcessors(ctx, &c.settings, items, c.fetch.PostProcess); err != nil {
		return fetched{}, err
	}

	for _, e := range items {
		if c.keyOf(e) == key {
			log.Debug("object found")
			return fetched{entity: e, print: prints[e]}, nil
		}
	}
	log.Debug("object not found", "rows", len(items))
	return fetched{}, cache.ErrNotFound
}

// remember publishes a found entity unless the cache moved on while the
// lookup ran: an entity already indexed wins, a full load that did not
// contain the name turns the find into a miss, and an invalidation makes the
// result transient.
func (c *LookupCache[O, E]) remember(gen uint64, key, name string, e E, print uint64) (E, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.snap.Load()
	if existing, ok := s.index[key]; ok {
		return existing, nil
	}
	if s.state == cache.StateLoaded {
		var zero E
		return zero, &cache.NotFoundError{Cache: c.name, Name: name}
	}
	if c.gen.Load() != gen {
		_ = c.memo.DeleteByPrefix(context.Background(), c.memoPrefix+key)
		return e, nil
	}
	c.snap.Store(s.with(key, e, print, cache.StatePartial))
	return e, nil
}
