package catalogcache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-catalog-cache/cache"
)

// MergePolicy decides what happens to an entity that survives a reload.
type MergePolicy int

const (
	// MergeReplace swaps survivors for the freshly built instances.
	MergeReplace MergePolicy = iota
	// MergeInPlace keeps the existing instance and copies fresh fields into it
	// through the cache's update function, so held references stay valid.
	MergeInPlace
)

func (p MergePolicy) String() string {
	if p == MergeInPlace {
		return "in-place"
	}
	return "replace"
}

// ErrSkipRow can be returned by row mapping functions to drop a row silently.
var ErrSkipRow = errors.New("skip row")

// PostProcessor rewrites a freshly folded list before it is committed. An
// error fails the whole load.
type PostProcessor[E any] func(ctx context.Context, items []E, r Reporter) ([]E, error)

// snapshot is an immutable view of a cache's contents. Writers build a new
// one and publish it atomically.
type snapshot[K comparable, E any] struct {
	state  cache.State
	items  []E
	index  map[K]E
	prints map[K]uint64
}

func emptySnapshot[K comparable, E any]() *snapshot[K, E] {
	return &snapshot[K, E]{
		state:  cache.StateEmpty,
		index:  map[K]E{},
		prints: map[K]uint64{},
	}
}

// with returns a copy of s holding e as well.
func (s *snapshot[K, E]) with(key K, e E, print uint64, state cache.State) *snapshot[K, E] {
	next := &snapshot[K, E]{
		state:  state,
		items:  make([]E, 0, len(s.items)+1),
		index:  make(map[K]E, len(s.index)+1),
		prints: make(map[K]uint64, len(s.prints)+1),
	}
	next.items = append(append(next.items, s.items...), e)
	for k, v := range s.index {
		next.index[k] = v
	}
	for k, v := range s.prints {
		next.prints[k] = v
	}
	next.index[key] = e
	next.prints[key] = print
	return next
}

type mergeStats struct {
	added, updated, unchanged, removed, duplicates int
}

// merger applies the merge policy to one surviving entity.
type merger[E comparable] struct {
	policy MergePolicy
	update func(existing, fresh E)
}

// survivor returns the instance to keep for fresh, whose key was already
// cached as existing. In-place survivors are always updated: post-processors
// and parent links can change an entity whose own row did not.
func (m merger[E]) survivor(existing, fresh E, oldPrint, newPrint uint64, stats *mergeStats) E {
	if newPrint != 0 && oldPrint == newPrint {
		stats.unchanged++
	} else {
		stats.updated++
	}
	if m.policy != MergeInPlace {
		return fresh
	}
	if existing != fresh {
		m.update(existing, fresh)
	}
	return existing
}

// reconcile builds the loaded snapshot for fresh against prev. Keys missing
// from fresh are dropped; the first of duplicate keys wins.
func reconcile[K comparable, E comparable](s *settings, m merger[E], keyOf func(E) K, prev *snapshot[K, E], fresh []E, prints map[E]uint64) (*snapshot[K, E], mergeStats) {
	var stats mergeStats
	next := &snapshot[K, E]{
		state:  cache.StateLoaded,
		items:  make([]E, 0, len(fresh)),
		index:  make(map[K]E, len(fresh)),
		prints: make(map[K]uint64, len(fresh)),
	}

	for _, e := range fresh {
		key := keyOf(e)
		if _, dup := next.index[key]; dup {
			stats.duplicates++
			s.structural(SeverityWarning, fmt.Sprint(key), "duplicate key in result, keeping first", nil)
			continue
		}
		print := prints[e]
		kept := e
		if existing, ok := prev.index[key]; ok {
			kept = m.survivor(existing, e, prev.prints[key], print, &stats)
		} else {
			stats.added++
		}
		next.items = append(next.items, kept)
		next.index[key] = kept
		next.prints[key] = print
	}

	for key := range prev.index {
		if _, ok := next.index[key]; !ok {
			stats.removed++
		}
	}
	return next, stats
}

// fingerprint hashes rows independent of field order. Zero means "unknown".
func fingerprint(rows ...cache.Row) uint64 {
	d := xxhash.New()
	for _, row := range rows {
		fields := make([]string, 0, len(row))
		for k := range row {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		for _, k := range fields {
			_, _ = d.WriteString(k)
			_, _ = d.WriteString("=")
			_, _ = fmt.Fprint(d, row[k])
			_, _ = d.WriteString(";")
		}
		_, _ = d.WriteString("|")
	}
	sum := d.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum
}

// shared runs fn once for all concurrent callers of key. The flight runs
// under the context of the caller that started it; a joined caller whose
// flight was cancelled by that context while its own is live starts over.
func shared[T any](ctx context.Context, name string, g *singleflight.Group, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for {
		led := false
		ch := g.DoChan(key, func() (any, error) {
			led = true
			return fn(ctx)
		})
		select {
		case res := <-ch:
			if res.Err == nil {
				return res.Val.(T), nil
			}
			if !led && ctx.Err() == nil && cache.IsCancellation(res.Err) {
				continue
			}
			return zero, res.Err
		case <-ctx.Done():
			return zero, &cache.CancellationError{Cache: name, Err: ctx.Err()}
		}
	}
}

// scan runs q and feeds each row to each, checking ctx between rows.
func scan(ctx context.Context, name string, src cache.RowSource, q cache.Query, each func(cache.Row) error) error {
	if err := ctx.Err(); err != nil {
		return &cache.CancellationError{Cache: name, Err: err}
	}
	rows, err := src.Query(ctx, q)
	if err != nil {
		return classify(ctx, name, q, err)
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return &cache.CancellationError{Cache: name, Err: err}
		}
		if err := each(rows.Row()); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return classify(ctx, name, q, err)
	}
	if err := ctx.Err(); err != nil {
		return &cache.CancellationError{Cache: name, Err: err}
	}
	return nil
}

func classify(ctx context.Context, name string, q cache.Query, err error) error {
	var ce *cache.CancellationError
	if errors.As(err, &ce) {
		return err
	}
	if cache.IsCancellation(err) || ctx.Err() != nil {
		cause := ctx.Err()
		if cause == nil {
			cause = err
		}
		return &cache.CancellationError{Cache: name, Err: cause}
	}
	var te *cache.TransportError
	if errors.As(err, &te) {
		return err
	}
	return cache.NewTransportError(q.Name, err)
}

// buildEntity maps one row, reporting mapping failures as structural errors.
// ok is false when the row must be skipped.
func buildEntity[E comparable](s *settings, key string, build func() (E, error)) (E, bool) {
	var zero E
	e, err := build()
	switch {
	case errors.Is(err, ErrSkipRow):
		return zero, false
	case err != nil:
		s.structural(SeverityWarning, key, "row dropped", err)
		return zero, false
	case e == zero:
		return zero, false
	}
	return e, true
}

func runPostProcessors[E any](ctx context.Context, s *settings, items []E, pps []PostProcessor[E]) ([]E, error) {
	var err error
	for _, pp := range pps {
		if pp == nil {
			continue
		}
		if items, err = pp(ctx, items, named{cache: s.name, next: s.reporter}); err != nil {
			return nil, err
		}
	}
	return items, nil
}
