package catalogcache

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goliatone/go-catalog-cache/cache"
)

// DisambiguateOverloads numbers entities sharing a name. Members of a group
// get indices 1..n in first-seen order, entities with a unique name get 0.
// Entities with an empty name are dropped. setIndex must change the entity's
// key so overloads stay distinct in the index.
func DisambiguateOverloads[E any](nameOf func(E) string, setIndex func(E, int)) PostProcessor[E] {
	return func(ctx context.Context, items []E, r Reporter) ([]E, error) {
		counts := make(map[string]int, len(items))
		kept := items[:0:0]
		for _, e := range items {
			name := nameOf(e)
			if name == "" {
				continue
			}
			counts[name]++
			kept = append(kept, e)
		}
		next := make(map[string]int, len(counts))
		for _, e := range kept {
			name := nameOf(e)
			if counts[name] == 1 {
				setIndex(e, 0)
				continue
			}
			next[name]++
			setIndex(e, next[name])
		}
		return kept, nil
	}
}

// OverloadKey formats the key of an overloaded entity: the bare name for
// index 0, name;index otherwise.
func OverloadKey(name string, index int) string {
	if index == 0 {
		return name
	}
	return name + ";" + strconv.Itoa(index)
}

// ExcludeTracked drops entities whose name is listed by a sibling cache.
// tracked is called once per run, so each refresh sees one snapshot of the
// sibling.
func ExcludeTracked[E any](nameOf func(E) string, normalize func(string) string, tracked func(ctx context.Context) ([]string, error)) PostProcessor[E] {
	if normalize == nil {
		normalize = func(s string) string { return s }
	}
	return func(ctx context.Context, items []E, r Reporter) ([]E, error) {
		names, err := tracked(ctx)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return items, nil
		}
		skip := make(map[string]struct{}, len(names))
		for _, n := range names {
			skip[normalize(n)] = struct{}{}
		}
		kept := items[:0:0]
		for _, e := range items {
			if _, ok := skip[normalize(nameOf(e))]; !ok {
				kept = append(kept, e)
			}
		}
		return kept, nil
	}
}

// TrackedNames lists the names held by a sibling lookup cache, loading it if
// needed. Use it as the tracked argument of ExcludeTracked.
func TrackedNames[O any, E cache.Object[string]](sibling ObjectLister[O, E], owner O) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		items, err := sibling.Objects(ctx, owner)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(items))
		for i, e := range items {
			names[i] = e.CacheKey()
		}
		return names, nil
	}
}

// FoldByDepth turns a flat list ordered depth-first into a hierarchy. An entity
// of depth d > 0 is attached to the nearest preceding entity of depth d-1;
// only depth 0 entities remain in the list. Entities with no such parent
// are reported as structural errors and dropped.
func FoldByDepth[E any](depthOf func(E) int, attach func(parent, child E), describe func(E) string) PostProcessor[E] {
	return func(ctx context.Context, items []E, r Reporter) ([]E, error) {
		var (
			roots []E
			stack []E
		)
		for _, e := range items {
			d := depthOf(e)
			if d <= 0 {
				roots = append(roots, e)
				stack = append(stack[:0], e)
				continue
			}
			if d > len(stack) {
				r.Report(orphanDiagnostic(describe(e), d))
				continue
			}
			stack = stack[:d]
			attach(stack[d-1], e)
			stack = append(stack, e)
		}
		return roots, nil
	}
}

func orphanDiagnostic(key string, depth int) Diagnostic {
	msg := fmt.Sprintf("no parent at depth %d, entry dropped", depth-1)
	return Diagnostic{
		Severity: SeverityWarning,
		Key:      key,
		Message:  msg,
		Err:      &cache.StructuralError{Key: key, Message: msg},
	}
}
