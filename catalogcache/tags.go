package catalogcache

import (
	"context"
	"slices"
)

type loadTagsContextKey struct{}

// WithLoadTags attaches tags to ctx. Loads running under ctx log them, which
// ties cache activity back to whatever triggered it.
func WithLoadTags(ctx context.Context, tags ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(tags) == 0 {
		return ctx
	}

	combined := dedupeStrings(append(loadTags(ctx), tags...))
	if len(combined) == 0 {
		return ctx
	}
	return context.WithValue(ctx, loadTagsContextKey{}, combined)
}

func loadTags(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	if tags, ok := ctx.Value(loadTagsContextKey{}).([]string); ok {
		return slices.Clone(tags)
	}
	return nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
