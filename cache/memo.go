package cache

import (
	"context"
	"errors"

	"golang.org/x/sync/singleflight"
)

// ErrInvalidResultType is returned when a memo hands back a value of a
// different type than the caller asked for.
var ErrInvalidResultType = errors.New("memo returned unexpected result type")

// inflightMemo collapses concurrent fetches of one key and stores nothing.
type inflightMemo struct {
	group singleflight.Group
}

// NewInflightMemo returns a LookupMemo that only de-duplicates in-flight
// fetches. Misses are not remembered, so every sequential Find of an absent
// name reaches the source.
func NewInflightMemo() LookupMemo {
	return &inflightMemo{}
}

func (m *inflightMemo) GetOrFetch(ctx context.Context, key string, fetchFn func(ctx context.Context) (any, error)) (any, error) {
	ch := m.group.DoChan(key, func() (any, error) {
		return fetchFn(ctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *inflightMemo) DeleteByPrefix(ctx context.Context, prefix string) error {
	return nil
}
