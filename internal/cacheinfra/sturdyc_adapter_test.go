package cacheinfra

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Capacity != 10000 {
		t.Errorf("expected Capacity to be 10000, got %d", cfg.Capacity)
	}
	if cfg.NumShards != 256 {
		t.Errorf("expected NumShards to be 256, got %d", cfg.NumShards)
	}
	if cfg.TTL != 30*time.Second {
		t.Errorf("expected TTL to be 30 seconds, got %v", cfg.TTL)
	}
	if cfg.EvictionPercentage != 10 {
		t.Errorf("expected EvictionPercentage to be 10, got %d", cfg.EvictionPercentage)
	}
	if !cfg.MissingRecordStorage {
		t.Error("expected MissingRecordStorage to be true")
	}
	if n := len(cfg.ToSturdycOptions()); n != 1 {
		t.Errorf("expected only missing record storage option, got %d options", n)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		field   string
		message string
	}{
		{
			name:  "valid",
			cfg:   DefaultConfig(),
			field: "",
		},
		{
			name:    "zero capacity",
			cfg:     Config{Capacity: 0, NumShards: 1, TTL: time.Second, EvictionPercentage: 10},
			field:   "Capacity",
			message: "must be greater than 0",
		},
		{
			name:    "zero shards",
			cfg:     Config{Capacity: 1, NumShards: 0, TTL: time.Second, EvictionPercentage: 10},
			field:   "NumShards",
			message: "must be greater than 0",
		},
		{
			name:    "zero ttl",
			cfg:     Config{Capacity: 1, NumShards: 1, EvictionPercentage: 10},
			field:   "TTL",
			message: "must be greater than 0",
		},
		{
			name:    "eviction too high",
			cfg:     Config{Capacity: 1, NumShards: 1, TTL: time.Second, EvictionPercentage: 101},
			field:   "EvictionPercentage",
			message: "must be between 1 and 100",
		},
		{
			name:    "negative eviction interval",
			cfg:     Config{Capacity: 1, NumShards: 1, TTL: time.Second, EvictionPercentage: 10, EvictionInterval: -time.Second},
			field:   "EvictionInterval",
			message: "must be non-negative",
		},
		{
			name:    "first field wins",
			cfg:     Config{},
			field:   "Capacity",
			message: "must be greater than 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if ce.Field != tt.field || ce.Message != tt.message {
				t.Errorf("expected %s: %s, got %s: %s", tt.field, tt.message, ce.Field, ce.Message)
			}
			if !strings.HasPrefix(ce.Error(), "config error in field "+tt.field) {
				t.Errorf("unexpected message %q", ce.Error())
			}
		})
	}
}

func newTestMemo(t *testing.T) *sturdycMemo {
	t.Helper()
	memo, err := NewSturdycMemo(DefaultConfig())
	if err != nil {
		t.Fatalf("NewSturdycMemo: %v", err)
	}
	return memo
}

func TestSturdycMemo_RemembersHits(t *testing.T) {
	memo := newTestMemo(t)
	ctx := context.Background()
	calls := 0
	fetch := func(context.Context) (any, error) {
		calls++
		return "ORDERS", nil
	}

	for range 3 {
		v, err := memo.GetOrFetch(ctx, "Find::tables::ORDERS", fetch)
		if err != nil || v != "ORDERS" {
			t.Fatalf("unexpected result %v, %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("expected one fetch, got %d", calls)
	}
	if memo.Size() != 1 {
		t.Errorf("expected size 1, got %d", memo.Size())
	}
}

func TestSturdycMemo_RemembersMisses(t *testing.T) {
	memo := newTestMemo(t)
	ctx := context.Background()
	calls := 0
	miss := fmt.Errorf("tables: %w", ErrNotFound)
	fetch := func(context.Context) (any, error) {
		calls++
		return nil, miss
	}

	_, err := memo.GetOrFetch(ctx, "Find::tables::GHOST", fetch)
	if err != miss {
		t.Fatalf("expected the fetch error back on first miss, got %v", err)
	}
	_, err = memo.GetOrFetch(ctx, "Find::tables::GHOST", fetch)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on remembered miss, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected the miss to be remembered, got %d fetches", calls)
	}
}

func TestSturdycMemo_TransportErrorsAreNotRemembered(t *testing.T) {
	memo := newTestMemo(t)
	ctx := context.Background()
	boom := errors.New("connection reset")
	calls := 0

	for range 2 {
		_, err := memo.GetOrFetch(ctx, "Find::tables::ORDERS", func(context.Context) (any, error) {
			calls++
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected transport error, got %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("expected every failure to refetch, got %d", calls)
	}
}

func TestSturdycMemo_Delete(t *testing.T) {
	memo := newTestMemo(t)
	ctx := context.Background()
	value := func(v string) func(context.Context) (any, error) {
		return func(context.Context) (any, error) { return v, nil }
	}

	for _, key := range []string{"Find::tables::A", "Find::tables::B", "Find::views::A"} {
		if _, err := memo.GetOrFetch(ctx, key, value(key)); err != nil {
			t.Fatal(err)
		}
	}

	if err := memo.DeleteByPrefix(ctx, "Find::tables::"); err != nil {
		t.Fatal(err)
	}
	if memo.Size() != 1 {
		t.Errorf("expected only the views entry to survive, size %d", memo.Size())
	}

	if err := memo.Delete(ctx, "Find::views::A"); err != nil {
		t.Fatal(err)
	}
	if memo.Size() != 0 {
		t.Errorf("expected empty memo, size %d", memo.Size())
	}
}

func TestSturdycMemo_NilFetch(t *testing.T) {
	memo := newTestMemo(t)
	var ce *ConfigError
	if _, err := memo.GetOrFetch(context.Background(), "k", nil); !errors.As(err, &ce) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestNewSturdycMemo_InvalidConfig(t *testing.T) {
	if _, err := NewSturdycMemo(Config{}); err == nil {
		t.Error("expected invalid config to be rejected")
	}
}
