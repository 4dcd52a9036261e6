package cacheinfra

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/viccon/sturdyc"
)

// ErrNotFound is what a fetch function returns to report a miss. The memo
// hands it back unchanged whether the miss was fetched or remembered.
var ErrNotFound = errors.New("catalog object not found")

// Config holds the configuration for the sturdyc lookup memo.
type Config struct {
	// Capacity defines the maximum number of entries the memo can store.
	// Must be greater than 0.
	Capacity int

	// NumShards determines the number of memo shards for concurrent access.
	// Must be greater than 0. Default: 256
	NumShards int

	// TTL bounds how long a remembered lookup, hit or miss, is served
	// without asking the source again. Must be greater than 0.
	TTL time.Duration

	// EvictionPercentage specifies what percentage of entries to evict
	// when the memo reaches its capacity. Must be between 1-100.
	EvictionPercentage int

	// MissingRecordStorage remembers names the source reported as absent,
	// so repeated lookups of a missing object do not hit the source.
	MissingRecordStorage bool

	// EvictionInterval sets how often expired entries are swept.
	// Zero value uses the sturdyc default.
	EvictionInterval time.Duration
}

// DefaultConfig returns a Config with defaults suited to catalog lookups.
func DefaultConfig() Config {
	return Config{
		Capacity:             10000,
		NumShards:            256,
		TTL:                  30 * time.Second,
		EvictionPercentage:   10,
		MissingRecordStorage: true,
		EvictionInterval:     0,
	}
}

// ToSturdycOptions converts the optional parts of Config to sturdyc options.
// Capacity, NumShards, TTL and EvictionPercentage go to sturdyc.New directly.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option

	if c.MissingRecordStorage {
		options = append(options, sturdyc.WithMissingRecordStorage())
	}

	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}

	return options
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Capacity,
			validation.Required.Error("must be greater than 0"),
			validation.Min(1).Error("must be greater than 0")),
		validation.Field(&c.NumShards,
			validation.Required.Error("must be greater than 0"),
			validation.Min(1).Error("must be greater than 0")),
		validation.Field(&c.TTL,
			validation.Required.Error("must be greater than 0"),
			validation.Min(time.Nanosecond).Error("must be greater than 0")),
		validation.Field(&c.EvictionPercentage,
			validation.Required.Error("must be between 1 and 100"),
			validation.Min(1).Error("must be between 1 and 100"),
			validation.Max(100).Error("must be between 1 and 100")),
		validation.Field(&c.EvictionInterval,
			validation.Min(time.Duration(0)).Error("must be non-negative")),
	)
	return FirstConfigError(err)
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// FirstConfigError flattens an ozzo validation result into a *ConfigError for
// the first failing field in declaration order. Other errors pass through.
func FirstConfigError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		return err
	}
	for _, field := range configFieldOrder {
		if ferr, ok := verrs[field]; ok && ferr != nil {
			return &ConfigError{Field: field, Message: ferr.Error()}
		}
	}
	for field, ferr := range verrs {
		if ferr != nil {
			return &ConfigError{Field: field, Message: ferr.Error()}
		}
	}
	return nil
}

var configFieldOrder = []string{
	"Capacity", "NumShards", "TTL", "EvictionPercentage", "EvictionInterval",
	"NameFolding",
}

// sturdycMemo wraps a sturdyc client. sturdyc de-duplicates in-flight fetches
// for the same key and, with missing record storage, remembers misses.
type sturdycMemo struct {
	client *sturdyc.Client[any]
}

// NewSturdycMemo validates cfg and builds a sturdyc-backed lookup memo.
func NewSturdycMemo(cfg Config) (*sturdycMemo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[any](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &sturdycMemo{client: client}, nil
}

// GetOrFetch returns the remembered value for key, or runs fetchFn once for
// all concurrent callers. A fetchFn reporting ErrNotFound (by errors.Is) is
// translated for sturdyc so the miss can be stored.
func (s *sturdycMemo) GetOrFetch(ctx context.Context, key string, fetchFn func(ctx context.Context) (any, error)) (any, error) {
	if fetchFn == nil {
		return nil, &ConfigError{Field: "fetchFn", Message: "cannot be nil"}
	}

	var notFound error
	value, err := s.client.GetOrFetch(ctx, key, func(ctx context.Context) (any, error) {
		v, err := fetchFn(ctx)
		if err != nil && errors.Is(err, ErrNotFound) {
			notFound = err
			return nil, sturdyc.ErrNotFound
		}
		return v, err
	})
	if err != nil {
		if errors.Is(err, sturdyc.ErrNotFound) || errors.Is(err, sturdyc.ErrMissingRecord) {
			if notFound != nil {
				return nil, notFound
			}
			return nil, ErrNotFound
		}
		return nil, err
	}
	return value, nil
}

// Delete removes a single entry.
func (s *sturdycMemo) Delete(ctx context.Context, key string) error {
	s.client.Delete(key)
	return nil
}

// DeleteByPrefix removes every entry whose key starts with prefix. Caches use
// it to forget their lookups on load and invalidation.
func (s *sturdycMemo) DeleteByPrefix(ctx context.Context, prefix string) error {
	for _, key := range s.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			s.client.Delete(key)
		}
	}
	return nil
}

// Size reports the number of remembered entries, misses included.
func (s *sturdycMemo) Size() int {
	return s.client.Size()
}
