package catalogcache

import (
	"context"

	"github.com/google/uuid"

	"github.com/goliatone/go-catalog-cache/cache"
	"github.com/goliatone/go-catalog-cache/pkg/logging"
)

// Option configures the non-typed parts of a cache.
type Option func(*settings)

type settings struct {
	name       string
	logger     logging.Logger
	reporter   Reporter
	memo       cache.LookupMemo
	serializer cache.KeySerializer
	normalize  func(string) string
	sortRows   bool
}

func newSettings(defaultName string, opts []Option) settings {
	s := settings{name: defaultName}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = logging.NewNopLogger()
	}
	s.logger = s.logger.With("cache", s.name)
	if s.reporter == nil {
		s.reporter = NewLogReporter(s.logger)
	}
	if s.memo == nil {
		s.memo = cache.NewInflightMemo()
	}
	if s.serializer == nil {
		s.serializer = cache.NewDefaultKeySerializer()
	}
	if s.normalize == nil {
		s.normalize = func(name string) string { return name }
	}
	return s
}

// loadLogger returns a logger carrying a fresh load id and ctx's load tags.
func (s *settings) loadLogger(ctx context.Context) logging.Logger {
	log := s.logger.With("load", uuid.NewString())
	if tags := loadTags(ctx); len(tags) > 0 {
		log = log.With("tags", tags)
	}
	return log
}

// WithName sets the cache name used in logs, diagnostics and registry lookups.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithReporter sets the diagnostics sink. Defaults to logging diagnostics as warnings.
func WithReporter(r Reporter) Option {
	return func(s *settings) { s.reporter = r }
}

// WithMemo sets the memo fronting lookup queries. Defaults to an in-flight
// de-duplicating memo that remembers nothing.
func WithMemo(memo cache.LookupMemo) Option {
	return func(s *settings) { s.memo = memo }
}

// WithKeySerializer sets the serializer used to build memo keys.
func WithKeySerializer(ks cache.KeySerializer) Option {
	return func(s *settings) { s.serializer = ks }
}

// WithNameNormalizer sets the name comparison used for string keys, see
// cache.NameFolding.Normalizer.
func WithNameNormalizer(fn func(string) string) Option {
	return func(s *settings) { s.normalize = fn }
}

// WithClientSort makes composite caches sort rows by (parent, child, sequence)
// before folding.
func WithClientSort(enabled bool) Option {
	return func(s *settings) { s.sortRows = enabled }
}

// WithConfig applies name comparison and client sort settings from cfg.
func WithConfig(cfg cache.Config) Option {
	return func(s *settings) {
		s.normalize = cfg.NameNormalizer()
		s.sortRows = cfg.SortCompositeRows
	}
}
