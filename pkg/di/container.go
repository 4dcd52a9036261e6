package di

import (
	"github.com/goliatone/go-catalog-cache/cache"
	"github.com/goliatone/go-catalog-cache/catalogcache"
	"github.com/goliatone/go-catalog-cache/pkg/logging"
)

// Container wires the pieces every catalog cache shares: the row source, the
// lookup memo, the key serializer, the logger and the refresh registry.
// Caches built through it use the same settings and can be registered for
// cascading invalidation.
type Container struct {
	source        cache.RowSource
	memo          cache.LookupMemo
	keySerializer cache.KeySerializer
	logger        logging.Logger
	registry      *catalogcache.Registry
	config        cache.Config
}

// NewContainer validates config and builds the shared components. The lookup
// memo is sturdyc backed and sized by config.
func NewContainer(config cache.Config, source cache.RowSource) (*Container, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	memo, err := cache.NewLookupMemo(config)
	if err != nil {
		return nil, err
	}

	logger := logging.NewSlogAdapter(logging.New(logging.Options{Verbose: config.Verbose}))

	return &Container{
		source:        source,
		memo:          memo,
		keySerializer: cache.NewDefaultKeySerializer(),
		logger:        logger,
		registry:      catalogcache.NewRegistry(logger),
		config:        config,
	}, nil
}

// NewContainerWithDefaults creates a container using cache.DefaultConfig.
func NewContainerWithDefaults(source cache.RowSource) (*Container, error) {
	return NewContainer(cache.DefaultConfig(), source)
}

// WithLogger replaces the logger handed to caches built afterwards and to the
// registry.
func (c *Container) WithLogger(logger logging.Logger) *Container {
	c.logger = logger
	c.registry = catalogcache.NewRegistry(logger)
	return c
}

func (c *Container) Source() cache.RowSource { return c.source }

func (c *Container) Memo() cache.LookupMemo { return c.memo }

func (c *Container) KeySerializer() cache.KeySerializer { return c.keySerializer }

func (c *Container) Logger() logging.Logger { return c.logger }

// Registry returns the refresh coordinator shared by the container's caches.
func (c *Container) Registry() *catalogcache.Registry { return c.registry }

// Config returns a copy of the configuration used by this container.
func (c *Container) Config() cache.Config { return c.config }

// Options returns the cache options derived from the container, followed by
// extra. Later options win.
func (c *Container) Options(name string, extra ...catalogcache.Option) []catalogcache.Option {
	opts := []catalogcache.Option{
		catalogcache.WithName(name),
		catalogcache.WithLogger(c.logger),
		catalogcache.WithMemo(c.memo),
		catalogcache.WithKeySerializer(c.keySerializer),
		catalogcache.WithConfig(c.config),
	}
	return append(opts, extra...)
}

// Go methods cannot declare type parameters, so the cache factories are
// package-level functions:
//
//	tables := di.NewLookupCache(container, "tables", tableFetcher)

// NewObjectCache builds an ObjectCache over the container's source.
func NewObjectCache[O any, K comparable, E cache.Object[K]](c *Container, name string, fetch catalogcache.Fetcher[O, E], opts ...catalogcache.Option) *catalogcache.ObjectCache[O, K, E] {
	return catalogcache.NewObjectCache[O, K, E](c.source, fetch, c.Options(name, opts...)...)
}

// NewLookupCache builds a LookupCache over the container's source and memo.
func NewLookupCache[O any, E cache.Object[string]](c *Container, name string, fetch catalogcache.LookupFetcher[O, E], opts ...catalogcache.Option) *catalogcache.LookupCache[O, E] {
	return catalogcache.NewLookupCache(c.source, fetch, c.Options(name, opts...)...)
}

// NewCompositeCache builds a CompositeCache whose parents come from parents.
func NewCompositeCache[O any, P cache.Object[string], E cache.Object[string], R any](c *Container, name string, parents catalogcache.ObjectLister[O, P], fetch catalogcache.CompositeFetcher[O, P, E, R], opts ...catalogcache.Option) *catalogcache.CompositeCache[O, P, E, R] {
	return catalogcache.NewCompositeCache(c.source, parents, fetch, c.Options(name, opts...)...)
}

// NewStructCache builds a StructCache holding parents and their children.
func NewStructCache[O any, P cache.Object[string], C comparable](c *Container, name string, parents catalogcache.LookupFetcher[O, P], children catalogcache.ChildFetcher[O, P, C], opts ...catalogcache.Option) *catalogcache.StructCache[O, P, C] {
	return catalogcache.NewStructCache(c.source, parents, children, c.Options(name, opts...)...)
}
