package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-catalog-cache/internal/cacheinfra"
)

// ConfigError is returned by Validate and LoadConfig for invalid settings.
type ConfigError = cacheinfra.ConfigError

// NameFolding selects how object names are compared by lookup caches.
type NameFolding string

const (
	// FoldExact compares names byte for byte.
	FoldExact NameFolding = "exact"
	// FoldLower compares lower-cased names (PostgreSQL unquoted identifiers).
	FoldLower NameFolding = "lower"
	// FoldUpper compares upper-cased names (Oracle, DB2 unquoted identifiers).
	FoldUpper NameFolding = "upper"
)

// Normalizer returns the function applied to names before they are used as
// index keys. With unquote set, a name wrapped in double quotes, backticks or
// brackets is matched verbatim without its quotes and without folding.
func (f NameFolding) Normalizer(unquote bool) func(string) string {
	fold := func(s string) string { return s }
	switch f {
	case FoldLower:
		fold = strings.ToLower
	case FoldUpper:
		fold = strings.ToUpper
	}
	if !unquote {
		return fold
	}
	return func(s string) string {
		if inner, ok := stripQuotes(s); ok {
			return inner
		}
		return fold(s)
	}
}

func stripQuotes(s string) (string, bool) {
	if len(s) < 2 {
		return s, false
	}
	first, last := s[0], s[len(s)-1]
	switch {
	case first == '"' && last == '"':
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`), true
	case first == '`' && last == '`':
		return strings.ReplaceAll(s[1:len(s)-1], "``", "`"), true
	case first == '[' && last == ']':
		return s[1 : len(s)-1], true
	}
	return s, false
}

// Config exposes cache configuration options for consumers of the cache package.
type Config struct {
	// Lookup memo settings, see internal/cacheinfra.Config.
	Capacity             int
	NumShards            int
	TTL                  time.Duration
	EvictionPercentage   int
	MissingRecordStorage bool
	EvictionInterval     time.Duration

	// NameFolding and UnquoteNames configure name comparison for lookups.
	NameFolding  NameFolding
	UnquoteNames bool

	// SortCompositeRows makes composite caches sort rows client-side before
	// folding, for sources that cannot order by (parent, child, sequence).
	SortCompositeRows bool

	// Verbose enables debug logging.
	Verbose bool
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	cfg := convertFromInternal(cacheinfra.DefaultConfig())
	cfg.NameFolding = FoldExact
	return cfg
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	if err := c.toInternal().Validate(); err != nil {
		return err
	}
	err := validation.ValidateStruct(&c,
		validation.Field(&c.NameFolding,
			validation.In(FoldExact, FoldLower, FoldUpper).Error("must be one of exact, lower, upper")),
	)
	return cacheinfra.FirstConfigError(err)
}

// NameNormalizer returns the configured name comparison function.
func (c Config) NameNormalizer() func(string) string {
	return c.NameFolding.Normalizer(c.UnquoteNames)
}

// NewLookupMemo constructs the default sturdyc-backed memo for lookup caches.
func NewLookupMemo(cfg Config) (LookupMemo, error) {
	return cacheinfra.NewSturdycMemo(cfg.toInternal())
}

func (c Config) toInternal() cacheinfra.Config {
	return cacheinfra.Config{
		Capacity:             c.Capacity,
		NumShards:            c.NumShards,
		TTL:                  c.TTL,
		EvictionPercentage:   c.EvictionPercentage,
		MissingRecordStorage: c.MissingRecordStorage,
		EvictionInterval:     c.EvictionInterval,
	}
}

func convertFromInternal(cfg cacheinfra.Config) Config {
	return Config{
		Capacity:             cfg.Capacity,
		NumShards:            cfg.NumShards,
		TTL:                  cfg.TTL,
		EvictionPercentage:   cfg.EvictionPercentage,
		MissingRecordStorage: cfg.MissingRecordStorage,
		EvictionInterval:     cfg.EvictionInterval,
	}
}

// fileConfig is the on-disk layout. Pointer fields distinguish "absent" from
// zero so a file only overrides what it names.
type fileConfig struct {
	Lookup struct {
		Capacity             *int   `yaml:"capacity" toml:"capacity"`
		NumShards            *int   `yaml:"num_shards" toml:"num_shards"`
		TTL                  string `yaml:"ttl" toml:"ttl"`
		EvictionPercentage   *int   `yaml:"eviction_percentage" toml:"eviction_percentage"`
		MissingRecordStorage *bool  `yaml:"missing_record_storage" toml:"missing_record_storage"`
		EvictionInterval     string `yaml:"eviction_interval" toml:"eviction_interval"`
	} `yaml:"lookup" toml:"lookup"`
	Names struct {
		Folding string `yaml:"folding" toml:"folding"`
		Unquote *bool  `yaml:"unquote" toml:"unquote"`
	} `yaml:"names" toml:"names"`
	Composite struct {
		SortRows *bool `yaml:"sort_rows" toml:"sort_rows"`
	} `yaml:"composite" toml:"composite"`
	Logging struct {
		Verbose *bool `yaml:"verbose" toml:"verbose"`
	} `yaml:"logging" toml:"logging"`
}

// LoadConfig reads a YAML (.yaml, .yml) or TOML (.toml) file, overlays it on
// DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	default:
		return Config{}, fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg, err := fc.apply(DefaultConfig())
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (fc fileConfig) apply(cfg Config) (Config, error) {
	l := fc.Lookup
	if l.Capacity != nil {
		cfg.Capacity = *l.Capacity
	}
	if l.NumShards != nil {
		cfg.NumShards = *l.NumShards
	}
	if l.TTL != "" {
		d, err := time.ParseDuration(l.TTL)
		if err != nil {
			return cfg, &ConfigError{Field: "TTL", Message: err.Error()}
		}
		cfg.TTL = d
	}
	if l.EvictionPercentage != nil {
		cfg.EvictionPercentage = *l.EvictionPercentage
	}
	if l.MissingRecordStorage != nil {
		cfg.MissingRecordStorage = *l.MissingRecordStorage
	}
	if l.EvictionInterval != "" {
		d, err := time.ParseDuration(l.EvictionInterval)
		if err != nil {
			return cfg, &ConfigError{Field: "EvictionInterval", Message: err.Error()}
		}
		cfg.EvictionInterval = d
	}
	if fc.Names.Folding != "" {
		cfg.NameFolding = NameFolding(strings.ToLower(fc.Names.Folding))
	}
	if fc.Names.Unquote != nil {
		cfg.UnquoteNames = *fc.Names.Unquote
	}
	if fc.Composite.SortRows != nil {
		cfg.SortCompositeRows = *fc.Composite.SortRows
	}
	if fc.Logging.Verbose != nil {
		cfg.Verbose = *fc.Logging.Verbose
	}
	return cfg, nil
}
