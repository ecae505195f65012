package core

import (
	"time"

	"github.com/rs/zerolog"

	"compiled/internal/backend"
	"compiled/internal/cache"
	"compiled/internal/events"
	"compiled/internal/loader"
	"compiled/internal/registry"
)

// Rewriter rewrites the target device and options of a compile request
// before the backend is resolved, e.g. to apply a device-selection policy.
type Rewriter func(device string, opts backend.Options) (string, backend.Options)

// Config encapsulates all tunables for Core construction.
type Config struct {
	// DefaultDevice is the target of the DEFAULT alias and of empty names.
	DefaultDevice string
	// Devices are registered at construction.
	Devices []registry.Descriptor
	// Extensions are added to every backend when it is constructed.
	Extensions []string

	// CacheDir is the global cache directory; empty disables caching unless
	// a per-device or per-call directory applies.
	CacheDir string
	// CacheStore selects the store opened per directory: cache.StoreFS
	// (default) or cache.StoreSQLite.
	CacheStore string
	// TolerateWriteFailure returns the compiled artifact when the cache
	// write fails instead of failing the request. Off by default.
	TolerateWriteFailure bool
	// OpenCache overrides how a store is opened for a directory.
	OpenCache func(dir string) (cache.Manager, error)

	Opener    backend.ModuleOpener
	Rewriter  Rewriter
	Publisher events.Publisher
	// Logger is silent when left zero.
	Logger zerolog.Logger
}

// NewWithConfig constructs a Core from Config. It fails only when a
// configured device or the cache directory is invalid.
func NewWithConfig(cfg Config) (*Core, error) {
	c := newCore(cfg)
	if err := c.reg.RegisterAll(cfg.Devices); err != nil {
		return nil, err
	}
	for _, ext := range cfg.Extensions {
		c.reg.AddExtension(ext)
	}
	if cfg.CacheDir != "" {
		if err := c.SetProperty("", backend.Options{backend.OptCacheDir: cfg.CacheDir}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// New returns a Core with no devices and caching disabled.
func New() *Core {
	return newCore(Config{})
}

func newCore(cfg Config) *Core {
	c := &Core{
		reg:                  registry.New(cfg.DefaultDevice),
		rewrite:              cfg.Rewriter,
		pub:                  cfg.Publisher,
		log:                  cfg.Logger,
		tolerateWriteFailure: cfg.TolerateWriteFailure,
		openCache:            cfg.OpenCache,
		deviceCacheDirs:      make(map[string]string),
		caches:               make(map[string]cache.Manager),
	}
	// Apply defaults if unset
	if c.pub == nil {
		c.pub = events.Noop{}
	}
	if c.openCache == nil {
		kind := cfg.CacheStore
		if kind == "" {
			kind = cache.StoreFS
		}
		c.openCache = func(dir string) (cache.Manager, error) { return cache.Open(kind, dir) }
	}
	c.loader = loader.New(loader.Config{
		Registry:  c.reg,
		Opener:    cfg.Opener,
		CacheDir:  c.deviceCacheDir,
		Publisher: c.pub,
		Logger:    c.log,
	})
	c.startTime = time.Now()
	return c
}
