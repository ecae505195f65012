package core

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"compiled/internal/backend"
	"compiled/internal/cache"
	"compiled/internal/cacheguard"
	"compiled/internal/cachekey"
	"compiled/internal/common/fsutil"
	"compiled/internal/events"
	"compiled/internal/loader"
	"compiled/internal/registry"
)

// Core owns the registry, the loader, the per-key cache guard and the open
// cache stores.
type Core struct {
	reg    *registry.Registry
	loader *loader.Loader
	guard  cacheguard.Guard[cachekey.Key]

	rewrite              Rewriter
	pub                  events.Publisher
	log                  zerolog.Logger
	tolerateWriteFailure bool
	openCache            func(dir string) (cache.Manager, error)

	cacheMu         sync.Mutex
	cacheDir        string
	deviceCacheDirs map[string]string
	caches          map[string]cache.Manager

	startTime time.Time
	stats     stats
}

type stats struct {
	compiles      atomic.Uint64
	hits          atomic.Uint64
	misses        atomic.Uint64
	stale         atomic.Uint64
	skipped       atomic.Uint64
	writeFailures atomic.Uint64
}

// Registry exposes the device registry.
func (c *Core) Registry() *registry.Registry { return c.reg }

// RegisterPlugin registers a dynamically loaded backend module under device.
// The module is not opened until the device is first used.
func (c *Core) RegisterPlugin(location, device string) error {
	path, err := fsutil.ExpandHome(location)
	if err != nil {
		return fmt.Errorf("plugin location: %w", err)
	}
	return c.RegisterDevice(registry.Descriptor{
		Name:     device,
		Location: path,
		Factory:  backend.Dynamic(path),
	})
}

// RegisterDevice registers a descriptor, static or dynamic.
func (c *Core) RegisterDevice(desc registry.Descriptor) error {
	if err := c.reg.Register(desc.Name, desc); err != nil {
		return err
	}
	c.log.Info().Str("device", desc.Name).Str("kind", desc.Factory.Kind.String()).Str("location", desc.Location).Msg("device registered")
	return nil
}

// Backend returns the live backend for device, loading it on first use.
func (c *Core) Backend(device string) (backend.Backend, error) {
	inst, err := c.loader.Get(device)
	if err != nil {
		return nil, err
	}
	return inst.Backend, nil
}

// UnloadPlugin drops the live backend of device. Compiled models keep the
// module open until they are released; the next use loads it again.
func (c *Core) UnloadPlugin(device string) error {
	return c.loader.Unload(device)
}

// AddExtension adds an extension to every current and future backend.
func (c *Core) AddExtension(path string) error {
	if path == "" {
		return errors.New("empty extension path")
	}
	if !c.reg.AddExtension(path) {
		return nil
	}
	return c.loader.BroadcastExtension(path)
}

// Close unloads every backend and closes the cache stores. Compiled models
// still held by callers keep their backends open until released.
func (c *Core) Close() error {
	errs := []error{c.loader.Close()}
	c.cacheMu.Lock()
	for dir, m := range c.caches {
		if err := m.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache %s: %w", dir, err))
		}
		delete(c.caches, dir)
	}
	c.cacheMu.Unlock()
	return errors.Join(errs...)
}

func (c *Core) publish(e events.Event) {
	c.pub.Publish(events.Stamp(e))
}
