package core

import (
	"errors"
	"fmt"

	"compiled/internal/backend"
	"compiled/internal/cache"
	"compiled/internal/common/fsutil"
	"compiled/internal/loader"
	"compiled/internal/registry"
)

// GetProperty returns property name of device. CACHE_DIR is answered by the
// core. An empty device addresses the core itself, which knows CACHE_DIR
// and AVAILABLE_DEVICES only.
func (c *Core) GetProperty(device, name string, opts backend.Options) (any, error) {
	if device == "" {
		switch name {
		case backend.OptCacheDir:
			c.cacheMu.Lock()
			defer c.cacheMu.Unlock()
			return c.cacheDir, nil
		case backend.PropAvailableDevices:
			return c.availableDevices(), nil
		}
		return nil, fmt.Errorf("core property %q: %w", name, backend.ErrNotImplemented)
	}

	res, err := c.reg.Canonicalize(device)
	if err != nil {
		return nil, &loader.DeviceNotRegisteredError{Name: device}
	}
	if name == backend.OptCacheDir {
		return c.deviceCacheDir(res.Device), nil
	}
	inst, err := c.loader.Get(res.Device)
	if err != nil {
		return nil, err
	}
	q := backend.Options{}
	if res.DeviceID != "" {
		q[backend.OptDeviceID] = res.DeviceID
	}
	return inst.Backend.Property(name, q.Merge(opts))
}

// availableDevices asks every registered backend for its AVAILABLE_DEVICES.
// A backend with several units contributes "NAME.ID" per unit, one with a
// single unit contributes its name, and one that cannot be loaded or
// queried contributes nothing.
func (c *Core) availableDevices() []string {
	out := []string{}
	for _, name := range c.reg.List() {
		inst, err := c.loader.Get(name)
		if err != nil {
			c.log.Debug().Err(err).Str("device", name).Msg("skipping device in AVAILABLE_DEVICES")
			continue
		}
		v, err := inst.Backend.Property(backend.PropAvailableDevices, nil)
		if err != nil {
			c.log.Debug().Err(err).Str("device", name).Msg("skipping device in AVAILABLE_DEVICES")
			continue
		}
		ids := backend.AsStrings(v)
		switch {
		case len(ids) > 1:
			for _, id := range ids {
				out = append(out, name+registry.SubDeviceSep+id)
			}
		case len(ids) == 1:
			out = append(out, name)
		}
	}
	return out
}

// SetProperty applies opts. A CACHE_DIR whose store cannot be opened is
// rejected and leaves the previous directory in place. With an empty device,
// CACHE_DIR sets the global
// cache directory and every other option is merged into all registered
// devices. For a device, CACHE_DIR sets that device's cache directory (an
// empty value disables caching for it) and the remaining options are merged
// into its defaults, or into the sub-device overrides for "NAME.ID", and
// forwarded to its live backend.
func (c *Core) SetProperty(device string, opts backend.Options) error {
	rest := opts.Clone()
	dir, hasDir := rest.String(backend.OptCacheDir)
	delete(rest, backend.OptCacheDir)
	if hasDir {
		resolved, err := fsutil.ResolveDir(dir)
		if err != nil {
			return fmt.Errorf("cache dir: %w", err)
		}
		dir = resolved
	}

	if device == "" {
		if hasDir {
			if err := c.prepareStore(dir); err != nil {
				return err
			}
			c.cacheMu.Lock()
			c.cacheDir = dir
			c.cacheMu.Unlock()
			c.log.Info().Str("dir", dir).Msg("cache dir set")
		}
		var errs []error
		if len(rest) > 0 {
			for _, name := range c.reg.List() {
				if err := c.setDeviceOptions(registry.Resolved{Device: name}, rest); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", name, err))
				}
			}
		}
		return errors.Join(errs...)
	}

	res, err := c.reg.Canonicalize(device)
	if err != nil {
		return &loader.DeviceNotRegisteredError{Name: device}
	}
	if hasDir {
		if err := c.prepareStore(dir); err != nil {
			return err
		}
		c.cacheMu.Lock()
		c.deviceCacheDirs[res.Device] = dir
		c.cacheMu.Unlock()
		c.log.Info().Str("device", res.Device).Str("dir", dir).Msg("cache dir set")
	}
	if len(rest) == 0 {
		return nil
	}
	return c.setDeviceOptions(res, rest)
}

func (c *Core) setDeviceOptions(res registry.Resolved, opts backend.Options) error {
	if res.DeviceID != "" {
		if err := c.reg.MergeSubDeviceOptions(res.Device, res.DeviceID, opts); err != nil {
			return &loader.DeviceNotRegisteredError{Name: res.Device}
		}
		o := opts.Clone()
		o[backend.OptDeviceID] = res.DeviceID
		return c.loader.ApplyOptions(res.Device, o)
	}
	if err := c.reg.MergeOptions(res.Device, opts); err != nil {
		return &loader.DeviceNotRegisteredError{Name: res.Device}
	}
	return c.loader.ApplyOptions(res.Device, opts)
}

// deviceCacheDir returns the cache directory configured for device, or the
// global one when the device has none.
func (c *Core) deviceCacheDir(device string) string {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if dir, ok := c.deviceCacheDirs[device]; ok {
		return dir
	}
	return c.cacheDir
}

// prepareStore opens the store for a newly configured cache directory so an
// unusable directory is rejected when it is set rather than on a compile.
func (c *Core) prepareStore(dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := c.cacheFor(dir); err != nil {
		return fmt.Errorf("open cache in %s: %w", dir, err)
	}
	return nil
}

// cacheFor returns the store for dir, opening it on first use.
func (c *Core) cacheFor(dir string) (cache.Manager, error) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	if m, ok := c.caches[dir]; ok {
		return m, nil
	}
	m, err := c.openCache(dir)
	if err != nil {
		return nil, err
	}
	c.caches[dir] = m
	return m, nil
}
