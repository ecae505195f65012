// Package loader turns registered device descriptors into live backends.
//
// Get resolves each device exactly once, even under concurrent requests for
// the same device, while unrelated devices construct their backends in
// parallel. The lock order is: registry global lock (released), then the
// per-device mutex, then the registry global lock again for the final map
// update.
package loader

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"compiled/internal/backend"
	"compiled/internal/events"
	"compiled/internal/registry"
)

// Config holds the Loader collaborators. Registry is required.
type Config struct {
	Registry *registry.Registry
	// Opener resolves DynamicModule factories. Loading a dynamic device
	// without an opener fails with a PluginLoadError.
	Opener backend.ModuleOpener
	// CacheDir returns the cache directory that applies to device, or "".
	// It is forwarded to backends as CACHE_DIR when they support it.
	CacheDir  func(device string) string
	Publisher events.Publisher
	Logger    zerolog.Logger
}

// Loader produces live backends for registered devices.
type Loader struct {
	reg      *registry.Registry
	opener   backend.ModuleOpener
	cacheDir func(string) string
	pub      events.Publisher
	log      zerolog.Logger
}

// New returns a Loader.
func New(cfg Config) *Loader {
	l := &Loader{
		reg:      cfg.Registry,
		opener:   cfg.Opener,
		cacheDir: cfg.CacheDir,
		pub:      cfg.Publisher,
		log:      cfg.Logger,
	}
	if l.pub == nil {
		l.pub = events.Noop{}
	}
	if l.cacheDir == nil {
		l.cacheDir = func(string) string { return "" }
	}
	return l
}

// Get returns the live backend for name, constructing it on first use.
// name may be an alias or a sub-device address; the instance is keyed by
// the canonical device name.
func (l *Loader) Get(name string) (*registry.Loaded, error) {
	res, err := l.reg.Canonicalize(name)
	if err != nil {
		return nil, &DeviceNotRegisteredError{Name: name}
	}
	dev := res.Device

	if inst, ok := l.reg.Instance(dev); ok {
		return inst, nil
	}

	mu := l.reg.DeviceMutex(dev)
	if mu == nil {
		return nil, &DeviceNotRegisteredError{Name: name}
	}
	mu.Lock()
	defer mu.Unlock()

	// Another caller may have finished construction while we waited.
	if inst, ok := l.reg.Instance(dev); ok {
		return inst, nil
	}

	desc, err := l.reg.Lookup(dev)
	if err != nil {
		return nil, &DeviceNotRegisteredError{Name: name}
	}
	start := time.Now()
	inst, err := l.construct(desc)
	if err != nil {
		pluginLoads.WithLabelValues(dev, "error").Inc()
		l.log.Warn().Err(err).Str("device", dev).Str("kind", desc.Factory.Kind.String()).Msg("plugin load failed")
		l.pub.Publish(events.Stamp(events.Event{Name: events.PluginLoadFailed, Device: dev,
			Fields: map[string]any{"error": err.Error()}}))
		return nil, &PluginLoadError{Device: dev, Location: desc.Location, Err: err}
	}
	if !l.reg.Store(dev, inst) {
		// Unreachable while the device mutex is held; keep the existing one.
		_ = inst.Release()
		existing, _ := l.reg.Instance(dev)
		return existing, nil
	}
	pluginLoads.WithLabelValues(dev, "ok").Inc()
	l.log.Info().Str("device", dev).Str("kind", desc.Factory.Kind.String()).Dur("dur", time.Since(start)).Msg("plugin loaded")
	l.pub.Publish(events.Stamp(events.Event{Name: events.PluginLoaded, Device: dev,
		Fields: map[string]any{"kind": desc.Factory.Kind.String(), "dur": time.Since(start)}}))
	return inst, nil
}

// construct resolves the factory and configures the new backend. It runs
// under the device mutex only.
func (l *Loader) construct(desc registry.Descriptor) (inst *registry.Loaded, err error) {
	var (
		b   backend.Backend
		mod backend.Module
	)
	switch desc.Factory.Kind {
	case backend.InProcessStatic:
		if desc.Factory.Create == nil {
			return nil, errors.New("static factory has no constructor")
		}
		b, err = desc.Factory.Create()
		if err != nil {
			return nil, err
		}
	case backend.DynamicModule:
		if l.opener == nil {
			return nil, errors.New("no module opener configured")
		}
		path := desc.Factory.Path
		if path == "" {
			path = desc.Location
		}
		mod, err = l.opener.Open(path)
		if err != nil {
			return nil, err
		}
		b = mod.Backend()
	default:
		return nil, fmt.Errorf("unknown factory kind %d", desc.Factory.Kind)
	}
	if b == nil {
		if mod != nil {
			mod.Close()
		}
		return nil, errors.New("factory returned nil backend")
	}
	defer func() {
		if err != nil && mod != nil {
			mod.Close()
		}
	}()

	b.SetName(desc.Name)

	for _, ext := range l.reg.Extensions() {
		if err := optional(b.AddExtension(ext)); err != nil {
			return nil, fmt.Errorf("add global extension %s: %w", ext, err)
		}
	}

	cfg := backend.Options{}
	if dir := l.cacheDir(desc.Name); dir != "" && backend.Supports(b, backend.OptCacheDir) {
		cfg[backend.OptCacheDir] = dir
	}
	if len(cfg) > 0 {
		if err := optional(b.SetProperty(cfg)); err != nil {
			return nil, fmt.Errorf("configure backend: %w", err)
		}
	}
	if err := l.applySubDevices(b, desc); err != nil {
		return nil, err
	}
	if len(desc.Options) > 0 {
		if err := optional(b.SetProperty(desc.Options)); err != nil {
			return nil, fmt.Errorf("apply default options: %w", err)
		}
	}

	for _, ext := range desc.Extensions {
		if err := optional(b.AddExtension(ext)); err != nil {
			return nil, fmt.Errorf("add extension %s: %w", ext, err)
		}
	}

	var closer io.Closer
	if mod != nil {
		closer = mod
	}
	return registry.NewLoaded(desc, b, closer), nil
}

// applySubDevices forwards per-sub-device overrides tagged with DEVICE_ID.
func (l *Loader) applySubDevices(b backend.Backend, desc registry.Descriptor) error {
	if len(desc.SubDevices) == 0 || !backend.Supports(b, backend.OptDeviceID) {
		return nil
	}
	for id, opts := range desc.SubDevices {
		o := opts.Clone()
		o[backend.OptDeviceID] = id
		if err := optional(b.SetProperty(o)); err != nil {
			return fmt.Errorf("configure %s%s%s: %w", desc.Name, registry.SubDeviceSep, id, err)
		}
	}
	return nil
}

// Loaded reports whether a live instance exists for the canonical name.
func (l *Loader) Loaded(name string) bool {
	_, ok := l.reg.Instance(name)
	return ok
}

// Unload removes the live instance for name. The module stays open until
// every artifact compiled by it is released.
func (l *Loader) Unload(name string) error {
	res, err := l.reg.Canonicalize(name)
	if err != nil {
		return &DeviceNotRegisteredError{Name: name}
	}
	inst, ok := l.reg.Remove(res.Device)
	if !ok {
		return &DeviceNotRegisteredError{Name: name, NotLoaded: true}
	}
	l.log.Info().Str("device", res.Device).Int("refs", inst.Refs()-1).Msg("plugin unloaded")
	l.pub.Publish(events.Stamp(events.Event{Name: events.PluginUnloaded, Device: res.Device}))
	return inst.Release()
}

// ApplyOptions forwards opts to the live instance of device, if any. It
// holds the device mutex so the update cannot interleave with construction.
// A backend that does not implement SetProperty keeps the options in the
// registry only, as during construction.
func (l *Loader) ApplyOptions(device string, opts backend.Options) error {
	mu := l.reg.DeviceMutex(device)
	if mu == nil {
		return &DeviceNotRegisteredError{Name: device}
	}
	mu.Lock()
	defer mu.Unlock()
	inst, ok := l.reg.Instance(device)
	if !ok {
		return nil
	}
	return optional(inst.Backend.SetProperty(opts))
}

// BroadcastExtension adds a global extension to every live backend. Backends
// that do not support extensions are skipped.
func (l *Loader) BroadcastExtension(path string) error {
	var errs []error
	for dev, inst := range l.reg.Instances() {
		mu := l.reg.DeviceMutex(dev)
		mu.Lock()
		err := optional(inst.Backend.AddExtension(path))
		mu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev, err))
		}
	}
	return errors.Join(errs...)
}

// Close unloads every live instance.
func (l *Loader) Close() error {
	var errs []error
	for dev := range l.reg.Instances() {
		if inst, ok := l.reg.Remove(dev); ok {
			if err := inst.Release(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", dev, err))
			}
		}
	}
	return errors.Join(errs...)
}

func optional(err error) error {
	if errors.Is(err, backend.ErrNotImplemented) {
		return nil
	}
	return err
}
