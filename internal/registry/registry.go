// Package registry is the single source of truth for which devices exist,
// which of them have a live backend, and how access to each is serialized.
//
// All state is guarded by one global mutex that is held only for map
// operations, never across backend construction or I/O. Each registered
// device also owns a mutex (see [Registry.DeviceMutex]) that loaders hold
// while constructing its backend, so unrelated devices initialize in
// parallel.
package registry

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"compiled/internal/backend"
)

const (
	// SubDeviceSep separates a device name from a sub-device id ("GPU.1").
	SubDeviceSep = "."
	// DefaultAlias resolves to the configured default device.
	DefaultAlias = "DEFAULT"
	// excludeMarker prefixes device names in exclusion lists ("-GPU").
	excludeMarker = "-"
)

// Descriptor describes how to obtain a backend for one device.
type Descriptor struct {
	Name       string
	Location   string
	Options    backend.Options
	Extensions []string
	Factory    backend.Factory
	// SubDevices holds option overrides per sub-device id.
	SubDevices map[string]backend.Options
}

func (d Descriptor) clone() Descriptor {
	d.Options = d.Options.Clone()
	d.Extensions = slices.Clone(d.Extensions)
	if d.SubDevices != nil {
		subs := make(map[string]backend.Options, len(d.SubDevices))
		for id, o := range d.SubDevices {
			subs[id] = o.Clone()
		}
		d.SubDevices = subs
	}
	return d
}

// Resolved is a canonical device name plus the option map that applies to it.
type Resolved struct {
	Device   string
	DeviceID string
	Options  backend.Options
}

// Registry holds descriptors, per-device mutexes, live instances and global
// extensions.
type Registry struct {
	mu            sync.Mutex
	descs         map[string]*Descriptor
	devMu         map[string]*sync.Mutex
	live          map[string]*Loaded
	extensions    []string
	defaultDevice string
}

// New returns an empty registry. defaultDevice is the target of the
// DEFAULT alias and may be empty.
func New(defaultDevice string) *Registry {
	return &Registry{
		descs:         make(map[string]*Descriptor),
		devMu:         make(map[string]*sync.Mutex),
		live:          make(map[string]*Loaded),
		defaultDevice: defaultDevice,
	}
}

// Register adds a descriptor under name and allocates its device mutex.
func (r *Registry) Register(name string, d Descriptor) error {
	if name == "" || strings.Contains(name, SubDeviceSep) {
		return &InvalidNameError{Name: name}
	}
	d.Name = name
	d = d.clone()
	if d.Options == nil {
		d.Options = backend.Options{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descs[name]; ok {
		return &DuplicateRegistrationError{Name: name}
	}
	r.descs[name] = &d
	r.devMu[name] = &sync.Mutex{}
	return nil
}

// RegisterAll registers each descriptor by its Name, stopping at the first
// error. Descriptors registered before the error stay registered.
func (r *Registry) RegisterAll(descs []Descriptor) error {
	for _, d := range descs {
		if err := r.Register(d.Name, d); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns a copy of the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok {
		return Descriptor{}, &NotFoundError{Name: name}
	}
	return d.clone(), nil
}

// List returns the registered device names in sorted order.
func (r *Registry) List() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.descs))
	for n := range r.descs {
		names = append(names, n)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// SetDefault changes the target of the DEFAULT alias.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	r.defaultDevice = name
	r.mu.Unlock()
}

// Default returns the target of the DEFAULT alias.
func (r *Registry) Default() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultDevice
}

// Canonicalize resolves a user-supplied device name. The empty name and
// DEFAULT map to the default device, a leading "-" is dropped, and a
// sub-device suffix ("GPU.1") becomes the DEVICE_ID option together with
// any per-sub-device overrides.
func (r *Registry) Canonicalize(name string) (Resolved, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name = strings.TrimPrefix(name, excludeMarker)
	if name == "" || name == DefaultAlias {
		name = r.defaultDevice
	}
	dev, id, _ := strings.Cut(name, SubDeviceSep)
	d, ok := r.descs[dev]
	if !ok {
		return Resolved{}, &NotFoundError{Name: name}
	}
	res := Resolved{Device: dev, DeviceID: id, Options: d.Options.Clone()}
	if id != "" {
		res.Options.Merge(d.SubDevices[id])
		res.Options[backend.OptDeviceID] = id
	}
	return res, nil
}

// MergeOptions merges opts into the default options of name.
func (r *Registry) MergeOptions(name string, opts backend.Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	d.Options.Merge(opts)
	return nil
}

// MergeSubDeviceOptions merges opts into the overrides for one sub-device.
func (r *Registry) MergeSubDeviceOptions(name, id string, opts backend.Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[name]
	if !ok {
		return &NotFoundError{Name: name}
	}
	if d.SubDevices == nil {
		d.SubDevices = make(map[string]backend.Options)
	}
	if d.SubDevices[id] == nil {
		d.SubDevices[id] = backend.Options{}
	}
	d.SubDevices[id].Merge(opts)
	return nil
}

// AddExtension records a global extension. It reports false when the path
// was already present.
func (r *Registry) AddExtension(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.Contains(r.extensions, path) {
		return false
	}
	r.extensions = append(r.extensions, path)
	return true
}

// Extensions returns the global extensions in insertion order.
func (r *Registry) Extensions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.extensions)
}

// DeviceMutex returns the mutex serializing backend construction for name,
// or nil if name is not registered.
func (r *Registry) DeviceMutex(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devMu[name]
}

// Instance returns the live backend for name.
func (r *Registry) Instance(name string) (*Loaded, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.live[name]
	return l, ok
}

// Store records l as the live backend for name. It reports false and leaves
// the map unchanged when an instance already exists.
func (r *Registry) Store(name string, l *Loaded) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[name]; ok {
		return false
	}
	r.live[name] = l
	return true
}

// Remove drops the live backend for name and returns it.
func (r *Registry) Remove(name string) (*Loaded, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.live[name]
	if ok {
		delete(r.live, name)
	}
	return l, ok
}

// Instances returns a snapshot of the live backends keyed by device.
func (r *Registry) Instances() map[string]*Loaded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Loaded, len(r.live))
	for k, v := range r.live {
		out[k] = v
	}
	return out
}
