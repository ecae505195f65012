package cachekey

import (
	"fmt"

	"compiled/internal/backend"
)

// excluded options never contribute to a key: an entry compiled for one unit
// of an architecture must be reusable by any other unit sharing it.
var excluded = map[string]bool{
	backend.OptDeviceID:         true,
	backend.OptDevicePriorities: true,
	backend.OptPerformanceHint:  true,
	backend.OptCacheDir:         true,
	backend.OptCacheDisable:     true,
}

// CompileConfig builds the cache-relevant configuration for compiling on b.
//
// The architecture is the backend's DEVICE_ARCHITECTURE, queried with the
// request's device id and selection options, or family when the backend does
// not report one. Options are filtered to the backend's CACHING_PROPERTIES;
// a value in opts takes precedence over the backend's current value.
func CompileConfig(b backend.Backend, family string, opts backend.Options) (Config, error) {
	query := backend.Options{}
	for _, k := range []string{backend.OptDevicePriorities, backend.OptDeviceID} {
		if v, ok := opts[k]; ok {
			query[k] = backend.AsString(v)
		}
	}

	cfg := Config{Architecture: family, Options: backend.Options{}}
	if backend.Supports(b, backend.PropDeviceArchitecture) {
		v, err := b.Property(backend.PropDeviceArchitecture, query)
		if err != nil {
			return Config{}, fmt.Errorf("query %s: %w", backend.PropDeviceArchitecture, err)
		}
		cfg.Architecture = backend.AsString(v)
	}

	if !backend.Supports(b, backend.PropCachingProperties) {
		return cfg, nil
	}
	v, err := b.Property(backend.PropCachingProperties, nil)
	if err != nil {
		return Config{}, fmt.Errorf("query %s: %w", backend.PropCachingProperties, err)
	}
	for _, name := range backend.AsStrings(v) {
		if excluded[name] {
			continue
		}
		if val, ok := opts[name]; ok {
			cfg.Options[name] = val
			continue
		}
		val, err := b.Property(name, nil)
		if err != nil {
			return Config{}, fmt.Errorf("query %s: %w", name, err)
		}
		cfg.Options[name] = val
	}
	return cfg, nil
}
