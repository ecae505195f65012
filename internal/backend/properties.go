package backend

import (
	"fmt"
	"slices"
	"strconv"
)

// Well-known property and option names.
const (
	PropSupportedProperties = "SUPPORTED_PROPERTIES"
	PropDeviceArchitecture  = "DEVICE_ARCHITECTURE"
	PropCachingProperties   = "CACHING_PROPERTIES"
	PropImportExport        = "IMPORT_EXPORT_SUPPORT"
	PropCapabilities        = "DEVICE_CAPABILITIES"
	PropBuildVersion        = "BUILD_VERSION"
	PropFullDeviceName      = "FULL_DEVICE_NAME"
	PropAvailableDevices    = "AVAILABLE_DEVICES"
	PropExtensions          = "EXTENSIONS"

	OptCacheDir         = "CACHE_DIR"
	OptCacheDisable     = "CACHE_DISABLE"
	OptDeviceID         = "DEVICE_ID"
	OptDevicePriorities = "DEVICE_PRIORITIES"
	OptPerformanceHint  = "PERFORMANCE_HINT"

	// CapabilityExportImport is listed in DEVICE_CAPABILITIES by backends
	// that can export and import compiled artifacts.
	CapabilityExportImport = "EXPORT_IMPORT"
)

// Options is a string-keyed property map.
type Options map[string]any

// Clone returns a shallow copy of o. Cloning a nil map yields an empty map.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Merge copies src into o, overwriting existing keys, and returns o.
func (o Options) Merge(src Options) Options {
	for k, v := range src {
		o[k] = v
	}
	return o
}

// String returns the option value formatted as a string and whether it exists.
func (o Options) String(key string) (string, bool) {
	v, ok := o[key]
	if !ok {
		return "", false
	}
	return AsString(v), true
}

// Bool reports whether key is set to a truthy value.
func (o Options) Bool(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return t == "YES" || t == "yes"
		}
		return b
	default:
		return false
	}
}

// AsString formats a property value as a string.
func AsString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// AsStrings converts a property value holding a list of names.
func AsStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, AsString(e))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	default:
		return nil
	}
}

// Supports reports whether b lists name among its SUPPORTED_PROPERTIES.
func Supports(b Backend, name string) bool {
	v, err := b.Property(PropSupportedProperties, nil)
	if err != nil {
		return false
	}
	return slices.Contains(AsStrings(v), name)
}

// SupportsImportExport reports whether b can export and re-import artifacts,
// either through IMPORT_EXPORT_SUPPORT or the EXPORT_IMPORT capability.
func SupportsImportExport(b Backend) bool {
	if Supports(b, PropImportExport) {
		if v, err := b.Property(PropImportExport, nil); err == nil {
			if ok, _ := v.(bool); ok {
				return true
			}
		}
	}
	if Supports(b, PropCapabilities) {
		if v, err := b.Property(PropCapabilities, nil); err == nil {
			return slices.Contains(AsStrings(v), CapabilityExportImport)
		}
	}
	return false
}
