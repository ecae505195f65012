package types

// Device describes a registered device and the state of its backend.
type Device struct {
	// Canonical device name.
	// example: ACC1
	Name string `json:"name" example:"ACC1"`
	// Backend module location (executable path for dynamic backends).
	// example: /opt/compiled/plugins/compiled-backend-acc1
	Location string `json:"location,omitempty" example:"/opt/compiled/plugins/compiled-backend-acc1"`
	// Factory variant: static or dynamic.
	// example: dynamic
	Kind string `json:"kind" example:"dynamic"`
	// Whether a live backend instance exists.
	// example: true
	Loaded bool `json:"loaded" example:"true"`
	// References to the live instance (registry plus compiled models).
	// example: 3
	Refs int `json:"refs,omitempty" example:"3"`
	// Default options applied when the backend is constructed.
	Options map[string]any `json:"options,omitempty"`
	// Extension modules loaded into the backend.
	Extensions []string `json:"extensions,omitempty"`
	// Cache directory that applies to this device, if any.
	// example: /var/cache/compiled
	CacheDir string `json:"cache_dir,omitempty" example:"/var/cache/compiled"`
}
