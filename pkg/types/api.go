package types

// DevicesResponse wraps the list of devices returned by GET /devices.
type DevicesResponse struct {
	// Registered devices in name order.
	Devices []Device `json:"devices"`
}

// RegisterDeviceRequest registers a dynamic backend module under a device name.
type RegisterDeviceRequest struct {
	// Device name; must not contain '.'.
	// example: ACC1
	Name string `json:"name" example:"ACC1"`
	// Path of the backend executable.
	// example: /opt/compiled/plugins/compiled-backend-acc1
	Location string `json:"location" example:"/opt/compiled/plugins/compiled-backend-acc1"`
	// Default options applied at construction.
	Options map[string]any `json:"options,omitempty"`
	// Extension module paths loaded after construction.
	Extensions []string `json:"extensions,omitempty"`
}

// CompileRequest compiles a model. Exactly one of Path or Text is set.
type CompileRequest struct {
	// Target device; empty selects the default device. Sub-devices use "NAME.ID".
	// example: ACC1
	Device string `json:"device,omitempty" example:"ACC1"`
	// Server-side path of a model file. Its sibling .bin file supplies weights.
	// example: /models/one_add.yaml
	Path string `json:"path,omitempty" example:"/models/one_add.yaml"`
	// Model text (YAML or JSON).
	Text string `json:"text,omitempty"`
	// Raw weights buffer for Text, base64 in JSON.
	Weights []byte `json:"weights,omitempty"`
	// Compile options. CACHE_DIR and CACHE_DISABLE control caching for this call.
	Options map[string]any `json:"options,omitempty"`
	// If true, include the exported artifact in the response.
	// example: false
	Export bool `json:"export,omitempty" example:"false"`
}

// CompileResponse describes a compiled model.
type CompileResponse struct {
	// Request identifier, also attached to events.
	// example: 6f1c2d4e-7a8b-4c9d-8e0f-1a2b3c4d5e6f
	RequestID string `json:"request_id" example:"6f1c2d4e-7a8b-4c9d-8e0f-1a2b3c4d5e6f"`
	// Canonical device the model was compiled for.
	// example: ACC1
	Device string `json:"device" example:"ACC1"`
	// Model name reported by the artifact.
	// example: one_add
	Model string `json:"model" example:"one_add"`
	// Cache key, empty when caching was skipped.
	// example: sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
	CacheKey string `json:"cache_key,omitempty" example:"sha256:9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"`
	// Whether the artifact was imported from the cache.
	// example: true
	LoadedFromCache bool `json:"loaded_from_cache" example:"true"`
	// Cache interaction states visited by the request.
	// example: ["start","cache_lookup","cache_hit","done"]
	States []string `json:"states,omitempty"`
	// Wall time in milliseconds.
	// example: 12
	DurationMs int64 `json:"duration_ms" example:"12"`
	// Exported artifact bytes when requested, base64 in JSON.
	Artifact []byte `json:"artifact,omitempty"`
}

// ImportRequest imports a previously exported artifact.
type ImportRequest struct {
	// Target device.
	// example: ACC1
	Device string `json:"device,omitempty" example:"ACC1"`
	// Exported artifact bytes, base64 in JSON.
	Data []byte `json:"data"`
	// Import options.
	Options map[string]any `json:"options,omitempty"`
}

// PropertyResponse is returned by GET /devices/{name}/properties/{property}.
type PropertyResponse struct {
	// example: ACC1
	Device string `json:"device" example:"ACC1"`
	// example: DEVICE_ARCHITECTURE
	Name string `json:"name" example:"DEVICE_ARCHITECTURE"`
	// Property value as reported by the backend.
	Value any `json:"value"`
}

// SetPropertiesRequest is the body of PUT /devices/{name}/properties.
type SetPropertiesRequest struct {
	// Options to merge into the device configuration.
	Options map[string]any `json:"options"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: device not registered: NPU
	Error string `json:"error" example:"device not registered: NPU"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// CacheStats counts cache interactions since start.
type CacheStats struct {
	// example: 10
	Hits uint64 `json:"hits" example:"10"`
	// example: 2
	Misses uint64 `json:"misses" example:"2"`
	// Entries found stale or corrupt and replaced.
	// example: 1
	Stale uint64 `json:"stale" example:"1"`
	// Compiles that skipped the cache.
	// example: 0
	Skipped uint64 `json:"skipped" example:"0"`
	// example: 0
	WriteFailures uint64 `json:"write_failures" example:"0"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Registered devices.
	Devices []Device `json:"devices"`
	// Default device target of the DEFAULT alias.
	// example: CPU
	DefaultDevice string `json:"default_device,omitempty" example:"CPU"`
	// Global cache directory; empty disables caching unless set per device or call.
	// example: /var/cache/compiled
	CacheDir string `json:"cache_dir,omitempty" example:"/var/cache/compiled"`
	// Global extension modules.
	Extensions []string `json:"extensions,omitempty"`
	// Cache keys currently locked or waited on.
	// example: 0
	KeysInFlight int `json:"keys_in_flight" example:"0"`
	// Total compile requests served.
	// example: 12
	CompilesTotal uint64 `json:"compiles_total" example:"12"`
	Cache         CacheStats `json:"cache"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
