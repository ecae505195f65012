package httpapi

import (
	"time"

	"compiled/internal/config"
)

// defaultMaxBodyBytes bounds JSON request bodies. Model text, weights and
// exported artifacts travel inline.
const defaultMaxBodyBytes int64 = 64 << 20

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes = defaultMaxBodyBytes

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

// compileTimeout bounds /compile and /import requests.
// Zero means no additional timeout beyond server/connection timeouts.
var compileTimeout time.Duration

// SetCompileTimeout sets the compile timeout (0 disables).
func SetCompileTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	compileTimeout = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var corsOptions config.CORSConfig

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(c config.CORSConfig) {
	corsOptions = config.CORSConfig{
		Enabled: c.Enabled,
		Origins: append([]string(nil), c.Origins...),
		Methods: append([]string(nil), c.Methods...),
		Headers: append([]string(nil), c.Headers...),
	}
}
