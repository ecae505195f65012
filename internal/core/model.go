package core

import (
	"errors"
	"sync"
	"time"

	"compiled/internal/backend"
	"compiled/internal/cachekey"
	"compiled/internal/registry"
)

// State is one step of a request's interaction with the cache.
type State string

const (
	StateStart        State = "start"
	StateCacheSkipped State = "cache_skipped"
	StateCacheLookup  State = "cache_lookup"
	StateCacheHit     State = "cache_hit"
	StateCacheMiss    State = "cache_miss"
	StateFreshCompile State = "fresh_compile"
	StateCacheWrite   State = "cache_write"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// CompiledModel is an artifact bound to the backend that produced it. The
// backend module stays open until Release is called.
type CompiledModel struct {
	Artifact backend.Artifact
	Device   string
	// Key is zero when caching was skipped.
	Key             cachekey.Key
	LoadedFromCache bool
	RequestID       string
	States          []State
	Duration        time.Duration

	owner   *registry.Loaded
	release sync.Once
}

// Name returns the compiled model's name.
func (m *CompiledModel) Name() string { return m.Artifact.Name() }

// Export serializes the artifact with its backend. It must not be called
// after Release.
func (m *CompiledModel) Export() ([]byte, error) {
	return m.owner.Backend.Export(m.Artifact)
}

// Release frees the artifact's backend resources and drops the model's
// reference to its backend. Further calls are no-ops.
func (m *CompiledModel) Release() error {
	var err error
	m.release.Do(func() {
		err = errors.Join(backend.ReleaseArtifact(m.Artifact), m.owner.Release())
	})
	return err
}
