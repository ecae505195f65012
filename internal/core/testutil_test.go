package core

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"compiled/internal/backend"
	"compiled/internal/backend/backendtest"
	"compiled/internal/cache"
	"compiled/internal/cachekey"
	"compiled/internal/events"
	"compiled/internal/registry"
)

// newTestCore returns a Core with fake registered as ACC1 and a cache in a
// temp dir unless cfg says otherwise.
func newTestCore(t *testing.T, fake *backendtest.Fake, cfg Config) (*Core, *events.Memory) {
	t.Helper()
	pub := events.NewMemory()
	cfg.Publisher = pub
	if fake != nil {
		cfg.Devices = append(cfg.Devices, registry.Descriptor{Name: "ACC1", Factory: fake.Factory()})
	}
	c, err := NewWithConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, pub
}

func withCache(t *testing.T) Config {
	t.Helper()
	return Config{CacheDir: t.TempDir()}
}

type fakeModule struct {
	b      backend.Backend
	closed atomic.Bool
}

func (m *fakeModule) Backend() backend.Backend { return m.b }

func (m *fakeModule) Close() error {
	m.closed.Store(true)
	return nil
}

// fakeOpener hands out a fresh module around the backend registered for a
// path on every Open.
type fakeOpener struct {
	mu       sync.Mutex
	backends map[string]backend.Backend
	opened   []*fakeModule
}

func (o *fakeOpener) Open(path string) (backend.Module, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.backends[path]
	if !ok {
		return nil, errors.New("no such module: " + path)
	}
	m := &fakeModule{b: b}
	o.opened = append(o.opened, m)
	return m, nil
}

func (o *fakeOpener) modules() []*fakeModule {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*fakeModule(nil), o.opened...)
}

// failingStore wraps a store and fails every Add after writing a partial
// entry, like a disk filling up.
type failingStore struct {
	cache.Manager
	err error
}

func (s failingStore) Add(key cachekey.Key, r io.Reader) error {
	data, _ := io.ReadAll(r)
	if err := s.Manager.Add(key, io.LimitReader(bytes.NewReader(data), int64(len(data)/2))); err != nil {
		return err
	}
	return s.err
}

// entry reads the raw header stored for key in dir.
func entry(t *testing.T, dir string, key cachekey.Key) (cache.Header, bool) {
	t.Helper()
	fs, err := cache.OpenFileStore(dir)
	require.NoError(t, err)
	rc, ok, err := fs.Get(key)
	require.NoError(t, err)
	if !ok {
		return cache.Header{}, false
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	h, _, err := cache.Decode(data)
	require.NoError(t, err)
	return h, true
}
