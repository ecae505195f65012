package cachekey

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"compiled/internal/backend"
	"compiled/internal/graph"
	"compiled/internal/graph/graphtest"
)

// propBackend answers Property from a fixed table; everything else is unused.
type propBackend struct {
	props   map[string]any
	queries []backend.Options
}

func (p *propBackend) SetName(string) {}
func (p *propBackend) Compile(_ context.Context, _ *graph.Model, _ backend.Options) (backend.Artifact, error) {
	return nil, backend.ErrNotImplemented
}
func (p *propBackend) Import(_ context.Context, _ []byte, _ backend.Options) (backend.Artifact, error) {
	return nil, backend.ErrNotImplemented
}
func (p *propBackend) Export(backend.Artifact) ([]byte, error) { return nil, backend.ErrNotImplemented }
func (p *propBackend) SetProperty(backend.Options) error         { return backend.ErrNotImplemented }
func (p *propBackend) AddExtension(string) error                 { return backend.ErrNotImplemented }
func (p *propBackend) Property(name string, opts backend.Options) (any, error) {
	if name == backend.PropDeviceArchitecture {
		p.queries = append(p.queries, opts)
		if id, ok := opts.String(backend.OptDeviceID); ok && id == "2" {
			return "arch-b", nil
		}
	}
	v, ok := p.props[name]
	if !ok {
		return nil, errors.New("unsupported property " + name)
	}
	return v, nil
}

func newPropBackend() *propBackend {
	return &propBackend{props: map[string]any{
		backend.PropSupportedProperties: []string{backend.PropDeviceArchitecture, backend.PropCachingProperties},
		backend.PropDeviceArchitecture:  "arch-a",
		backend.PropCachingProperties:   []string{"PRECISION", "NUM_STREAMS", backend.OptDeviceID},
		"PRECISION":                     "f32",
		"NUM_STREAMS":                   1,
	}}
}

func TestKeyDeterministic(t *testing.T) {
	cfg := Config{Architecture: "arch-a", Options: backend.Options{"PRECISION": "f32", "NUM_STREAMS": 2}}
	k1, err := ForModel(graphtest.OneAdd(), cfg)
	require.NoError(t, err)
	k2, err := ForModel(graphtest.OneAdd(), Config{Architecture: "arch-a", Options: backend.Options{"NUM_STREAMS": 2, "PRECISION": "f32"}})
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	again, err := ForModel(graphtest.OneAdd(), cfg)
	require.NoError(t, err)
	require.Equal(t, k1.String(), again.String())
}

func TestKeyDiscriminatesGraphs(t *testing.T) {
	cfg := Config{Architecture: "arch-a"}
	seen := map[Key]string{}
	for n := 0; n < 20; n++ {
		for _, w := range []int64{1, 2, 3, 8} {
			m := graphtest.Chain(n, w)
			k, err := ForModel(m, cfg)
			require.NoError(t, err)
			if prev, dup := seen[k]; dup {
				t.Fatalf("collision between %s and chain(%d,%d)", prev, n, w)
			}
			seen[k] = m.Name
		}
	}

	base, err := ForModel(graphtest.OneAdd(), cfg)
	require.NoError(t, err)
	changed := graphtest.OneAdd()
	changed.Nodes[2].Attrs = map[string]any{"broadcast": "none"}
	k, err := ForModel(changed, cfg)
	require.NoError(t, err)
	require.NotEqual(t, base, k, "attribute change must change the key")

	weighted := graphtest.OneAdd()
	weighted.Weights = []byte{1}
	k, err = ForModel(weighted, cfg)
	require.NoError(t, err)
	require.NotEqual(t, base, k, "weights must change the key")
}

func TestKeyDependsOnArchitectureAndOptions(t *testing.T) {
	m := graphtest.OneAdd()
	a, err := ForModel(m, Config{Architecture: "arch-a"})
	require.NoError(t, err)
	b, err := ForModel(m, Config{Architecture: "arch-b"})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	c, err := ForModel(m, Config{Architecture: "arch-a", Options: backend.Options{"PRECISION": "f16"}})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestCompileConfigFiltersOptions(t *testing.T) {
	pb := newPropBackend()
	cfg, err := CompileConfig(pb, "ACC", backend.Options{
		"PRECISION":                "f16",
		backend.OptDeviceID:        "1",
		backend.OptPerformanceHint: "LATENCY",
		"UNRELATED":                true,
	})
	require.NoError(t, err)
	require.Equal(t, "arch-a", cfg.Architecture)
	require.Equal(t, backend.Options{"PRECISION": "f16", "NUM_STREAMS": 1}, cfg.Options)
	require.Len(t, pb.queries, 1)
	require.Equal(t, "1", pb.queries[0][backend.OptDeviceID])
}

func TestCompileConfigDeviceIDNotInKey(t *testing.T) {
	pb := newPropBackend()
	m := graphtest.OneAdd()
	keyFor := func(id string) Key {
		cfg, err := CompileConfig(pb, "ACC", backend.Options{backend.OptDeviceID: id})
		require.NoError(t, err)
		k, err := ForModel(m, cfg)
		require.NoError(t, err)
		return k
	}
	// Units 0 and 1 share an architecture and therefore a key; unit 2 does not.
	require.Equal(t, keyFor("0"), keyFor("1"))
	require.NotEqual(t, keyFor("0"), keyFor("2"))
}

func TestCompileConfigFallsBackToFamily(t *testing.T) {
	pb := &propBackend{props: map[string]any{backend.PropSupportedProperties: []string{}}}
	cfg, err := CompileConfig(pb, "CPU", nil)
	require.NoError(t, err)
	require.Equal(t, "CPU", cfg.Architecture)
	require.Empty(t, cfg.Options)
}

func TestForFileTracksFingerprint(t *testing.T) {
	d := t.TempDir()
	p := filepath.Join(d, "m.yaml")
	require.NoError(t, os.WriteFile(p, []byte(graphtest.OneAddYAML), 0o644))
	cfg := Config{Architecture: "arch-a"}
	k1, err := ForFile(p, cfg)
	require.NoError(t, err)
	k2, err := ForFile(p, cfg)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(p, later, later))
	k3, err := ForFile(p, cfg)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)

	_, err = ForFile(filepath.Join(d, "missing.yaml"), cfg)
	require.Error(t, err)
}

func TestForText(t *testing.T) {
	cfg := Config{Architecture: "arch-a"}
	a, err := ForText([]byte(graphtest.OneAddYAML), []byte{1, 2}, cfg)
	require.NoError(t, err)
	b, err := ForText([]byte(graphtest.OneAddYAML), []byte{1, 2}, cfg)
	require.NoError(t, err)
	require.Equal(t, a, b)
	c, err := ForText([]byte(graphtest.OneAddYAML), []byte{1, 3}, cfg)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestParseKey(t *testing.T) {
	k, err := ForText([]byte("x"), nil, Config{})
	require.NoError(t, err)
	for _, s := range []string{k.String(), "sha256-" + k.Hex(), k.Hex()} {
		got, err := ParseKey(s)
		require.NoError(t, err, s)
		require.Equal(t, k, got)
	}
	for _, bad := range []string{"", "md5:abcd", "sha256:zz", k.Hex()[:10]} {
		_, err := ParseKey(bad)
		require.ErrorIs(t, err, ErrInvalidKey, bad)
	}
	require.False(t, k.IsZero())
	require.Len(t, k.Short(), 8)
}

func TestKeyIgnoresOptionValueType(t *testing.T) {
	m := graphtest.OneAdd()
	keyFor := func(v any) Key {
		k, err := ForModel(m, Config{Architecture: "arch-a", Options: backend.Options{"NUM_STREAMS": v}})
		require.NoError(t, err)
		return k
	}
	want := keyFor(2)
	for _, v := range []any{int64(2), float64(2), float32(2), uint8(2), "2"} {
		require.Equal(t, want, keyFor(v), "%T", v)
	}
	require.NotEqual(t, want, keyFor(2.5))
	require.NotEqual(t, want, keyFor(3))
	require.Equal(t, keyFor(1e8), keyFor(100000000))
}

func TestCompileConfigOptionTypesShareKey(t *testing.T) {
	m := graphtest.OneAdd()
	keyFor := func(opts backend.Options) Key {
		cfg, err := CompileConfig(newPropBackend(), "ACC", opts)
		require.NoError(t, err)
		k, err := ForModel(m, cfg)
		require.NoError(t, err)
		return k
	}
	// The backend's own NUM_STREAMS is int 1.
	implicit := keyFor(nil)
	require.Equal(t, implicit, keyFor(backend.Options{"NUM_STREAMS": float64(1)}))
	require.Equal(t, implicit, keyFor(backend.Options{"NUM_STREAMS": int64(1)}))
}
