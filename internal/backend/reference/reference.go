// Package reference implements a deterministic backend with no hardware
// behind it. Its artifacts summarize the compiled graph, which is enough to
// exercise the registry, the loader and the compilation cache end to end.
package reference

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/mitchellh/mapstructure"

	"compiled/internal/backend"
	"compiled/internal/cachekey"
	"compiled/internal/graph"
)

// Option names understood by SetProperty besides the well-known ones.
const (
	OptPrecision    = "PRECISION"
	OptOptLevel     = "OPT_LEVEL"
	OptNumStreams   = "NUM_STREAMS"
	OptCompileDelay = "COMPILE_DELAY_MS"
)

// BuildVersion is reported as BUILD_VERSION and stamped into exports.
const BuildVersion = "ref-1.0"

const exportMagic = "REFART1"

// Settings is the decoded option state of one backend instance.
type Settings struct {
	Precision    string `mapstructure:"PRECISION"`
	OptLevel     int    `mapstructure:"OPT_LEVEL"`
	NumStreams   int    `mapstructure:"NUM_STREAMS"`
	CompileDelay int    `mapstructure:"COMPILE_DELAY_MS"`
	CacheDir     string `mapstructure:"CACHE_DIR"`
	PerfHint     string `mapstructure:"PERFORMANCE_HINT"`
}

// Config fixes the identity of a reference backend.
type Config struct {
	// Family is the device family name, e.g. "REF".
	Family string
	// Architecture is reported for DEVICE_ARCHITECTURE; per-unit overrides
	// are keyed by DEVICE_ID.
	Architecture  string
	Architectures map[string]string
	// NoImportExport disables export/import support.
	NoImportExport bool
	BuildVersion   string
}

// Artifact is the compiled form of a model.
type Artifact struct {
	Model     string         `cbor:"model" json:"model"`
	Arch      string         `cbor:"arch" json:"arch"`
	Digest    string         `cbor:"digest" json:"digest"`
	Ops       map[string]int `cbor:"ops" json:"ops"`
	Precision string         `cbor:"precision" json:"precision"`
	OptLevel  int            `cbor:"opt_level" json:"opt_level"`
}

func (a *Artifact) Name() string { return a.Model }

type export struct {
	_        struct{} `cbor:",toarray"`
	Magic    string
	Version  string
	Artifact *Artifact
}

// Backend is the reference device backend.
type Backend struct {
	cfg Config

	mu         sync.Mutex
	name       string
	settings   Settings
	perDevice  map[string]Settings
	extensions []string
}

// New returns a reference backend.
func New(cfg Config) *Backend {
	if cfg.Family == "" {
		cfg.Family = "REF"
	}
	if cfg.Architecture == "" {
		cfg.Architecture = "ref-v1"
	}
	if cfg.BuildVersion == "" {
		cfg.BuildVersion = BuildVersion
	}
	return &Backend{
		cfg:       cfg,
		name:      cfg.Family,
		settings:  Settings{Precision: "f32", OptLevel: 1, NumStreams: 1},
		perDevice: make(map[string]Settings),
	}
}

// Factory returns an InProcessStatic factory producing fresh backends.
func Factory(cfg Config) backend.Factory {
	return backend.Static(func() (backend.Backend, error) { return New(cfg), nil })
}

func (b *Backend) SetName(name string) {
	b.mu.Lock()
	b.name = name
	b.mu.Unlock()
}

// effective returns the settings for a request: instance settings, then the
// sub-device overrides for DEVICE_ID, then per-call options.
func (b *Backend) effective(opts backend.Options) (Settings, string, error) {
	b.mu.Lock()
	s := b.settings
	id, _ := opts.String(backend.OptDeviceID)
	if id != "" {
		if ds, ok := b.perDevice[id]; ok {
			s = ds
		}
	}
	b.mu.Unlock()
	if err := decode(opts, &s); err != nil {
		return Settings{}, "", err
	}
	return s, id, nil
}

func (b *Backend) Compile(ctx context.Context, m *graph.Model, opts backend.Options) (backend.Artifact, error) {
	if m == nil {
		return nil, errors.New("nil model")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	s, id, err := b.effective(opts)
	if err != nil {
		return nil, err
	}
	if s.CompileDelay > 0 {
		t := time.NewTimer(time.Duration(s.CompileDelay) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	enc, err := cachekey.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	h := sha256.New()
	h.Write(enc)
	h.Write(m.Weights)
	ops := map[string]int{}
	for _, n := range m.Nodes {
		ops[n.Op]++
	}
	return &Artifact{
		Model:     m.Name,
		Arch:      b.arch(id),
		Digest:    hex.EncodeToString(h.Sum(nil)),
		Ops:       ops,
		Precision: s.Precision,
		OptLevel:  s.OptLevel,
	}, nil
}

func (b *Backend) Import(ctx context.Context, data []byte, opts backend.Options) (backend.Artifact, error) {
	if b.cfg.NoImportExport {
		return nil, backend.ErrNotImplemented
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var e export
	if err := cbor.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if e.Magic != exportMagic || e.Artifact == nil {
		return nil, errors.New("not a reference artifact")
	}
	if e.Version != b.cfg.BuildVersion {
		return nil, fmt.Errorf("artifact built by %s, backend is %s", e.Version, b.cfg.BuildVersion)
	}
	id, _ := opts.String(backend.OptDeviceID)
	if want := b.arch(id); e.Artifact.Arch != want {
		return nil, fmt.Errorf("artifact compiled for %s, device is %s", e.Artifact.Arch, want)
	}
	return e.Artifact, nil
}

func (b *Backend) Export(a backend.Artifact) ([]byte, error) {
	if b.cfg.NoImportExport {
		return nil, backend.ErrNotImplemented
	}
	art, ok := a.(*Artifact)
	if !ok {
		return nil, fmt.Errorf("cannot export %T", a)
	}
	var buf bytes.Buffer
	if err := cbor.NewEncoder(&buf).Encode(export{Magic: exportMagic, Version: b.cfg.BuildVersion, Artifact: art}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (b *Backend) arch(id string) string {
	if a, ok := b.cfg.Architectures[id]; ok && id != "" {
		return a
	}
	return b.cfg.Architecture
}

func (b *Backend) Property(name string, opts backend.Options) (any, error) {
	switch name {
	case backend.PropSupportedProperties:
		props := []string{
			backend.PropSupportedProperties, backend.PropDeviceArchitecture,
			backend.PropCachingProperties, backend.PropCapabilities,
			backend.PropBuildVersion, backend.PropFullDeviceName,
			backend.OptCacheDir, backend.OptDeviceID,
			OptPrecision, OptOptLevel, OptNumStreams,
		}
		if !b.cfg.NoImportExport {
			props = append(props, backend.PropImportExport)
		}
		return props, nil
	case backend.PropDeviceArchitecture:
		id, _ := opts.String(backend.OptDeviceID)
		return b.arch(id), nil
	case backend.PropCachingProperties:
		return []string{OptPrecision, OptOptLevel}, nil
	case backend.PropImportExport:
		return !b.cfg.NoImportExport, nil
	case backend.PropCapabilities:
		caps := []string{"FP32", "FP16"}
		if !b.cfg.NoImportExport {
			caps = append(caps, backend.CapabilityExportImport)
		}
		return caps, nil
	case backend.PropBuildVersion:
		return b.cfg.BuildVersion, nil
	case backend.PropFullDeviceName:
		b.mu.Lock()
		defer b.mu.Unlock()
		return fmt.Sprintf("Reference %s (%s)", b.name, b.cfg.Architecture), nil
	case backend.PropAvailableDevices:
		if len(b.cfg.Architectures) == 0 {
			return []string{"0"}, nil
		}
		ids := make([]string, 0, len(b.cfg.Architectures))
		for id := range b.cfg.Architectures {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids, nil
	case backend.PropExtensions:
		b.mu.Lock()
		defer b.mu.Unlock()
		return slices.Clone(b.extensions), nil
	}

	s, _, err := b.effective(opts)
	if err != nil {
		return nil, err
	}
	switch name {
	case OptPrecision:
		return s.Precision, nil
	case OptOptLevel:
		return s.OptLevel, nil
	case OptNumStreams:
		return s.NumStreams, nil
	case OptCompileDelay:
		return s.CompileDelay, nil
	case backend.OptCacheDir:
		return s.CacheDir, nil
	case backend.OptPerformanceHint:
		return s.PerfHint, nil
	}
	return nil, fmt.Errorf("unsupported property %q: %w", name, backend.ErrNotImplemented)
}

// SetProperty applies options. With DEVICE_ID set, the options apply to that
// unit only.
func (b *Backend) SetProperty(opts backend.Options) error {
	o := opts.Clone()
	id, _ := o.String(backend.OptDeviceID)
	delete(o, backend.OptDeviceID)

	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.settings
	if id != "" {
		if ds, ok := b.perDevice[id]; ok {
			s = ds
		}
	}
	if err := decode(o, &s); err != nil {
		return err
	}
	if id != "" {
		b.perDevice[id] = s
	} else {
		b.settings = s
	}
	return nil
}

func (b *Backend) AddExtension(location string) error {
	if location == "" {
		return errors.New("empty extension location")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !slices.Contains(b.extensions, location) {
		b.extensions = append(b.extensions, location)
	}
	return nil
}

// decode applies opts onto s. String values are converted to the field
// types; keys without a matching field are ignored.
func decode(opts backend.Options, s *Settings) error {
	if len(opts) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           s,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(map[string]any(opts)); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}
