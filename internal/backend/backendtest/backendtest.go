// Package backendtest provides a scriptable in-process backend for tests.
package backendtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"compiled/internal/backend"
	"compiled/internal/graph"
)

// Artifact is what Fake compiles to.
type Artifact struct {
	Model  string `cbor:"model"`
	Nodes  int    `cbor:"nodes"`
	Device string `cbor:"device"`

	owner *Fake
}

func (a *Artifact) Name() string { return a.Model }

// Release counts the release on the Fake that produced a.
func (a *Artifact) Release() error {
	if a.owner != nil {
		a.owner.releases.Add(1)
	}
	return nil
}

// Fake counts calls and fails on demand. Exported fields must be set before
// the backend is shared.
type Fake struct {
	Arch         string
	BuildVersion string
	ImportExport bool
	// CompileDelay is slept inside Compile, making overlapping calls observable.
	CompileDelay time.Duration
	CompileErr   error
	ImportErr    error
	ExportErr    error
	// ExtensionErr is returned by AddExtension; nil accepts every extension.
	ExtensionErr error
	// SetPropertyErr is returned by SetProperty; nil accepts every option.
	SetPropertyErr error
	// DeviceIDs is reported as AVAILABLE_DEVICES; empty means the property
	// is not supported.
	DeviceIDs []string

	compiles atomic.Int32
	imports  atomic.Int32
	releases atomic.Int32
	inflight atomic.Int32
	maxIn    atomic.Int32

	mu         sync.Mutex
	name       string
	props      backend.Options
	extensions []string
}

// New returns a Fake that supports import/export on architecture arch.
func New(arch string) *Fake {
	return &Fake{Arch: arch, BuildVersion: "1.0", ImportExport: true, DeviceIDs: []string{"0"}}
}

// Factory returns a static factory that always yields f.
func (f *Fake) Factory() backend.Factory {
	return backend.Static(func() (backend.Backend, error) { return f, nil })
}

func (f *Fake) SetName(name string) {
	f.mu.Lock()
	f.name = name
	f.mu.Unlock()
}

func (f *Fake) Compile(ctx context.Context, m *graph.Model, opts backend.Options) (backend.Artifact, error) {
	f.compiles.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxIn.Load()
		if n <= cur || f.maxIn.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.CompileDelay > 0 {
		select {
		case <-time.After(f.CompileDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.CompileErr != nil {
		return nil, f.CompileErr
	}
	return &Artifact{Model: m.Name, Nodes: len(m.Nodes), Device: f.Name(), owner: f}, nil
}

func (f *Fake) Import(_ context.Context, data []byte, _ backend.Options) (backend.Artifact, error) {
	f.imports.Add(1)
	if f.ImportErr != nil {
		return nil, f.ImportErr
	}
	a := Artifact{owner: f}
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (f *Fake) Export(a backend.Artifact) ([]byte, error) {
	if f.ExportErr != nil {
		return nil, f.ExportErr
	}
	art, ok := a.(*Artifact)
	if !ok {
		return nil, errors.New("foreign artifact")
	}
	return cbor.Marshal(art)
}

func (f *Fake) Property(name string, _ backend.Options) (any, error) {
	switch name {
	case backend.PropSupportedProperties:
		return []string{
			backend.PropDeviceArchitecture, backend.PropCachingProperties,
			backend.PropImportExport, backend.PropBuildVersion, backend.OptCacheDir,
			backend.PropAvailableDevices,
		}, nil
	case backend.PropDeviceArchitecture:
		return f.Arch, nil
	case backend.PropCachingProperties:
		return []string{"PRECISION"}, nil
	case backend.PropImportExport:
		return f.ImportExport, nil
	case backend.PropBuildVersion:
		return f.BuildVersion, nil
	case backend.PropAvailableDevices:
		if len(f.DeviceIDs) == 0 {
			return nil, backend.ErrNotImplemented
		}
		return append([]string(nil), f.DeviceIDs...), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.props[name]; ok {
		return v, nil
	}
	if name == "PRECISION" {
		return "f32", nil
	}
	return nil, backend.ErrNotImplemented
}

func (f *Fake) SetProperty(opts backend.Options) error {
	if f.SetPropertyErr != nil {
		return f.SetPropertyErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.props == nil {
		f.props = backend.Options{}
	}
	f.props.Merge(opts)
	return nil
}

func (f *Fake) AddExtension(location string) error {
	if f.ExtensionErr != nil {
		return f.ExtensionErr
	}
	f.mu.Lock()
	f.extensions = append(f.extensions, location)
	f.mu.Unlock()
	return nil
}

// Name returns the name bound by SetName.
func (f *Fake) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

// Props returns a copy of everything passed to SetProperty.
func (f *Fake) Props() backend.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.props.Clone()
}

// Extensions returns the extensions added so far.
func (f *Fake) Extensions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.extensions...)
}

// Compiles returns the number of Compile calls.
func (f *Fake) Compiles() int { return int(f.compiles.Load()) }

// Releases returns the number of artifact releases.
func (f *Fake) Releases() int { return int(f.releases.Load()) }

// Imports returns the number of Import calls.
func (f *Fake) Imports() int { return int(f.imports.Load()) }

// MaxConcurrentCompiles returns the highest number of overlapping Compile calls.
func (f *Fake) MaxConcurrentCompiles() int { return int(f.maxIn.Load()) }
