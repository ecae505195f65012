// Package backend defines the contract every device backend implements and
// the factory variants used to instantiate one.
//
// A backend is either linked into the process (InProcessStatic, a plain
// constructor function) or resolved at runtime from a module path
// (DynamicModule, opened by the loader through a ModuleOpener). Both variants
// expose the identical Backend interface.
package backend

import (
	"context"
	"errors"

	"compiled/internal/graph"
)

// ErrNotImplemented is returned by optional backend operations the backend
// does not support. Callers that treat an operation as optional ignore it.
var ErrNotImplemented = errors.New("backend: not implemented")

// Artifact is a backend-specific compiled model. Its content is opaque to the
// core; only the owning backend can export it.
type Artifact interface {
	// Name returns the name of the compiled model.
	Name() string
}

// ReleasableArtifact is an artifact that holds resources in its backend, such
// as a handle into a plugin process. It must not be used after Release.
type ReleasableArtifact interface {
	Artifact
	Release() error
}

// ReleaseArtifact releases a if it holds backend resources.
func ReleaseArtifact(a Artifact) error {
	if r, ok := a.(ReleasableArtifact); ok {
		return r.Release()
	}
	return nil
}

// Backend is the API a device plugin implements.
type Backend interface {
	// SetName binds the backend instance to its canonical device name.
	SetName(name string)

	// Compile compiles the model with the given options.
	Compile(ctx context.Context, m *graph.Model, opts Options) (Artifact, error)

	// Import reconstructs an artifact from bytes previously produced by Export.
	Import(ctx context.Context, data []byte, opts Options) (Artifact, error)

	// Export serializes an artifact compiled or imported by this backend.
	Export(a Artifact) ([]byte, error)

	// Property returns the value of a named property. opts may carry
	// arguments such as DEVICE_ID.
	Property(name string, opts Options) (any, error)

	// SetProperty applies configuration. Unknown keys may be rejected with
	// ErrNotImplemented.
	SetProperty(opts Options) error

	// AddExtension loads an extension module into the backend.
	AddExtension(location string) error
}

// FactoryKind tags the Factory variant.
type FactoryKind int

const (
	// InProcessStatic backends are created by a constructor linked into the binary.
	InProcessStatic FactoryKind = iota + 1
	// DynamicModule backends live in a module resolved at runtime from a path.
	DynamicModule
)

func (k FactoryKind) String() string {
	switch k {
	case InProcessStatic:
		return "static"
	case DynamicModule:
		return "dynamic"
	default:
		return "unknown"
	}
}

// Factory produces a backend. Exactly one of Create (InProcessStatic) or
// Path (DynamicModule) is meaningful, selected by Kind.
type Factory struct {
	Kind   FactoryKind
	Create func() (Backend, error)
	Path   string
}

// Static returns an InProcessStatic factory.
func Static(create func() (Backend, error)) Factory {
	return Factory{Kind: InProcessStatic, Create: create}
}

// Dynamic returns a DynamicModule factory for the module at path.
func Dynamic(path string) Factory {
	return Factory{Kind: DynamicModule, Path: path}
}

// Module is a runtime-resolved backend module. Close releases the native
// handle (for example, terminating a plugin process).
type Module interface {
	Backend() Backend
	Close() error
}

// ModuleOpener resolves DynamicModule factories.
type ModuleOpener interface {
	Open(path string) (Module, error)
}
