package rpcplugin

import (
	"context"
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/require"

	"compiled/internal/backend"
	"compiled/internal/backend/backendtest"
	"compiled/internal/backend/reference"
	"compiled/internal/graph/graphtest"
)

func dispense(t *testing.T, impl backend.Backend) backend.Backend {
	t.Helper()
	client, _ := plugin.TestPluginRPCConn(t, PluginMap(impl), nil)
	t.Cleanup(func() { client.Close() })
	b, err := Dispense(client)
	require.NoError(t, err)
	return b
}

func TestCompileExportImportOverRPC(t *testing.T) {
	local := reference.New(reference.Config{Architecture: "ref-v3"})
	b := dispense(t, local)
	b.SetName("REF")

	m := graphtest.OneAdd()
	m.Weights = []byte{1, 2, 3}
	a, err := b.Compile(context.Background(), m, backend.Options{reference.OptPrecision: "f16"})
	require.NoError(t, err)
	require.Equal(t, "one_add", a.Name())

	data, err := b.Export(a)
	require.NoError(t, err)
	want, err := local.Compile(context.Background(), m, backend.Options{reference.OptPrecision: "f16"})
	require.NoError(t, err)
	wantData, err := local.Export(want)
	require.NoError(t, err)
	require.Equal(t, wantData, data, "weights must reach the plugin")

	back, err := b.Import(context.Background(), data, nil)
	require.NoError(t, err)
	require.Equal(t, "one_add", back.Name())
}

func TestPropertiesOverRPC(t *testing.T) {
	b := dispense(t, reference.New(reference.Config{Architecture: "ref-v3"}))
	require.True(t, backend.Supports(b, backend.PropDeviceArchitecture))
	require.True(t, backend.SupportsImportExport(b))

	arch, err := b.Property(backend.PropDeviceArchitecture, backend.Options{backend.OptDeviceID: "0"})
	require.NoError(t, err)
	require.Equal(t, "ref-v3", arch)

	require.NoError(t, b.SetProperty(backend.Options{reference.OptNumStreams: 3}))
	n, err := b.Property(reference.OptNumStreams, nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	_, err = b.Property("NOPE", nil)
	require.True(t, errors.Is(err, backend.ErrNotImplemented), "got %v", err)

	require.NoError(t, b.AddExtension("ext.so"))
	exts, err := b.Property("EXTENSIONS", nil)
	require.NoError(t, err)
	require.Equal(t, []string{"ext.so"}, exts)
}

func TestArtifactHandleWhenExportUnsupported(t *testing.T) {
	fake := backendtest.New("arch")
	fake.ExportErr = backend.ErrNotImplemented
	b := dispense(t, fake)

	a, err := b.Compile(context.Background(), graphtest.OneAdd(), nil)
	require.NoError(t, err)
	require.Equal(t, "one_add", a.Name())
	_, err = b.Export(a)
	require.ErrorIs(t, err, backend.ErrNotImplemented)
	require.Equal(t, 1, fake.Compiles())
}

func TestReleasedHandlesAreForgotten(t *testing.T) {
	fake := backendtest.New("arch")
	fake.ExportErr = backend.ErrNotImplemented
	srv := newServer(fake)

	mb, err := cbor.Marshal(graphtest.OneAdd())
	require.NoError(t, err)
	var first, second ArtifactReply
	require.NoError(t, srv.Compile(CompileArgs{Model: mb}, &first))
	require.NoError(t, srv.Compile(CompileArgs{Model: mb}, &second))
	require.NotZero(t, first.Handle)
	require.Equal(t, 2, srv.handleCount())

	require.NoError(t, srv.Release(first.Handle, &struct{}{}))
	require.Equal(t, 1, srv.handleCount())
	var data []byte
	require.ErrorContains(t, srv.Export(first.Handle, &data), "unknown artifact handle")
	require.NoError(t, srv.Release(first.Handle, &struct{}{}), "releasing twice is harmless")
}

func TestReleaseArtifactOverRPC(t *testing.T) {
	fake := backendtest.New("arch")
	fake.ExportErr = backend.ErrNotImplemented
	b := dispense(t, fake)

	a, err := b.Compile(context.Background(), graphtest.OneAdd(), nil)
	require.NoError(t, err)
	require.Implements(t, (*backend.ReleasableArtifact)(nil), a)
	require.NoError(t, backend.ReleaseArtifact(a))
	require.NoError(t, backend.ReleaseArtifact(a))

	// The handle is gone on the plugin side.
	_, err = b.Export(a)
	require.ErrorContains(t, err, "unknown artifact handle")
}

func TestCompileErrorCrossesBoundary(t *testing.T) {
	fake := backendtest.New("arch")
	fake.CompileErr = errors.New("unsupported op Foo")
	b := dispense(t, fake)
	_, err := b.Compile(context.Background(), graphtest.OneAdd(), nil)
	require.ErrorContains(t, err, "unsupported op Foo")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Compile(ctx, graphtest.OneAdd(), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpenMissingExecutable(t *testing.T) {
	_, err := Opener{}.Open("/nonexistent/compiled-backend-x")
	require.Error(t, err)
}
