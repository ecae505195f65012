// Package rpcplugin runs backends in separate executables and talks to them
// over net/rpc through hashicorp/go-plugin.
//
// A backend executable calls Serve with its implementation. The daemon opens
// it with Opener, which satisfies backend.ModuleOpener; closing the module
// terminates the process.
//
// Options, property values and models cross the process boundary as CBOR.
// Compiled artifacts are exported on the plugin side and travel as bytes;
// artifacts of backends that cannot export stay in the plugin process and
// are referenced by handle.
package rpcplugin

import (
	"errors"
	"fmt"
	"net/rpc"
	"os/exec"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"compiled/internal/backend"
)

// Handshake is shared by the daemon and every backend executable.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "COMPILED_BACKEND_PLUGIN",
	MagicCookieValue: "3f1c9b2e-compiled-backend",
}

// PluginName is the name the backend is dispensed under.
const PluginName = "backend"

const defaultStartTimeout = 30 * time.Second

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Plugin adapts a backend.Backend to go-plugin's net/rpc transport.
type Plugin struct {
	Impl backend.Backend
}

func (p *Plugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return newServer(p.Impl), nil
}

func (*Plugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &Client{client: c}, nil
}

// PluginMap returns the plugin set for impl. impl is nil on the daemon side.
func PluginMap(impl backend.Backend) map[string]plugin.Plugin {
	return map[string]plugin.Plugin{PluginName: &Plugin{Impl: impl}}
}

// Serve serves impl to the daemon that started this process. It blocks
// until the daemon disconnects.
func Serve(impl backend.Backend, logger hclog.Logger) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap(impl),
		Logger:          logger,
	})
}

// Opener starts backend executables.
type Opener struct {
	Logger       hclog.Logger
	StartTimeout time.Duration
}

func (o Opener) Open(path string) (backend.Module, error) {
	timeout := o.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	logger := o.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap(nil),
		Cmd:              exec.Command(path),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		StartTimeout:     timeout,
		Logger:           logger.Named(PluginName),
	})
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("start plugin: %w", err)
	}
	b, err := Dispense(rpcClient)
	if err != nil {
		client.Kill()
		return nil, err
	}
	return &module{client: client, b: b}, nil
}

// Dispense fetches the backend from a connected plugin client.
func Dispense(c plugin.ClientProtocol) (backend.Backend, error) {
	raw, err := c.Dispense(PluginName)
	if err != nil {
		return nil, fmt.Errorf("dispense: %w", err)
	}
	b, ok := raw.(backend.Backend)
	if !ok {
		return nil, fmt.Errorf("plugin returned %T, not a backend", raw)
	}
	return b, nil
}

type module struct {
	client *plugin.Client
	b      backend.Backend
}

func (m *module) Backend() backend.Backend { return m.b }

func (m *module) Close() error {
	m.client.Kill()
	return nil
}

// errNotImplemented travels as text over net/rpc; the client maps it back
// so errors.Is(err, backend.ErrNotImplemented) holds on both sides.
const errNotImplemented = "backend: not implemented"

type notImplementedError struct{ msg string }

func (e notImplementedError) Error() string        { return e.msg }
func (e notImplementedError) Is(target error) bool { return target == backend.ErrNotImplemented }

func remoteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if msg == errNotImplemented {
		return backend.ErrNotImplemented
	}
	if strings.HasSuffix(msg, errNotImplemented) {
		return notImplementedError{msg: msg}
	}
	var se rpc.ServerError
	if errors.As(err, &se) {
		return errors.New(msg)
	}
	return err
}
