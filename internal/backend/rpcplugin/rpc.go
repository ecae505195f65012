package rpcplugin

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"compiled/internal/backend"
	"compiled/internal/graph"
)

// CompileArgs carries a model across the process boundary. Weights are sent
// separately because the model encoding omits them.
type CompileArgs struct {
	Model   []byte
	Weights []byte
	Options []byte
}

type ImportArgs struct {
	Data    []byte
	Options []byte
}

// ArtifactReply describes an artifact held by the plugin. Data is the
// exported form; Handle is set instead when the backend cannot export.
type ArtifactReply struct {
	Name   string
	Data   []byte
	Handle uint64
}

type PropertyArgs struct {
	Name    string
	Options []byte
}

type Server struct {
	impl backend.Backend

	mu      sync.Mutex
	next    uint64
	handles map[uint64]backend.Artifact
}

func newServer(impl backend.Backend) *Server {
	return &Server{impl: impl, handles: make(map[uint64]backend.Artifact)}
}

func decodeOptions(b []byte) (backend.Options, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var o backend.Options
	if err := decMode.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	return o, nil
}

func encodeOptions(o backend.Options) ([]byte, error) {
	if len(o) == 0 {
		return nil, nil
	}
	return cbor.Marshal(o)
}

func (s *Server) reply(a backend.Artifact, resp *ArtifactReply) error {
	data, err := s.impl.Export(a)
	switch {
	case err == nil:
		*resp = ArtifactReply{Name: a.Name(), Data: data}
	case errors.Is(err, backend.ErrNotImplemented):
		s.mu.Lock()
		s.next++
		h := s.next
		s.handles[h] = a
		s.mu.Unlock()
		*resp = ArtifactReply{Name: a.Name(), Handle: h}
	default:
		return err
	}
	return nil
}

func (s *Server) SetName(name string, _ *struct{}) error {
	s.impl.SetName(name)
	return nil
}

func (s *Server) Compile(args CompileArgs, resp *ArtifactReply) error {
	var m graph.Model
	if err := decMode.Unmarshal(args.Model, &m); err != nil {
		return fmt.Errorf("decode model: %w", err)
	}
	m.Weights = args.Weights
	opts, err := decodeOptions(args.Options)
	if err != nil {
		return err
	}
	a, err := s.impl.Compile(context.Background(), &m, opts)
	if err != nil {
		return err
	}
	return s.reply(a, resp)
}

func (s *Server) Import(args ImportArgs, resp *ArtifactReply) error {
	opts, err := decodeOptions(args.Options)
	if err != nil {
		return err
	}
	a, err := s.impl.Import(context.Background(), args.Data, opts)
	if err != nil {
		return err
	}
	return s.reply(a, resp)
}

func (s *Server) Export(handle uint64, resp *[]byte) error {
	s.mu.Lock()
	a, ok := s.handles[handle]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown artifact handle %d", handle)
	}
	data, err := s.impl.Export(a)
	if err != nil {
		return err
	}
	*resp = data
	return nil
}

// Release forgets the artifact behind handle. Unknown handles are ignored.
func (s *Server) Release(handle uint64, _ *struct{}) error {
	s.mu.Lock()
	delete(s.handles, handle)
	s.mu.Unlock()
	return nil
}

// handleCount returns the number of artifacts held for the daemon.
func (s *Server) handleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Server) Property(args PropertyArgs, resp *[]byte) error {
	opts, err := decodeOptions(args.Options)
	if err != nil {
		return err
	}
	v, err := s.impl.Property(args.Name, opts)
	if err != nil {
		return err
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode property %s: %w", args.Name, err)
	}
	*resp = b
	return nil
}

func (s *Server) SetProperty(options []byte, _ *struct{}) error {
	opts, err := decodeOptions(options)
	if err != nil {
		return err
	}
	return s.impl.SetProperty(opts)
}

func (s *Server) AddExtension(location string, _ *struct{}) error {
	return s.impl.AddExtension(location)
}

// Client is the daemon-side backend.Backend backed by a plugin process.
// net/rpc calls cannot be cancelled; ctx is checked before each call only.
type Client struct {
	client *rpc.Client
}

// remoteArtifact is an artifact compiled in the plugin process. Artifacts
// the backend cannot export stay in the plugin behind a handle.
type remoteArtifact struct {
	name   string
	data   []byte
	handle uint64

	client  *Client
	release sync.Once
}

func (a *remoteArtifact) Name() string { return a.name }

// Release frees the plugin-side handle, if any.
func (a *remoteArtifact) Release() error {
	if a.handle == 0 {
		return nil
	}
	var err error
	a.release.Do(func() { err = a.client.call("Release", a.handle, &struct{}{}) })
	return err
}

func (c *Client) call(method string, args, reply any) error {
	return remoteErr(c.client.Call("Plugin."+method, args, reply))
}

func (c *Client) SetName(name string) {
	_ = c.call("SetName", name, &struct{}{})
}

func (c *Client) Compile(ctx context.Context, m *graph.Model, opts backend.Options) (backend.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mb, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode model: %w", err)
	}
	ob, err := encodeOptions(opts)
	if err != nil {
		return nil, err
	}
	var resp ArtifactReply
	if err := c.call("Compile", CompileArgs{Model: mb, Weights: m.Weights, Options: ob}, &resp); err != nil {
		return nil, err
	}
	return &remoteArtifact{name: resp.Name, data: resp.Data, handle: resp.Handle, client: c}, nil
}

func (c *Client) Import(ctx context.Context, data []byte, opts backend.Options) (backend.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ob, err := encodeOptions(opts)
	if err != nil {
		return nil, err
	}
	var resp ArtifactReply
	if err := c.call("Import", ImportArgs{Data: data, Options: ob}, &resp); err != nil {
		return nil, err
	}
	return &remoteArtifact{name: resp.Name, data: resp.Data, handle: resp.Handle, client: c}, nil
}

func (c *Client) Export(a backend.Artifact) ([]byte, error) {
	ra, ok := a.(*remoteArtifact)
	if !ok {
		return nil, fmt.Errorf("cannot export %T", a)
	}
	if ra.handle == 0 {
		return ra.data, nil
	}
	var data []byte
	if err := c.call("Export", ra.handle, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) Property(name string, opts backend.Options) (any, error) {
	ob, err := encodeOptions(opts)
	if err != nil {
		return nil, err
	}
	var raw []byte
	if err := c.call("Property", PropertyArgs{Name: name, Options: ob}, &raw); err != nil {
		return nil, err
	}
	var v any
	if err := decMode.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode property %s: %w", name, err)
	}
	if list, ok := v.([]any); ok {
		return stringsIfAll(list), nil
	}
	return v, nil
}

// stringsIfAll returns list as []string when every element is a string.
func stringsIfAll(list []any) any {
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return list
		}
		out = append(out, s)
	}
	return out
}

func (c *Client) SetProperty(opts backend.Options) error {
	ob, err := encodeOptions(opts)
	if err != nil {
		return err
	}
	return c.call("SetProperty", ob, &struct{}{})
}

func (c *Client) AddExtension(location string) error {
	return c.call("AddExtension", location, &struct{}{})
}
