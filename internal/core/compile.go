package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"compiled/internal/backend"
	"compiled/internal/cache"
	"compiled/internal/cachekey"
	"compiled/internal/common/fsutil"
	"compiled/internal/events"
	"compiled/internal/graph"
	"compiled/internal/loader"
	"compiled/internal/registry"
)

const (
	sourceModel = "model"
	sourceFile  = "file"
	sourceText  = "text"
)

// source is one of the three input forms of a compile request.
type source struct {
	kind    string
	model   *graph.Model
	path    string
	text    []byte
	weights []byte
}

func (s source) key(cfg cachekey.Config) (cachekey.Key, error) {
	switch s.kind {
	case sourceFile:
		return cachekey.ForFile(s.path, cfg)
	case sourceText:
		return cachekey.ForText(s.text, s.weights, cfg)
	default:
		return cachekey.ForModel(s.model, cfg)
	}
}

// fingerprint is stored in entry headers of path-addressed models.
func (s source) fingerprint() string {
	if s.kind != sourceFile {
		return ""
	}
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return ""
	}
	return cachekey.FileFingerprint(abs)
}

func (s source) load() (*graph.Model, error) {
	switch s.kind {
	case sourceFile:
		return graph.ReadFile(s.path)
	case sourceText:
		return graph.Parse(s.text, s.weights)
	}
	if s.model == nil {
		return nil, errors.New("nil model")
	}
	return s.model, nil
}

// request carries the per-call state of one compile.
type request struct {
	id     string
	device string
	key    cachekey.Key
	states []State
	log    zerolog.Logger
}

func (r *request) enter(s State) { r.states = append(r.states, s) }

func (r *request) event(name string, fields map[string]any) events.Event {
	if fields == nil {
		fields = make(map[string]any, 1)
	}
	fields["request_id"] = r.id
	e := events.Event{Name: name, Device: r.device, Fields: fields}
	if !r.key.IsZero() {
		e.Key = r.key.String()
	}
	return e
}

// Compile compiles an in-memory model for device.
func (c *Core) Compile(ctx context.Context, m *graph.Model, device string, opts backend.Options) (*CompiledModel, error) {
	return c.compile(ctx, source{kind: sourceModel, model: m}, device, opts)
}

// CompileFile compiles the model file at path. Its sibling weights file, if
// any, is part of the model.
func (c *Core) CompileFile(ctx context.Context, path, device string, opts backend.Options) (*CompiledModel, error) {
	return c.compile(ctx, source{kind: sourceFile, path: path}, device, opts)
}

// CompileText compiles serialized model text with a raw weights buffer.
func (c *Core) CompileText(ctx context.Context, text, weights []byte, device string, opts backend.Options) (*CompiledModel, error) {
	return c.compile(ctx, source{kind: sourceText, text: text, weights: weights}, device, opts)
}

func (c *Core) compile(ctx context.Context, src source, device string, opts backend.Options) (*CompiledModel, error) {
	start := time.Now()
	c.stats.compiles.Add(1)
	req := &request{id: uuid.NewString(), states: []State{StateStart}}

	res, err := c.reg.Canonicalize(device)
	if err != nil {
		return nil, &loader.DeviceNotRegisteredError{Name: device}
	}
	target, o := device, res.Options.Merge(opts)
	if c.rewrite != nil {
		target, o = c.rewrite(target, o)
	}
	inst, err := c.acquire(target)
	if err != nil {
		return nil, err
	}
	req.device = inst.Desc.Name
	req.log = c.log.With().Str("request_id", req.id).Str("device", req.device).Logger()

	cm, err := c.run(ctx, req, inst, src, o)
	if err != nil {
		_ = inst.Release()
		req.enter(StateFailed)
		req.log.Warn().Err(err).Strs("states", stateNames(req.states)).Msg("compile failed")
		c.publish(req.event(events.CompileFailed, map[string]any{"error": err.Error()}))
		return nil, err
	}
	req.enter(StateDone)
	cm.Device = req.device
	cm.Key = req.key
	cm.RequestID = req.id
	cm.States = req.states
	cm.Duration = time.Since(start)
	cm.owner = inst

	from := "compile"
	if cm.LoadedFromCache {
		from = "cache"
	}
	compileDuration.WithLabelValues(req.device, from).Observe(cm.Duration.Seconds())
	req.log.Debug().Str("model", cm.Name()).Bool("from_cache", cm.LoadedFromCache).Dur("dur", cm.Duration).Msg("compile done")
	c.publish(req.event(events.CompileDone, map[string]any{
		"model":             cm.Name(),
		"loaded_from_cache": cm.LoadedFromCache,
		"dur":               cm.Duration,
	}))
	return cm, nil
}

// acquire returns the live backend for device with a reference held for the
// caller. An instance closed by a concurrent unload is replaced.
func (c *Core) acquire(device string) (*registry.Loaded, error) {
	for {
		inst, err := c.loader.Get(device)
		if err != nil {
			return nil, err
		}
		if inst.TryRetain() {
			return inst, nil
		}
	}
}

// run decides whether the cache applies and dispatches to the cached or the
// uncached path.
func (c *Core) run(ctx context.Context, req *request, inst *registry.Loaded, src source, o backend.Options) (*CompiledModel, error) {
	b := inst.Backend
	dir := c.deviceCacheDir(req.device)
	callDir, hasCallDir := o.String(backend.OptCacheDir)
	if hasCallDir {
		dir = callDir
	}
	disabled := o.Bool(backend.OptCacheDisable)
	o = o.Clone()
	delete(o, backend.OptCacheDir)
	delete(o, backend.OptCacheDisable)

	var skip string
	switch {
	case disabled:
		skip = "disabled"
	case dir == "":
		skip = "no cache dir"
	case !backend.SupportsImportExport(b):
		skip = "no import/export"
	}
	if skip == "" {
		cfg, err := cachekey.CompileConfig(b, req.device, o)
		if err == nil {
			req.key, err = src.key(cfg)
		}
		if err != nil {
			req.log.Warn().Err(err).Msg("cache key unavailable, compiling without cache")
			skip = "no key"
		}
	}
	if skip != "" {
		c.stats.skipped.Add(1)
		req.enter(StateCacheSkipped)
		req.log.Debug().Str("reason", skip).Msg("cache skipped")
		a, err := c.fresh(ctx, req, b, src, o)
		if err != nil {
			return nil, err
		}
		return &CompiledModel{Artifact: a}, nil
	}

	store, err := c.openStore(dir)
	if err != nil {
		// Configured directories are opened when set; only a per-call
		// directory can fail here.
		req.log.Warn().Err(err).Str("dir", dir).Msg("cache unavailable, compiling without cache")
		c.stats.skipped.Add(1)
		req.key = cachekey.Key{}
		req.enter(StateCacheSkipped)
		a, err := c.fresh(ctx, req, b, src, o)
		if err != nil {
			return nil, err
		}
		return &CompiledModel{Artifact: a}, nil
	}
	return c.cached(ctx, req, b, store, src, o)
}

func (c *Core) openStore(dir string) (cache.Manager, error) {
	abs, err := fsutil.ResolveDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	return c.cacheFor(abs)
}

// cached runs lookup, fresh compile and write for req.key while holding the
// key's guard. Read-path problems fall through to a fresh compile.
func (c *Core) cached(ctx context.Context, req *request, b backend.Backend, store cache.Manager, src source, o backend.Options) (*CompiledModel, error) {
	want := cache.Header{BuildVersion: buildVersion(b), SourceFingerprint: src.fingerprint()}

	guardWaiters.Inc()
	lock := c.guard.Acquire(req.key)
	guardWaiters.Dec()
	defer lock.Release()

	req.enter(StateCacheLookup)
	r := cache.Lookup(store, req.key, want)
	if r.Status == cache.Hit {
		a, err := b.Import(ctx, r.Payload, o)
		if err == nil {
			c.stats.hits.Add(1)
			cacheLookups.WithLabelValues("hit").Inc()
			req.enter(StateCacheHit)
			c.publish(req.event(events.CacheHit, nil))
			return &CompiledModel{Artifact: a, LoadedFromCache: true}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r = cache.Result{Status: cache.Stale, Reason: cache.ReasonImport, Err: err}
	}
	if r.Status == cache.Stale {
		c.discard(req, store, r)
	}
	c.stats.misses.Add(1)
	cacheLookups.WithLabelValues("miss").Inc()
	req.enter(StateCacheMiss)
	c.publish(req.event(events.CacheMiss, nil))

	a, err := c.fresh(ctx, req, b, src, o)
	if err != nil {
		return nil, err
	}
	if err := c.write(req, store, want, b, a); err != nil {
		if !c.tolerateWriteFailure {
			_ = backend.ReleaseArtifact(a)
			return nil, &CacheWriteError{Device: req.device, Key: req.key.String(), Err: err}
		}
		req.log.Warn().Err(err).Str("key", req.key.Short()).Msg("cache write failed, returning uncached artifact")
	}
	return &CompiledModel{Artifact: a}, nil
}

// discard deletes a stale entry and reports why it was stale.
func (c *Core) discard(req *request, store cache.Manager, r cache.Result) {
	c.stats.stale.Add(1)
	cacheStale.WithLabelValues(r.Reason).Inc()
	if err := store.Delete(req.key); err != nil {
		req.log.Warn().Err(err).Str("key", req.key.Short()).Msg("delete stale cache entry")
	}
	req.log.Warn().Err(r.Err).Str("key", req.key.Short()).Str("reason", r.Reason).Msg("stale cache entry discarded")
	fields := map[string]any{"reason": r.Reason}
	if r.Err != nil {
		fields["error"] = r.Err.Error()
	}
	c.publish(req.event(events.CacheStale, fields))
}

func (c *Core) fresh(ctx context.Context, req *request, b backend.Backend, src source, o backend.Options) (backend.Artifact, error) {
	req.enter(StateFreshCompile)
	m, err := src.load()
	if err != nil {
		return nil, &CompileError{Device: req.device, Stage: StageParse, Err: err}
	}
	a, err := b.Compile(ctx, m, o)
	if err != nil {
		backendCompiles.WithLabelValues(req.device, "error").Inc()
		return nil, &CompileError{Device: req.device, Stage: StageCompile, Err: err}
	}
	backendCompiles.WithLabelValues(req.device, "ok").Inc()
	return a, nil
}

// write exports a and stores it. cache.Write removes the entry on failure.
func (c *Core) write(req *request, store cache.Manager, h cache.Header, b backend.Backend, a backend.Artifact) error {
	req.enter(StateCacheWrite)
	payload, err := b.Export(a)
	if err != nil {
		err = fmt.Errorf("export: %w", err)
	} else {
		err = cache.Write(store, req.key, h, payload)
	}
	if err != nil {
		c.stats.writeFailures.Add(1)
		cacheWrites.WithLabelValues("error").Inc()
		c.publish(req.event(events.CacheWriteFailed, map[string]any{"error": err.Error()}))
		return err
	}
	cacheWrites.WithLabelValues("ok").Inc()
	return nil
}

// Import reconstructs a previously exported artifact on device.
func (c *Core) Import(ctx context.Context, data []byte, device string, opts backend.Options) (*CompiledModel, error) {
	res, err := c.reg.Canonicalize(device)
	if err != nil {
		return nil, &loader.DeviceNotRegisteredError{Name: device}
	}
	inst, err := c.acquire(device)
	if err != nil {
		return nil, err
	}
	o := res.Options.Merge(opts)
	delete(o, backend.OptCacheDir)
	delete(o, backend.OptCacheDisable)
	a, err := inst.Backend.Import(ctx, data, o)
	if err != nil {
		_ = inst.Release()
		return nil, fmt.Errorf("import on %s: %w", inst.Desc.Name, err)
	}
	return &CompiledModel{
		Artifact:  a,
		Device:    inst.Desc.Name,
		RequestID: uuid.NewString(),
		States:    []State{StateStart, StateDone},
		owner:     inst,
	}, nil
}

func buildVersion(b backend.Backend) string {
	if !backend.Supports(b, backend.PropBuildVersion) {
		return ""
	}
	v, err := b.Property(backend.PropBuildVersion, nil)
	if err != nil {
		return ""
	}
	return backend.AsString(v)
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
