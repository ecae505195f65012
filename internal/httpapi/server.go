package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"compiled/internal/backend"
	"compiled/internal/cachekey"
	"compiled/internal/core"
	"compiled/pkg/types"
)

// Service is the subset of the compile core exposed over HTTP.
type Service interface {
	Devices() []types.Device
	Status() types.StatusResponse
	Ready() bool
	RegisterPlugin(location, device string) error
	UnloadPlugin(device string) error
	GetProperty(device, name string, opts backend.Options) (any, error)
	SetProperty(device string, opts backend.Options) error
	CompileFile(ctx context.Context, path, device string, opts backend.Options) (*core.CompiledModel, error)
	CompileText(ctx context.Context, text, weights []byte, device string, opts backend.Options) (*core.CompiledModel, error)
	Import(ctx context.Context, data []byte, device string, opts backend.Options) (*core.CompiledModel, error)
}

// NewMux builds the HTTP router for svc.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsOptions.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: orDefault(corsOptions.Origins, []string{"*"}),
			AllowedMethods: orDefault(corsOptions.Methods, []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: orDefault(corsOptions.Headers, []string{"Content-Type", "X-Log-Level", "X-Request-Id"}),
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	a := &api{svc: svc}
	r.Get("/status", a.status)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !svc.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("no devices registered"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/devices", func(r chi.Router) {
		r.Get("/", a.listDevices)
		r.Post("/", a.registerDevice)
		r.Delete("/{name}/instance", a.unloadDevice)
		r.Get("/{name}/properties/{property}", a.getProperty)
		r.Put("/{name}/properties", a.setProperties)
	})
	r.Get("/properties/{property}", a.getProperty)
	r.Put("/properties", a.setProperties)
	r.Post("/compile", a.compile)
	r.Post("/import", a.importModel)

	MountSwagger(r)
	return r
}

type api struct {
	svc Service
}

// status godoc
// @Summary      Daemon status
// @Tags         status
// @Produce      json
// @Success      200  {object}  types.StatusResponse
// @Router       /status [get]
func (a *api) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Status())
}

// listDevices godoc
// @Summary      List registered devices
// @Tags         devices
// @Produce      json
// @Success      200  {object}  types.DevicesResponse
// @Router       /devices [get]
func (a *api) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, types.DevicesResponse{Devices: a.svc.Devices()})
}

// registerDevice godoc
// @Summary      Register a plugin device
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        body  body      types.RegisterDeviceRequest  true  "device"
// @Success      201   {object}  types.Device
// @Failure      400   {object}  types.ErrorResponse
// @Failure      409   {object}  types.ErrorResponse
// @Router       /devices [post]
func (a *api) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Location == "" {
		writeJSONError(w, http.StatusBadRequest, "name and location are required")
		return
	}
	if err := a.svc.RegisterPlugin(req.Location, req.Name); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	if len(req.Options) > 0 {
		if err := a.svc.SetProperty(req.Name, normalizeOptions(req.Options)); err != nil {
			writeJSONError(w, statusFor(err), err.Error())
			return
		}
	}
	for _, d := range a.svc.Devices() {
		if d.Name == req.Name {
			writeJSON(w, http.StatusCreated, d)
			return
		}
	}
	writeJSON(w, http.StatusCreated, types.Device{Name: req.Name, Location: req.Location})
}

// unloadDevice godoc
// @Summary      Unload a device's backend instance
// @Tags         devices
// @Param        name  path  string  true  "device name"
// @Success      204
// @Failure      404  {object}  types.ErrorResponse
// @Router       /devices/{name}/instance [delete]
func (a *api) unloadDevice(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.UnloadPlugin(chi.URLParam(r, "name")); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getProperty godoc
// @Summary      Read a device or core property
// @Tags         properties
// @Produce      json
// @Param        name      path  string  true  "device name"
// @Param        property  path  string  true  "property name"
// @Success      200  {object}  types.PropertyResponse
// @Failure      404  {object}  types.ErrorResponse
// @Failure      501  {object}  types.ErrorResponse
// @Router       /devices/{name}/properties/{property} [get]
func (a *api) getProperty(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "name")
	name := chi.URLParam(r, "property")
	var opts backend.Options
	if id := r.URL.Query().Get("device_id"); id != "" {
		opts = backend.Options{backend.OptDeviceID: id}
	}
	v, err := a.svc.GetProperty(device, name, opts)
	if err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, types.PropertyResponse{Device: device, Name: name, Value: v})
}

// setProperties godoc
// @Summary      Apply options to a device or to every device
// @Tags         properties
// @Accept       json
// @Param        name  path  string                      true  "device name"
// @Param        body  body  types.SetPropertiesRequest  true  "options"
// @Success      204
// @Failure      400  {object}  types.ErrorResponse
// @Failure      404  {object}  types.ErrorResponse
// @Router       /devices/{name}/properties [put]
func (a *api) setProperties(w http.ResponseWriter, r *http.Request) {
	var req types.SetPropertiesRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Options) == 0 {
		writeJSONError(w, http.StatusBadRequest, "options are required")
		return
	}
	if err := a.svc.SetProperty(chi.URLParam(r, "name"), normalizeOptions(req.Options)); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// compile godoc
// @Summary      Compile a model, consulting the compilation cache
// @Tags         compile
// @Accept       json
// @Produce      json
// @Param        body  body      types.CompileRequest  true  "model"
// @Success      200   {object}  types.CompileResponse
// @Failure      400   {object}  types.ErrorResponse
// @Failure      404   {object}  types.ErrorResponse
// @Failure      422   {object}  types.ErrorResponse
// @Failure      500   {object}  types.ErrorResponse
// @Router       /compile [post]
func (a *api) compile(w http.ResponseWriter, r *http.Request) {
	var req types.CompileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if (req.Path == "") == (req.Text == "") {
		writeJSONError(w, http.StatusBadRequest, "exactly one of path or text is required")
		return
	}
	lvl := requestLogLevel(r)
	start := time.Now()
	logStart(r, lvl, "compile", req.Device)
	compileInflight.Inc()
	defer compileInflight.Dec()

	ctx, cancel := compileContext(r)
	defer cancel()
	opts := normalizeOptions(req.Options)
	var (
		cm  *core.CompiledModel
		err error
	)
	if req.Path != "" {
		cm, err = a.svc.CompileFile(ctx, req.Path, req.Device, opts)
	} else {
		cm, err = a.svc.CompileText(ctx, []byte(req.Text), req.Weights, req.Device, opts)
	}
	a.respond(w, r, lvl, "compile", start, cm, err, req.Export)
}

// importModel godoc
// @Summary      Import an exported artifact on a device
// @Tags         compile
// @Accept       json
// @Produce      json
// @Param        body  body      types.ImportRequest  true  "artifact"
// @Success      200   {object}  types.CompileResponse
// @Failure      400   {object}  types.ErrorResponse
// @Failure      404   {object}  types.ErrorResponse
// @Router       /import [post]
func (a *api) importModel(w http.ResponseWriter, r *http.Request) {
	var req types.ImportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Data) == 0 {
		writeJSONError(w, http.StatusBadRequest, "data is required")
		return
	}
	lvl := requestLogLevel(r)
	start := time.Now()
	logStart(r, lvl, "import", req.Device)
	compileInflight.Inc()
	defer compileInflight.Dec()
	artifactBytes.WithLabelValues("in").Observe(float64(len(req.Data)))

	ctx, cancel := compileContext(r)
	defer cancel()
	cm, err := a.svc.Import(ctx, req.Data, req.Device, normalizeOptions(req.Options))
	a.respond(w, r, lvl, "import", start, cm, err, false)
}

func (a *api) respond(w http.ResponseWriter, r *http.Request, lvl LogLevel, op string, start time.Time, cm *core.CompiledModel, err error, export bool) {
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, context.Canceled) && canceled(r) {
			logEnd(r, lvl, op, 0, start, err)
			return
		}
		writeJSONError(w, status, err.Error())
		logEnd(r, lvl, op, status, start, err)
		return
	}
	defer cm.Release()

	resp := types.CompileResponse{
		RequestID:       cm.RequestID,
		Device:          cm.Device,
		Model:           cm.Name(),
		LoadedFromCache: cm.LoadedFromCache,
		States:          stateNames(cm.States),
		DurationMs:      cm.Duration.Milliseconds(),
	}
	if cm.Key != (cachekey.Key{}) {
		resp.CacheKey = cm.Key.String()
	}
	if export {
		data, err := cm.Export()
		if err != nil {
			status := statusFor(err)
			writeJSONError(w, status, "export: "+err.Error())
			logEnd(r, lvl, op, status, start, err)
			return
		}
		resp.Artifact = data
		artifactBytes.WithLabelValues("out").Observe(float64(len(data)))
	}
	observeResult(op, cm)
	if canceled(r) {
		return
	}
	writeJSON(w, http.StatusOK, resp)
	logEnd(r, lvl, op, http.StatusOK, start, nil)
}

// decodeJSON enforces the content type and body limit and decodes into v.
// It writes the error response and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// normalizeOptions turns integral JSON numbers into int64 so options
// arriving over HTTP key the cache like options from config files.
func normalizeOptions(in map[string]any) backend.Options {
	if in == nil {
		return nil
	}
	out := make(backend.Options, len(in))
	for k, v := range in {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			v = int64(f)
		}
		out[k] = v
	}
	return out
}

func stateNames(states []core.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
