// Package core ties the device registry, the backend loader and the
// compilation cache together. A Core is the single owner of all of them;
// nothing in this package is process-global except the Prometheus metrics.
//
// Files by concern:
//
//   - core.go: Core type, construction, registration, unload, extensions.
//   - config.go: Config and defaults; NewWithConfig applies them.
//   - compile.go: the compile flow (lookup, fresh compile, write) and Import.
//   - model.go: CompiledModel and the per-request cache State trail.
//   - property.go: GetProperty/SetProperty and cache directory resolution.
//   - status.go: Devices and Status reporting for the HTTP layer.
//   - errors.go: CompileError and CacheWriteError with IsX helpers.
//   - metrics.go: cache and compile Prometheus collectors.
//
// Lock order: registry global lock, then a per-device lock (inside the
// loader), then the registry global lock again. The per-key cache guard is
// taken only after the loader has returned, so it never nests inside a
// device lock. cacheMu guards cache directories and open stores only and is
// never held across backend calls or cache reads and writes.
package core
