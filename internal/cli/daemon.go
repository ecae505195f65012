package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"compiled/internal/backend"
	"compiled/internal/backend/reference"
	"compiled/internal/backend/rpcplugin"
	"compiled/internal/common/fsutil"
	"compiled/internal/config"
	"compiled/internal/core"
	"compiled/internal/events"
	"compiled/internal/registry"
)

const builtinPrefix = "builtin:"

// defaultDevice is registered when neither the config nor the plugin
// directory provides a device.
var defaultDevice = config.Device{Name: "REF", Location: builtinPrefix + "reference"}

// descriptors turns configured devices into registry descriptors and
// appends executables found in pluginDir. Configured devices win over
// scanned ones with the same name.
func descriptors(cfg *config.Config, log zerolog.Logger) ([]registry.Descriptor, error) {
	devices := cfg.Devices
	var scanned []registry.Descriptor
	if cfg.PluginDir != "" {
		found, err := registry.ScanDir(cfg.PluginDir)
		if err != nil {
			return nil, fmt.Errorf("scan plugin dir: %w", err)
		}
		scanned = found
	}
	if len(devices) == 0 && len(scanned) == 0 {
		devices = []config.Device{defaultDevice}
	}

	seen := make(map[string]bool, len(devices))
	out := make([]registry.Descriptor, 0, len(devices)+len(scanned))
	for _, d := range devices {
		desc, err := descriptor(d)
		if err != nil {
			return nil, err
		}
		seen[d.Name] = true
		out = append(out, desc)
	}
	for _, d := range scanned {
		if seen[d.Name] {
			log.Debug().Str("device", d.Name).Str("location", d.Location).Msg("scanned plugin shadowed by config")
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func descriptor(d config.Device) (registry.Descriptor, error) {
	desc := registry.Descriptor{
		Name:       d.Name,
		Options:    backend.Options(d.Options),
		Extensions: d.Extensions,
	}
	if len(d.SubDevices) > 0 {
		desc.SubDevices = make(map[string]backend.Options, len(d.SubDevices))
		for id, o := range d.SubDevices {
			desc.SubDevices[id] = backend.Options(o)
		}
	}
	if name, ok := strings.CutPrefix(d.Location, builtinPrefix); ok {
		f, err := builtin(name, d.Name)
		if err != nil {
			return registry.Descriptor{}, err
		}
		desc.Location = d.Location
		desc.Factory = f
		return desc, nil
	}
	path, err := fsutil.ExpandHome(d.Location)
	if err != nil {
		return registry.Descriptor{}, fmt.Errorf("device %s: %w", d.Name, err)
	}
	desc.Location = path
	desc.Factory = backend.Dynamic(path)
	return desc, nil
}

// builtin returns the factory of a backend linked into the daemon.
func builtin(name, device string) (backend.Factory, error) {
	switch name {
	case "reference":
		return reference.Factory(reference.Config{Family: device}), nil
	case "reference-noexport":
		return reference.Factory(reference.Config{Family: device, NoImportExport: true}), nil
	}
	return backend.Factory{}, fmt.Errorf("device %s: unknown builtin backend %q", device, name)
}

// publishers builds the event fan-out. The returned closers must be closed
// after the core.
func publishers(cfg config.EventsConfig, log zerolog.Logger) (events.Publisher, []io.Closer, error) {
	pubs := events.Multi{events.Log{Logger: log}}
	var closers []io.Closer
	if cfg.MQTT != nil {
		p, err := events.DialMQTT(*cfg.MQTT, log)
		if err != nil {
			return nil, nil, err
		}
		pubs = append(pubs, p)
		closers = append(closers, p)
	}
	if cfg.Influx != nil {
		p, err := events.DialInflux(*cfg.Influx, log)
		if err != nil {
			return nil, nil, abandon(err, closers)
		}
		pubs = append(pubs, p)
		closers = append(closers, p)
	}
	return pubs, closers, nil
}

// daemon is a core plus the resources built for it.
type daemon struct {
	core    *core.Core
	closers []io.Closer
}

func (d *daemon) Close() error {
	err := d.core.Close()
	return errors.Join(err, closeAll(d.closers))
}

func closeAll(cs []io.Closer) error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// abandon closes resources built before a setup step failed. Close errors
// are reported alongside err.
func abandon(err error, cs []io.Closer) error {
	if cerr := closeAll(cs); cerr != nil {
		return fmt.Errorf("%w (cleanup: %v)", err, cerr)
	}
	return err
}

// newDaemon builds a core from cfg.
func newDaemon(cfg *config.Config, log zerolog.Logger, plog io.Writer) (*daemon, error) {
	descs, err := descriptors(cfg, log)
	if err != nil {
		return nil, err
	}
	def := cfg.DefaultDevice
	if def == "" && len(descs) > 0 {
		def = descs[0].Name
	}
	pub, closers, err := publishers(cfg.Events, log)
	if err != nil {
		return nil, err
	}
	c, err := core.NewWithConfig(core.Config{
		DefaultDevice:        def,
		Devices:              descs,
		Extensions:           cfg.Extensions,
		CacheDir:             cfg.Cache.Dir,
		CacheStore:           cfg.Cache.Store,
		TolerateWriteFailure: cfg.Cache.TolerateWriteFailure,
		Opener:               rpcplugin.Opener{Logger: pluginLogger(cfg.LogLevel, cfg.LogFormat, plog)},
		Publisher:            pub,
		Logger:               log,
	})
	if err != nil {
		return nil, abandon(err, closers)
	}
	return &daemon{core: c, closers: closers}, nil
}
