package loader

import (
	"errors"
	"fmt"
)

// DeviceNotRegisteredError is returned when a device name does not resolve to
// a registered device, or, with NotLoaded set, when Unload finds no live
// instance.
type DeviceNotRegisteredError struct {
	Name      string
	NotLoaded bool
}

func (e *DeviceNotRegisteredError) Error() string {
	if e.NotLoaded {
		return "device not loaded: " + e.Name
	}
	return "device not registered: " + e.Name
}

// IsDeviceNotRegistered reports whether err indicates an unknown device.
func IsDeviceNotRegistered(err error) bool {
	var e *DeviceNotRegisteredError
	return errors.As(err, &e)
}

// PluginLoadError wraps a failure to construct or configure a backend. The
// descriptor stays registered; a later Get retries.
type PluginLoadError struct {
	Device   string
	Location string
	Err      error
}

func (e *PluginLoadError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("load plugin %s from %s: %v", e.Device, e.Location, e.Err)
	}
	return fmt.Sprintf("load plugin %s: %v", e.Device, e.Err)
}

func (e *PluginLoadError) Unwrap() error { return e.Err }

// IsPluginLoad reports whether err is a plugin load failure.
func IsPluginLoad(err error) bool {
	var e *PluginLoadError
	return errors.As(err, &e)
}
