package registry

import (
	"errors"
	"fmt"
)

// DuplicateRegistrationError is returned when a device name is registered twice.
type DuplicateRegistrationError struct{ Name string }

func (e *DuplicateRegistrationError) Error() string {
	return "device already registered: " + e.Name
}

// IsDuplicateRegistration reports whether err indicates a duplicate device name.
func IsDuplicateRegistration(err error) bool {
	var e *DuplicateRegistrationError
	return errors.As(err, &e)
}

// InvalidNameError is returned for empty names or names containing the
// sub-device separator.
type InvalidNameError struct{ Name string }

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("invalid device name %q: must be non-empty and must not contain %q", e.Name, SubDeviceSep)
}

func IsInvalidName(err error) bool {
	var e *InvalidNameError
	return errors.As(err, &e)
}

// NotFoundError is returned when a device name is not registered.
type NotFoundError struct{ Name string }

func (e *NotFoundError) Error() string { return "device not registered: " + e.Name }

// IsNotFound reports whether err indicates an unknown device.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}
