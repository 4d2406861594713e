package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // do not retry
//	}
var (
	// ErrDeviceNotFound is returned when a device ID is not in the cache.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when a snapshot has no ID.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrCommandRejected is returned when a bridge acknowledges a command as failed.
	ErrCommandRejected = errors.New("device: command rejected")

	// ErrNoProtocol is returned when a command targets a device whose protocol is unknown.
	ErrNoProtocol = errors.New("device: protocol unknown")

	// ErrGatewayStopped is returned when commands are sent after Stop.
	ErrGatewayStopped = errors.New("device: gateway stopped")
)
