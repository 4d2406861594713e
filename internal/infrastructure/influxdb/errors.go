package influxdb

import "errors"

var (
	// ErrNotConnected is returned after Close.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed wraps a failed initial ping.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps asynchronous batch failures passed to the
	// SetOnError callback.
	ErrWriteFailed = errors.New("influxdb: write failed")

	// ErrDisabled means influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
