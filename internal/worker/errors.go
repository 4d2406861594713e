package worker

import "errors"

// Sentinel errors for worker pool operations.
var (
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")
	ErrQueueFull          = errors.New("worker: queue full")
	ErrNilProcessor       = errors.New("worker: processor function cannot be nil")
	ErrStopTimeout        = errors.New("worker: timeout waiting for workers to stop")
	ErrPanic              = errors.New("worker: processor panicked")
)
