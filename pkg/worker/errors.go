package worker

import "errors"

var (
	ErrPoolNotStarted     = errors.New("worker: pool not started")
	ErrPoolStopped        = errors.New("worker: pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker: pool already started")

	// ErrQueueFull is returned by Submit when the queue is at capacity;
	// the item is not enqueued.
	ErrQueueFull = errors.New("worker: queue full")

	ErrNilProcessor = errors.New("worker: nil processor")
	ErrStopTimeout  = errors.New("worker: stop timed out")
)
