package scheduler

import "errors"

var (
	// ErrQueueFull is returned when the queue is at capacity and no lower
	// priority waiter could be evicted to make room.
	ErrQueueFull = errors.New("scheduler queue full")

	// ErrTimedOut settles a request that exceeded its maximum wait or its
	// deadline before being dispatched.
	ErrTimedOut = errors.New("request timed out in queue")

	// ErrBlocked is returned when admission control rejects the request
	// outright.
	ErrBlocked = errors.New("request blocked by admission control")

	// ErrEvicted settles a queued request that was displaced by higher
	// priority work under queue pressure.
	ErrEvicted = errors.New("request evicted for higher priority work")

	// ErrStopped is returned once the scheduler has been stopped.
	ErrStopped = errors.New("scheduler stopped")
)
