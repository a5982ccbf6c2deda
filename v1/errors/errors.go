package errors

import "errors"

var (
	// ErrLockTimeout reports that a blocking acquisition ran out of time.
	ErrLockTimeout = errors.New("gamelock: lock timeout")
	// ErrUnavailable reports that a non-blocking acquisition found the key held.
	ErrUnavailable = errors.New("gamelock: lock unavailable")

	ErrNotOwner      = errors.New("gamelock: owner does not hold the lock")
	ErrDoubleRelease = errors.New("gamelock: handle released twice")
	ErrTicketClosed  = errors.New("gamelock: watchdog ticket closed twice")
	ErrBlockingOnUI  = errors.New("gamelock: blocking acquisition on the ui goroutine")
	ErrWaitTooLong   = errors.New("gamelock: wait exceeds configured maximum")

	ErrPoolClosed       = errors.New("gamelock: worker pool closed")
	ErrCircuitOpen      = errors.New("gamelock: circuit breaker is open")
	ErrConnectionClosed = errors.New("gamelock: connection closed")
)
