package lock

import (
	"fmt"
	"time"

	lockerrors "github.com/xwords/gamelock/v1/errors"
)

// Status is the outcome of an acquisition attempt.
type Status int

const (
	Granted Status = iota + 1
	Unavailable
	TimedOut
)

func (s Status) String() string {
	switch s {
	case Granted:
		return "granted"
	case Unavailable:
		return "unavailable"
	case TimedOut:
		return "timeout"
	default:
		return "unknown"
	}
}

// Result carries either a Handle or the reason there is none. Check Status
// (or OK) before touching Handle.
type Result struct {
	Status      Status
	Handle      *Handle
	Key         Key
	Mode        Mode
	Waited      time.Duration
	Interrupted bool
}

// OK reports whether the lock was granted.
func (r Result) OK() bool { return r.Status == Granted && r.Handle != nil }

// Err converts a non-grant into an error: ErrUnavailable for try attempts and
// a *TimeoutError for expired waits.
func (r Result) Err() error {
	switch r.Status {
	case Granted:
		return nil
	case Unavailable:
		return fmt.Errorf("game %d (%s): %w", r.Key, r.Mode, lockerrors.ErrUnavailable)
	default:
		return &TimeoutError{Key: r.Key, Mode: r.Mode, Waited: r.Waited, Interrupted: r.Interrupted}
	}
}

// TimeoutError is returned by the throwing acquisition forms when the
// deadline passes, or the context is cancelled, before a grant.
type TimeoutError struct {
	Key         Key
	Mode        Mode
	Waited      time.Duration
	Interrupted bool
}

func (e *TimeoutError) Error() string {
	reason := "timed out"
	if e.Interrupted {
		reason = "interrupted"
	}
	return fmt.Sprintf("gamelock: game %d (%s) %s after %s", e.Key, e.Mode, reason, e.Waited)
}

// Is matches errors.ErrLockTimeout.
func (e *TimeoutError) Is(target error) bool {
	return target == lockerrors.ErrLockTimeout
}
