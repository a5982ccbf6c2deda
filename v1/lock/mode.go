package lock

import (
	"context"
	"time"
)

// Key identifies one game for the lifetime of the process.
type Key int64

// Mode selects shared (read) or exclusive (write) access.
type Mode int

const (
	Exclusive Mode = iota
	Shared
)

func (m Mode) String() string {
	if m == Shared {
		return "shared"
	}
	return "exclusive"
}

// Forever waits without a deadline. Only context cancellation ends such a
// wait early.
const Forever time.Duration = -1

type uiKey struct{}
type callerKey struct{}

// WithUIThread marks ctx as belonging to the UI goroutine. Blocking
// acquisitions with such a context are a programming error; use LockThen or
// LockAsync instead.
func WithUIThread(ctx context.Context) context.Context {
	return context.WithValue(ctx, uiKey{}, true)
}

// IsUIThread reports whether ctx was marked with WithUIThread.
func IsUIThread(ctx context.Context) bool {
	on, _ := ctx.Value(uiKey{}).(bool)
	return on
}

func offUIThread(ctx context.Context) context.Context {
	if !IsUIThread(ctx) {
		return ctx
	}
	return context.WithValue(ctx, uiKey{}, false)
}

// WithCaller labels the owners created from ctx, e.g. "board", "relay".
func WithCaller(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, callerKey{}, label)
}

func callerOf(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	label, _ := ctx.Value(callerKey{}).(string)
	return label
}
