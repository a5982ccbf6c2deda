package lock

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xwords/gamelock/v1/internal/callstack"
)

const untracked = "<untracked>"

// Owner records who holds, or is seeking, one grant. Owners are compared by
// identity.
type Owner struct {
	id        string
	goroutine int64
	label     string
	stack     string
	stamp     atomic.Int64
}

func newOwner(label string, capture bool, skip int) *Owner {
	o := &Owner{id: uuid.NewString(), label: label}
	if capture {
		o.goroutine = callstack.GoroutineID()
		o.stack = callstack.Capture(skip + 1)
	}
	o.Refresh()
	return o
}

// ID returns a unique identifier for the owner.
func (o *Owner) ID() string { return o.id }

// Label returns the caller label, if any.
func (o *Owner) Label() string { return o.label }

// Goroutine returns the id of the goroutine that created the owner, or 0
// when diagnostics were not captured.
func (o *Owner) Goroutine() int64 { return o.goroutine }

// Stack returns the captured stack, or "<untracked>".
func (o *Owner) Stack() string {
	if o.stack == "" {
		return untracked
	}
	return o.stack
}

// Since returns the owner's timestamp.
func (o *Owner) Since() time.Time { return time.Unix(0, o.stamp.Load()) }

// Age returns how long ago the timestamp was taken.
func (o *Owner) Age() time.Duration { return time.Since(o.Since()) }

// Refresh resets the timestamp to now.
func (o *Owner) Refresh() { o.stamp.Store(time.Now().UnixNano()) }

func (o *Owner) String() string {
	return fmt.Sprintf("Owner{id: %s; age: %dms (since %d); goroutine: %d; label: %q; stack: {%s}}",
		o.id, o.Age().Milliseconds(), o.Since().UnixMilli(), o.goroutine, o.label, o.Stack())
}
