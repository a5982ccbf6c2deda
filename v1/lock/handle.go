package lock

import (
	"sync"
	"sync/atomic"

	lockerrors "github.com/xwords/gamelock/v1/errors"
	"github.com/xwords/gamelock/v1/lockbus"
	"github.com/xwords/gamelock/v1/watchdog"
)

// Handle is one grant on a State. Release it exactly once, or use Close/Use
// for scoped release.
type Handle struct {
	state    *State
	mode     Mode
	released atomic.Bool

	mu     sync.Mutex
	owner  *Owner
	ticket *watchdog.Ticket
}

func (s *State) newHandle(mode Mode, owner *Owner) *Handle {
	return &Handle{
		state:  s,
		mode:   mode,
		owner:  owner,
		ticket: s.reg.watchdog.Hold(s, owner.label, owner.stack),
	}
}

// Key returns the key the handle holds.
func (h *Handle) Key() Key { return h.state.key }

// Mode returns the mode the handle was granted in.
func (h *Handle) Mode() Mode { return h.mode }

// State returns the underlying lock state.
func (h *Handle) State() *State { return h.state }

// Owner returns the current owner record.
func (h *Handle) Owner() *Owner {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner
}

// CanWrite reports whether the handle permits mutation.
func (h *Handle) CanWrite() bool {
	return h.mode == Exclusive && !h.released.Load()
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool { return h.released.Load() }

// Release gives the grant back. A second call is a programming error and
// leaves the state untouched.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		h.state.reg.checker.Fail(lockerrors.ErrDoubleRelease, "game %d released twice", h.state.key)
		return
	}
	h.mu.Lock()
	owner, ticket := h.owner, h.ticket
	h.ticket = nil
	h.mu.Unlock()
	if ticket != nil {
		_ = ticket.Close()
	}
	h.state.release(owner)
}

// Close releases the handle. It lets a Handle be used wherever an io.Closer
// is expected.
func (h *Handle) Close() error {
	h.Release()
	return nil
}

// Use runs fn and releases the handle on every exit path.
func (h *Handle) Use(fn func(*Handle) error) error {
	defer h.Release()
	return fn(h)
}

// Retain returns an independent handle on the same grant. The state stays
// held until both handles are released. Retaining a released handle is a
// programming error and returns nil.
func (h *Handle) Retain() *Handle {
	if h.released.Load() {
		h.state.reg.checker.Fail(lockerrors.ErrNotOwner, "retain of released handle on game %d", h.state.key)
		return nil
	}
	o := h.state.reg.newOwnerLabel(h.Owner().label, 1)
	if !h.state.share(h.Owner(), o) {
		return nil
	}
	h.state.reg.metrics.Granted(h.mode.String(), 0)
	h.state.reg.emit(h.state, lockbus.KindGranted, h.mode, o)
	return h.state.newHandle(h.mode, o)
}

// reassign moves the grant to next, the owner captured by whoever asked for
// the lock, and restarts its age.
func (h *Handle) reassign(next *Owner) {
	h.mu.Lock()
	defer h.mu.Unlock()
	next.Refresh()
	h.state.handoff(h.owner, next)
	h.owner = next
	if h.ticket != nil {
		_ = h.ticket.Close()
	}
	h.ticket = h.state.reg.watchdog.Hold(h.state, next.label, next.stack)
}
