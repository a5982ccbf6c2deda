package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	lockerrors "github.com/xwords/gamelock/v1/errors"
	"github.com/xwords/gamelock/v1/lockbus"
	"github.com/xwords/gamelock/v1/watchdog"
)

// State is the lock of one key. It is created by a Registry on first use and
// lives as long as the Registry.
type State struct {
	key Key
	reg *Registry

	mu       sync.Mutex
	owners   map[*Owner]struct{}
	readOnly bool
	notify   chan struct{}
}

func newState(key Key, reg *Registry) *State {
	return &State{
		key:    key,
		reg:    reg,
		owners: make(map[*Owner]struct{}),
		notify: make(chan struct{}),
	}
}

// Key returns the game key.
func (s *State) Key() Key { return s.key }

// grantLocked applies the grant rule: shared requests succeed while the lock
// is free or held shared, exclusive requests only while it is free.
func (s *State) grantLocked(mode Mode) bool {
	switch {
	case len(s.owners) == 0:
	case s.readOnly && mode == Shared:
	default:
		return false
	}
	s.readOnly = mode == Shared
	return true
}

func (s *State) addLocked(o *Owner) {
	if _, dup := s.owners[o]; dup {
		s.reg.checker.Fail(lockerrors.ErrNotOwner, "owner %s already holds game %d", o.id, s.key)
		return
	}
	s.owners[o] = struct{}{}
}

func (s *State) removeLocked(o *Owner) bool {
	if _, ok := s.owners[o]; !ok {
		s.reg.checker.Fail(lockerrors.ErrNotOwner, "owner %s does not hold game %d", o.id, s.key)
		return false
	}
	delete(s.owners, o)
	if len(s.owners) == 0 {
		close(s.notify)
		s.notify = make(chan struct{})
	}
	return true
}

// TryAcquire grants the lock if the grant rule allows it right now and
// reports Unavailable otherwise. It never blocks.
func (s *State) TryAcquire(mode Mode) Result {
	return s.tryAcquire(mode, s.reg.newOwner(context.Background(), 1))
}

func (s *State) tryAcquire(mode Mode, owner *Owner) Result {
	s.mu.Lock()
	if !s.grantLocked(mode) {
		s.mu.Unlock()
		res := Result{Status: Unavailable, Key: s.key, Mode: mode}
		s.reg.metrics.Missed(mode.String())
		s.reg.emit(s, lockbus.KindUnavailable, mode, owner)
		s.reg.explainFailure(s, res, owner)
		return res
	}
	s.addLocked(owner)
	s.mu.Unlock()
	h := s.newHandle(mode, owner)
	s.reg.metrics.Granted(mode.String(), 0)
	s.reg.emit(s, lockbus.KindGranted, mode, owner)
	return Result{Status: Granted, Handle: h, Key: s.key, Mode: mode}
}

// Acquire waits up to timeout for the lock. A negative timeout (Forever)
// waits until granted or ctx is cancelled; zero tries once. Cancellation is
// reported as TimedOut with Interrupted set. No owner is recorded unless the
// lock is granted.
func (s *State) Acquire(ctx context.Context, mode Mode, timeout time.Duration) Result {
	s.reg.checkBlocking(ctx, s.key, timeout)
	return s.acquire(ctx, mode, timeout, s.reg.newOwner(ctx, 1))
}

// Lock is the throwing form of Acquire: a missed deadline returns a
// *TimeoutError matching errors.ErrLockTimeout.
func (s *State) Lock(ctx context.Context, mode Mode, max time.Duration) (*Handle, error) {
	s.reg.checkBlocking(ctx, s.key, max)
	s.reg.checkMaxWait(s.key, max)
	res := s.acquire(ctx, mode, max, s.reg.newOwner(ctx, 1))
	if !res.OK() {
		return nil, res.Err()
	}
	return res.Handle, nil
}

func (s *State) acquire(ctx context.Context, mode Mode, timeout time.Duration, owner *Owner) Result {
	res := s.wait(ctx, mode, timeout, owner)
	if res.OK() {
		s.reg.emit(s, lockbus.KindGranted, mode, owner)
	}
	return res
}

// wait is acquire without the granted event, for callers that hand the
// grant to another owner before announcing it.
func (s *State) wait(ctx context.Context, mode Mode, timeout time.Duration, owner *Owner) (res Result) {
	if s.reg.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "Registry.Acquire", trace.WithAttributes(
			attribute.Int64("gamelock.key", int64(s.key)),
			attribute.String("gamelock.mode", mode.String()),
		))
		defer func() {
			span.SetAttributes(
				attribute.String("gamelock.result", res.Status.String()),
				attribute.Int64("gamelock.waited_ms", res.Waited.Milliseconds()),
			)
			span.End()
		}()
	}

	start := time.Now()
	var ticket *watchdog.Ticket
	if timeout != 0 {
		ticket = s.reg.watchdog.Watch(s, owner.label)
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		if s.grantLocked(mode) {
			s.addLocked(owner)
			s.mu.Unlock()
			if ticket != nil {
				_ = ticket.Close()
			}
			waited := time.Since(start)
			s.reg.metrics.Granted(mode.String(), waited)
			return Result{Status: Granted, Handle: s.newHandle(mode, owner), Key: s.key, Mode: mode, Waited: waited}
		}
		ch := s.notify
		s.mu.Unlock()

		interrupted := false
		if timeout != 0 {
			select {
			case <-ch:
				continue
			case <-deadline:
			case <-ctx.Done():
				interrupted = true
			}
		}

		if ticket != nil {
			_ = ticket.Close()
		}
		res = Result{Status: TimedOut, Key: s.key, Mode: mode, Waited: time.Since(start), Interrupted: interrupted}
		s.reg.metrics.TimedOut(mode.String(), res.Waited)
		s.reg.emit(s, lockbus.KindTimeout, mode, owner)
		s.reg.explainFailure(s, res, owner)
		return res
	}
}

func (s *State) release(o *Owner) {
	if !s.drop(o) {
		return
	}
	s.reg.metrics.Released()
	s.reg.emit(s, lockbus.KindReleased, s.modeSnapshot(), o)
}

func (s *State) drop(o *Owner) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(o)
}

// handoff adds next before removing prev so the holder count never drops to
// zero in between.
func (s *State) handoff(prev, next *Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addLocked(next)
	s.removeLocked(prev)
}

// share adds o alongside held, which must currently be an owner.
func (s *State) share(held, o *Owner) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owners[held]; !ok {
		s.reg.checker.Fail(lockerrors.ErrNotOwner, "retain on game %d by non-owner %s", s.key, held.id)
		return false
	}
	s.addLocked(o)
	return true
}

// CanWriteNow reports whether the current (or last) grant mode is
// exclusive. It is meant for assertions only.
func (s *State) CanWriteNow() bool {
	s.mu.Lock()
	ok := !s.readOnly
	s.mu.Unlock()
	if !ok {
		s.reg.logger.Warn("gamelock: CanWriteNow false", "state", s.String())
	}
	return ok
}

// Holders returns the number of current owners.
func (s *State) Holders() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners)
}

// ReadOnly reports whether the last grant was shared.
func (s *State) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readOnly
}

func (s *State) modeSnapshot() Mode {
	if s.ReadOnly() {
		return Shared
	}
	return Exclusive
}

// Owners returns a snapshot of the current owners.
func (s *State) Owners() []*Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Owner, 0, len(s.owners))
	for o := range s.owners {
		out = append(out, o)
	}
	return out
}

// Describe lists the current owners and their stacks.
func (s *State) Describe() string {
	owners := s.Owners()
	var b strings.Builder
	fmt.Fprintf(&b, "Showing %d owners: ", len(owners))
	for _, o := range owners {
		b.WriteString(o.String())
	}
	return b.String()
}

// oldestHold returns the age of the longest-held grant.
func (s *State) oldestHold() time.Duration {
	var oldest time.Duration
	for _, o := range s.Owners() {
		if age := o.Age(); age > oldest {
			oldest = age
		}
	}
	return oldest
}

func (s *State) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("{key: %d; count: %d; ro: %t}", s.key, len(s.owners), s.readOnly)
}
