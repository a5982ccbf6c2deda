package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	lockerrors "github.com/xwords/gamelock/v1/errors"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestMutualExclusion(t *testing.T) {
	r := newTestRegistry(t)
	var inside, violations atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := r.Lock(context.Background(), 1, time.Second)
				if err != nil {
					t.Errorf("lock: %v", err)
					return
				}
				if inside.Add(1) > 1 {
					violations.Add(1)
				}
				inside.Add(-1)
				h.Release()
			}
		}()
	}
	wg.Wait()
	if n := violations.Load(); n != 0 {
		t.Fatalf("expected no overlapping exclusive grants, got %d", n)
	}
	if n := r.StateFor(1).Holders(); n != 0 {
		t.Fatalf("expected no holders, got %d", n)
	}
}

func TestSharedAndExclusiveExclude(t *testing.T) {
	r := newTestRegistry(t)
	var readers, writers, violations atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		mode := Shared
		if i%4 == 0 {
			mode = Exclusive
		}
		wg.Add(1)
		go func(mode Mode) {
			defer wg.Done()
			for j := 0; j < 40; j++ {
				res := r.Acquire(context.Background(), 2, mode, time.Second)
				if !res.OK() {
					t.Errorf("acquire %s: %v", mode, res.Err())
					return
				}
				if mode == Exclusive {
					if writers.Add(1) > 1 || readers.Load() > 0 {
						violations.Add(1)
					}
					writers.Add(-1)
				} else {
					readers.Add(1)
					if writers.Load() > 0 {
						violations.Add(1)
					}
					readers.Add(-1)
				}
				res.Handle.Release()
			}
		}(mode)
	}
	wg.Wait()
	if n := violations.Load(); n != 0 {
		t.Fatalf("expected no shared/exclusive overlap, got %d", n)
	}
}

func TestSharedCompatibility(t *testing.T) {
	r := newTestRegistry(t)
	a := r.TryLockShared(3)
	b := r.TryLockShared(3)
	if !a.OK() || !b.OK() {
		t.Fatalf("expected two shared grants, got %s and %s", a.Status, b.Status)
	}
	if w := r.TryLock(3); w.Status != Unavailable {
		t.Fatalf("expected exclusive to be unavailable, got %s", w.Status)
	}
	a.Handle.Release()
	if w := r.TryLock(3); w.OK() {
		t.Fatal("expected exclusive to stay unavailable while a reader holds")
	}
	b.Handle.Release()
	w := r.TryLock(3)
	if !w.OK() {
		t.Fatalf("expected exclusive after readers left, got %s", w.Status)
	}
	if s := r.TryLockShared(3); s.OK() {
		t.Fatal("expected shared to fail under exclusive")
	}
	w.Handle.Release()
}

func TestNoLeakOnTimeout(t *testing.T) {
	r := newTestRegistry(t)
	h := r.TryLock(4).Handle
	for i := 0; i < 10; i++ {
		res := r.Acquire(context.Background(), 4, Shared, 5*time.Millisecond)
		if res.Status != TimedOut {
			t.Fatalf("attempt %d: expected timeout, got %s", i, res.Status)
		}
		if n := r.StateFor(4).Holders(); n != 1 {
			t.Fatalf("attempt %d: expected 1 holder, got %d", i, n)
		}
	}
	h.Release()
	res := r.TryLock(4)
	if !res.OK() {
		t.Fatalf("expected grant after timeouts, got %s", res.Status)
	}
	res.Handle.Release()
}

func TestReleaseWakesWaiter(t *testing.T) {
	r := newTestRegistry(t)
	h := r.TryLock(5).Handle
	got := make(chan Result, 1)
	go func() {
		got <- r.Acquire(context.Background(), 5, Exclusive, Forever)
	}()
	time.Sleep(20 * time.Millisecond)
	released := time.Now()
	h.Release()
	select {
	case res := <-got:
		if !res.OK() {
			t.Fatalf("expected grant, got %s", res.Status)
		}
		if d := time.Since(released); d > 500*time.Millisecond {
			t.Fatalf("waiter woke after %s", d)
		}
		res.Handle.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestForeverEndsOnCancel(t *testing.T) {
	r := newTestRegistry(t)
	h := r.TryLock(6).Handle
	defer h.Release()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := r.LockForever(ctx, 6)
	var te *TimeoutError
	if !errors.As(err, &te) || !te.Interrupted {
		t.Fatalf("expected interrupted timeout, got %v", err)
	}
	if !errors.Is(err, lockerrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if n := r.StateFor(6).Holders(); n != 1 {
		t.Fatalf("expected only the original holder, got %d", n)
	}
}

func TestRetainReleaseSymmetry(t *testing.T) {
	r := newTestRegistry(t)
	h := r.TryLock(8).Handle
	h2 := h.Retain()
	if h2 == nil {
		t.Fatal("expected retained handle")
	}
	if h2.Owner() == h.Owner() {
		t.Fatal("expected a distinct owner for the retained handle")
	}
	if n := r.StateFor(8).Holders(); n != 2 {
		t.Fatalf("expected 2 holders, got %d", n)
	}
	h.Release()
	if r.TryLockShared(8).OK() {
		t.Fatal("expected lock still held by retained handle")
	}
	if !h2.CanWrite() {
		t.Fatal("expected retained exclusive handle to allow writes")
	}
	h2.Release()
	if n := r.StateFor(8).Holders(); n != 0 {
		t.Fatalf("expected no holders, got %d", n)
	}
}

func TestTryLockRepeatablyUnavailable(t *testing.T) {
	r := newTestRegistry(t)
	h := r.TryLock(9).Handle
	for i := 0; i < 100; i++ {
		if res := r.TryLock(9); res.Status != Unavailable || res.Handle != nil {
			t.Fatalf("call %d: expected unavailable, got %s", i, res.Status)
		}
		if res := r.TryLockShared(9); res.OK() {
			t.Fatalf("call %d: expected shared unavailable", i)
		}
	}
	if n := r.StateFor(9).Holders(); n != 1 {
		t.Fatalf("expected 1 holder, got %d", n)
	}
	h.Release()
	if !r.TryLock(9).OK() {
		t.Fatal("expected grant after release")
	}
}

func TestExclusiveThenShared(t *testing.T) {
	r := newTestRegistry(t)
	a := r.TryLock(42)
	if !a.OK() {
		t.Fatalf("A: expected grant, got %s", a.Status)
	}
	if b := r.TryLockShared(42); b.Status != Unavailable {
		t.Fatalf("B: expected unavailable, got %s", b.Status)
	}
	a.Handle.Release()
	b := r.TryLockShared(42)
	if !b.OK() {
		t.Fatalf("B: expected grant after release, got %s", b.Status)
	}
	if !b.Handle.State().ReadOnly() {
		t.Fatal("expected read-only state")
	}
	b.Handle.Release()
}

func TestExclusiveTimesOutBehindReaders(t *testing.T) {
	r := newTestRegistry(t)
	a := r.TryLockShared(7)
	b := r.TryLockShared(7)
	if !a.OK() || !b.OK() {
		t.Fatal("expected both readers to be granted")
	}
	if n := r.StateFor(7).Holders(); n != 2 {
		t.Fatalf("expected 2 holders, got %d", n)
	}
	start := time.Now()
	_, err := r.Lock(context.Background(), 7, 50*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, lockerrors.ErrLockTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed < 45*time.Millisecond || elapsed > time.Second {
		t.Fatalf("expected ~50ms wait, got %s", elapsed)
	}
	a.Handle.Release()
	b.Handle.Release()
}

// Waiters are not queued. A late waiter may win over an earlier one, so this
// only checks that every waiter is eventually served, never the order.
func TestNoFIFOGuarantee(t *testing.T) {
	r := newTestRegistry(t)
	h := r.TryLock(10).Handle
	const waiters = 8
	order := make(chan int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := r.Acquire(context.Background(), 10, Exclusive, 2*time.Second)
			if !res.OK() {
				t.Errorf("waiter %d: %s", i, res.Status)
				return
			}
			order <- i
			res.Handle.Release()
		}(i)
		time.Sleep(time.Millisecond)
	}
	h.Release()
	wg.Wait()
	close(order)
	served := 0
	for range order {
		served++
	}
	if served != waiters {
		t.Fatalf("expected %d waiters served, got %d", waiters, served)
	}
}

func TestTryZeroTimeout(t *testing.T) {
	r := newTestRegistry(t)
	h := r.TryLock(11).Handle
	defer h.Release()
	res := r.Acquire(context.Background(), 11, Exclusive, 0)
	if res.Status != TimedOut {
		t.Fatalf("expected single attempt to time out, got %s", res.Status)
	}
	if res.Err() == nil {
		t.Fatal("expected error for failed attempt")
	}
}

func TestResultErr(t *testing.T) {
	res := Result{Status: Unavailable, Key: 3, Mode: Shared}
	if !errors.Is(res.Err(), lockerrors.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", res.Err())
	}
	res = Result{Status: TimedOut, Key: 3, Waited: time.Millisecond}
	if !errors.Is(res.Err(), lockerrors.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", res.Err())
	}
}

func TestCanWriteNow(t *testing.T) {
	r := newTestRegistry(t)
	h := r.TryLockShared(12).Handle
	if r.StateFor(12).CanWriteNow() {
		t.Fatal("expected read-only state")
	}
	if h.CanWrite() {
		t.Fatal("expected shared handle to refuse writes")
	}
	h.Release()
	w := r.TryLock(12).Handle
	if !r.StateFor(12).CanWriteNow() {
		t.Fatal("expected writable state")
	}
	w.Release()
}

func TestHandleUseReleasesOnError(t *testing.T) {
	r := newTestRegistry(t)
	h := r.TryLock(13).Handle
	boom := errors.New("boom")
	if err := h.Use(func(*Handle) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if !h.Released() {
		t.Fatal("expected handle released")
	}
	if n := r.StateFor(13).Holders(); n != 0 {
		t.Fatalf("expected no holders, got %d", n)
	}
}

func TestHandleUseReleasesOnPanic(t *testing.T) {
	r := newTestRegistry(t)
	h := r.TryLock(14).Handle
	func() {
		defer func() { _ = recover() }()
		_ = h.Use(func(*Handle) error { panic("boom") })
	}()
	if n := r.StateFor(14).Holders(); n != 0 {
		t.Fatalf("expected no holders after panic, got %d", n)
	}
}

func TestStateForIsUnique(t *testing.T) {
	r := newTestRegistry(t)
	states := make(chan *State, 32)
	var wg sync.WaitGroup
	for i := 0; i < cap(states); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			states <- r.StateFor(99)
		}()
	}
	wg.Wait()
	close(states)
	first := <-states
	for s := range states {
		if s != first {
			t.Fatal("expected one state per key")
		}
	}
	r.StateFor(98)
	keys := r.Keys()
	if len(keys) != 2 || keys[0] != 98 || keys[1] != 99 {
		t.Fatalf("unexpected keys %v", keys)
	}
}
