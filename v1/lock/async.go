package lock

import (
	"context"
	"time"

	"github.com/xwords/gamelock/v1/lockbus"
)

// LockThen requests an exclusive grant on a worker and hands the result to
// cb on that worker. The owner is recorded on the calling goroutine and
// re-stamped when the grant arrives, so holder dumps point at the code that
// asked for the lock. cb owns the Handle and must release it. exec may be
// nil to use the registry's executor.
//
// It is safe to call with a WithUIThread context. Closing the registry
// interrupts waits that have not been granted yet.
func (r *Registry) LockThen(ctx context.Context, key Key, max time.Duration, exec Executor, cb func(Result)) error {
	if exec == nil {
		exec = r.exec
	}
	requester := r.newOwner(ctx, 1)
	s := r.StateFor(key)
	r.metrics.Async()
	return exec.Submit(func() {
		wctx, cancel := context.WithCancel(offUIThread(ctx))
		defer cancel()
		stop := context.AfterFunc(r.ctx, cancel)
		defer stop()
		res := s.wait(wctx, Exclusive, max, r.newOwnerLabel(requester.label, 1))
		if res.OK() {
			res.Handle.reassign(requester)
			r.emit(s, lockbus.KindGranted, Exclusive, requester)
		}
		cb(res)
	})
}

// LockAsync is LockThen delivering the result on a channel. The channel
// receives exactly one Result unless submission fails.
func (r *Registry) LockAsync(ctx context.Context, key Key, max time.Duration) (<-chan Result, error) {
	ch := make(chan Result, 1)
	err := r.LockThen(ctx, key, max, nil, func(res Result) { ch <- res })
	if err != nil {
		return nil, err
	}
	return ch, nil
}
