package lock

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/xwords/gamelock/v1/assert"
	lockerrors "github.com/xwords/gamelock/v1/errors"
	"github.com/xwords/gamelock/v1/lockbus"
	"github.com/xwords/gamelock/v1/metrics"
	"github.com/xwords/gamelock/v1/pool"
	"github.com/xwords/gamelock/v1/watchdog"
)

var tracer = otel.Tracer("github.com/xwords/gamelock/v1/lock")

const (
	// DefaultMaxWait bounds the timeout accepted by the throwing forms.
	DefaultMaxWait = time.Second
	// DefaultLongHoldThreshold is the holder age that triggers OnLongHold.
	DefaultLongHoldThreshold = time.Minute

	eventQueueSize = 1024
	publishTimeout = time.Second
)

var errEventDropped = errors.New("gamelock: event queue full")

// Executor runs lock callbacks off the calling goroutine. *pool.Pool
// satisfies it.
type Executor interface {
	Submit(fn func()) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(fn func()) error

// Submit calls f(fn).
func (f ExecutorFunc) Submit(fn func()) error { return f(fn) }

// Registry maps game keys to lock states. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	states   sync.Map
	createMu sync.Mutex

	capture      bool
	strict       bool
	checker      *assert.Checker
	logger       *slog.Logger
	maxWait      time.Duration
	longHold     time.Duration
	onLongHold   func(Key, string)
	longHoldOnce sync.Once
	metrics      *metrics.LockMetrics
	watchdog     *watchdog.Watchdog
	exec         Executor
	ownPool      *pool.Pool
	traceEnabled bool

	ctx    context.Context
	cancel context.CancelFunc

	bus        lockbus.Bus
	stopNotify func()
	emitMu     sync.RWMutex
	closed     bool
	events     chan lockbus.Event
	emitted    sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithCaptureDiagnostics records goroutine ids and stacks for every owner and
// logs holder dumps when a lock is not granted.
func WithCaptureDiagnostics(on bool) Option {
	return func(r *Registry) { r.capture = on }
}

// WithStrict makes programming errors panic instead of logging.
func WithStrict(on bool) Option {
	return func(r *Registry) { r.strict = on }
}

// WithChecker sets the assertion checker.
func WithChecker(c *assert.Checker) Option {
	return func(r *Registry) { r.checker = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMaxWait sets the largest timeout the throwing forms accept without
// tripping an assertion. Zero or negative disables the check.
func WithMaxWait(d time.Duration) Option {
	return func(r *Registry) { r.maxWait = d }
}

// WithLongHoldThreshold sets the holder age considered stuck.
func WithLongHoldThreshold(d time.Duration) Option {
	return func(r *Registry) { r.longHold = d }
}

// OnLongHold installs a hook called, at most once per registry, when a
// failed acquisition finds a holder older than the long-hold threshold. It
// receives the key and the holder dump. Requires WithCaptureDiagnostics.
func OnLongHold(fn func(key Key, holders string)) Option {
	return func(r *Registry) { r.onLongHold = fn }
}

// WithMetrics registers lock collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Registry) { r.metrics = metrics.NewLockMetrics(reg) }
}

// WithLockMetrics shares an existing collector set, e.g. with a watchdog.
func WithLockMetrics(m *metrics.LockMetrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithWatchdog attaches a watchdog. Every blocking attempt opens a ticket and
// every grant holds one until release.
func WithWatchdog(w *watchdog.Watchdog) Option {
	return func(r *Registry) { r.watchdog = w }
}

// WithBus publishes lock lifecycle events to b. Publishing happens on a
// background goroutine and never delays a grant.
func WithBus(b lockbus.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// WithExecutor sets the executor used by LockAsync and by LockThen when it
// is given none. Without it the registry starts its own pool.
func WithExecutor(e Executor) Option {
	return func(r *Registry) { r.exec = e }
}

// WithTracing enables OpenTelemetry spans for blocking acquisitions.
func WithTracing() Option {
	return func(r *Registry) { r.traceEnabled = true }
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		maxWait:  DefaultMaxWait,
		longHold: DefaultLongHoldThreshold,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.checker == nil {
		r.checker = assert.New(r.strict, r.logger)
	}
	if r.exec == nil {
		r.ownPool = pool.New(pool.WithLogger(r.logger))
		r.exec = r.ownPool
	}
	if r.bus != nil {
		r.events = make(chan lockbus.Event, eventQueueSize)
		r.emitted.Add(1)
		go r.publisher()
		r.stopNotify = r.watchdog.Notify(r.watchdogFired)
	}
	return r
}

// StateFor returns the lock state of key, creating it on first use. Exactly
// one State ever exists per key.
func (r *Registry) StateFor(key Key) *State {
	if s, ok := r.states.Load(key); ok {
		return s.(*State)
	}
	r.createMu.Lock()
	defer r.createMu.Unlock()
	if s, ok := r.states.Load(key); ok {
		return s.(*State)
	}
	s := newState(key, r)
	r.states.Store(key, s)
	r.metrics.KeyCreated()
	return s
}

// Keys returns every key that has a state, sorted.
func (r *Registry) Keys() []Key {
	var keys []Key
	r.states.Range(func(k, _ any) bool {
		keys = append(keys, k.(Key))
		return true
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// TryLock attempts an exclusive grant without blocking.
func (r *Registry) TryLock(key Key) Result {
	return r.StateFor(key).tryAcquire(Exclusive, r.newOwner(context.Background(), 1))
}

// TryLockShared attempts a shared grant without blocking.
func (r *Registry) TryLockShared(key Key) Result {
	return r.StateFor(key).tryAcquire(Shared, r.newOwner(context.Background(), 1))
}

// LockForever waits for an exclusive grant with no deadline. It only fails
// when ctx is cancelled.
func (r *Registry) LockForever(ctx context.Context, key Key) (*Handle, error) {
	r.checkBlocking(ctx, key, Forever)
	res := r.StateFor(key).acquire(ctx, Exclusive, Forever, r.newOwner(ctx, 1))
	if !res.OK() {
		return nil, res.Err()
	}
	return res.Handle, nil
}

// Lock waits up to max for an exclusive grant.
func (r *Registry) Lock(ctx context.Context, key Key, max time.Duration) (*Handle, error) {
	return r.lock(ctx, key, Exclusive, max)
}

// LockShared waits up to max for a shared grant.
func (r *Registry) LockShared(ctx context.Context, key Key, max time.Duration) (*Handle, error) {
	return r.lock(ctx, key, Shared, max)
}

func (r *Registry) lock(ctx context.Context, key Key, mode Mode, max time.Duration) (*Handle, error) {
	r.checkBlocking(ctx, key, max)
	r.checkMaxWait(key, max)
	res := r.StateFor(key).acquire(ctx, mode, max, r.newOwner(ctx, 2))
	if !res.OK() {
		return nil, res.Err()
	}
	return res.Handle, nil
}

// Acquire is the non-throwing form: it reports Granted or TimedOut.
func (r *Registry) Acquire(ctx context.Context, key Key, mode Mode, timeout time.Duration) Result {
	r.checkBlocking(ctx, key, timeout)
	return r.StateFor(key).acquire(ctx, mode, timeout, r.newOwner(ctx, 1))
}

// DescribeHolders lists the current owners of key.
func (r *Registry) DescribeHolders(key Key) string {
	return r.StateFor(key).Describe()
}

// Close interrupts pending LockThen and LockAsync waits, detaches from the
// watchdog and stops the event publisher and the registry's own pool.
// Handles stay valid; events emitted afterwards are dropped.
func (r *Registry) Close() error {
	r.emitMu.Lock()
	if r.closed {
		r.emitMu.Unlock()
		return nil
	}
	r.closed = true
	r.cancel()
	if r.stopNotify != nil {
		r.stopNotify()
	}
	if r.events != nil {
		close(r.events)
	}
	r.emitMu.Unlock()
	r.emitted.Wait()
	if r.ownPool != nil {
		return r.ownPool.Close()
	}
	return nil
}

func (r *Registry) newOwner(ctx context.Context, skip int) *Owner {
	return newOwner(callerOf(ctx), r.capture, skip+1)
}

func (r *Registry) newOwnerLabel(label string, skip int) *Owner {
	return newOwner(label, r.capture, skip+1)
}

func (r *Registry) checkBlocking(ctx context.Context, key Key, timeout time.Duration) {
	if timeout != 0 && ctx != nil && IsUIThread(ctx) {
		r.checker.Fail(lockerrors.ErrBlockingOnUI, "blocking wait on game %d", key)
	}
}

func (r *Registry) checkMaxWait(key Key, max time.Duration) {
	if r.maxWait <= 0 {
		return
	}
	if max < 0 || max > r.maxWait {
		r.checker.Fail(lockerrors.ErrWaitTooLong, "wait of %s on game %d exceeds %s", max, key, r.maxWait)
	}
}

// explainFailure logs who wanted the lock and who has it.
func (r *Registry) explainFailure(s *State, res Result, seeker *Owner) {
	if !r.capture {
		return
	}
	holders := s.Describe()
	r.logger.Warn("gamelock: lock not granted",
		"key", int64(s.key),
		"mode", res.Mode.String(),
		"status", res.Status.String(),
		"waited", res.Waited,
		"seeker", seeker.String(),
		"holders", holders,
	)
	if r.longHold <= 0 || s.oldestHold() <= r.longHold {
		return
	}
	r.longHoldOnce.Do(func() {
		r.logger.Error("gamelock: lock held too long", "key", int64(s.key), "threshold", r.longHold, "holders", holders)
		if r.onLongHold != nil {
			r.onLongHold(s.key, holders)
		}
	})
}
