package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/xwords/gamelock/v1/assert"
	lockerrors "github.com/xwords/gamelock/v1/errors"
	"github.com/xwords/gamelock/v1/internal/callstack"
	"github.com/xwords/gamelock/v1/metrics"
)

const (
	// DefaultThreshold is how long a ticket may stay armed before it fires.
	DefaultThreshold = 10 * time.Second
	// DefaultInterval is the sweep period of the service goroutine.
	DefaultInterval = time.Second
	// DefaultDedupeTTL suppresses repeated full reports about one culprit.
	DefaultDedupeTTL = time.Minute
)

// Report describes a fired ticket.
type Report struct {
	Object       any
	TicketID     string
	Label        string
	Elapsed      time.Duration
	SeekerStack  string
	CulpritFound bool
	CulpritID    string
	CulpritLabel string
	CulpritAge   time.Duration
	CulpritStack string
	Suppressed   bool
}

// Watchdog is a shared service tracking open tickets.
type Watchdog struct {
	enabled       bool
	captureStacks bool
	threshold     time.Duration
	interval      time.Duration
	dedupeTTL     time.Duration
	logger        *slog.Logger
	checker       *assert.Checker
	metrics       *metrics.LockMetrics
	seen          *ristretto.Cache

	mu        sync.Mutex
	active    []*Ticket
	listeners []listener
	nextID    uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithEnabled turns the service on or off. A disabled watchdog hands out
// inert tickets and runs no goroutine.
func WithEnabled(on bool) Option {
	return func(w *Watchdog) { w.enabled = on }
}

// WithThreshold sets how long a ticket may stay armed.
func WithThreshold(d time.Duration) Option {
	return func(w *Watchdog) { w.threshold = d }
}

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) Option {
	return func(w *Watchdog) { w.interval = d }
}

// WithCaptureStacks records the stack of the goroutine opening each ticket.
func WithCaptureStacks(on bool) Option {
	return func(w *Watchdog) { w.captureStacks = on }
}

// WithDedupeTTL sets the window during which repeated reports naming the
// same culprit are logged without stacks. Zero disables deduplication.
func WithDedupeTTL(d time.Duration) Option {
	return func(w *Watchdog) { w.dedupeTTL = d }
}

// WithLogger sets the logger used for reports.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithChecker sets the assertion checker.
func WithChecker(c *assert.Checker) Option {
	return func(w *Watchdog) { w.checker = c }
}

// WithMetrics records firings and active tickets.
func WithMetrics(m *metrics.LockMetrics) Option {
	return func(w *Watchdog) { w.metrics = m }
}

// OnFire registers a callback invoked after each report is logged.
func OnFire(fn func(Report)) Option {
	return func(w *Watchdog) {
		w.nextID++
		w.listeners = append(w.listeners, listener{id: w.nextID, fn: fn})
	}
}

// New returns a Watchdog. It is enabled by default; call Close to stop the
// sweeper.
func New(opts ...Option) *Watchdog {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watchdog{
		enabled:       true,
		captureStacks: true,
		threshold:     DefaultThreshold,
		interval:      DefaultInterval,
		dedupeTTL:     DefaultDedupeTTL,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.checker == nil {
		w.checker = assert.New(false, w.logger)
	}
	if !w.enabled {
		return w
	}
	if w.dedupeTTL > 0 {
		seen, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1e4,
			MaxCost:     1 << 10,
			BufferItems: 64,
		})
		if err != nil {
			panic(err)
		}
		w.seen = seen
	}
	if w.interval <= 0 {
		w.interval = DefaultInterval
	}
	w.wg.Add(1)
	go w.sweeper()
	return w
}

// Enabled reports whether tickets are tracked.
func (w *Watchdog) Enabled() bool { return w != nil && w.enabled }

// Threshold returns the configured firing delay.
func (w *Watchdog) Threshold() time.Duration { return w.threshold }

type listener struct {
	id uint64
	fn func(Report)
}

// Notify adds a callback invoked after each report is logged. The returned
// func removes it.
func (w *Watchdog) Notify(fn func(Report)) func() {
	if !w.Enabled() {
		return func() {}
	}
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.listeners = append(w.listeners, listener{id: id, fn: fn})
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, l := range w.listeners {
			if l.id == id {
				w.listeners = append(w.listeners[:i:i], w.listeners[i+1:]...)
				return
			}
		}
	}
}

// Watch opens a ticket for an attempt to acquire obj, which must be
// comparable (usually a pointer). label names the seeker in reports.
func (w *Watchdog) Watch(obj any, label string) *Ticket {
	if !w.Enabled() {
		return &Ticket{}
	}
	var stack string
	if w.captureStacks {
		stack = callstack.Capture(1)
	}
	return w.open(obj, label, stack, false)
}

// Hold registers a granted holder of obj. Hold tickets never fire; they are
// the culprits named when a Watch ticket on the same object does.
func (w *Watchdog) Hold(obj any, label, stack string) *Ticket {
	if !w.Enabled() {
		return &Ticket{}
	}
	return w.open(obj, label, stack, true)
}

func (w *Watchdog) open(obj any, label, stack string, passive bool) *Ticket {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = fmt.Sprintf("ticket-%d", time.Now().UnixNano())
	}
	t := &Ticket{
		id:      id,
		obj:     obj,
		label:   label,
		stack:   stack,
		passive: passive,
		start:   time.Now(),
		w:       w,
		state:   StateArmed,
	}
	w.mu.Lock()
	w.active = append(w.active, t)
	w.mu.Unlock()
	w.metrics.Watching(1)
	return t
}

// Active returns the number of registered tickets.
func (w *Watchdog) Active() int {
	if !w.Enabled() {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Close stops the sweeper. Open tickets stay valid but never fire.
func (w *Watchdog) Close() {
	if w == nil {
		return
	}
	w.cancel()
	w.wg.Wait()
	if w.seen != nil {
		w.seen.Close()
	}
}

// close moves an armed ticket to StateClosed so that no sweep fires it.
// Fired tickets stay fired. Anything else is a second close.
func (w *Watchdog) close(t *Ticket) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch t.state {
	case StateArmed:
		t.state = StateClosed
		return true
	case StateFired:
		return true
	}
	w.checker.Fail(lockerrors.ErrTicketClosed, "ticket %s (%s) in state %s", t.id, t.label, t.state)
	return false
}

// remove deregisters a closed or fired ticket.
func (w *Watchdog) remove(t *Ticket) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.state != StateClosed && t.state != StateFired {
		return
	}
	for i, a := range w.active {
		if a == t {
			w.active = append(w.active[:i], w.active[i+1:]...)
			break
		}
	}
	t.state = StateRemoved
	w.metrics.Watching(-1)
}

func (w *Watchdog) sweeper() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sweep(time.Now())
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watchdog) sweep(now time.Time) {
	var reports []Report
	w.mu.Lock()
	listeners := make([]listener, len(w.listeners))
	copy(listeners, w.listeners)
	for _, t := range w.active {
		if t.passive || t.state != StateArmed || now.Sub(t.start) < w.threshold {
			continue
		}
		t.state = StateFired
		r := Report{
			Object:      t.obj,
			TicketID:    t.id,
			Label:       t.label,
			Elapsed:     now.Sub(t.start),
			SeekerStack: t.stack,
		}
		if other := w.culpritLocked(t); other != nil {
			r.CulpritFound = true
			r.CulpritID = other.id
			r.CulpritLabel = other.label
			r.CulpritAge = now.Sub(other.start)
			r.CulpritStack = other.stack
		}
		reports = append(reports, r)
	}
	w.mu.Unlock()

	for _, r := range reports {
		r = w.report(r)
		for _, l := range listeners {
			l.fn(r)
		}
	}
}

// culpritLocked returns another ticket on t's object, preferring holders
// over fellow seekers.
func (w *Watchdog) culpritLocked(t *Ticket) *Ticket {
	var seeker *Ticket
	for _, other := range w.active {
		if other == t || other.obj != t.obj {
			continue
		}
		if other.passive {
			return other
		}
		if seeker == nil {
			seeker = other
		}
	}
	return seeker
}

func (w *Watchdog) report(r Report) Report {
	w.metrics.Fired()
	if r.CulpritFound && w.seen != nil {
		if _, dup := w.seen.Get(r.CulpritID); dup {
			r.Suppressed = true
		} else {
			w.seen.SetWithTTL(r.CulpritID, struct{}{}, 1, w.dedupeTTL)
			w.seen.Wait()
		}
	}
	switch {
	case !r.CulpritFound:
		w.logger.Error("gamelock: watchdog fired, no other ticket on the same object",
			"ticket", r.TicketID, "label", r.Label, "elapsed", r.Elapsed, "sought_by", r.SeekerStack)
	case r.Suppressed:
		w.logger.Error("gamelock: watchdog fired, culprit already reported",
			"ticket", r.TicketID, "label", r.Label, "elapsed", r.Elapsed, "culprit", r.CulpritID)
	default:
		w.logger.Error("gamelock: watchdog fired",
			"ticket", r.TicketID, "label", r.Label, "elapsed", r.Elapsed,
			"sought_by", r.SeekerStack,
			"culprit", r.CulpritID, "culprit_label", r.CulpritLabel,
			"culprit_age", r.CulpritAge, "likely_held_by", r.CulpritStack)
	}
	return r
}
