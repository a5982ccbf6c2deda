package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LockMetrics groups the collectors exported by a lock registry and its
// companions. All methods are safe on a nil receiver so callers can record
// unconditionally.
type LockMetrics struct {
	Grants        *prometheus.CounterVec
	Unavailable   *prometheus.CounterVec
	Timeouts      *prometheus.CounterVec
	WaitSeconds   *prometheus.HistogramVec
	Held          prometheus.Gauge
	Keys          prometheus.Gauge
	WatchdogFired prometheus.Counter
	WatchActive   prometheus.Gauge
	AsyncRequests prometheus.Counter
	BusPublished  prometheus.Counter
	BusFailures   prometheus.Counter
}

// NewLockMetrics builds the collectors and registers them on reg.
func NewLockMetrics(reg prometheus.Registerer) *LockMetrics {
	m := &LockMetrics{
		Grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamelock_grants_total",
			Help: "Total number of granted game locks",
		}, []string{"mode"}),
		Unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamelock_unavailable_total",
			Help: "Total number of non-blocking attempts that found the game locked",
		}, []string{"mode"}),
		Timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gamelock_timeouts_total",
			Help: "Total number of blocking attempts that timed out",
		}, []string{"mode"}),
		WaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gamelock_wait_seconds",
			Help:    "Time spent waiting for a game lock",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		Held: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamelock_held",
			Help: "Current number of outstanding lock handles",
		}),
		Keys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamelock_keys",
			Help: "Number of game keys with lock state",
		}),
		WatchdogFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamelock_watchdog_fired_total",
			Help: "Total number of watchdog tickets that outlived their threshold",
		}),
		WatchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gamelock_watchdog_active",
			Help: "Current number of registered watchdog tickets",
		}),
		AsyncRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamelock_async_requests_total",
			Help: "Total number of asynchronous lock requests",
		}),
		BusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamelock_bus_published_total",
			Help: "Total number of lock events published",
		}),
		BusFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gamelock_bus_failures_total",
			Help: "Total number of lock events that failed to publish",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Grants, m.Unavailable, m.Timeouts, m.WaitSeconds, m.Held,
			m.Keys, m.WatchdogFired, m.WatchActive, m.AsyncRequests, m.BusPublished, m.BusFailures)
	}
	return m
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func (m *LockMetrics) Granted(mode string, waited time.Duration) {
	if m == nil {
		return
	}
	m.Grants.WithLabelValues(mode).Inc()
	m.WaitSeconds.WithLabelValues(mode).Observe(waited.Seconds())
	m.Held.Inc()
}

func (m *LockMetrics) Released() {
	if m == nil {
		return
	}
	m.Held.Dec()
}

func (m *LockMetrics) Missed(mode string) {
	if m == nil {
		return
	}
	m.Unavailable.WithLabelValues(mode).Inc()
}

func (m *LockMetrics) TimedOut(mode string, waited time.Duration) {
	if m == nil {
		return
	}
	m.Timeouts.WithLabelValues(mode).Inc()
	m.WaitSeconds.WithLabelValues(mode).Observe(waited.Seconds())
}

func (m *LockMetrics) KeyCreated() {
	if m == nil {
		return
	}
	m.Keys.Inc()
}

func (m *LockMetrics) Async() {
	if m == nil {
		return
	}
	m.AsyncRequests.Inc()
}

func (m *LockMetrics) Watching(delta float64) {
	if m == nil {
		return
	}
	m.WatchActive.Add(delta)
}

func (m *LockMetrics) Fired() {
	if m == nil {
		return
	}
	m.WatchdogFired.Inc()
}

func (m *LockMetrics) Published(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BusFailures.Inc()
		return
	}
	m.BusPublished.Inc()
}
