// Package lockbus publishes game lock lifecycle events so that actors outside
// the lock registry (turn notifiers, relay handlers, diagnostics) can observe
// grants and releases without polling.
package lockbus

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names a lock lifecycle event.
type Kind string

const (
	KindGranted     Kind = "granted"
	KindReleased    Kind = "released"
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindWatchdog    Kind = "watchdog"
)

// Event is one lock lifecycle notification.
type Event struct {
	Key     int64     `json:"key"`
	Kind    Kind      `json:"kind"`
	Mode    string    `json:"mode,omitempty"`
	Owner   string    `json:"owner,omitempty"`
	Label   string    `json:"label,omitempty"`
	Holders int       `json:"holders"`
	At      time.Time `json:"at"`
}

// Encode serializes e as JSON.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a JSON event.
func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Topic returns the channel name used for key by the networked backends.
func Topic(key int64) string {
	return "gamelock." + strconv.FormatInt(key, 10)
}

// Bus carries lock events.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, key int64) (<-chan Event, error)
	Unsubscribe(ctx context.Context, key int64, ch <-chan Event) error
}

// Metrics counts bus traffic.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// fanout keeps per-key subscriber channels. Backends embed it and feed it
// from their own transport.
type fanout struct {
	mu        sync.Mutex
	subs      map[int64][]chan Event
	published uint64
	delivered uint64
}

func newFanout() fanout {
	return fanout{subs: make(map[int64][]chan Event)}
}

// add registers a new channel and reports whether it is the first for key.
func (f *fanout) add(key int64) (chan Event, bool) {
	ch := make(chan Event, 16)
	f.mu.Lock()
	first := len(f.subs[key]) == 0
	f.subs[key] = append(f.subs[key], ch)
	f.mu.Unlock()
	return ch, first
}

// remove drops ch and reports whether key has no subscribers left.
func (f *fanout) remove(key int64, ch <-chan Event) (found, last bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			f.subs[key] = subs
			close(c)
			found = true
			break
		}
	}
	if len(subs) == 0 {
		delete(f.subs, key)
		last = true
	}
	return found, last
}

// deliver never blocks; slow subscribers miss events.
func (f *fanout) deliver(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[ev.Key] {
		select {
		case ch <- ev:
			atomic.AddUint64(&f.delivered, 1)
		default:
		}
	}
}

func (f *fanout) countPublished() {
	atomic.AddUint64(&f.published, 1)
}

func (f *fanout) metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&f.published),
		Delivered: atomic.LoadUint64(&f.delivered),
	}
}

// InMemoryBus is a process-local Bus.
type InMemoryBus struct {
	fanout
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{fanout: newFanout()}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	b.countPublished()
	b.deliver(ev)
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription ends when ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, key int64) (<-chan Event, error) {
	ch, _ := b.add(key)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key int64, ch <-chan Event) error {
	b.remove(key, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return b.metrics()
}
