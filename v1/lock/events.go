package lock

import (
	"context"
	"time"

	"github.com/xwords/gamelock/v1/lockbus"
	"github.com/xwords/gamelock/v1/watchdog"
)

// emit queues an event for the publisher. It must not be called with a
// state mutex held.
func (r *Registry) emit(s *State, kind lockbus.Kind, mode Mode, o *Owner) {
	if r.bus == nil {
		return
	}
	ev := lockbus.Event{
		Key:     int64(s.key),
		Kind:    kind,
		Mode:    mode.String(),
		Holders: s.Holders(),
		At:      time.Now(),
	}
	if o != nil {
		ev.Owner = o.id
		ev.Label = o.label
	}
	r.enqueue(ev)
}

func (r *Registry) enqueue(ev lockbus.Event) {
	r.emitMu.RLock()
	defer r.emitMu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.metrics.Published(errEventDropped)
	}
}

// publisher forwards queued events in order.
func (r *Registry) publisher() {
	defer r.emitted.Done()
	for ev := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := r.bus.Publish(ctx, ev)
		cancel()
		r.metrics.Published(err)
		if err != nil {
			r.logger.Warn("gamelock: publish event", "key", ev.Key, "kind", string(ev.Kind), "error", err)
		}
	}
}

func (r *Registry) watchdogFired(rep watchdog.Report) {
	s, ok := rep.Object.(*State)
	if !ok || s.reg != r {
		return
	}
	r.enqueue(lockbus.Event{
		Key:     int64(s.key),
		Kind:    lockbus.KindWatchdog,
		Mode:    s.modeSnapshot().String(),
		Owner:   rep.CulpritID,
		Label:   rep.Label,
		Holders: s.Holders(),
		At:      time.Now(),
	})
}
