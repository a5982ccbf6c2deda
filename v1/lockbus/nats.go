package lockbus

import (
	"context"
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSBus implements Bus using a NATS connection.
type NATSBus struct {
	fanout
	conn *nats.Conn

	subMu sync.Mutex
	subs  map[int64]*nats.Subscription
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{fanout: newFanout(), conn: conn, subs: make(map[int64]*nats.Subscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := b.conn.Publish(Topic(ev.Key), data); err != nil {
		return err
	}
	b.countPublished()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key int64) (<-chan Event, error) {
	b.subMu.Lock()
	if _, ok := b.subs[key]; !ok {
		sub, err := b.conn.Subscribe(Topic(key), func(m *nats.Msg) {
			ev, err := Decode(m.Data)
			if err != nil {
				return
			}
			b.deliver(ev)
		})
		if err != nil {
			b.subMu.Unlock()
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			b.subMu.Unlock()
			_ = sub.Unsubscribe()
			return nil, err
		}
		b.subs[key] = sub
	}
	ch, _ := b.add(key)
	b.subMu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key int64, ch <-chan Event) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	found, last := b.remove(key, ch)
	if !found || !last {
		return nil
	}
	sub, ok := b.subs[key]
	if !ok {
		return nil
	}
	delete(b.subs, key)
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return b.metrics()
}
