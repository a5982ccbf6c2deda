package lockbus

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis pub/sub.
type RedisBus struct {
	fanout
	client *redis.Client

	psMu sync.Mutex
	ps   map[int64]*redis.PubSub
}

// NewRedisBus returns a RedisBus using client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{fanout: newFanout(), client: client, ps: make(map[int64]*redis.PubSub)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, Topic(ev.Key), data).Err(); err != nil {
		return err
	}
	b.countPublished()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, key int64) (<-chan Event, error) {
	b.psMu.Lock()
	if _, ok := b.ps[key]; !ok {
		ps := b.client.Subscribe(context.Background(), Topic(key))
		if _, err := ps.Receive(ctx); err != nil {
			b.psMu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		b.ps[key] = ps
		go b.dispatch(ps)
	}
	ch, _ := b.add(key)
	b.psMu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		ev, err := Decode([]byte(msg.Payload))
		if err != nil {
			continue
		}
		b.deliver(ev)
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key int64, ch <-chan Event) error {
	b.psMu.Lock()
	defer b.psMu.Unlock()
	found, last := b.remove(key, ch)
	if !found || !last {
		return nil
	}
	ps, ok := b.ps[key]
	if !ok {
		return nil
	}
	delete(b.ps, key)
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return b.metrics()
}
