package lockbus

import (
	"context"
	"errors"
	"testing"
	"time"

	lockerrors "github.com/xwords/gamelock/v1/errors"
)

func expectEvent(t *testing.T, ch <-chan Event, kind Kind) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		if ev.Kind != kind {
			t.Fatalf("expected %s event, got %s", kind, ev.Kind)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %s event", kind)
	}
	return Event{}
}

func TestInMemoryBusDeliversPerKey(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()
	ch42, _ := bus.Subscribe(ctx, 42)
	ch7, _ := bus.Subscribe(ctx, 7)

	if err := bus.Publish(ctx, Event{Key: 42, Kind: KindGranted, Mode: "exclusive", Holders: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev := expectEvent(t, ch42, KindGranted)
	if ev.Holders != 1 || ev.Mode != "exclusive" {
		t.Fatalf("unexpected event %+v", ev)
	}
	select {
	case ev := <-ch7:
		t.Fatalf("key 7 should not see key 42 events, got %+v", ev)
	default:
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryBusContextUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx, 1)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed on cancel")
	}
	if err := bus.Unsubscribe(context.Background(), 1, ch); err != nil {
		t.Fatalf("unsubscribe after close: %v", err)
	}
}

func TestEventRoundTrip(t *testing.T) {
	in := Event{Key: 9, Kind: KindTimeout, Mode: "shared", Label: "relay", At: time.Unix(100, 0).UTC()}
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v vs %+v", out, in)
	}
	if Topic(9) != "gamelock.9" {
		t.Fatalf("unexpected topic %q", Topic(9))
	}
}

type failingBus struct {
	*InMemoryBus
	fail bool
}

func (f *failingBus) Publish(ctx context.Context, ev Event) error {
	if f.fail {
		return errors.New("down")
	}
	return f.InMemoryBus.Publish(ctx, ev)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	inner := &failingBus{InMemoryBus: NewInMemoryBus(), fail: true}
	cb := NewCircuitBreaker(inner, 2, 20*time.Millisecond)
	ctx := context.Background()
	ev := Event{Key: 1, Kind: KindReleased}

	_ = cb.Publish(ctx, ev)
	_ = cb.Publish(ctx, ev)
	if err := cb.Publish(ctx, ev); !errors.Is(err, lockerrors.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("breaker should be unhealthy")
	}
	time.Sleep(30 * time.Millisecond)
	inner.fail = false
	if err := cb.Publish(ctx, ev); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("breaker should be healthy after probe")
	}
}
