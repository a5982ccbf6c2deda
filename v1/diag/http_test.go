package diag

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xwords/gamelock/v1/lock"
	"github.com/xwords/gamelock/v1/lockbus"
)

func newTestServer(t *testing.T) (*httptest.Server, *lock.Registry) {
	t.Helper()
	bus := lockbus.NewInMemoryBus()
	reg := prometheus.NewRegistry()
	locks := lock.NewRegistry(
		lock.WithBus(bus),
		lock.WithMetrics(reg),
		lock.WithCaptureDiagnostics(true),
	)
	srv := httptest.NewServer(NewHandler(locks, bus, reg))
	t.Cleanup(func() {
		srv.Close()
		_ = locks.Close()
	})
	return srv, locks
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestHoldersEndpoint(t *testing.T) {
	srv, locks := newTestServer(t)
	h, err := locks.Lock(lock.WithCaller(context.Background(), "board"), 7, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer h.Release()

	code, body := get(t, srv.URL+"/holders?key=7")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !strings.HasPrefix(body, "Showing 1 owners: ") || !strings.Contains(body, `"board"`) {
		t.Fatalf("unexpected body %q", body)
	}

	if code, _ := get(t, srv.URL+"/holders"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing key, got %d", code)
	}
	if code, _ := get(t, srv.URL+"/holders?key=seven"); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad key, got %d", code)
	}
}

func TestKeysEndpoint(t *testing.T) {
	srv, locks := newTestServer(t)
	a := locks.TryLockShared(3).Handle
	b := locks.TryLockShared(3).Handle
	defer a.Release()
	defer b.Release()
	locks.StateFor(1)

	code, body := get(t, srv.URL+"/keys")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var keys []KeyInfo
	if err := json.Unmarshal([]byte(body), &keys); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(keys) != 2 || keys[0].Key != 1 || keys[1].Key != 3 {
		t.Fatalf("unexpected keys %+v", keys)
	}
	if keys[1].Holders != 2 || !keys[1].ReadOnly {
		t.Fatalf("unexpected entry %+v", keys[1])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, locks := newTestServer(t)
	locks.TryLock(5).Handle.Release()
	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !strings.Contains(body, `gamelock_grants_total{mode="exclusive"} 1`) {
		t.Fatalf("expected grant counter in %q", body)
	}
}

func TestSSEStreamsEvents(t *testing.T) {
	srv, locks := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?key=9", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	locks.TryLock(9).Handle.Release()

	reader := bufio.NewReader(resp.Body)
	kinds := []string{}
	for len(kinds) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "event: ") {
			kinds = append(kinds, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		}
	}
	if kinds[0] != "granted" || kinds[1] != "released" {
		t.Fatalf("unexpected events %v", kinds)
	}
}

func TestSSEMissingKey(t *testing.T) {
	srv, _ := newTestServer(t)
	if code, _ := get(t, srv.URL+"/events"); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	srv, locks := newTestServer(t)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?key=11"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if res := locks.TryLockShared(11); res.OK() {
		res.Handle.Release()
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := lockbus.Decode(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Key != 11 || ev.Kind != lockbus.KindGranted || ev.Mode != "shared" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWebSocketMissingKey(t *testing.T) {
	srv, _ := newTestServer(t)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}
