// Package diag exposes lock holders, lock events and metrics over HTTP.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xwords/gamelock/v1/lock"
	"github.com/xwords/gamelock/v1/lockbus"
)

// Inspector is the read side of a lock registry.
type Inspector interface {
	Keys() []lock.Key
	StateFor(key lock.Key) *lock.State
	DescribeHolders(key lock.Key) string
}

// KeyInfo is one entry of the /keys listing.
type KeyInfo struct {
	Key      int64 `json:"key"`
	Holders  int   `json:"holders"`
	ReadOnly bool  `json:"read_only"`
}

// NewHandler mounts every diagnostics endpoint. bus and gatherer may be nil,
// in which case the event streams or /metrics are not mounted.
func NewHandler(reg Inspector, bus lockbus.Bus, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/holders", HoldersHandler(reg))
	mux.Handle("/keys", KeysHandler(reg))
	if bus != nil {
		mux.Handle("/events", SSEHandler(bus))
		mux.Handle("/ws", WebSocketHandler(bus))
	}
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func parseKey(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("key")
	if raw == "" {
		return 0, fmt.Errorf("missing key")
	}
	key, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q", raw)
	}
	return key, nil
}

// HoldersHandler writes DescribeHolders for the "key" query parameter.
func HoldersHandler(reg Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := parseKey(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, reg.DescribeHolders(lock.Key(key)))
	}
}

// KeysHandler lists every known key with its holder count.
func KeysHandler(reg Inspector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := reg.Keys()
		out := make([]KeyInfo, 0, len(keys))
		for _, k := range keys {
			s := reg.StateFor(k)
			out = append(out, KeyInfo{Key: int64(k), Holders: s.Holders(), ReadOnly: s.ReadOnly()})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// SSEHandler streams lock events over Server-Sent Events.
// The watched key is taken from the "key" query parameter.
func SSEHandler(bus lockbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := parseKey(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Subscribe(ctx, key)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), key, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := ev.Encode()
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams lock events over WebSocket as JSON text frames.
// The watched key is taken from the "key" query parameter.
func WebSocketHandler(bus lockbus.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := parseKey(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Subscribe(ctx, key)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), key, ch)
		}()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				data, err := ev.Encode()
				if err != nil {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
