package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/xwords/gamelock/v1/config"
	"github.com/xwords/gamelock/v1/diag"
	"github.com/xwords/gamelock/v1/lock"
	"github.com/xwords/gamelock/v1/presets"
)

var (
	configPath = flag.String("config", "gamelock.yaml", "Path to the YAML configuration")
	listen     = flag.String("listen", "", "Listen address, overrides diag.listen")
	trace      = flag.Bool("trace", false, "Export lock spans to stdout")
	demo       = flag.Int("demo", 0, "Number of simulated game keys to contend on")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *listen != "" {
		cfg.Diag.Listen = *listen
	}
	if cfg.Bus.Backend == "" || cfg.Bus.Backend == "none" {
		cfg.Bus.Backend = "memory"
	}
	logger := cfg.Logger(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
		cfg.Lock.Tracing = true
	}

	stack, err := presets.NewFromConfig(cfg, logger)
	if err != nil {
		log.Fatalf("build stack: %v", err)
	}
	defer stack.Close()

	if *demo > 0 {
		go simulate(ctx, stack.Locks, *demo)
	}

	srv := &http.Server{
		Addr:    cfg.Diag.Listen,
		Handler: diag.NewHandler(stack.Locks, stack.Bus, stack.Metrics),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("gamelock-diag listening on %s (bus %s)", cfg.Diag.Listen, cfg.Bus.Backend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}

// simulate plays the roles of a board view, a relay handler and a timer
// fighting over a handful of games.
func simulate(ctx context.Context, locks *lock.Registry, keys int) {
	roles := []string{"board", "relay", "timer"}
	for i, role := range roles {
		go func(seed int64, role string) {
			r := rand.New(rand.NewSource(seed))
			rctx := lock.WithCaller(ctx, role)
			for ctx.Err() == nil {
				key := lock.Key(r.Intn(keys))
				if r.Intn(4) == 0 {
					h, err := locks.Lock(rctx, key, 200*time.Millisecond)
					if err != nil {
						continue
					}
					time.Sleep(time.Duration(r.Intn(50)) * time.Millisecond)
					h.Release()
				} else if res := locks.TryLockShared(key); res.OK() {
					time.Sleep(time.Duration(r.Intn(20)) * time.Millisecond)
					res.Handle.Release()
				}
				time.Sleep(10 * time.Millisecond)
			}
		}(time.Now().UnixNano()+int64(i), role)
	}
}
