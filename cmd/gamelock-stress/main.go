package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xwords/gamelock/v1/lock"
	"github.com/xwords/gamelock/v1/presets"
)

var (
	keys       = flag.Int("keys", 16, "Number of game keys")
	procs      = flag.Int("procs", 32, "Number of concurrent goroutines")
	duration   = flag.Duration("duration", 30*time.Second, "Duration of the stress test")
	writeRatio = flag.Float64("write-ratio", 0.1, "Fraction of exclusive requests")
	hold       = flag.Duration("hold", time.Millisecond, "Maximum time a grant is held")
	timeout    = flag.Duration("timeout", 50*time.Millisecond, "Wait budget per blocking request")
	asyncRatio = flag.Float64("async-ratio", 0.1, "Fraction of requests routed through LockAsync")
	debug      = flag.Bool("debug", false, "Capture owner stacks and run the watchdog")
	pprofAddr  = flag.String("pprof", "localhost:6060", "pprof listen address, empty to disable")
)

type counters struct {
	granted     atomic.Int64
	timedOut    atomic.Int64
	unavailable atomic.Int64
	async       atomic.Int64
}

func main() {
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			log.Printf("Starting pprof on %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	var stack *presets.Stack
	if *debug {
		stack = presets.NewDebug(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	} else {
		stack = presets.NewStandalone()
	}
	defer stack.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var c counters
	var wg sync.WaitGroup
	log.Printf("Contending on %d keys with %d goroutines for %v", *keys, *procs, *duration)
	for p := 0; p < *procs; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
			for ctx.Err() == nil {
				work(ctx, stack.Locks, r, &c)
			}
		}(p)
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				printCounters(&c)
			}
		}
	}()

	wg.Wait()
	log.Println("Stress Test Completed.")
	printCounters(&c)
}

func work(ctx context.Context, locks *lock.Registry, r *rand.Rand, c *counters) {
	key := lock.Key(r.Intn(*keys))
	mode := lock.Shared
	if r.Float64() < *writeRatio {
		mode = lock.Exclusive
	}

	var res lock.Result
	switch {
	case r.Float64() < *asyncRatio && mode == lock.Exclusive:
		c.async.Add(1)
		ch, err := locks.LockAsync(ctx, key, *timeout)
		if err != nil {
			return
		}
		res = <-ch
	case r.Intn(2) == 0:
		res = locks.StateFor(key).TryAcquire(mode)
	default:
		res = locks.Acquire(ctx, key, mode, *timeout)
	}

	switch res.Status {
	case lock.Granted:
		c.granted.Add(1)
		if *hold > 0 {
			time.Sleep(time.Duration(r.Int63n(int64(*hold))))
		}
		res.Handle.Release()
	case lock.Unavailable:
		c.unavailable.Add(1)
	case lock.TimedOut:
		c.timedOut.Add(1)
	}
}

func printCounters(c *counters) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Printf("granted = %d\tunavailable = %d\ttimeout = %d\tasync = %d",
		c.granted.Load(), c.unavailable.Load(), c.timedOut.Load(), c.async.Load())
	fmt.Printf("\tAlloc = %v MiB\tNumGC = %v\n", m.Alloc/1024/1024, m.NumGC)
}
