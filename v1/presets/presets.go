package presets

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/xwords/gamelock/v1/config"
	"github.com/xwords/gamelock/v1/lock"
	"github.com/xwords/gamelock/v1/lockbus"
	"github.com/xwords/gamelock/v1/metrics"
	"github.com/xwords/gamelock/v1/pool"
	"github.com/xwords/gamelock/v1/watchdog"
)

// Stack is a registry together with the services it was wired to.
type Stack struct {
	Locks    *lock.Registry
	Watchdog *watchdog.Watchdog
	Pool     *pool.Pool
	Bus      lockbus.Bus
	Metrics  *prometheus.Registry

	closers []io.Closer
}

// Close shuts the stack down in reverse dependency order.
func (s *Stack) Close() error {
	var first error
	if err := s.Locks.Close(); err != nil {
		first = err
	}
	if err := s.Pool.Close(); err != nil && first == nil {
		first = err
	}
	s.Watchdog.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func build(bus lockbus.Bus, logger *slog.Logger, wopts []watchdog.Option, popts []pool.Option, lopts []lock.Option) *Stack {
	if logger == nil {
		logger = slog.Default()
	}
	reg := metrics.NewRegistry()
	m := metrics.NewLockMetrics(reg)
	w := watchdog.New(append([]watchdog.Option{watchdog.WithLogger(logger), watchdog.WithMetrics(m)}, wopts...)...)
	p := pool.New(append([]pool.Option{pool.WithLogger(logger)}, popts...)...)
	opts := []lock.Option{
		lock.WithLogger(logger),
		lock.WithLockMetrics(m),
		lock.WithWatchdog(w),
		lock.WithExecutor(p),
		lock.WithBus(bus),
	}
	return &Stack{
		Locks:    lock.NewRegistry(append(opts, lopts...)...),
		Watchdog: w,
		Pool:     p,
		Bus:      bus,
		Metrics:  reg,
	}
}

// NewStandalone creates a registry for release builds: no stack capture,
// lenient assertions, no watchdog, events kept in process.
func NewStandalone() *Stack {
	return build(lockbus.NewInMemoryBus(), nil,
		[]watchdog.Option{watchdog.WithEnabled(false)}, nil, nil)
}

// NewDebug creates a registry for debug builds: owners carry stacks,
// programming errors panic and the watchdog reports stuck acquisitions.
func NewDebug(logger *slog.Logger) *Stack {
	return build(lockbus.NewInMemoryBus(), logger,
		[]watchdog.Option{watchdog.WithEnabled(true)},
		nil,
		[]lock.Option{lock.WithCaptureDiagnostics(true), lock.WithStrict(true)},
	)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBacked creates a standalone registry that publishes lock events
// on Redis pub/sub behind a circuit breaker.
func NewRedisBacked(opts RedisOptions) *Stack {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus := lockbus.NewCircuitBreaker(lockbus.NewRedisBus(client), 5, 30*time.Second)
	s := build(bus, nil, []watchdog.Option{watchdog.WithEnabled(false)}, nil, nil)
	s.closers = append(s.closers, client)
	return s
}

// NewFromConfig wires a stack from cfg. The bus backend is dialed here.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	var (
		bus     lockbus.Bus
		closers []io.Closer
	)
	switch cfg.Bus.Backend {
	case "", "none":
	case "memory":
		bus = lockbus.NewInMemoryBus()
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Bus.Addr})
		bus = lockbus.NewRedisBus(client)
		closers = append(closers, client)
	case "nats":
		url := cfg.Bus.Addr
		if url == "" {
			url = nats.DefaultURL
		}
		conn, err := nats.Connect(url)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		bus = lockbus.NewNATSBus(conn)
		closers = append(closers, closerFunc(func() error { conn.Close(); return nil }))
	case "kafka":
		topic := cfg.Bus.Topic
		if topic == "" {
			topic = lockbus.DefaultKafkaTopic
		}
		kb, err := lockbus.DialKafka(cfg.Bus.Brokers, sarama.NewConfig(), topic)
		if err != nil {
			return nil, fmt.Errorf("dial kafka: %w", err)
		}
		bus = kb
		closers = append(closers, kb)
	}
	if bus != nil && cfg.Bus.Backend != "memory" && cfg.Bus.BreakerThreshold > 0 {
		bus = lockbus.NewCircuitBreaker(bus, cfg.Bus.BreakerThreshold, cfg.BreakerTimeout())
	}
	s := build(bus, logger, cfg.WatchdogOptions(logger), cfg.PoolOptions(logger), cfg.RegistryOptions(logger))
	s.closers = closers
	return s, nil
}
