// Package pool runs background lock requests on a fixed set of workers so
// that callers on latency-sensitive goroutines never block.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	lockerrors "github.com/xwords/gamelock/v1/errors"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

// ErrQueueFull is returned by Submit when every queue slot is taken.
var ErrQueueFull = errors.New("gamelock: worker queue full")

// Pool is a bounded worker pool.
type Pool struct {
	tasks  chan func()
	group  *errgroup.Group
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures a Pool.
type Option func(*config)

type config struct {
	workers int
	queue   int
	logger  *slog.Logger
}

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) Option {
	return func(c *config) { c.workers = n }
}

// WithQueueSize sets how many tasks may wait for a worker.
func WithQueueSize(n int) Option {
	return func(c *config) { c.queue = n }
}

// WithLogger sets the logger used for task panics.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New starts a Pool.
func New(opts ...Option) *Pool {
	cfg := config{workers: DefaultWorkers, queue: DefaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers <= 0 {
		cfg.workers = DefaultWorkers
	}
	if cfg.queue < 0 {
		cfg.queue = 0
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	g, _ := errgroup.WithContext(context.Background())
	g.SetLimit(cfg.workers)
	p := &Pool{
		tasks:  make(chan func(), cfg.queue),
		group:  g,
		logger: cfg.logger,
	}
	for i := 0; i < cfg.workers; i++ {
		g.Go(p.worker)
	}
	return p
}

func (p *Pool) worker() error {
	for task := range p.tasks {
		p.run(task)
	}
	return nil
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("gamelock: pool task panicked", "panic", fmt.Sprint(r))
		}
	}()
	task()
}

// Submit queues fn without blocking.
func (p *Pool) Submit(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return lockerrors.ErrPoolClosed
	}
	select {
	case p.tasks <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks, drains the queue and waits for the workers.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	return p.group.Wait()
}
