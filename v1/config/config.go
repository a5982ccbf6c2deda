// Package config provides YAML configuration for gamelock services.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xwords/gamelock/v1/lock"
	"github.com/xwords/gamelock/v1/pool"
	"github.com/xwords/gamelock/v1/watchdog"
)

// Config represents the gamelock configuration.
type Config struct {
	Lock     LockConfig     `yaml:"lock"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Pool     PoolConfig     `yaml:"pool"`
	Bus      BusConfig      `yaml:"bus"`
	Diag     DiagConfig     `yaml:"diag"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LockConfig configures the registry.
type LockConfig struct {
	CaptureDiagnostics bool   `yaml:"capture_diagnostics"`
	Strict             bool   `yaml:"strict"`
	MaxWait            string `yaml:"max_wait"`
	LongHoldThreshold  string `yaml:"long_hold_threshold"`
	Tracing            bool   `yaml:"tracing"`
}

// WatchdogConfig configures the deadlock watchdog.
type WatchdogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Threshold     string `yaml:"threshold"`
	Interval      string `yaml:"interval"`
	CaptureStacks bool   `yaml:"capture_stacks"`
	DedupeTTL     string `yaml:"dedupe_ttl"`
}

// PoolConfig sizes the background worker pool.
type PoolConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// BusConfig selects where lock events go.
type BusConfig struct {
	Backend          string   `yaml:"backend"` // none, memory, redis, nats, kafka
	Addr             string   `yaml:"addr"`
	Brokers          []string `yaml:"brokers"`
	Topic            string   `yaml:"topic"`
	BreakerThreshold int      `yaml:"breaker_threshold"`
	BreakerTimeout   string   `yaml:"breaker_timeout"`
}

// DiagConfig configures the diagnostics HTTP server.
type DiagConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Lock: LockConfig{
			MaxWait:           lock.DefaultMaxWait.String(),
			LongHoldThreshold: lock.DefaultLongHoldThreshold.String(),
		},
		Watchdog: WatchdogConfig{
			Enabled:       false,
			Threshold:     watchdog.DefaultThreshold.String(),
			Interval:      watchdog.DefaultInterval.String(),
			CaptureStacks: true,
			DedupeTTL:     watchdog.DefaultDedupeTTL.String(),
		},
		Pool: PoolConfig{
			Workers:   pool.DefaultWorkers,
			QueueSize: pool.DefaultQueueSize,
		},
		Bus: BusConfig{
			Backend:          "none",
			BreakerThreshold: 5,
			BreakerTimeout:   "30s",
		},
		Diag: DiagConfig{
			Listen: ":8099",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration at path on top of Default.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks durations and enumerations.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"lock.max_wait":            c.Lock.MaxWait,
		"lock.long_hold_threshold": c.Lock.LongHoldThreshold,
		"watchdog.threshold":       c.Watchdog.Threshold,
		"watchdog.interval":        c.Watchdog.Interval,
		"watchdog.dedupe_ttl":      c.Watchdog.DedupeTTL,
		"bus.breaker_timeout":      c.Bus.BreakerTimeout,
	} {
		if _, err := duration(v); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	switch c.Bus.Backend {
	case "", "none", "memory", "redis", "nats", "kafka":
	default:
		return fmt.Errorf("config bus.backend: unknown backend %q", c.Bus.Backend)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

// duration parses s, treating the empty string as zero.
func duration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func mustDuration(s string) time.Duration {
	d, _ := duration(s)
	return d
}

// BreakerTimeout returns the parsed bus breaker timeout.
func (c *Config) BreakerTimeout() time.Duration {
	return mustDuration(c.Bus.BreakerTimeout)
}

// RegistryOptions translates the lock section. Callers add the watchdog,
// bus and executor themselves.
func (c *Config) RegistryOptions(logger *slog.Logger) []lock.Option {
	opts := []lock.Option{
		lock.WithCaptureDiagnostics(c.Lock.CaptureDiagnostics),
		lock.WithStrict(c.Lock.Strict),
		lock.WithMaxWait(mustDuration(c.Lock.MaxWait)),
		lock.WithLongHoldThreshold(mustDuration(c.Lock.LongHoldThreshold)),
	}
	if logger != nil {
		opts = append(opts, lock.WithLogger(logger))
	}
	if c.Lock.Tracing {
		opts = append(opts, lock.WithTracing())
	}
	return opts
}

// WatchdogOptions translates the watchdog section.
func (c *Config) WatchdogOptions(logger *slog.Logger) []watchdog.Option {
	opts := []watchdog.Option{
		watchdog.WithEnabled(c.Watchdog.Enabled),
		watchdog.WithCaptureStacks(c.Watchdog.CaptureStacks),
	}
	if d := mustDuration(c.Watchdog.Threshold); d > 0 {
		opts = append(opts, watchdog.WithThreshold(d))
	}
	if d := mustDuration(c.Watchdog.Interval); d > 0 {
		opts = append(opts, watchdog.WithInterval(d))
	}
	opts = append(opts, watchdog.WithDedupeTTL(mustDuration(c.Watchdog.DedupeTTL)))
	if logger != nil {
		opts = append(opts, watchdog.WithLogger(logger))
	}
	return opts
}

// PoolOptions translates the pool section.
func (c *Config) PoolOptions(logger *slog.Logger) []pool.Option {
	opts := []pool.Option{
		pool.WithWorkers(c.Pool.Workers),
		pool.WithQueueSize(c.Pool.QueueSize),
	}
	if logger != nil {
		opts = append(opts, pool.WithLogger(logger))
	}
	return opts
}

// Logger builds a slog logger writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}
