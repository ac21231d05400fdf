package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all the configuration for the recorder.
// The mapstructure tags tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	Proxies   []ProxyConfig   `mapstructure:"proxies"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"requests_per_second"`
	Burst   int     `mapstructure:"burst"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// Storage backends.
const (
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Bolt    BoltConfig  `mapstructure:"bolt"`
	Redis   RedisPrefix `mapstructure:"redis"`
}

type BoltConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type RedisPrefix struct {
	Prefix string `mapstructure:"prefix"`
}

// RecorderConfig controls the management surface.
type RecorderConfig struct {
	RootPath       string        `mapstructure:"root_path"`
	StartPath      string        `mapstructure:"start_path"`
	StopPath       string        `mapstructure:"stop_path"`
	RecordsPath    string        `mapstructure:"records_path"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ProxyConfig describes one proxied route.
type ProxyConfig struct {
	RootPath           string        `mapstructure:"root_path"`
	UpstreamScheme     string        `mapstructure:"upstream_scheme"`
	UpstreamHost       string        `mapstructure:"upstream_host"`
	UpstreamPort       int           `mapstructure:"upstream_port"`
	Client             ClientConfig  `mapstructure:"client"`
	Breaker            BreakerConfig `mapstructure:"breaker"`
	HeaderManipulators []string      `mapstructure:"header_manipulators"`
	ResponseFilters    []string      `mapstructure:"response_filters"`
}

type ClientConfig struct {
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	PreserveHost          bool          `mapstructure:"preserve_host"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// Upstream returns scheme://host[:port].
func (p ProxyConfig) Upstream() string {
	scheme := p.UpstreamScheme
	if scheme == "" {
		scheme = "http"
	}
	if p.UpstreamPort == 0 {
		return fmt.Sprintf("%s://%s", scheme, p.UpstreamHost)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.UpstreamHost, p.UpstreamPort)
}

// RedisRequired reports whether a Redis connection has to be opened.
func (c *Config) RedisRequired() bool {
	return c.Redis.Enabled || c.Storage.Backend == BackendRedis
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return errors.New("server.address is required")
	}
	switch c.Storage.Backend {
	case BackendBolt:
		if c.Storage.Bolt.Path == "" {
			return errors.New("storage.bolt.path is required for the bolt backend")
		}
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("storage.backend %q is not one of bolt, redis, memory", c.Storage.Backend)
	}
	if c.RedisRequired() && c.Redis.Address == "" {
		return errors.New("redis.address is required")
	}
	if !strings.HasPrefix(c.Recorder.RootPath, "/") {
		return fmt.Errorf("recorder.root_path %q must start with /", c.Recorder.RootPath)
	}
	if strings.Trim(c.Recorder.RootPath, "/") == "" {
		return fmt.Errorf("recorder.root_path %q must name a path below /", c.Recorder.RootPath)
	}
	if c.Recorder.StartPath == "" || c.Recorder.StopPath == "" || c.Recorder.RecordsPath == "" {
		return errors.New("recorder start_path, stop_path and records_path are required")
	}
	if len(c.Proxies) == 0 {
		return errors.New("at least one entry under proxies is required")
	}
	seen := make(map[string]bool, len(c.Proxies))
	for i, p := range c.Proxies {
		if !strings.HasPrefix(p.RootPath, "/") {
			return fmt.Errorf("proxies[%d].root_path %q must start with /", i, p.RootPath)
		}
		if p.UpstreamHost == "" {
			return fmt.Errorf("proxies[%d].upstream_host is required", i)
		}
		if seen[p.RootPath] || p.RootPath == c.Recorder.RootPath {
			return fmt.Errorf("proxies[%d].root_path %q is already mounted", i, p.RootPath)
		}
		seen[p.RootPath] = true
	}
	return nil
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu        sync.RWMutex
	cfg       *Config
	listeners []func(*Config)
}

// NewStore wraps an already loaded config. Used by tests and tools.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

// OnChange registers fn to run after every successful reload.
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Replace swaps in cfg and notifies listeners as a reload would.
func (s *Store) Replace(cfg *Config) {
	s.set(cfg)
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

func newViper(path string) *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	setDefaults(v)

	v.SetEnvPrefix("RECORDER")
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		return v
	}
	v.AddConfigPath("./configs")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server::address", ":8080")
	v.SetDefault("server::shutdown_timeout", 10*time.Second)
	v.SetDefault("logging::level", "info")
	v.SetDefault("logging::format", "json")
	v.SetDefault("metrics::enabled", true)
	v.SetDefault("metrics::path", "/metrics")
	v.SetDefault("ratelimit::enabled", false)
	v.SetDefault("ratelimit::requests_per_second", 50)
	v.SetDefault("ratelimit::burst", 100)
	v.SetDefault("redis::address", "localhost:6379")
	v.SetDefault("redis::db", 0)
	v.SetDefault("storage::backend", BackendBolt)
	v.SetDefault("storage::bolt::path", "./data/records.db")
	v.SetDefault("storage::bolt::timeout", time.Second)
	v.SetDefault("storage::redis::prefix", "recorder:")
	v.SetDefault("recorder::root_path", "/recorder")
	v.SetDefault("recorder::start_path", "/start")
	v.SetDefault("recorder::stop_path", "/stop")
	v.SetDefault("recorder::records_path", "/records")
	v.SetDefault("recorder::refresh_timeout", 30*time.Second)
	v.SetDefault("recorder::request_timeout", 5*time.Second)
}

// LoadAndWatch loads the config at path (or ./configs/config.yaml when
// path is empty) and watches it for on-disk changes. A reload that fails
// to parse or validate keeps the previous config.
func LoadAndWatch(path string, log *zap.Logger) (*Store, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := refresh(v, store); err != nil {
			log.Warn("config reload failed", zap.String("file", e.Name), zap.Error(err))
		} else {
			log.Info("config reloaded", zap.String("file", e.Name))
		}
	})

	return store, nil
}

// Load reads the config once without watching.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}
	return store.Get(), nil
}

func refresh(v *viper.Viper, store *Store) error {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	store.set(&cfg)
	return nil
}
