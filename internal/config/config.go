// Package config loads and hot-reloads worker-service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all worker-service configuration.
type Config struct {
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Graph    GraphConfig    `mapstructure:"graph" yaml:"graph"`
	Queue    QueueConfig    `mapstructure:"queue" yaml:"queue"`
	Throttle ThrottleConfig `mapstructure:"throttle" yaml:"throttle"`
	Guard    GuardConfig    `mapstructure:"guard" yaml:"guard"`
	Extract  ExtractConfig  `mapstructure:"extract" yaml:"extract"`
}

// PostgresConfig configures the relational store connection.
type PostgresConfig struct {
	DSN           string `mapstructure:"dsn" yaml:"dsn"`
	MaxConns      int32  `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns" yaml:"min_conns"`
	MigrationsDir string `mapstructure:"migrations_dir" yaml:"migrations_dir"`
}

// RedisConfig configures the KV/queue/pub-sub store connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// GraphConfig configures the graph store client.
type GraphConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// QueueConfig configures the provider queue and batch scheduler.
type QueueConfig struct {
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size"`
	SchedulerInterval time.Duration `mapstructure:"scheduler_interval" yaml:"scheduler_interval"`
	ActivePopTimeout  time.Duration `mapstructure:"active_pop_timeout" yaml:"active_pop_timeout"`
	BatchMetaTTL      time.Duration `mapstructure:"batch_meta_ttl" yaml:"batch_meta_ttl"`
}

// ThrottleConfig configures the per-provider circuit breaker and rate limiter.
type ThrottleConfig struct {
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	SuspendDuration        time.Duration `mapstructure:"suspend_duration" yaml:"suspend_duration"`
	FailureCounterTTL      time.Duration `mapstructure:"failure_counter_ttl" yaml:"failure_counter_ttl"`
	RateLimitCacheTTL      time.Duration `mapstructure:"rate_limit_cache_ttl" yaml:"rate_limit_cache_ttl"`
	DefaultRateLimitSecs   int           `mapstructure:"default_rate_limit_seconds" yaml:"default_rate_limit_seconds"`
}

// GuardConfig configures the supervisor/guard loop.
type GuardConfig struct {
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	ZombieCapPerCycle int           `mapstructure:"zombie_cap_per_cycle" yaml:"zombie_cap_per_cycle"`
	AutoEnqueueCap    int           `mapstructure:"auto_enqueue_cap" yaml:"auto_enqueue_cap"`
	NodeHeartbeatTTL  time.Duration `mapstructure:"node_heartbeat_ttl" yaml:"node_heartbeat_ttl"`
	RetryCapPerCycle  int           `mapstructure:"retry_cap_per_cycle" yaml:"retry_cap_per_cycle"`
}

// ExtractConfig configures the per-chapter extraction transaction.
type ExtractConfig struct {
	MaxContentLength int           `mapstructure:"max_content_length" yaml:"max_content_length"`
	LLMTimeout       time.Duration `mapstructure:"llm_timeout" yaml:"llm_timeout"`
}

// Manager loads and hot-reloads the Config from file + environment.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{callbacks: make([]func(*Config), 0)}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("postgres", defaults.Postgres)
	viper.SetDefault("redis", defaults.Redis)
	viper.SetDefault("graph", defaults.Graph)
	viper.SetDefault("queue", defaults.Queue)
	viper.SetDefault("throttle", defaults.Throttle)
	viper.SetDefault("guard", defaults.Guard)
	viper.SetDefault("extract", defaults.Extract)

	viper.SetEnvPrefix("KG")
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.kgworker")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback invoked whenever the config file changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration from disk.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}
