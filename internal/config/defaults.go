package config

import "time"

// DefaultConfig returns configuration with sensible defaults, mirroring
// the thresholds named explicitly in spec.md (B=10, T=5s, N=3, 10min
// suspension, 30s guard interval, 100/cycle zombie cap, 20/cycle
// auto-enqueue cap, 120s LLM timeout).
func DefaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{
			DSN:           "postgres://kg:kg@localhost:5432/kg?sslmode=disable",
			MaxConns:      5,
			MinConns:      2,
			MigrationsDir: "internal/store/migrations",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Graph: GraphConfig{
			URL:            "http://localhost:9181",
			RequestTimeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			BatchSize:         10,
			SchedulerInterval: 5 * time.Second,
			ActivePopTimeout:  3 * time.Second,
			BatchMetaTTL:      24 * time.Hour,
		},
		Throttle: ThrottleConfig{
			MaxConsecutiveFailures: 3,
			SuspendDuration:        10 * time.Minute,
			FailureCounterTTL:      24 * time.Hour,
			RateLimitCacheTTL:      60 * time.Second,
			DefaultRateLimitSecs:   10,
		},
		Guard: GuardConfig{
			Interval:          30 * time.Second,
			ZombieCapPerCycle: 100,
			AutoEnqueueCap:    20,
			NodeHeartbeatTTL:  180 * time.Second,
			RetryCapPerCycle:  20,
		},
		Extract: ExtractConfig{
			MaxContentLength: 12000,
			LLMTimeout:       120 * time.Second,
		},
	}
}
