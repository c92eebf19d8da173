package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Usage thresholds for pool alerts, matching the Python connection
// pool monitor this is ported from.
const (
	highUsageThreshold     = 0.8
	criticalUsageThreshold = 0.95
	alertCooldown          = 5 * time.Minute
	maxStatsHistory        = 60
)

// PoolStats is one sample of connection pool occupancy.
type PoolStats struct {
	Sampled      time.Time
	TotalConns   int32
	IdleConns    int32
	AcquiredConns int32
	UsageRatio   float64
}

// PoolMonitor periodically samples a pgxpool.Pool's stats, keeps a
// rolling history, and logs high/critical occupancy alerts. Ported
// from the connection pool monitor in the original extraction
// service, which watched for connection leaks under sustained load.
type PoolMonitor struct {
	pool          *pgxpool.Pool
	logger        *slog.Logger
	checkInterval time.Duration

	mu            sync.Mutex
	history       []PoolStats
	lastAlertTime time.Time

	stop chan struct{}
}

// NewPoolMonitor creates a PoolMonitor for pool, sampling every interval.
func NewPoolMonitor(pool *pgxpool.Pool, logger *slog.Logger, interval time.Duration) *PoolMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &PoolMonitor{
		pool:          pool,
		logger:        logger,
		checkInterval: interval,
		stop:          make(chan struct{}),
	}
}

// Start runs the monitor loop until ctx is cancelled or Stop is called.
func (m *PoolMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// Stop halts the monitor loop.
func (m *PoolMonitor) Stop() {
	close(m.stop)
}

func (m *PoolMonitor) sample() {
	stat := m.pool.Stat()
	total := stat.TotalConns()
	acquired := stat.AcquiredConns()
	idle := stat.IdleConns()

	var ratio float64
	if total > 0 {
		ratio = float64(acquired) / float64(total)
	}

	sample := PoolStats{
		Sampled:       time.Now(),
		TotalConns:    total,
		IdleConns:     idle,
		AcquiredConns: acquired,
		UsageRatio:    ratio,
	}

	m.mu.Lock()
	m.history = append(m.history, sample)
	if len(m.history) > maxStatsHistory {
		m.history = m.history[1:]
	}
	historyLen := len(m.history)
	m.mu.Unlock()

	m.checkAlert(sample)

	if historyLen%10 == 0 {
		m.logger.Info("store pool status",
			slog.Int("total", int(total)),
			slog.Int("acquired", int(acquired)),
			slog.Int("idle", int(idle)),
			slog.Float64("usage_ratio", ratio),
		)
	}
}

func (m *PoolMonitor) checkAlert(sample PoolStats) {
	m.mu.Lock()
	sinceLast := time.Since(m.lastAlertTime)
	m.mu.Unlock()
	if sinceLast < alertCooldown {
		return
	}

	switch {
	case sample.UsageRatio >= criticalUsageThreshold:
		m.logger.Error("store pool usage critical, possible connection leak",
			slog.Float64("usage_ratio", sample.UsageRatio),
			slog.Int("acquired", int(sample.AcquiredConns)),
			slog.Int("total", int(sample.TotalConns)),
		)
		m.mu.Lock()
		m.lastAlertTime = time.Now()
		m.mu.Unlock()
	case sample.UsageRatio >= highUsageThreshold:
		m.logger.Warn("store pool usage high",
			slog.Float64("usage_ratio", sample.UsageRatio),
			slog.Int("acquired", int(sample.AcquiredConns)),
			slog.Int("total", int(sample.TotalConns)),
		)
		m.mu.Lock()
		m.lastAlertTime = time.Now()
		m.mu.Unlock()
	}
}

// History returns a copy of the recent stats samples.
func (m *PoolMonitor) History() []PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PoolStats, len(m.history))
	copy(out, m.history)
	return out
}
