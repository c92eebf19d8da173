package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/config"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/extract"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/graph"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/guard"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/metrics"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/progress"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/providers"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/queue"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/rules"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/scheduler"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/store"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/task"
	"github.com/ronghuaxueleng/chaishu-worker-service/internal/throttle"
)

// app bundles every shared dependency the CLI's subcommands wire
// together differently (a worker needs extract+throttle, the admin
// task commands only need task.Service, etc.).
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool *pgxpool.Pool
	kv   *kv.Client

	novels      *store.NovelStore
	chapters    *store.ChapterStore
	providerCfg *store.ProviderStore
	tasks       *store.TaskStore
	chapterTask *store.ChapterTaskStore

	queue     *queue.Queue
	throttle  *throttle.Throttle
	registry  *providers.Registry
	graph     *graph.Store
	taskSvc   *task.Service
	publisher *progress.Publisher
	metrics   *metrics.Recorder
}

// providerRateAdapter bridges store.ProviderStore's
// (name, fallback) RateLimitSeconds to throttle.RateLimitSource's
// (name)-only shape, the one piece of wiring glue kept here at the
// composition root instead of on either package.
type providerRateAdapter struct {
	store    *store.ProviderStore
	fallback int
}

func (a providerRateAdapter) RateLimitSeconds(ctx context.Context, name string) (int, error) {
	return a.store.RateLimitSeconds(ctx, name, a.fallback)
}

// newApp loads configuration and wires every shared dependency. It
// does not start any background loop — callers decide which of
// worker/scheduler/guard to run.
func newApp(ctx context.Context, cfgFile string, logger *slog.Logger) (*app, error) {
	mgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get()

	if err := store.MigrateUp(cfg.Postgres.DSN, cfg.Postgres.MigrationsDir, logger); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := store.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	kvc := kv.New(kv.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB, Logger: logger})
	if err := kvc.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	novels := store.NewNovelStore(pool)
	chapters := store.NewChapterStore(pool)
	providerCfg := store.NewProviderStore(pool)
	tasks := store.NewTaskStore(pool)
	chapterTask := store.NewChapterTaskStore(pool)

	q := queue.New(kvc)

	th := throttle.New(kvc, providerRateAdapter{store: providerCfg, fallback: cfg.Throttle.DefaultRateLimitSecs}, logger)

	registry, err := buildRegistry(ctx, providerCfg, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("build provider registry: %w", err)
	}

	graphClient := graph.NewClient(cfg.Graph.URL, cfg.Graph.RequestTimeout)
	graphStore := graph.NewStore(graphClient)
	if err := graphStore.EnsureSchema(ctx); err != nil {
		logger.Warn("graph schema registration failed, continuing (may already exist)", "error", err)
	}

	taskSvc := task.New(tasks, chapterTask, q, graphStore, registry, th, logger)
	publisher := progress.New(kvc, logger)
	metricsRecorder := metrics.NewRecorder(pool)

	th.SetSuspendHook(func(ctx context.Context, provider string) (int64, error) {
		reassigned, err := queueReassignSuspendedProvider(ctx, q, registry, th, provider)
		if err != nil {
			return reassigned, err
		}
		paused, err := taskSvc.PauseTasksOnProvider(ctx, provider)
		if err != nil {
			logger.Error("suspend hook: pausing tasks on suspended provider failed", "provider", provider, "error", err)
		} else if paused > 0 {
			logger.Info("paused tasks running on suspended provider", "provider", provider, "count", paused)
		}
		return reassigned, nil
	})

	return &app{
		cfg:         cfg,
		logger:      logger,
		pool:        pool,
		kv:          kvc,
		novels:      novels,
		chapters:    chapters,
		providerCfg: providerCfg,
		tasks:       tasks,
		chapterTask: chapterTask,
		queue:       q,
		throttle:    th,
		registry:    registry,
		graph:       graphStore,
		taskSvc:     taskSvc,
		publisher:   publisher,
		metrics:     metricsRecorder,
	}, nil
}

// queueReassignSuspendedProvider moves a suspended provider's queued
// work onto every other configured, non-suspended provider, used as
// the throttle's SuspendHook.
func queueReassignSuspendedProvider(ctx context.Context, q *queue.Queue, registry *providers.Registry, th *throttle.Throttle, provider string) (int64, error) {
	var targets []string
	for _, name := range registry.Names() {
		if !th.IsSuspended(ctx, name) {
			targets = append(targets, name)
		}
	}
	result, err := q.Reassign(ctx, provider, targets, 0, queue.StrategyShortest)
	if err != nil {
		return 0, err
	}
	return result.Moved, nil
}

// buildRegistry registers the rules provider plus every enabled
// configured provider, dispatching on AIProvider.Kind.
func buildRegistry(ctx context.Context, providerCfg *store.ProviderStore, logger *slog.Logger) (*providers.Registry, error) {
	registry := providers.NewRegistry()
	registry.SetLogger(logger)
	registry.Register(rules.NewClient())

	configured, err := providerCfg.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range configured {
		client, err := buildProviderClient(p)
		if err != nil {
			logger.Warn("skipping misconfigured provider", "provider", p.Name, "kind", p.Kind, "error", err)
			continue
		}
		if client != nil {
			registry.Register(client)
		}
	}
	return registry, nil
}

func buildProviderClient(p *store.AIProvider) (providers.LLMClient, error) {
	apiKey := config.ResolveEnvVars(fmt.Sprintf("${%s_API_KEY}", envSafe(p.Name)))
	switch p.Kind {
	case "openai_compatible":
		return providers.NewOpenAICompatibleClient(providers.OpenAICompatibleConfig{
			Name:         p.Name,
			APIKey:       apiKey,
			BaseURL:      p.BaseURL,
			DefaultModel: p.Model,
			Timeout:      120 * time.Second,
		}), nil
	case "claude_style":
		return providers.NewClaudeStyleClient(providers.ClaudeStyleConfig{
			Name:         p.Name,
			APIKey:       apiKey,
			BaseURL:      p.BaseURL,
			DefaultModel: p.Model,
			Timeout:      120 * time.Second,
		}), nil
	case "local_proxy":
		return providers.NewLocalProxyClient(p.Name, p.BaseURL, p.Model, 120*time.Second), nil
	case "rules", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

func envSafe(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

func (a *app) extractService(nodeName string) *extract.Service {
	return extract.New(
		a.taskSvc,
		a.novels,
		a.chapters,
		a.registry,
		a.graph,
		a.throttle,
		a.publisher,
		a.metrics,
		a.cfg.Extract.MaxContentLength,
		a.cfg.Extract.LLMTimeout,
		nodeName,
		a.logger,
	)
}

func (a *app) guardConfig() guard.Config {
	return guard.Config{
		MaxTotalProcesses:       envInt("KG_MAX_TOTAL_PROCESSES", 50),
		MaxProcessesPerProvider: envInt("KG_MAX_PROCESSES_PER_PROVIDER", 10),
		Interval:                orDuration(a.cfg.Guard.Interval, 30*time.Second),
		ZombieCapPerCycle:       orInt(a.cfg.Guard.ZombieCapPerCycle, 100),
		AutoEnqueueCap:          orInt(a.cfg.Guard.AutoEnqueueCap, 20),
		NodeHeartbeatTTL:        orDuration(a.cfg.Guard.NodeHeartbeatTTL, 180*time.Second),
		ZombieTimeout:           10 * time.Minute,
		MaxChapterAttempts:      3,
		RetryCapPerCycle:        orInt(a.cfg.Guard.RetryCapPerCycle, 20),
	}
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.kv != nil {
		_ = a.kv.Close()
	}
}

func orDuration(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}

func orInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
