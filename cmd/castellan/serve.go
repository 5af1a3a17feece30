package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/castellanbot/castellan/internal/agent"
	"github.com/castellanbot/castellan/internal/billing"
	"github.com/castellanbot/castellan/internal/cache"
	"github.com/castellanbot/castellan/internal/config"
	"github.com/castellanbot/castellan/internal/files"
	"github.com/castellanbot/castellan/internal/limits"
	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
	"github.com/castellanbot/castellan/internal/provider"
	"github.com/castellanbot/castellan/internal/service"
	"github.com/castellanbot/castellan/internal/storage"
	"github.com/castellanbot/castellan/internal/telegram"
	"github.com/castellanbot/castellan/internal/uploads"
	"github.com/castellanbot/castellan/internal/writequeue"
)

// userLedger adapts the user store to the billing ledger surface.
type userLedger struct {
	storage.UserStore
}

func (l userLedger) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	return l.UserStore.Get(ctx, userID)
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Telemetry.LogLevel = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Telemetry.LogLevel,
		Format: cfg.Telemetry.LogFormat,
	})
	metrics := observability.NewMetrics()

	stores, err := storage.NewPostgresStores(cfg.Database.DSN(), storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer stores.Close()

	if err := storage.Migrate(ctx, stores.DB()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	kv := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger, metrics)
	defer kv.Close()

	queue := writequeue.New(kv, storage.NewBatchApplier(stores.DB()), writequeue.Config{}, logger, metrics)
	sched := cron.New()
	if err := queue.StartScheduler(sched); err != nil {
		return fmt.Errorf("start write queue schedules: %w", err)
	}
	sched.Start()

	llm, err := provider.New(provider.Config{APIKey: cfg.Provider.APIKey}, logger, metrics)
	if err != nil {
		return fmt.Errorf("create provider client: %w", err)
	}

	// The service does not exist yet when the bot is constructed; the
	// default handler closes over the variable and serve fills it in before
	// polling starts.
	var svc *service.Service
	b, err := bot.New(cfg.Telegram.Token, bot.WithDefaultHandler(
		func(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
			if svc != nil {
				svc.HandleUpdate(ctx, update)
			}
		}))
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}

	transport := telegram.NewTransport(telegram.NewBotClient(b), logger, metrics)
	pipeline := files.NewPipeline(transport, llm, kv, stores.Files, queue, files.Config{
		TTL:              time.Duration(cfg.Provider.FilesAPITTLHours) * time.Hour,
		ParallelMetadata: cfg.Pipeline.ParallelFileMetadata,
	}, logger)

	ledger := userLedger{stores.Users}
	policy := billing.NewBalancePolicy(kv, ledger, cfg.Billing.MinimumBalanceForRequest, logger)
	balance := billing.NewBalanceService(ledger, kv, logger, metrics)

	registry := agent.NewRegistry()
	if err := agent.RegisterBuiltins(registry, agent.BuiltinConfig{}); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	var precheck *billing.BalancePolicy
	if cfg.Billing.ToolCostPrecheckEnabled {
		precheck = policy
	}
	executor := agent.NewExecutor(registry, precheck, queue, logger, metrics)
	runner := agent.NewRunner(llm, executor, registry, logger, metrics)

	svc = service.New(service.Deps{
		Config:      cfg,
		Stores:      stores,
		Cache:       kv,
		Queue:       queue,
		Limiter:     limits.NewUserLimiter(cfg.Pipeline.MaxConcurrentPerUser, cfg.Pipeline.QueueTimeout),
		Generations: limits.NewGenerationTracker(),
		Uploads:     uploads.NewTracker(),
		Policy:      policy,
		Balance:     balance,
		Runner:      runner,
		LLM:         llm,
		Provider:    llm,
		Files:       pipeline,
		Messenger:   transport,
		Logger:      logger,
		Metrics:     metrics,
	})

	telemetry := startTelemetryServer(cfg.Telemetry.MetricsAddr, logger)

	logger.Info(ctx, "castellan started",
		"version", version, "model", cfg.Provider.DefaultModel,
		"metrics_addr", cfg.Telemetry.MetricsAddr)

	// Blocks until ctx is cancelled by SIGINT/SIGTERM.
	b.Start(ctx)

	logger.Info(context.Background(), "shutting down")
	svc.Stop()
	<-sched.Stop().Done()

	// One last flush so the write-behind queue drains before the pool
	// closes. Anything left after that survives in Redis for the next boot.
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := queue.Flush(flushCtx); err != nil {
		logger.Warn(flushCtx, "final write queue flush failed", "error", err.Error())
	}
	if telemetry != nil {
		_ = telemetry.Shutdown(flushCtx)
	}
	return nil
}

func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	stores, err := storage.NewPostgresStores(cfg.Database.DSN(), storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer stores.Close()

	if err := storage.Migrate(ctx, stores.DB()); err != nil {
		return err
	}
	fmt.Println("schema applied")
	return nil
}

// startTelemetryServer exposes /metrics and /healthz. A bind failure is
// logged, not fatal: the bot can run without scraping.
func startTelemetryServer(addr string, logger *observability.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "telemetry server failed", "addr", addr, "error", err.Error())
		}
	}()
	return srv
}
