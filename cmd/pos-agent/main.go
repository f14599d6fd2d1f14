package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/freshfare/freshfare-pos/cmd/pos-agent/cli"
	"github.com/freshfare/freshfare-pos/internal/app"
	"github.com/freshfare/freshfare-pos/internal/backend/postgres"
	"github.com/freshfare/freshfare-pos/internal/bootstrap"
	"github.com/freshfare/freshfare-pos/internal/catalog"
	"github.com/freshfare/freshfare-pos/internal/checkout"
	"github.com/freshfare/freshfare-pos/internal/localstore"
	"github.com/freshfare/freshfare-pos/internal/lock"
	"github.com/freshfare/freshfare-pos/internal/network"
	"github.com/freshfare/freshfare-pos/internal/observability"
	"github.com/freshfare/freshfare-pos/internal/offline"
	"github.com/freshfare/freshfare-pos/internal/platform/cache"
	"github.com/freshfare/freshfare-pos/internal/platform/db"
	"github.com/freshfare/freshfare-pos/internal/refresh"
	"github.com/freshfare/freshfare-pos/internal/syncer"
	"github.com/freshfare/freshfare-pos/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobsCommand(ctx, cfg, os.Args[2:]))
	}

	local, err := localstore.OpenWithLogger(ctx, cfg.LocalDBPath, logger)
	if err != nil {
		logger.Error("open local store", slog.String("path", cfg.LocalDBPath), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := local.Close(); err != nil {
			logger.Warn("local store close", slog.Any("error", err))
		}
	}()

	pool, err := db.New(ctx, cfg.BackendDSN, db.Options{MaxConns: cfg.BackendMaxConns, ConnectTimeout: cfg.NetworkProbeTimeout})
	if err != nil {
		logger.Error("configure backend pool", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	remote := postgres.New(pool)
	if cfg.BackendMigrate {
		if err := remote.Migrate(ctx); err != nil {
			logger.Warn("backend migrate", slog.Any("error", err))
		}
	}

	var redisOpts asynq.RedisClientOpt
	var gate lock.Gate = lock.NewLocalGate()
	if cfg.SchedulerEnabled() {
		redisOpts = asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	}
	if cfg.SyncGate == app.GateRedis {
		redisClient, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		gate = lock.NewRedisGate(redisClient, lock.SyncKey(cfg.TerminalID), cfg.SyncLockTTL, logger)
	}

	metrics := observability.NewMetrics()
	prober := network.NewProber(remote, cfg.NetworkProbeInterval, cfg.NetworkProbeTimeout, false, logger)

	engine := syncer.New(local, remote, gate, syncer.Config{
		TerminalID:  cfg.TerminalID,
		StepTimeout: cfg.SyncStepTimeout,
	}, metrics.Jobs(), logger)
	refresher := refresh.New(remote, local, metrics.Jobs(), logger)

	orchCfg := bootstrap.Config{
		MaxAttempts:     cfg.SyncMaxAttempts,
		PollInterval:    cfg.SyncPollInterval,
		RefreshInterval: cfg.RefreshInterval,
	}
	if cfg.SchedulerEnabled() {
		// asynq's scheduler owns the periodic triggers.
		orchCfg.PollInterval, orchCfg.RefreshInterval = 0, 0
	}
	orchestrator := bootstrap.New(engine, refresher, prober, orchCfg, logger)

	queue := offline.NewQueue(local, logger)
	catalogService := catalog.NewService(local, remote, prober, logger)
	checkoutService := checkout.NewService(queue, remote, prober, checkout.Config{
		TerminalID: cfg.TerminalID,
		Timeout:    cfg.SyncStepTimeout,
	}, logger)
	checkoutHandler := checkout.NewHandler(checkout.HandlerParams{
		Logger:        logger,
		Submit:        checkoutService,
		Sales:         local,
		Sync:          engine,
		Refresh:       refresher,
		Catalog:       catalogService,
		Net:           prober,
		TriggerSync:   func() bool { return orchestrator.Trigger(bootstrap.Manual) },
		SyncRateLimit: cfg.SyncRateLimit,
	})

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error(name+" stopped", slog.Any("error", err))
			}
		}()
	}

	var jobHandler *jobs.Handler
	if cfg.SchedulerEnabled() {
		queueName := jobs.QueueFor(cfg.TerminalID)
		cron, err := jobs.PeriodicTriggers(queueName, cfg.SyncPollInterval, cfg.RefreshInterval)
		if err != nil {
			logger.Error("build job schedule", slog.Any("error", err))
			os.Exit(1)
		}
		worker, err := jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts: redisOpts,
			Queue:     queueName,
			Logger:    logger,
			Handlers:  jobs.NewDispatcher(orchestrator.Trigger, logger).Handlers(),
			Cron:      cron,
		})
		if err != nil {
			logger.Error("configure job worker", slog.Any("error", err))
			os.Exit(1)
		}
		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, queueName, logger)
		run("job worker", worker.Run)
	} else {
		jobHandler = jobs.NewHandler(nil, jobs.QueueFor(cfg.TerminalID), logger)
	}

	run("network prober", func(ctx context.Context) error {
		prober.Run(ctx)
		return nil
	})
	run("orchestrator", func(ctx context.Context) error {
		orchestrator.Run(ctx)
		return nil
	})

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		CheckoutHandler: checkoutHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting local api", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	wg.Wait()
}

func runJobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr, cfg.TerminalID)
	if err != nil {
		slog.Default().Error("jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()
	return jobsCLI.Run(ctx, args, os.Stdout, os.Stderr)
}
