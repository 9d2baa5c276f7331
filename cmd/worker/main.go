package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/propledger/propledger/internal/app"
	"github.com/propledger/propledger/internal/compliance"
	"github.com/propledger/propledger/internal/events"
	"github.com/propledger/propledger/internal/ledger"
	"github.com/propledger/propledger/internal/observability"
	"github.com/propledger/propledger/internal/owners"
	"github.com/propledger/propledger/internal/payments"
	"github.com/propledger/propledger/internal/periods"
	"github.com/propledger/propledger/internal/platform/cache"
	"github.com/propledger/propledger/internal/platform/db"
	"github.com/propledger/propledger/internal/reports"
	"github.com/propledger/propledger/internal/saga"
	"github.com/propledger/propledger/internal/saga/billpay"
	"github.com/propledger/propledger/internal/saga/periodclose"
	"github.com/propledger/propledger/internal/shared"
	"github.com/propledger/propledger/internal/vendors"
	"github.com/propledger/propledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	threshold, err := decimal.NewFromString(cfg.Threshold1099)
	if err != nil {
		logger.Error("parse 1099 threshold", slog.Any("error", err))
		os.Exit(1)
	}
	authLimit, err := decimal.NewFromString(cfg.PaymentAuthLimit)
	if err != nil {
		logger.Error("parse payment auth limit", slog.Any("error", err))
		os.Exit(1)
	}
	oracle := compliance.StaticOracle{Threshold1099: threshold, AuthLimit: authLimit}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	bus := events.NewAsynqBus(redisOpts)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn("event bus close", slog.Any("error", err))
		}
	}()

	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, logger)
	periodRepo := periods.NewRepository(pool)
	periodService := periods.NewService(periodRepo)
	vendorRepo := vendors.NewRepository(pool)
	ownerRepo := owners.NewRepository(pool)
	paymentRepo := payments.NewRepository(pool)
	locker := shared.NewAdvisoryLocker(redisClient, cfg.AllocationLockTTL)

	sagaRepo := saga.NewRepository(pool)
	sagaService := saga.NewService(sagaRepo, logger)
	runner := saga.NewRunner(sagaService, jobsClient, logger, metrics)
	runner.Register(billpay.NewExecutor(
		ledgerService, vendorRepo, ownerRepo, paymentRepo, oracle, bus, locker, logger))

	reportRepo := reports.NewRepository(pool)
	reportBuilder := reports.NewBuilder(ledgerService, periodService, reportRepo)
	runner.Register(periodclose.NewExecutor(
		ledgerService, periodService, reportBuilder, bus, logger))

	watchdog := saga.NewWatchdog(sagaService, bus, logger, metrics)
	dispatcher := jobs.NewDispatcher(nil, nil, logger)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:  redisOpts,
		Logger:     logger,
		Runner:     runner,
		Watchdog:   watchdog,
		Dispatcher: dispatcher,
		Cron: []jobs.CronRegistration{
			{
				Spec:    cfg.SagaWatchdogInterval,
				Task:    jobs.NewWatchdogScanTask(),
				Options: []asynq.Option{asynq.MaxRetry(1), asynq.Queue(jobs.QueueDefault)},
			},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
