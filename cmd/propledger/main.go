package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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

	oracle, err := oracleFromConfig(cfg)
	if err != nil {
		logger.Error("parse compliance thresholds", slog.Any("error", err))
		os.Exit(1)
	}

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

	billPayExecutor := billpay.NewExecutor(
		ledgerService, vendorRepo, ownerRepo, paymentRepo, oracle, bus, locker, logger)
	runner.Register(billPayExecutor)

	reportRepo := reports.NewRepository(pool)
	reportBuilder := reports.NewBuilder(ledgerService, periodService, reportRepo)
	periodCloseExecutor := periodclose.NewExecutor(
		ledgerService, periodService, reportBuilder, bus, logger)
	runner.Register(periodCloseExecutor)

	sagaHandler := saga.NewHandler(sagaService, logger)
	billPayHandler := billpay.NewHandler(runner, billPayExecutor, cfg.SagaHeartbeatTimeout, logger)
	periodCloseHandler := periodclose.NewHandler(
		runner, ledgerService, periodService, cfg.RetainedEarningsAcc, cfg.SagaHeartbeatTimeout, logger)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SagaHandler:        sagaHandler,
		BillPayHandler:     billPayHandler,
		PeriodCloseHandler: periodCloseHandler,
		JobHandler:         jobHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
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
}

func oracleFromConfig(cfg *app.Config) (compliance.Oracle, error) {
	threshold, err := decimal.NewFromString(cfg.Threshold1099)
	if err != nil {
		return nil, err
	}
	authLimit, err := decimal.NewFromString(cfg.PaymentAuthLimit)
	if err != nil {
		return nil, err
	}
	return compliance.StaticOracle{Threshold1099: threshold, AuthLimit: authLimit}, nil
}
