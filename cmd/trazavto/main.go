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

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/app"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/deliveries"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/observability"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/packaging"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/cache"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/db"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/supplies"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/transfers"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// Stock reads degrade to the database when Redis is unreachable.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	// Audit entries are persisted by the worker; the request path only
	// enqueues them.
	recorder := jobs.NewQueueRecorder(jobsClient)
	stockCache := packaging.NewStockCache(redisClient, cfg.StockCacheTTL)
	metrics := observability.NewMetrics()

	lotsService := lots.NewService(lots.NewRepository(dbpool), recorder, logger)
	lotsHandler := lots.NewHandler(logger, lotsService)

	ledgerHandler := ledger.NewHandler(logger, ledger.NewStore(dbpool))

	packagingService := packaging.NewService(packaging.NewRepository(dbpool), stockCache, recorder, logger)
	packagingHandler := packaging.NewHandler(logger, packagingService)

	suppliesHandler := supplies.NewHandler(logger, dbpool)

	transfersService := transfers.NewService(transfers.NewRepository(dbpool), stockCache, recorder, logger)
	transfersHandler := transfers.NewHandler(logger, transfersService)

	deliveriesService := deliveries.NewService(deliveries.NewRepository(dbpool), stockCache, recorder, logger)
	deliveriesHandler := deliveries.NewHandler(logger, deliveriesService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		LotsHandler:       lotsHandler,
		LedgerHandler:     ledgerHandler,
		PackagingHandler:  packagingHandler,
		SuppliesHandler:   suppliesHandler,
		TransfersHandler:  transfersHandler,
		DeliveriesHandler: deliveriesHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
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
