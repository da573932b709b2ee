package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/app"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/audit"
	jobmetrics "github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/jobs"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/platform/db"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	auditWriter := audit.NewWriter(pool)
	lotsStore := lots.NewStore(pool)
	metrics := jobmetrics.NewMetrics(nil)

	sweepTask, err := jobs.NewExpirySweepTask(time.Now().UTC())
	if err != nil {
		logger.Error("build expiry sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAuditRecord, Handler: jobs.NewAuditRecordHandler(auditWriter, metrics, logger)},
			{Type: jobs.TaskExpirySweep, Handler: jobs.NewExpirySweepHandler(lotsStore, metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ExpirySweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
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
