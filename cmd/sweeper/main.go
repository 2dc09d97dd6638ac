// Package main is the maintenance sweeper.
//
// Inside Lambda it handles one MaintenancePayload per scheduled invocation.
// Elsewhere it runs the cron loop until SIGINT/SIGTERM, or runs every task
// once with -once.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"storegate/internal/config"
	"storegate/internal/db"
	"storegate/internal/scheduler"
	"storegate/internal/types"
)

func main() {
	once := flag.Bool("once", false, "run every maintenance task once and exit")
	flag.Parse()

	if err := run(*once); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.LoadConfig(config.ProviderFromEnv())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg.LogLevel).With(slog.String("service", "sweeper"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	mux := newMultiplexer(cfg, pool, uuid.NewString(), logger)

	if isLambdaEnvironment() {
		logger.Info("sweeper starting in lambda mode", slog.String("worker_id", mux.WorkerID))
		lambda.StartWithOptions(mux.Handle, lambda.WithContext(ctx))
		return nil
	}

	runner := scheduler.NewCronRunner(mux, cfg.Sweeper.LockWindow, logger)
	if once {
		if failed := runner.RunTasks(ctx, scheduler.Tasks...); failed > 0 {
			return fmt.Errorf("%d maintenance tasks failed", failed)
		}
		return nil
	}

	if err := runner.Schedule(cfg.Sweeper.ExpireSchedule, scheduler.TaskExpireSubscriptions); err != nil {
		return fmt.Errorf("expire schedule %q: %w", cfg.Sweeper.ExpireSchedule, err)
	}
	if err := runner.Schedule(cfg.Sweeper.PruneSchedule,
		scheduler.TaskPruneUsageOperations, scheduler.TaskPruneQuotaDeliveries); err != nil {
		return fmt.Errorf("prune schedule %q: %w", cfg.Sweeper.PruneSchedule, err)
	}

	logger.Info("sweeper started",
		slog.String("environment", cfg.Environment),
		slog.String("version", cfg.Build.Version),
		slog.String("worker_id", mux.WorkerID))
	runner.Run(ctx)
	logger.Info("sweeper stopped")
	return nil
}

// newMultiplexer wires the Postgres repositories into the task router. The
// usage operation ledger only lives in Postgres when that backend is active.
func newMultiplexer(cfg *config.Config, pool db.TxDB, workerID string, logger *slog.Logger) *scheduler.Multiplexer {
	mux := &scheduler.Multiplexer{
		Expirer:    db.NewSubscriptionRepo(pool, logger),
		Deliveries: db.NewQuotaWarningRepo(pool),
		Locks:      db.NewJobLockRepo(pool, types.RealClock{}),
		History:    db.NewJobHistoryRepo(pool),
		Retention: scheduler.Retention{
			Operations: cfg.Sweeper.OperationRetention,
			Deliveries: cfg.Sweeper.DeliveryRetention,
		},
		LockWindow: cfg.Sweeper.LockWindow,
		WorkerID:   workerID,
		Clock:      types.RealClock{},
		Logger:     logger,
	}
	if cfg.Usage.Backend == "postgres" {
		mux.Operations = db.NewUsageRepo(pool)
	}
	return mux
}

func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	return hasRuntimeAPI
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
