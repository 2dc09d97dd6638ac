// Package main is the entry point for the storegate API server.
//
// It loads configuration, connects Postgres (and Redis when configured),
// wires the plan gate, tenant guard and usage tracker into the HTTP chassis,
// and serves either plain HTTP with graceful shutdown or, inside Lambda,
// API Gateway HTTP API events.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"storegate/internal/api/handlers"
	"storegate/internal/auth"
	"storegate/internal/billing"
	"storegate/internal/config"
	"storegate/internal/core"
	"storegate/internal/db"
	"storegate/internal/metrics"
	"storegate/internal/notify"
	"storegate/internal/security"
	"storegate/internal/tenancy"
	"storegate/internal/types"
	"storegate/internal/usage"
)

const (
	redisUsagePrefix     = "storegate:usage:"
	redisRateLimitPrefix = "storegate:ratelimit:"
	cloudWatchFlush      = time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.ProviderFromEnv())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("storegate API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	in, err := connect(ctx, cfg)
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, in, logger)
	if err != nil {
		in.close()
		return err
	}
	srv.Closers = append(srv.Closers, in.close)

	if cw, ok := srv.Metrics.(*metrics.CloudWatch); ok {
		go cw.Run(ctx, cloudWatchFlush)
	}

	if isLambdaEnvironment() {
		return runLambda(ctx, srv, logger)
	}
	return runHTTPServer(ctx, srv, cfg, logger)
}

// infra is the set of external connections the server is built on.
type infra struct {
	db     db.TxDB
	dbPing func(context.Context) error
	redis  redis.UniversalClient
	sqs    notify.SQSSender
	cw     metrics.CloudWatchClient
	close  func() error
}

// connect opens Postgres, Redis when REDIS_ADDR is set, and the AWS clients
// the configuration asks for.
func connect(ctx context.Context, cfg *config.Config) (infra, error) {
	var closers []func()
	in := infra{}
	in.close = func() error {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil
	}

	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:          int32(cfg.Database.MaxConns),
		MinConns:          int32(cfg.Database.MinConns),
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return in, fmt.Errorf("connecting to database: %w", err)
	}
	closers = append(closers, pool.Close)
	in.db, in.dbPing = pool, pool.Ping

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Unmask(),
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = in.close()
			return in, fmt.Errorf("connecting to redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		in.redis = client
	}

	needSQS := cfg.AWS.QuotaWarningQueue != ""
	needCW := cfg.Observability.MetricsBackend == "cloudwatch"
	if needSQS || needCW {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			_ = in.close()
			return in, fmt.Errorf("loading AWS config: %w", err)
		}
		if needSQS {
			in.sqs = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			})
		}
		if needCW {
			in.cw = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
				if cfg.AWS.EndpointURL != "" {
					o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
				}
			})
		}
	}
	return in, nil
}

// buildServer assembles the gate, guard and handlers over in and mounts the
// routes.
func buildServer(cfg *config.Config, in infra, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	clock := types.RealClock{}

	switch cfg.Observability.MetricsBackend {
	case "prometheus":
		prom := metrics.NewPrometheus(nil)
		srv.Metrics = prom
		srv.MetricsHandler = prom.Handler()
	case "cloudwatch":
		if in.cw == nil {
			return nil, errors.New("cloudwatch metrics backend needs a CloudWatch client")
		}
		srv.Metrics = metrics.NewCloudWatch(in.cw, cfg.Observability.MetricNamespace, logger)
	}
	rec := srv.Metrics

	tokens, err := auth.ParseServiceTokens(cfg.Security.ServiceTokens.Unmask())
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, errors.New("SERVICE_TOKENS_JSON must define at least one token")
	}
	srv.Authenticator = auth.NewTokenAuthenticator(tokens, 0, logger)

	catalog := billing.NewCachedCatalog(db.NewPlanRepo(in.db), cfg.Gate.PlanCacheTTL)
	subs := billing.NewSubscriptionService(db.NewSubscriptionRepo(in.db, logger), catalog, clock, logger)

	store, err := usageStore(cfg, in)
	if err != nil {
		return nil, err
	}
	tracker := usage.NewTracker(store, subs, cfg.Gate.QuotaFeature,
		usage.WithMetrics(rec), usage.WithLogger(logger))

	var channel types.NotificationDispatcher = notify.NewLogDispatcher(logger)
	if in.sqs != nil {
		channel = notify.NewSQSDispatcher(in.sqs, cfg.AWS.QuotaWarningQueue, logger)
	}
	dispatcher := notify.NewAsyncDispatcher(channel, cfg.Gate.NotifyTimeout, logger)
	srv.Closers = append(srv.Closers, func() error {
		dispatcher.Wait()
		return nil
	})

	gate := billing.NewGate(subs, catalog, tracker, billing.GateConfig{
		PremiumFeatures:  cfg.Gate.PremiumFeatures,
		QuotaFeature:     cfg.Gate.QuotaFeature,
		WarningThreshold: cfg.Gate.WarningThreshold,
	},
		billing.WithNotifier(dispatcher),
		billing.WithGateMetrics(rec),
		billing.WithGateLogger(logger),
	)
	srv.Gate = gate

	registry := tenancy.DefaultRegistry()
	srv.Guard = tenancy.NewGuard(
		db.NewEntityRepo(in.db, registry.Tables()),
		security.MultiSink{security.NewLogSink(logger), db.NewSecurityRepository(in.db)},
		tenancy.WithRegistry(registry),
		tenancy.WithMetrics(rec),
		tenancy.WithLogger(logger),
	)

	if cfg.RateLimit.Enabled {
		if in.redis != nil {
			srv.RateLimitStore = core.NewRedisRateLimitStore(in.redis, redisRateLimitPrefix, clock)
		} else {
			srv.RateLimitStore = core.NewMemoryRateLimitStore(clock)
		}
	}

	if in.dbPing != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{Component: "database", Fn: in.dbPing})
	}
	if in.redis != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.ProbeFunc{
			Component: "redis",
			Fn:        func(ctx context.Context) error { return in.redis.Ping(ctx).Err() },
		})
	}

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		handlers.NewPlanHandler(catalog).RegisterRoutes,
		handlers.StoreRoutes(srv,
			handlers.NewSubscriptionHandler(subs, tracker, logger),
			handlers.NewUsageHandler(gate, tracker, billing.NewUsageReporter(subs, tracker, cfg.Gate.QuotaFeature), srv.Validator, logger),
			handlers.NewFeatureHandler(gate),
		),
	)
	srv.MountRoutes()
	return srv, nil
}

func usageStore(cfg *config.Config, in infra) (usage.Store, error) {
	switch cfg.Usage.Backend {
	case "redis":
		if in.redis == nil {
			return nil, errors.New("USAGE_BACKEND=redis requires REDIS_ADDR")
		}
		return usage.NewRedisStore(in.redis, redisUsagePrefix, cfg.Usage.OperationTTL), nil
	case "memory":
		return usage.NewMemoryStore(), nil
	default:
		return db.NewUsageRepo(in.db), nil
	}
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

func runLambda(ctx context.Context, srv *core.Server, logger *slog.Logger) error {
	logger.Info("serving API Gateway events")
	lambda.StartWithOptions(httpAPIHandler{handler: srv.Handler()}.Handle,
		lambda.WithContext(ctx),
		lambda.WithEnableSIGTERM(func() {
			_ = srv.Shutdown(context.Background())
		}),
	)
	return nil
}

// runHTTPServer serves until ctx is cancelled or the listener fails, then
// drains in-flight requests and closes server resources.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			_ = srv.Shutdown(context.Background())
			return fmt.Errorf("server error: %w", err)
		}
	}

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger at the given level (info when unknown).
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
