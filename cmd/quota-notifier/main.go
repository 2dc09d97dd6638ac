// Package main is the quota warning consumer Lambda. It drains the queue the
// API's plan gate publishes to and records every delivery attempt.
//
// With APP_ENV=local it reads one SQS event JSON from stdin instead:
//
//	echo '{"Records":[{"messageId":"1","body":"{...}"}]}' | go run ./cmd/quota-notifier
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"storegate/internal/config"
	"storegate/internal/db"
	"storegate/internal/notify"
	"storegate/internal/security"
	"storegate/internal/types"
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
	logger := newLogger(cfg.LogLevel).With(slog.String("service", "quota-notifier"))
	logger.Info("quota notifier initializing")

	ctx := context.Background()
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

	channel, err := deliveryChannel(ctx, cfg, logger)
	if err != nil {
		return err
	}
	consumer := notify.NewConsumer(db.NewQuotaWarningRepo(pool), channel, types.RealClock{}, logger)

	if cfg.Environment == "local" {
		return runLocal(ctx, consumer, os.Stdin, logger)
	}

	lambda.Start(consumer.Handle)
	return nil
}

// deliveryChannel returns the webhook channel when QUOTA_WEBHOOK_URL is set,
// otherwise a log channel. Private destinations are only reachable locally.
func deliveryChannel(ctx context.Context, cfg *config.Config, logger *slog.Logger) (types.NotificationDispatcher, error) {
	n := cfg.Notifier
	if n.WebhookURL == "" {
		return notify.NewLogDispatcher(logger), nil
	}
	policy := security.EgressPolicy{AllowPrivate: cfg.Environment == "local"}
	if err := policy.ValidateURL(ctx, n.WebhookURL); err != nil {
		return nil, fmt.Errorf("quota webhook: %w", err)
	}
	return notify.NewWebhookChannel(
		security.NewEgressClient(n.WebhookTimeout, policy),
		n.WebhookURL,
		n.WebhookSecret.Unmask(),
		n.WebhookPreviousSecret.Unmask(),
		types.RealClock{},
		logger,
	), nil
}

// runLocal feeds one SQS event from r through the consumer and prints any
// batch item failures to stderr.
func runLocal(ctx context.Context, consumer *notify.Consumer, r io.Reader, logger *slog.Logger) error {
	logger.Info("APP_ENV=local: reading SQS event from stdin")
	payload, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("no input received on stdin")
	}
	var batch events.SQSEvent
	if err := json.Unmarshal(payload, &batch); err != nil {
		return fmt.Errorf("parsing stdin as SQS event: %w", err)
	}

	resp, err := consumer.Handle(ctx, batch)
	if err != nil {
		return err
	}
	if len(resp.BatchItemFailures) > 0 {
		out, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Fprintln(os.Stderr, string(out))
	}
	logger.Info("local batch processed",
		slog.Int("records", len(batch.Records)),
		slog.Int("failures", len(resp.BatchItemFailures)))
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
