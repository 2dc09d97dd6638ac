package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"storegate/internal/types"
)

// DeliveryLog is the persistence the consumer needs. db.QuotaWarningRepo
// satisfies it.
type DeliveryLog interface {
	Ensure(ctx context.Context, e types.QuotaWarningEvent, at time.Time) (*types.QuotaWarningDelivery, error)
	MarkDelivered(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID, reason string) error
}

// Consumer drains the quota warning queue. Each event is recorded in the
// delivery log before it is handed to the channel, and an event already
// marked delivered is acknowledged without redelivery.
type Consumer struct {
	log     DeliveryLog
	channel types.NotificationDispatcher
	clock   types.Clock
	logger  *slog.Logger
}

// NewConsumer creates a Consumer. channel performs the actual delivery.
func NewConsumer(log DeliveryLog, channel types.NotificationDispatcher, clock types.Clock, logger *slog.Logger) *Consumer {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{log: log, channel: channel, clock: clock, logger: logger}
}

// Handle processes one SQS batch. Failed records are reported as batch item
// failures so only they are retried; malformed bodies are dropped.
func (c *Consumer) Handle(ctx context.Context, batch events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range batch.Records {
		if err := c.process(ctx, record); err != nil {
			c.logger.ErrorContext(ctx, "quota warning processing failed",
				slog.String("message_id", record.MessageId),
				slog.String("error", err.Error()),
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

func (c *Consumer) process(ctx context.Context, record events.SQSMessage) error {
	var event types.QuotaWarningEvent
	if err := json.Unmarshal([]byte(record.Body), &event); err != nil || event.EventID == "" {
		c.logger.WarnContext(ctx, "dropping malformed quota warning message",
			slog.String("message_id", record.MessageId))
		return nil
	}
	logger := c.logger.With(
		slog.String("event_id", event.EventID),
		slog.String("store_id", event.StoreID),
	)

	delivery, err := c.log.Ensure(ctx, event, c.clock.Now())
	if err != nil {
		return err
	}
	if delivery.Status == types.DeliveryDelivered {
		logger.InfoContext(ctx, "quota warning already delivered")
		return nil
	}

	if err := c.channel.Dispatch(ctx, event); err != nil {
		if markErr := c.log.MarkFailed(ctx, event.EventID, err.Error()); markErr != nil {
			logger.ErrorContext(ctx, "failed to record delivery failure", slog.String("error", markErr.Error()))
		}
		return err
	}
	if err := c.log.MarkDelivered(ctx, event.EventID, c.clock.Now()); err != nil {
		// Delivered but not recorded: the redelivered message will be sent again.
		return err
	}
	logger.InfoContext(ctx, "quota warning delivered", slog.Int("attempt", delivery.AttemptCount))
	return nil
}
