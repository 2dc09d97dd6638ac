package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sony/gobreaker/v2"

	domain "storegate/internal/types"
)

// SQSSender is the subset of the SQS client used for publishing.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventTypeQuotaWarning is set as a message attribute so consumers can route
// without decoding the body.
const EventTypeQuotaWarning = "quota_warning"

// SQSDispatcher publishes quota warnings to an SQS queue behind a circuit
// breaker.
type SQSDispatcher struct {
	client   SQSSender
	queueURL string
	cb       *gobreaker.CircuitBreaker[*sqs.SendMessageOutput]
	logger   *slog.Logger
}

// NewSQSDispatcher creates a dispatcher for queueURL.
func NewSQSDispatcher(client SQSSender, queueURL string, logger *slog.Logger) *SQSDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	st := gobreaker.Settings{
		Name:        "sqs-quota-warnings",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	return &SQSDispatcher{
		client:   client,
		queueURL: queueURL,
		cb:       gobreaker.NewCircuitBreaker[*sqs.SendMessageOutput](st),
		logger:   logger,
	}
}

// Dispatch publishes event as JSON.
func (d *SQSDispatcher) Dispatch(ctx context.Context, event domain.QuotaWarningEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal quota warning: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(EventTypeQuotaWarning)},
			"store_id":   {DataType: aws.String("String"), StringValue: aws.String(event.StoreID)},
		},
	}

	out, err := d.cb.Execute(func() (*sqs.SendMessageOutput, error) {
		return d.client.SendMessage(ctx, input)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return domain.NewAppError(domain.ErrCodeUpstreamQueue, "quota warning queue unavailable (circuit open)", err)
		}
		return domain.NewAppError(domain.ErrCodeUpstreamQueue, "failed to publish quota warning", err)
	}

	var msgID string
	if out != nil {
		msgID = aws.ToString(out.MessageId)
	}
	d.logger.InfoContext(ctx, "quota warning published",
		slog.String("event_id", event.EventID),
		slog.String("store_id", event.StoreID),
		slog.String("message_id", msgID),
	)
	return nil
}
