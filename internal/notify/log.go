package notify

import (
	"context"
	"log/slog"

	"storegate/internal/types"
)

// LogDispatcher writes events to the log instead of a queue. Local runs use it
// when no queue URL is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, event types.QuotaWarningEvent) error {
	d.logger.InfoContext(ctx, "quota warning",
		slog.String("event_id", event.EventID),
		slog.String("store_id", event.StoreID),
		slog.String("feature", event.Feature),
		slog.Int64("current_usage", event.CurrentUsage),
		slog.Int64("annual_quota", event.AnnualQuota),
		slog.Float64("percentage", event.Percentage),
		slog.String("plan", event.PlanName),
	)
	return nil
}
