// Package notify delivers quota warning events. The gate hands events to an
// AsyncDispatcher so delivery never runs on the request path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storegate/internal/types"
)

const defaultTimeout = 10 * time.Second

// AsyncDispatcher runs each Dispatch of the wrapped dispatcher in its own
// goroutine. The request context's values are kept but its cancellation is
// not; each delivery gets its own timeout.
type AsyncDispatcher struct {
	next    types.NotificationDispatcher
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

var _ types.NotificationDispatcher = (*AsyncDispatcher)(nil)

// NewAsyncDispatcher wraps next. A non-positive timeout uses 10s.
func NewAsyncDispatcher(next types.NotificationDispatcher, timeout time.Duration, logger *slog.Logger) *AsyncDispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncDispatcher{next: next, timeout: timeout, logger: logger}
}

// Dispatch schedules delivery and returns immediately.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, event types.QuotaWarningEvent) error {
	if d.next == nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "no notification dispatcher configured", nil)
	}
	base := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("quota warning dispatch panicked",
					slog.String("event_id", event.EventID),
					slog.String("panic", fmt.Sprint(r)),
				)
			}
		}()

		dctx, cancel := context.WithTimeout(base, d.timeout)
		defer cancel()
		if err := d.next.Dispatch(dctx, event); err != nil {
			d.logger.WarnContext(dctx, "quota warning delivery failed",
				slog.String("event_id", event.EventID),
				slog.String("store_id", event.StoreID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// Wait blocks until every scheduled delivery has finished. Used on shutdown.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}
