package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// AuditSink receives tenant-isolation audit records. Implementations are
// best-effort: a failed write is logged by the caller and never changes an
// authorization decision.
type AuditSink interface {
	Record(ctx context.Context, v SecurityViolation) error
}

// NotificationDispatcher publishes quota warning events. Dispatch is invoked
// off the request path.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, event QuotaWarningEvent) error
}
