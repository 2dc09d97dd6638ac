// Package security provides the audit sinks that receive tenant-isolation
// violations, and the egress policy applied to outbound webhook calls.
package security

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"storegate/internal/types"
)

// ActivityEvent is the event name written with every mirrored violation.
const ActivityEvent = "security.violation"

// LogSink mirrors violations to the structured log. Critical and high
// severity records are logged at error level, everything else at warn.
type LogSink struct {
	logger *slog.Logger
}

var _ types.AuditSink = (*LogSink)(nil)

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record implements types.AuditSink. It never fails.
func (s *LogSink) Record(ctx context.Context, v types.SecurityViolation) error {
	level := slog.LevelWarn
	msg := "suspicious access pattern detected"
	if v.Severity == types.SeverityCritical || v.Severity == types.SeverityHigh {
		level = slog.LevelError
		msg = "security violation detected"
	}
	s.logger.LogAttrs(ctx, level, msg,
		slog.String("event", ActivityEvent),
		slog.String("violation_id", v.ID),
		slog.String("violation_type", string(v.Type)),
		slog.String("severity", string(v.Severity)),
		slog.String("user_id", v.UserID),
		slog.String("user_email", v.UserEmail),
		slog.String("user_store_id", v.UserStoreID),
		slog.String("route", v.RouteName),
		slog.String("method", v.Method),
		slog.String("url", v.URL),
		slog.String("ip_address", v.IP),
		slog.String("user_agent", v.UserAgent),
		slog.Time("timestamp", v.OccurredAt),
		slog.Any("additional_data", v.Extra),
	)
	return nil
}

// MultiSink fans a record out to several sinks. Every sink is attempted; the
// returned error joins the individual failures.
type MultiSink []types.AuditSink

// Record implements types.AuditSink.
func (m MultiSink) Record(ctx context.Context, v types.SecurityViolation) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps records in memory. Used by local runs and tests.
type MemorySink struct {
	mu      sync.Mutex
	records []types.SecurityViolation
}

// NewMemorySink returns an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements types.AuditSink.
func (m *MemorySink) Record(_ context.Context, v types.SecurityViolation) error {
	m.mu.Lock()
	m.records = append(m.records, v)
	m.mu.Unlock()
	return nil
}

// Records returns a copy of everything recorded so far.
func (m *MemorySink) Records() []types.SecurityViolation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.SecurityViolation(nil), m.records...)
}
