package security

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storegate/internal/types"
)

type failingSink struct{ err error }

func (f failingSink) Record(context.Context, types.SecurityViolation) error { return f.err }

func violation(sev types.Severity) types.SecurityViolation {
	return types.SecurityViolation{
		ID:          "sv_test",
		Type:        types.ViolationCrossStoreAccess,
		Severity:    sev,
		UserID:      "u_1",
		UserStoreID: "store_a",
		Method:      "GET",
		URL:         "/v1/stores/store_b/subscription",
		OccurredAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Extra:       map[string]any{"requested_store_id": "store_b"},
	}
}

func TestLogSink_LevelsBySeverity(t *testing.T) {
	tests := []struct {
		severity types.Severity
		level    string
		msg      string
	}{
		{types.SeverityCritical, "ERROR", "security violation detected"},
		{types.SeverityHigh, "ERROR", "security violation detected"},
		{types.SeverityLow, "WARN", "suspicious access pattern detected"},
	}
	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			var buf bytes.Buffer
			sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

			require.NoError(t, sink.Record(context.Background(), violation(tt.severity)))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, tt.msg, entry["msg"])
			assert.Equal(t, ActivityEvent, entry["event"])
			assert.Equal(t, "store_a", entry["user_store_id"])
			extra, ok := entry["additional_data"].(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "store_b", extra["requested_store_id"])
		})
	}
}

func TestMultiSink_AttemptsEverySink(t *testing.T) {
	first := NewMemorySink()
	second := NewMemorySink()
	boom := errors.New("db down")

	err := MultiSink{first, failingSink{boom}, nil, second}.Record(context.Background(), violation(types.SeverityCritical))

	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.Records(), 1)
	assert.Len(t, second.Records(), 1)
}

func TestMultiSink_NoErrors(t *testing.T) {
	assert.NoError(t, MultiSink{NewMemorySink()}.Record(context.Background(), violation(types.SeverityLow)))
}
