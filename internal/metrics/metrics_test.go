package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storegate/internal/types"
)

type fakeCloudWatch struct {
	mu     sync.Mutex
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func TestPrometheus_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.GateDecision("products", "deny", types.ErrCodePlanLimitExceeded)
	m.GateDecision("products", "deny", types.ErrCodePlanLimitExceeded)
	m.GateDecision("orders", "allow", "")
	m.IsolationDecision("deny", types.ErrCodeCrossStoreAccess)
	m.UsageIncrement("products", "ok")
	m.QuotaWarning("transactions")
	m.RequestLatency("/v1/plans", 200, 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.gateDecisions.WithLabelValues("products", "deny", "PLAN_LIMIT_EXCEEDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateDecisions.WithLabelValues("orders", "allow", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.isolationDecisions.WithLabelValues("deny", "cross_store_access_attempt")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotaWarnings.WithLabelValues("transactions")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "storegate_gate_decisions_total")
	assert.Contains(t, rec.Body.String(), "storegate_http_request_duration_seconds")
}

func TestCloudWatch_BuffersUntilFlush(t *testing.T) {
	client := &fakeCloudWatch{}
	m := NewCloudWatch(client, "", nil)

	m.GateDecision("products", "deny", types.ErrCodePlanLimitExceeded)
	m.IsolationDecision("allow", "")
	m.RequestLatency("/v1/plans", 200, 40*time.Millisecond)
	assert.Empty(t, client.inputs, "recording must not call CloudWatch")

	require.NoError(t, m.Flush(context.Background()))
	require.Len(t, client.inputs, 1)
	in := client.inputs[0]
	assert.Equal(t, types.MetricNamespace, aws.ToString(in.Namespace))
	require.Len(t, in.MetricData, 3)
	assert.Equal(t, types.MetricGateDecision, aws.ToString(in.MetricData[0].MetricName))
	assert.Equal(t, 40.0, aws.ToFloat64(in.MetricData[2].Value))

	require.NoError(t, m.Flush(context.Background()))
	assert.Len(t, client.inputs, 1, "empty buffer must not publish")
}

func TestCloudWatch_ChunksLargeBatches(t *testing.T) {
	client := &fakeCloudWatch{}
	m := NewCloudWatch(client, "Test", nil)
	for i := 0; i < maxDatumsPerPut+5; i++ {
		m.UsageIncrement("orders", "ok")
	}
	require.NoError(t, m.Flush(context.Background()))
	require.Len(t, client.inputs, 2)
	assert.Len(t, client.inputs[0].MetricData, maxDatumsPerPut)
	assert.Len(t, client.inputs[1].MetricData, 5)
}

func TestCloudWatch_FlushError(t *testing.T) {
	client := &fakeCloudWatch{err: errors.New("throttled")}
	m := NewCloudWatch(client, "", nil)
	m.QuotaWarning("transactions")

	err := m.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "throttled"))
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.GateDecision("x", "allow", "")
	r.RequestLatency("/", 200, time.Second)
}
