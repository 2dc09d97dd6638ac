package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"storegate/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// maxDatumsPerPut is the PutMetricData per-request datum limit.
const maxDatumsPerPut = 1000

// CloudWatch implements Recorder by buffering datums in memory and publishing
// them on Flush. Recording never performs I/O; Run or an explicit Flush at the
// end of a Lambda invocation ships the buffer.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

var _ Recorder = (*CloudWatch)(nil)

// NewCloudWatch creates a recorder publishing under namespace
// (types.MetricNamespace when empty).
func NewCloudWatch(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatch {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{
		client:    client,
		namespace: namespace,
		logger:    logger,
		now:       time.Now,
	}
}

func (m *CloudWatch) count(name string, dims ...cwtypes.Dimension) {
	m.add(cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	})
}

func (m *CloudWatch) add(d cwtypes.MetricDatum) {
	d.Timestamp = aws.Time(m.now())
	m.mu.Lock()
	m.pending = append(m.pending, d)
	m.mu.Unlock()
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func (m *CloudWatch) GateDecision(feature, outcome string, code types.ErrorCode) {
	m.count(types.MetricGateDecision,
		dim(types.DimFeature, feature),
		dim(types.DimOutcome, outcome),
		dim(types.DimCode, codeLabel(code)),
	)
}

func (m *CloudWatch) IsolationDecision(outcome string, code types.ErrorCode) {
	m.count(types.MetricIsolationDecision,
		dim(types.DimOutcome, outcome),
		dim(types.DimCode, codeLabel(code)),
	)
}

func (m *CloudWatch) UsageIncrement(feature, outcome string) {
	m.count(types.MetricUsageIncrement,
		dim(types.DimFeature, feature),
		dim(types.DimOutcome, outcome),
	)
}

func (m *CloudWatch) QuotaWarning(feature string) {
	m.count(types.MetricQuotaWarning, dim(types.DimFeature, feature))
}

// RequestLatency is recorded in milliseconds for CloudWatch precision.
func (m *CloudWatch) RequestLatency(endpoint string, status int, d time.Duration) {
	m.add(cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPILatency),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			dim(types.DimEndpoint, endpoint),
			dim(types.DimCode, strconv.Itoa(status)),
		},
	})
}

// Flush publishes buffered datums in chunks. Datums from a failed chunk are
// dropped and the error is logged; metrics are best-effort.
func (m *CloudWatch) Flush(ctx context.Context) error {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	var firstErr error
	for start := 0; start < len(batch); start += maxDatumsPerPut {
		end := min(start+maxDatumsPerPut, len(batch))
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: batch[start:end],
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to publish metrics",
				slog.String("error", err.Error()),
				slog.Int("datums", end-start),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run flushes every interval until ctx is cancelled, then flushes once more
// with a short detached deadline.
func (m *CloudWatch) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = m.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			_ = m.Flush(ctx)
		}
	}
}
