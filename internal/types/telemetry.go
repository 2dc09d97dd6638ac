package types

// Telemetry metric names shared by the Prometheus and CloudWatch collectors.
const (
	// Metric Names
	MetricGateDecision      = "GateDecision"
	MetricIsolationDecision = "IsolationDecision"
	MetricUsageIncrement    = "UsageIncrement"
	MetricAPILatency        = "APILatency"
	MetricQuotaWarning      = "QuotaWarningDispatched"

	// Dimension Keys
	DimFeature  = "Feature"
	DimOutcome  = "Outcome"
	DimCode     = "Code"
	DimEndpoint = "Endpoint"

	// Metric Namespace
	MetricNamespace = "StoreGate"
)

// Advisory response headers attached by the plan gate.
const (
	HeaderQuotaWarning       = "X-Quota-Warning"
	HeaderUpgradeRecommended = "X-Upgrade-Recommended"
	HeaderUsageWarning       = "X-Usage-Warning"
	HeaderUsagePercentage    = "X-Usage-Percentage"
	HeaderIdempotencyKey     = "Idempotency-Key"
	HeaderRequestID          = "X-Request-Id"
)
