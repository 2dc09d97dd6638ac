// Package scheduler runs the storegate maintenance tasks: expiring lapsed
// subscriptions and pruning the idempotency and delivery ledgers.
//
// The same Multiplexer serves the scheduled Lambda (one MaintenancePayload per
// invocation) and the long-running cron loop in cmd/sweeper.
package scheduler

import "time"

// TaskType identifies a maintenance task.
type TaskType string

const (
	TaskExpireSubscriptions  TaskType = "expire_subscriptions"
	TaskPruneUsageOperations TaskType = "prune_usage_operations"
	TaskPruneQuotaDeliveries TaskType = "prune_quota_deliveries"
)

// Tasks lists every task the multiplexer knows, in run order.
var Tasks = []TaskType{
	TaskExpireSubscriptions,
	TaskPruneUsageOperations,
	TaskPruneQuotaDeliveries,
}

// MaintenancePayload is the event body sent by the schedule rule.
//
//	{
//	  "task": "expire_subscriptions",
//	  "reference_time": "2026-03-01T00:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
