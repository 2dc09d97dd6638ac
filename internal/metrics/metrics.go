// Package metrics records gate, guard, and usage outcomes. Prometheus serves
// long-running API processes; CloudWatch serves Lambda deployments where
// there is nothing to scrape.
package metrics

import (
	"time"

	"storegate/internal/types"
)

// Recorder receives decision and latency observations. Implementations must
// be safe for concurrent use and must never block the caller on I/O.
type Recorder interface {
	GateDecision(feature, outcome string, code types.ErrorCode)
	IsolationDecision(outcome string, code types.ErrorCode)
	UsageIncrement(feature, outcome string)
	QuotaWarning(feature string)
	RequestLatency(endpoint string, status int, d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) GateDecision(string, string, types.ErrorCode) {}
func (Nop) IsolationDecision(string, types.ErrorCode)    {}
func (Nop) UsageIncrement(string, string)                {}
func (Nop) QuotaWarning(string)                          {}
func (Nop) RequestLatency(string, int, time.Duration)    {}

// codeLabel renders an empty code as "none" so label sets stay non-empty.
func codeLabel(code types.ErrorCode) string {
	if code == "" {
		return "none"
	}
	return string(code)
}
