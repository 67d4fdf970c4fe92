// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package usage

import "time"

// Event is the immutable record of one attempted completion call.
// Exactly one event is created per attempt; events are never updated.
// RequestID is the idempotency key: replaying the same request never
// produces a second event or a second counter increment.
type Event struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	TenantID    string    `json:"tenant_id"`
	ActorID     string    `json:"actor_id"`
	Operation   string    `json:"operation"`
	Model       string    `json:"model"`
	TokensUsed  int64     `json:"tokens_used"`
	CostCents   int64     `json:"cost_cents"`
	Success     bool      `json:"success"`
	ErrorReason string    `json:"error_reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Report is the aggregation of a tenant's events over a time range.
// It is a pure function of the event log: replaying the same events in any
// order yields an identical report.
type Report struct {
	TenantID      string         `json:"tenant_id"`
	Start         time.Time      `json:"start"`
	End           time.Time      `json:"end"`
	TotalTokens   int64          `json:"total_tokens"`
	TotalCost     int64          `json:"total_cost_cents"`
	RequestCount  int64          `json:"request_count"`
	SuccessRate   float64        `json:"success_rate"`
	TopOperations []OperationSum `json:"top_operations"`
	DailySeries   []DailyPoint   `json:"daily_series"`
}

// OperationSum is one row of the top-operations breakdown.
type OperationSum struct {
	Operation    string `json:"operation"`
	TokensUsed   int64  `json:"tokens_used"`
	CostCents    int64  `json:"cost_cents"`
	RequestCount int64  `json:"request_count"`
}

// DailyPoint is one day of the usage series.
type DailyPoint struct {
	Day          time.Time `json:"day"`
	TokensUsed   int64     `json:"tokens_used"`
	CostCents    int64     `json:"cost_cents"`
	RequestCount int64     `json:"request_count"`
}
