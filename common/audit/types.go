// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

// Package audit provides the append-only record of security-relevant events.
// Events are written synchronously with the action they describe: a caller
// never observes a response before the matching audit record has either been
// persisted or captured by the local fallback log.
package audit

import (
	"time"
)

// Severity classifies how urgently an event needs review.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// Action identifies what happened. New actions are added here, never inlined
// as ad-hoc strings at call sites.
type Action string

const (
	// ActionCrossTenantAttempt records a request that targeted another
	// tenant's data. Always SeverityHigh.
	ActionCrossTenantAttempt Action = "cross_tenant_access_attempt"

	// ActionSuperadminAccess records every use of the superadmin bypass.
	ActionSuperadminAccess Action = "superadmin_access"

	// ActionQuotaExhausted records a throttled request.
	ActionQuotaExhausted Action = "quota_exhausted"

	// ActionDecryptionFailure records a credential blob that failed its
	// integrity check. Flags the tenant for credential rotation review.
	ActionDecryptionFailure Action = "decryption_failure"

	// ActionUnknownModelRate records a usage event priced with the default
	// rate because the model was missing from the pricing table.
	ActionUnknownModelRate Action = "unknown_model_rate"

	// ActionQuotaReset records a scheduler-driven counter reset.
	ActionQuotaReset Action = "quota_reset"
)

// Event is an immutable audit record. Events are created once and never
// updated; corrections are new events.
type Event struct {
	ID        string                 `json:"id"`
	ActorID   string                 `json:"actor_id"`
	TenantID  string                 `json:"tenant_id"`
	Action    Action                 `json:"action"`
	Severity  Severity               `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// SearchFilter narrows an audit log search. Zero values are ignored.
type SearchFilter struct {
	TenantID  string    `json:"tenant_id,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	Action    Action    `json:"action,omitempty"`
	Severity  Severity  `json:"severity,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}
