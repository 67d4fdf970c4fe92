// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"time"
)

// ProviderMode selects how a tenant's completion calls are credentialed.
type ProviderMode string

const (
	// ProviderSelfSupplied uses the tenant's own provider key, stored
	// encrypted in CredentialBlob.
	ProviderSelfSupplied ProviderMode = "self-supplied-credential"

	// ProviderPlatformManaged uses the platform's managed provider under
	// IAM auth; the tenant holds no credential.
	ProviderPlatformManaged ProviderMode = "platform-managed"

	// ProviderHybrid tries the tenant's own credential first and falls back
	// to the platform-managed provider.
	ProviderHybrid ProviderMode = "hybrid"
)

// TenantAIConfig is the per-tenant metering record: provider mode, encrypted
// credential, model parameters, limits, and running counters. The counters
// are the only mutable shared state in the subsystem and are mutated
// exclusively through the ledger's atomic reserve path.
type TenantAIConfig struct {
	TenantID             string       `json:"tenant_id"`
	Provider             ProviderMode `json:"provider"`
	CredentialBlob       []byte       `json:"-"` // encrypted vault blob, nil when platform-managed
	Model                string       `json:"model"`
	MaxTokens            int          `json:"max_tokens"`
	Temperature          float64      `json:"temperature"`
	MonthlyQuota         int64        `json:"monthly_quota"`
	DailyQuota           int64        `json:"daily_quota"`
	MonthlyCostCapCents  int64        `json:"monthly_cost_cap_cents"`
	MonthlyUsed          int64        `json:"monthly_used"`
	DailyUsed            int64        `json:"daily_used"`
	MonthlyCostUsedCents int64        `json:"monthly_cost_used_cents"`
	Active               bool         `json:"active"`
	LastUsedAt           *time.Time   `json:"last_used_at,omitempty"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// Scope identifies which limit a throttle decision hit.
// Decision order is fixed: monthly tokens, then daily tokens, then cost.
type Scope string

const (
	ScopeMonthly Scope = "monthly"
	ScopeDaily   Scope = "daily"
	ScopeCost    Scope = "cost"
)

// Status is a point-in-time view of a tenant's remaining allowance.
// Reading it has no side effects.
type Status struct {
	TenantID           string    `json:"tenant_id"`
	MonthlyRemaining   int64     `json:"monthly_remaining"`
	DailyRemaining     int64     `json:"daily_remaining"`
	CostRemainingCents int64     `json:"cost_remaining_cents"`
	Throttled          bool      `json:"throttled"`
	Reason             Scope     `json:"throttle_reason,omitempty"`
	AsOf               time.Time `json:"as_of"`
}

// WouldThrottle evaluates a prospective request of the given size against
// the remaining allowance, in the fixed decision order. It reports the first
// breached scope.
func (s *Status) WouldThrottle(tokens, costCents int64) (bool, Scope) {
	if tokens > s.MonthlyRemaining {
		return true, ScopeMonthly
	}
	if tokens > s.DailyRemaining {
		return true, ScopeDaily
	}
	if costCents > s.CostRemainingCents {
		return true, ScopeCost
	}
	return false, ""
}

// Reservation is one successful provider call presented to the ledger.
// Tokens is the provider-reported actual; RequestID is the idempotency key
// shared with the usage event. Failed calls never reach the ledger; the
// usage recorder keeps them in the history without touching counters.
type Reservation struct {
	TenantID  string
	ActorID   string
	Operation string
	Model     string
	Tokens    int64
	CostCents int64
	RequestID string
}

// StatusFromConfig derives the pure-read quota status from a config row.
func StatusFromConfig(cfg *TenantAIConfig, now time.Time) *Status {
	s := &Status{
		TenantID:           cfg.TenantID,
		MonthlyRemaining:   remaining(cfg.MonthlyQuota, cfg.MonthlyUsed),
		DailyRemaining:     remaining(cfg.DailyQuota, cfg.DailyUsed),
		CostRemainingCents: remaining(cfg.MonthlyCostCapCents, cfg.MonthlyCostUsedCents),
		AsOf:               now,
	}

	// A tenant is throttled only once a limit is actually exceeded;
	// consuming a quota exactly to zero remaining is still in bounds.
	switch {
	case cfg.MonthlyUsed > cfg.MonthlyQuota:
		s.Throttled, s.Reason = true, ScopeMonthly
	case cfg.DailyUsed > cfg.DailyQuota:
		s.Throttled, s.Reason = true, ScopeDaily
	case cfg.MonthlyCostUsedCents > cfg.MonthlyCostCapCents:
		s.Throttled, s.Reason = true, ScopeCost
	}
	return s
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
