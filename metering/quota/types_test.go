// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func baseConfig() *TenantAIConfig {
	return &TenantAIConfig{
		TenantID:            "tenant-a",
		Provider:            ProviderPlatformManaged,
		Model:               "claude-3-haiku",
		MonthlyQuota:        100000,
		DailyQuota:          10000,
		MonthlyCostCapCents: 50000,
		Active:              true,
	}
}

func TestStatusFromConfigFreshTenant(t *testing.T) {
	st := StatusFromConfig(baseConfig(), time.Now())
	assert.Equal(t, int64(100000), st.MonthlyRemaining)
	assert.Equal(t, int64(10000), st.DailyRemaining)
	assert.Equal(t, int64(50000), st.CostRemainingCents)
	assert.False(t, st.Throttled)
}

func TestStatusExactlyAtLimitIsNotThrottled(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyUsed = cfg.MonthlyQuota
	cfg.DailyUsed = cfg.DailyQuota

	st := StatusFromConfig(cfg, time.Now())
	assert.Equal(t, int64(0), st.MonthlyRemaining)
	assert.Equal(t, int64(0), st.DailyRemaining)
	assert.False(t, st.Throttled, "consuming a quota exactly is in bounds")
}

func TestStatusThrottleReasonOrder(t *testing.T) {
	// All three limits breached: monthly wins.
	cfg := baseConfig()
	cfg.MonthlyUsed = cfg.MonthlyQuota + 1
	cfg.DailyUsed = cfg.DailyQuota + 1
	cfg.MonthlyCostUsedCents = cfg.MonthlyCostCapCents + 1

	st := StatusFromConfig(cfg, time.Now())
	assert.True(t, st.Throttled)
	assert.Equal(t, ScopeMonthly, st.Reason)

	// Daily and cost breached: daily wins.
	cfg = baseConfig()
	cfg.DailyUsed = cfg.DailyQuota + 1
	cfg.MonthlyCostUsedCents = cfg.MonthlyCostCapCents + 1

	st = StatusFromConfig(cfg, time.Now())
	assert.Equal(t, ScopeDaily, st.Reason)

	// Only cost breached.
	cfg = baseConfig()
	cfg.MonthlyCostUsedCents = cfg.MonthlyCostCapCents + 1

	st = StatusFromConfig(cfg, time.Now())
	assert.Equal(t, ScopeCost, st.Reason)
}

func TestWouldThrottleBoundary(t *testing.T) {
	st := &Status{
		MonthlyRemaining:   100,
		DailyRemaining:     100,
		CostRemainingCents: 100,
	}

	throttled, _ := st.WouldThrottle(100, 100)
	assert.False(t, throttled, "a request that lands exactly on the limit is allowed")

	throttled, scope := st.WouldThrottle(101, 0)
	assert.True(t, throttled)
	assert.Equal(t, ScopeMonthly, scope)
}

func TestWouldThrottleDecisionOrder(t *testing.T) {
	st := &Status{
		MonthlyRemaining:   50,
		DailyRemaining:     10,
		CostRemainingCents: 5,
	}

	// Breaches monthly, daily, and cost together: monthly reported.
	throttled, scope := st.WouldThrottle(60, 10)
	assert.True(t, throttled)
	assert.Equal(t, ScopeMonthly, scope)

	// Fits monthly, breaches daily and cost: daily reported.
	throttled, scope = st.WouldThrottle(20, 10)
	assert.True(t, throttled)
	assert.Equal(t, ScopeDaily, scope)

	// Fits both token limits, breaches cost.
	throttled, scope = st.WouldThrottle(5, 10)
	assert.True(t, throttled)
	assert.Equal(t, ScopeCost, scope)
}

func TestRemainingNeverNegative(t *testing.T) {
	cfg := baseConfig()
	cfg.MonthlyUsed = cfg.MonthlyQuota + 5000

	st := StatusFromConfig(cfg, time.Now())
	assert.Equal(t, int64(0), st.MonthlyRemaining)
}
