// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"context"

	"tracklane/platform/common/usage"
)

// Repository is the persistence contract for tenant AI configs and counters.
// ReserveAndRecord is the only counter-mutating call and must be atomic with
// respect to concurrent reservations for the same tenant: two simultaneous
// requests are each reflected exactly once or rejected whole.
type Repository interface {
	// GetConfig returns a tenant's AI configuration, or ErrConfigNotFound.
	GetConfig(ctx context.Context, tenantID string) (*TenantAIConfig, error)

	// UpsertConfig creates or replaces a tenant's AI configuration.
	// Counters are preserved on update; limits and credentials change.
	UpsertConfig(ctx context.Context, cfg *TenantAIConfig) error

	// ReserveAndRecord applies res and writes the usage event as one atomic
	// unit. The counter increment is conditional on remaining quota; a
	// breached limit rolls the whole unit back and returns
	// *QuotaExceededError. Returns the post-reservation config.
	ReserveAndRecord(ctx context.Context, res Reservation, event usage.Event) (*TenantAIConfig, error)

	// ResetDaily zeroes daily counters for all tenants. Idempotent.
	ResetDaily(ctx context.Context) (int64, error)

	// ResetMonthly zeroes monthly token and cost counters for all tenants.
	// Idempotent.
	ResetMonthly(ctx context.Context) (int64, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}
