// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is the sentinel all QuotaExceededError values unwrap
	// to. A throttle is an expected operational condition, not a fault.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrConfigNotFound is returned when a tenant has no AI configuration.
	ErrConfigNotFound = errors.New("tenant AI config not found")

	// ErrTenantInactive is returned when a tenant's AI access is disabled.
	ErrTenantInactive = errors.New("tenant AI access disabled")

	// ErrInvalidReservation is returned for reservations missing required
	// fields (tenant, request id) or with negative token counts.
	ErrInvalidReservation = errors.New("invalid reservation")
)

// QuotaExceededError reports which limit rejected the request.
// Surfaced to callers as a throttle response they can act on.
type QuotaExceededError struct {
	Scope Scope
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit reached", e.Scope)
}

// Unwrap lets errors.Is(err, ErrQuotaExceeded) match any scoped throttle.
func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}
