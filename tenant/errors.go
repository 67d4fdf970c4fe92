// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package tenant

import "errors"

var (
	// ErrUnauthenticated is returned when no actor or home tenant can be
	// resolved. The operation is aborted before any data access.
	ErrUnauthenticated = errors.New("unauthenticated: no resolvable actor or tenant")

	// ErrCrossTenantAccessDenied is returned when an operation targets a row
	// outside the active tenant. Every occurrence is audited at high severity
	// before the caller sees the error.
	ErrCrossTenantAccessDenied = errors.New("cross-tenant access denied")

	// ErrNoContext is returned when a data operation is attempted without an
	// established tenant context. Access is fail-closed, never fail-open.
	ErrNoContext = errors.New("no tenant context established")

	// ErrUnknownEntityType is returned when ownership validation is asked
	// about an entity type outside the known table set.
	ErrUnknownEntityType = errors.New("unknown entity type")
)
