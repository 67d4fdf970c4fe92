// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

// Package metering is the metered gateway between TrackLane tenants and the
// completion providers.
//
// One request travels a fixed pipeline: the session token is resolved into a
// security context, the tenant predicate is applied on a dedicated database
// connection, the quota ledger is consulted before any provider is
// contacted, the provider chain runs under the tenant's credential mode, and
// the provider-reported token count is charged atomically together with the
// usage event. No stage can be skipped and no stage sees another tenant's
// state.
//
// Credential handling follows the tenant's provider mode. Self-supplied
// tenants have their key decrypted from the vault for the duration of one
// call. Platform-managed tenants ride the service's own IAM identity and
// hold no credential at all. Hybrid tenants try their own key first and fall
// back to the platform provider.
package metering
