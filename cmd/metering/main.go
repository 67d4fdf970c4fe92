// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

// Package main is the entry point for the TrackLane metering service.
//
// The metering service is the tenant-isolation and usage-metering boundary
// between TrackLane and the completion providers:
// - Resolves session tokens into per-request tenant scopes
// - Enforces row-level isolation on every store access
// - Meters provider usage against per-tenant token and cost quotas
// - Stores tenant provider credentials encrypted at rest
// - Records an append-only usage and audit trail
//
// Usage:
//
//	./metering
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8082)
//	CONFIG_FILE - YAML configuration file (optional)
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_URL - quota status cache (optional)
//	SESSION_SIGNING_KEY - HMAC key for session tokens
//	MASTER_KEY_SECRET_ARN - Secrets Manager ARN for the vault master key
//	CREDENTIAL_MASTER_KEY - base64 master key for local development
//	BEDROCK_REGION - platform-managed provider region (optional)
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"tracklane/platform/metering"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := metering.Run(ctx); err != nil {
		log.Fatalf("metering service exited: %v", err)
	}
}
