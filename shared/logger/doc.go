// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging with multi-tenant support
for TrackLane platform components.

# Overview

The logger package provides structured logging that outputs JSON to stdout,
making logs easily consumable by CloudWatch, ELK stack, or other log
aggregation systems.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (metering, scheduler, etc.)
  - Instance ID and container name (for distributed tracing)
  - Tenant ID (for multi-tenant isolation)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("metering")

Log messages with tenant and request context:

	log.Info("tenant-123", "req-456", "Processing completion request", map[string]interface{}{
	    "model":     "claude-3-haiku",
	    "operation": "summarize",
	})

# Secrets

Never log credentials or tokens directly. Use SafePrefix to include a short,
non-reversible prefix when a key must be referenced:

	log.Warn(tenantID, reqID, "credential rejected", map[string]interface{}{
	    "key_prefix": logger.SafePrefix(apiKey, 8),
	})

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
