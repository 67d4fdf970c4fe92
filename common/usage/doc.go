// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

/*
Package usage provides usage metering and reporting for TrackLane's
completion provider calls.

# Overview

The usage package records one immutable event per attempted provider call
and aggregates those events for reporting. Events are the source of truth:
the quota ledger's running counters are a cached projection of the same
stream, and every report is recomputable by replaying the log.

# Recording

Create a recorder with a database connection:

	recorder, err := usage.NewRecorder(db)

Record a failed call (failed calls never consume quota):

	err := recorder.Record(ctx, usage.Event{
	    RequestID:   reqID,
	    TenantID:    tenantID,
	    ActorID:     actorID,
	    Operation:   "summarize",
	    Model:       "claude-3-haiku",
	    Success:     false,
	    ErrorReason: "provider_unavailable",
	})

Successful calls are written by the quota ledger inside the same transaction
as the counter increment, via InsertEvent. The insert is idempotent on
request_id.

# Cost Calculation

Costs are computed from the per-model pricing table:

	cents, known := usage.CostCents("claude-3-haiku", tokensUsed)

Unknown models are priced at the default rate; callers should emit an
audit note when known is false.

# Reporting

	report, err := usage.NewAnalytics(db).Report(ctx, tenantID, start, end)

# Thread Safety

Recorder and Analytics are safe for concurrent use.
*/
package usage
