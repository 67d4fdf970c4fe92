// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

/*
Package quota owns the atomic, race-free usage counters and throttle
decisions for tenant completion calls.

# Overview

Each tenant has one TenantAIConfig row holding its limits (monthly tokens,
daily tokens, monthly cost cap) and running counters. The ledger exposes:

  - CheckStatus: side-effect-free view of remaining allowance
  - ReserveAndRecord: the single counter-mutating path
  - ResetDaily / ResetMonthly: idempotent scheduler hooks

# Atomicity

ReserveAndRecord writes the usage event and the counter increment as one
transaction. The increment is a conditional UPDATE whose WHERE clause guards
the remaining quota, so concurrency is resolved by the database's row-level
serialization: no application-side read-then-write ever decides a throttle.
Two simultaneous reservations for the same tenant are each applied exactly
once or rejected whole. A cancelled operation leaves either a committed
reservation or nothing.

# Throttle semantics

Limits are checked in a fixed order: monthly tokens, daily tokens, monthly
cost. Using a quota exactly to zero remaining is in bounds; the request that
would go past it is the one rejected, with the first breached scope as the
reason. Failed provider calls never reach the ledger: the gateway records
them straight to the usage event stream without any charge.

# Pricing

Costs are integer cents: tokens / 1000 * the model's per-1K rate. Models
missing from the pricing table are billed at the default rate and the
fallback is audited at warning severity.

# Caching

StatusCache is a short-TTL read-through projection in Redis, invalidated on
every reservation and reset. The durable row is always the source of truth.
*/
package quota
