// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tracklane/platform/tenant"
)

// Execer is the subset of database/sql needed to insert an event. Both
// *sql.DB and *sql.Tx satisfy it, so the quota ledger can write the event
// inside the same transaction as its counter increment.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Recorder appends usage events to the usage_events table.
// Events are append-only; there is no update path.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder and ensures the usage_events table exists.
func NewRecorder(db *sql.DB) (*Recorder, error) {
	if db == nil {
		return nil, fmt.Errorf("usage: database connection is nil")
	}
	if err := createUsageTable(db); err != nil {
		return nil, fmt.Errorf("usage: failed to ensure usage_events table: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Record appends a usage event outside any ledger transaction. Used for
// failed provider calls, which are recorded but never consume quota. Inside
// an enforcer scope the insert runs on the connection carrying the session
// tenant predicate.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	var ex Execer = r.db
	if conn, ok := tenant.ConnFrom(ctx); ok {
		ex = conn
	}
	_, err := InsertEvent(ctx, ex, e)
	return err
}

// InsertEvent appends a usage event through any Execer. The insert is
// idempotent on request_id: a replayed request inserts nothing and returns
// false, keeping the one-event-per-attempt invariant under retries.
func InsertEvent(ctx context.Context, ex Execer, e Event) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.RequestID == "" {
		return false, fmt.Errorf("usage: request_id is required")
	}

	result, err := ex.ExecContext(ctx, `
		INSERT INTO usage_events (
			id, request_id, tenant_id, actor_id, operation, model,
			tokens_used, cost_cents, success, error_reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (request_id) DO NOTHING
	`, e.ID, e.RequestID, e.TenantID, e.ActorID, e.Operation, e.Model,
		e.TokensUsed, e.CostCents, e.Success, nullString(e.ErrorReason), e.Timestamp)
	if err != nil {
		return false, fmt.Errorf("usage: failed to record event: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("usage: failed to check insert result: %w", err)
	}
	return rows > 0, nil
}

// nullString converts an empty string to NULL for database insertion
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func createUsageTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_events (
			id UUID PRIMARY KEY,
			request_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			model TEXT NOT NULL,
			tokens_used BIGINT NOT NULL,
			cost_cents BIGINT NOT NULL,
			success BOOLEAN NOT NULL,
			error_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_usage_events_tenant_time
			ON usage_events (tenant_id, created_at);
	`)
	return err
}
