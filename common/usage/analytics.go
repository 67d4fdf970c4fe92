// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tracklane/platform/tenant"
)

// topOperationsLimit caps the per-operation breakdown in a report.
const topOperationsLimit = 5

// Analytics aggregates usage events for reporting. Every number in a Report
// is derived from the event log alone; there is no running state to drift.
type Analytics struct {
	db *sql.DB
}

// NewAnalytics creates an analytics reader over the usage_events table.
func NewAnalytics(db *sql.DB) *Analytics {
	return &Analytics{db: db}
}

// querier is the read surface shared by *sql.DB and *sql.Conn.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// q prefers the connection carrying the session tenant predicate, so report
// queries stay inside the caller's enforcer scope.
func (a *Analytics) q(ctx context.Context) querier {
	if conn, ok := tenant.ConnFrom(ctx); ok {
		return conn
	}
	return a.db
}

// Report aggregates a tenant's events in [start, end).
// Tokens and cost count successful calls only; request count and success
// rate cover every attempt.
func (a *Analytics) Report(ctx context.Context, tenantID string, start, end time.Time) (*Report, error) {
	report := &Report{
		TenantID: tenantID,
		Start:    start,
		End:      end,
	}

	var successCount int64
	err := a.q(ctx).QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(tokens_used) FILTER (WHERE success), 0),
			COALESCE(SUM(cost_cents) FILTER (WHERE success), 0),
			COUNT(*),
			COUNT(*) FILTER (WHERE success)
		FROM usage_events
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`, tenantID, start, end).Scan(
		&report.TotalTokens, &report.TotalCost, &report.RequestCount, &successCount,
	)
	if err != nil {
		return nil, fmt.Errorf("usage: totals query failed: %w", err)
	}

	if report.RequestCount > 0 {
		report.SuccessRate = float64(successCount) / float64(report.RequestCount)
	}

	if report.TopOperations, err = a.topOperations(ctx, tenantID, start, end); err != nil {
		return nil, err
	}
	if report.DailySeries, err = a.dailySeries(ctx, tenantID, start, end); err != nil {
		return nil, err
	}

	return report, nil
}

func (a *Analytics) topOperations(ctx context.Context, tenantID string, start, end time.Time) ([]OperationSum, error) {
	rows, err := a.q(ctx).QueryContext(ctx, `
		SELECT operation,
			COALESCE(SUM(tokens_used) FILTER (WHERE success), 0),
			COALESCE(SUM(cost_cents) FILTER (WHERE success), 0),
			COUNT(*)
		FROM usage_events
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY operation
		ORDER BY 2 DESC, operation
		LIMIT $4
	`, tenantID, start, end, topOperationsLimit)
	if err != nil {
		return nil, fmt.Errorf("usage: top operations query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []OperationSum
	for rows.Next() {
		var op OperationSum
		if err := rows.Scan(&op.Operation, &op.TokensUsed, &op.CostCents, &op.RequestCount); err != nil {
			return nil, fmt.Errorf("usage: failed to scan operation row: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (a *Analytics) dailySeries(ctx context.Context, tenantID string, start, end time.Time) ([]DailyPoint, error) {
	rows, err := a.q(ctx).QueryContext(ctx, `
		SELECT date_trunc('day', created_at) AS day,
			COALESCE(SUM(tokens_used) FILTER (WHERE success), 0),
			COALESCE(SUM(cost_cents) FILTER (WHERE success), 0),
			COUNT(*)
		FROM usage_events
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY day
		ORDER BY day
	`, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("usage: daily series query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var series []DailyPoint
	for rows.Next() {
		var p DailyPoint
		if err := rows.Scan(&p.Day, &p.TokensUsed, &p.CostCents, &p.RequestCount); err != nil {
			return nil, fmt.Errorf("usage: failed to scan daily row: %w", err)
		}
		series = append(series, p)
	}
	return series, rows.Err()
}
