// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tracklane/platform/shared/logger"
)

// Sink accepts audit events. Implementations must not block the caller
// beyond a bounded timeout and must never drop an event silently: if the
// durable write fails, a local fallback record is produced instead.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// defaultWriteTimeout bounds how long a single audit insert may take before
// the event is diverted to the fallback log.
const defaultWriteTimeout = 2 * time.Second

// PostgresSink persists audit events to the audit_events table. Writes are
// synchronous: the insert completes (or falls back) before Write returns, so
// security events are durable before the caller sees a response.
//
// The sink runs on the pool, never on a scoped connection: audit_events is
// service-internal and carries no tenant row policy. Failure events must
// persist even when no tenant predicate is set, and superadmin search reads
// across tenants.
type PostgresSink struct {
	db       *sql.DB
	timeout  time.Duration
	log      *logger.Logger
	fallback func(e Event, cause error)
}

// NewPostgresSink creates a sink writing to db. The audit_events table is
// created if missing so fresh environments bootstrap without a migration
// step, matching the usage tables.
func NewPostgresSink(db *sql.DB, log *logger.Logger) (*PostgresSink, error) {
	if db == nil {
		return nil, fmt.Errorf("audit: database connection is nil")
	}
	if log == nil {
		log = logger.New("audit")
	}

	s := &PostgresSink{
		db:      db,
		timeout: defaultWriteTimeout,
		log:     log,
	}
	s.fallback = s.logFallback

	if err := createAuditTable(db); err != nil {
		return nil, fmt.Errorf("audit: failed to ensure audit_events table: %w", err)
	}
	return s, nil
}

// SetTimeout overrides the bounded write timeout. Intended for tests.
func (s *PostgresSink) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Write persists the event. A failure or timeout of the durable write is
// converted into a structured fallback log record and Write returns nil so
// the primary operation can proceed per policy. The event is never silently
// dropped.
func (s *PostgresSink) Write(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	details, err := json.Marshal(e.Details)
	if err != nil {
		// Details are advisory; the event itself must still be recorded.
		details = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.db.ExecContext(writeCtx, `
		INSERT INTO audit_events (id, actor_id, tenant_id, action, severity, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.ActorID, e.TenantID, string(e.Action), string(e.Severity), details, e.Timestamp)
	if err != nil {
		fallbackTotal.Inc()
		s.fallback(e, err)
		return nil
	}

	return nil
}

// logFallback records the event through the structured logger when the
// durable write is unavailable. The full event is preserved in the log
// stream for later replay into the audit table.
func (s *PostgresSink) logFallback(e Event, cause error) {
	payload, _ := json.Marshal(e)
	s.log.Error(e.TenantID, "", "audit write failed, event preserved in log stream", map[string]interface{}{
		"audit_event": string(payload),
		"cause":       cause.Error(),
	})
}

// Search returns audit events matching the filter, newest first.
// Used by the superadmin audit API; each call to that API is itself audited.
func (s *PostgresSink) Search(ctx context.Context, filter SearchFilter) ([]Event, error) {
	query := `
		SELECT id, actor_id, tenant_id, action, severity, details, created_at
		FROM audit_events
		WHERE 1=1
	`
	args := []interface{}{}
	argIndex := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIndex)
		args = append(args, filter.TenantID)
		argIndex++
	}
	if filter.ActorID != "" {
		query += fmt.Sprintf(" AND actor_id = $%d", argIndex)
		args = append(args, filter.ActorID)
		argIndex++
	}
	if filter.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIndex)
		args = append(args, string(filter.Action))
		argIndex++
	}
	if filter.Severity != "" {
		query += fmt.Sprintf(" AND severity = $%d", argIndex)
		args = append(args, string(filter.Severity))
		argIndex++
	}
	if !filter.StartTime.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIndex)
		args = append(args, filter.StartTime)
		argIndex++
	}
	if !filter.EndTime.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", argIndex)
		args = append(args, filter.EndTime)
		argIndex++
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var action, severity string
		var details []byte
		if err := rows.Scan(&e.ID, &e.ActorID, &e.TenantID, &action, &severity, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		e.Action = Action(action)
		e.Severity = Severity(severity)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func createAuditTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id UUID PRIMARY KEY,
			actor_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			action TEXT NOT NULL,
			severity TEXT NOT NULL,
			details JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_time
			ON audit_events (tenant_id, created_at DESC);
	`)
	return err
}
