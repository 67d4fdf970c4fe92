// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package tenant

// Row-level isolation enforcement.
//
// The enforcer checks out a dedicated connection for each operation, sets
// app.current_tenant_id on that connection only, and resets it before the
// connection returns to the pool. The tenant predicate is therefore scoped
// to one in-flight operation: it is never a process-wide value and never
// leaks to another request sharing the pool. PostgreSQL RLS policies
// evaluate the variable on every row as the defense-in-depth backstop; with
// no variable set the policies match nothing, so access without an
// established context is denied, not open.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tracklane/platform/common/audit"
	"tracklane/platform/shared/logger"
)

// entityTables maps the entity types accepted by ValidateOwnership to their
// tables and lookup columns. A whitelist, so untrusted entity types can
// never reach SQL.
var entityTables = map[string]struct {
	table     string
	keyColumn string
}{
	"issue":            {"issues", "id"},
	"initiative":       {"initiatives", "id"},
	"tenant_ai_config": {"tenant_ai_configs", "tenant_id"},
}

// Enforcer applies the active tenant as a mandatory predicate on every
// store access within an operation.
type Enforcer struct {
	db   *sql.DB
	sink audit.Sink
	log  *logger.Logger
}

// NewEnforcer creates an isolation enforcer over db, emitting audit events
// through sink.
func NewEnforcer(db *sql.DB, sink audit.Sink, log *logger.Logger) (*Enforcer, error) {
	if db == nil {
		return nil, fmt.Errorf("tenant: database connection is nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("tenant: audit sink is required")
	}
	if log == nil {
		log = logger.New("tenant")
	}
	return &Enforcer{db: db, sink: sink, log: log}, nil
}

// WithTenant runs fn with sc applied as the session tenant predicate on a
// dedicated connection. The predicate is set before fn runs and is
// unconditionally cleared on every exit path, including error return, panic,
// and caller cancellation. fn receives a context carrying sc and the scoped
// connection; all store access inside the operation must go through that
// connection.
func (e *Enforcer) WithTenant(ctx context.Context, sc SecurityContext, fn func(ctx context.Context, conn *sql.Conn) error) error {
	if !sc.Scoped() {
		return ErrNoContext
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("tenant: failed to acquire connection: %w", err)
	}

	defer func() {
		// Reset uses a fresh context: a cancelled operation must still
		// release its predicate before the connection rejoins the pool.
		resetCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, rerr := conn.ExecContext(resetCtx, `SELECT set_config('app.current_tenant_id', '', false), set_config('app.superadmin', '', false)`); rerr != nil {
			e.log.Warn(sc.TenantID, "", "failed to reset tenant predicate", map[string]interface{}{
				"error": rerr.Error(),
			})
		}
		_ = conn.Close()
	}()

	if err := e.apply(ctx, conn, sc); err != nil {
		return err
	}

	return fn(WithConn(With(ctx, sc), conn), conn)
}

// apply establishes the session predicate for sc on conn. Superadmin use is
// audited synchronously on every application, not sampled.
func (e *Enforcer) apply(ctx context.Context, conn *sql.Conn, sc SecurityContext) error {
	applyCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if sc.SuperAdmin {
		if _, err := conn.ExecContext(applyCtx, `SELECT set_config('app.superadmin', 'on', false)`); err != nil {
			return fmt.Errorf("tenant: failed to set superadmin predicate: %w", err)
		}
		superadminUses.Inc()
		if err := e.sink.Write(ctx, audit.Event{
			ActorID:  sc.ActorID,
			TenantID: sc.TenantID,
			Action:   audit.ActionSuperadminAccess,
			Severity: audit.SeverityWarning,
			Details:  map[string]interface{}{"scope": "session"},
		}); err != nil {
			return fmt.Errorf("tenant: failed to audit superadmin access: %w", err)
		}
		if sc.TenantID == "" {
			return nil
		}
	}

	if _, err := conn.ExecContext(applyCtx, `SELECT set_config('app.current_tenant_id', $1, false)`, sc.TenantID); err != nil {
		return fmt.Errorf("tenant: failed to set tenant predicate: %w", err)
	}
	return nil
}

// ValidateOwnership reports whether the entity belongs to the active tenant.
// It is called before any write whose target id was supplied by the caller.
// A mismatch, or a row invisible under the session predicate, produces a
// high-severity audit event synchronously and returns
// ErrCrossTenantAccessDenied.
func (e *Enforcer) ValidateOwnership(ctx context.Context, conn *sql.Conn, sc SecurityContext, entityType, entityID string) (bool, error) {
	entity, ok := entityTables[entityType]
	if !ok {
		return false, ErrUnknownEntityType
	}
	if !sc.Scoped() {
		return false, ErrNoContext
	}
	if sc.SuperAdmin {
		return true, nil
	}

	var ownerTenant string
	query := fmt.Sprintf(`SELECT tenant_id FROM %s WHERE %s = $1`, entity.table, entity.keyColumn)
	err := conn.QueryRowContext(ctx, query, entityID).Scan(&ownerTenant)
	switch {
	case err == sql.ErrNoRows:
		// Under RLS a foreign row and a missing row are indistinguishable.
		// Both are denied and audited.
		ownerTenant = ""
	case err != nil:
		return false, fmt.Errorf("tenant: ownership lookup failed: %w", err)
	case ownerTenant == sc.TenantID:
		return true, nil
	}

	if aerr := e.sink.Write(ctx, audit.Event{
		ActorID:  sc.ActorID,
		TenantID: sc.TenantID,
		Action:   audit.ActionCrossTenantAttempt,
		Severity: audit.SeverityHigh,
		Details: map[string]interface{}{
			"entity_type":      entityType,
			"entity_id":        entityID,
			"requested_tenant": sc.TenantID,
		},
	}); aerr != nil {
		return false, fmt.Errorf("tenant: failed to audit cross-tenant attempt: %w", aerr)
	}

	crossTenantDenials.Inc()
	e.log.Warn(sc.TenantID, "", "cross-tenant access attempt", map[string]interface{}{
		"actor_id":    sc.ActorID,
		"entity_type": entityType,
		"entity_id":   entityID,
	})

	return false, ErrCrossTenantAccessDenied
}

// VerifyIsolation checks that RLS is enabled on every table carrying tenant
// data. Run at startup and from the health endpoint; a missing policy is a
// deployment fault, not a condition to limp through.
func (e *Enforcer) VerifyIsolation(ctx context.Context) error {
	criticalTables := []string{
		"tenant_ai_configs",
		"usage_events",
		"issues",
		"initiatives",
	}

	for _, table := range criticalTables {
		var rlsEnabled bool
		err := e.db.QueryRowContext(ctx, `
			SELECT COALESCE(rowsecurity, false)
			FROM pg_tables
			WHERE schemaname = 'public' AND tablename = $1
		`, table).Scan(&rlsEnabled)
		if err == sql.ErrNoRows {
			return fmt.Errorf("tenant: table %q not found", table)
		}
		if err != nil {
			return fmt.Errorf("tenant: failed to check RLS on %q: %w", table, err)
		}
		if !rlsEnabled {
			return fmt.Errorf("tenant: RLS not enabled on critical table %q", table)
		}
	}
	return nil
}
