// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tracklane/platform/common/usage"
	"tracklane/platform/tenant"
)

// dbtx is the statement surface shared by *sql.DB and *sql.Conn.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// PostgresRepository implements Repository using PostgreSQL.
// The conditional UPDATE inside ReserveAndRecord is the subsystem's atomic
// primitive: the database serializes concurrent increments per row, so no
// read-then-write race can lose an update or overshoot a limit.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository and ensures the
// tenant_ai_configs table exists. Row-level security policies on the table
// are applied by migration and verified at startup by the isolation
// enforcer.
func NewPostgresRepository(db *sql.DB) (*PostgresRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("quota: database connection is nil")
	}
	if err := createConfigTable(db); err != nil {
		return nil, fmt.Errorf("quota: failed to ensure tenant_ai_configs table: %w", err)
	}
	return &PostgresRepository{db: db}, nil
}

// q resolves where a statement runs. Inside an enforcer scope it is the
// connection carrying the session tenant predicate; outside one it is the
// pool, where RLS policies see no predicate and match no tenant rows, so a
// query that skipped the scope fails closed instead of open.
func (r *PostgresRepository) q(ctx context.Context) dbtx {
	if conn, ok := tenant.ConnFrom(ctx); ok {
		return conn
	}
	return r.db
}

const configColumns = `
	tenant_id, provider, credential_blob, model, max_tokens, temperature,
	monthly_quota, daily_quota, monthly_cost_cap_cents,
	monthly_used, daily_used, monthly_cost_used_cents,
	active, last_used_at, updated_at
`

// GetConfig retrieves a tenant's AI configuration.
func (r *PostgresRepository) GetConfig(ctx context.Context, tenantID string) (*TenantAIConfig, error) {
	row := r.q(ctx).QueryRowContext(ctx, `
		SELECT `+configColumns+`
		FROM tenant_ai_configs
		WHERE tenant_id = $1
	`, tenantID)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("quota: failed to get config: %w", err)
	}
	return cfg, nil
}

// UpsertConfig creates or updates a tenant's configuration. Running counters
// are never touched here; only the ledger's reserve path and the scheduled
// resets mutate them.
func (r *PostgresRepository) UpsertConfig(ctx context.Context, cfg *TenantAIConfig) error {
	if cfg == nil || cfg.TenantID == "" {
		return fmt.Errorf("quota: config requires a tenant id")
	}

	_, err := r.q(ctx).ExecContext(ctx, `
		INSERT INTO tenant_ai_configs (
			tenant_id, provider, credential_blob, model, max_tokens, temperature,
			monthly_quota, daily_quota, monthly_cost_cap_cents, active, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			credential_blob = EXCLUDED.credential_blob,
			model = EXCLUDED.model,
			max_tokens = EXCLUDED.max_tokens,
			temperature = EXCLUDED.temperature,
			monthly_quota = EXCLUDED.monthly_quota,
			daily_quota = EXCLUDED.daily_quota,
			monthly_cost_cap_cents = EXCLUDED.monthly_cost_cap_cents,
			active = EXCLUDED.active,
			updated_at = NOW()
	`, cfg.TenantID, string(cfg.Provider), cfg.CredentialBlob, cfg.Model,
		cfg.MaxTokens, cfg.Temperature, cfg.MonthlyQuota, cfg.DailyQuota,
		cfg.MonthlyCostCapCents, cfg.Active)
	if err != nil {
		return fmt.Errorf("quota: failed to upsert config: %w", err)
	}
	return nil
}

// ReserveAndRecord applies a reservation and its usage event in one
// transaction. The event insert is idempotent on request_id: a replayed
// reservation rolls back and returns the current config, so no increment is
// ever applied twice. A successful call's increment is guarded by the
// remaining quota in the UPDATE itself; a guard miss rolls the whole unit
// back and reports the first breached scope.
func (r *PostgresRepository) ReserveAndRecord(ctx context.Context, res Reservation, event usage.Event) (*TenantAIConfig, error) {
	if res.TenantID == "" || res.RequestID == "" || res.Tokens < 0 || res.CostCents < 0 {
		return nil, ErrInvalidReservation
	}

	tx, err := r.q(ctx).BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("quota: failed to begin reservation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := usage.InsertEvent(ctx, tx, event)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// Replay of an already-recorded request: no second increment.
		return r.GetConfig(ctx, res.TenantID)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE tenant_ai_configs SET
			monthly_used = monthly_used + $2,
			daily_used = daily_used + $3,
			monthly_cost_used_cents = monthly_cost_used_cents + $4,
			last_used_at = NOW(),
			updated_at = NOW()
		WHERE tenant_id = $1
			AND active
			AND monthly_used + $2 <= monthly_quota
			AND daily_used + $3 <= daily_quota
			AND monthly_cost_used_cents + $4 <= monthly_cost_cap_cents
		RETURNING `+configColumns+`
	`, res.TenantID, res.Tokens, res.Tokens, res.CostCents)

	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		// Guard miss: classify the rejection against the counters as this
		// transaction saw them, then roll the event back. Reading after the
		// rollback would race with concurrent resets and increments.
		rejection := classifyRejection(ctx, tx, res)
		_ = tx.Rollback()
		return nil, rejection
	}
	if err != nil {
		return nil, fmt.Errorf("quota: reservation failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("quota: failed to commit reservation: %w", err)
	}
	return cfg, nil
}

// classifyRejection determines why the reservation guard missed, reading the
// counters inside the same transaction the guard ran in.
func classifyRejection(ctx context.Context, tx *sql.Tx, res Reservation) error {
	var active bool
	var monthlyUsed, dailyUsed, costUsed, monthlyQuota, dailyQuota, costCap int64
	err := tx.QueryRowContext(ctx, `
		SELECT active, monthly_used, daily_used, monthly_cost_used_cents,
			monthly_quota, daily_quota, monthly_cost_cap_cents
		FROM tenant_ai_configs
		WHERE tenant_id = $1
	`, res.TenantID).Scan(&active, &monthlyUsed, &dailyUsed, &costUsed,
		&monthlyQuota, &dailyQuota, &costCap)
	if err == sql.ErrNoRows {
		return ErrConfigNotFound
	}
	if err != nil {
		return fmt.Errorf("quota: failed to classify rejection: %w", err)
	}
	if !active {
		return ErrTenantInactive
	}
	// First breached limit in the fixed decision order.
	switch {
	case monthlyUsed+res.Tokens > monthlyQuota:
		return &QuotaExceededError{Scope: ScopeMonthly}
	case dailyUsed+res.Tokens > dailyQuota:
		return &QuotaExceededError{Scope: ScopeDaily}
	default:
		return &QuotaExceededError{Scope: ScopeCost}
	}
}

// ResetDaily zeroes every tenant's daily counter. The single UPDATE uses the
// same row-level serialization as reservations, so it cannot interleave with
// an in-flight increment.
func (r *PostgresRepository) ResetDaily(ctx context.Context) (int64, error) {
	result, err := r.q(ctx).ExecContext(ctx, `
		UPDATE tenant_ai_configs SET daily_used = 0, updated_at = NOW()
		WHERE daily_used <> 0
	`)
	if err != nil {
		return 0, fmt.Errorf("quota: daily reset failed: %w", err)
	}
	return result.RowsAffected()
}

// ResetMonthly zeroes every tenant's monthly token and cost counters.
func (r *PostgresRepository) ResetMonthly(ctx context.Context) (int64, error) {
	result, err := r.q(ctx).ExecContext(ctx, `
		UPDATE tenant_ai_configs SET
			monthly_used = 0,
			monthly_cost_used_cents = 0,
			updated_at = NOW()
		WHERE monthly_used <> 0 OR monthly_cost_used_cents <> 0
	`)
	if err != nil {
		return 0, fmt.Errorf("quota: monthly reset failed: %w", err)
	}
	return result.RowsAffected()
}

// Ping verifies database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return r.db.PingContext(pingCtx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConfig(row rowScanner) (*TenantAIConfig, error) {
	var cfg TenantAIConfig
	var provider string
	var blob []byte
	var lastUsedAt sql.NullTime
	err := row.Scan(
		&cfg.TenantID, &provider, &blob, &cfg.Model, &cfg.MaxTokens, &cfg.Temperature,
		&cfg.MonthlyQuota, &cfg.DailyQuota, &cfg.MonthlyCostCapCents,
		&cfg.MonthlyUsed, &cfg.DailyUsed, &cfg.MonthlyCostUsedCents,
		&cfg.Active, &lastUsedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg.Provider = ProviderMode(provider)
	cfg.CredentialBlob = blob
	if lastUsedAt.Valid {
		cfg.LastUsedAt = &lastUsedAt.Time
	}
	return &cfg, nil
}

func createConfigTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tenant_ai_configs (
			tenant_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			credential_blob JSONB,
			model TEXT NOT NULL,
			max_tokens INT NOT NULL DEFAULT 1024,
			temperature DOUBLE PRECISION NOT NULL DEFAULT 0.0,
			monthly_quota BIGINT NOT NULL,
			daily_quota BIGINT NOT NULL,
			monthly_cost_cap_cents BIGINT NOT NULL,
			monthly_used BIGINT NOT NULL DEFAULT 0,
			daily_used BIGINT NOT NULL DEFAULT 0,
			monthly_cost_used_cents BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			last_used_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}
