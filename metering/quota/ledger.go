// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tracklane/platform/common/audit"
	"tracklane/platform/common/usage"
	"tracklane/platform/shared/logger"
)

// Ledger decides whether a tenant may call the completion provider and keeps
// the running counters accurate under concurrency. It is the only component
// allowed to mutate TenantAIConfig counters.
type Ledger struct {
	repo  Repository
	cache *StatusCache
	sink  audit.Sink
	log   *logger.Logger
}

// NewLedger creates a ledger. cache may be a disabled cache; sink is
// required because quota exhaustion and pricing fallbacks are audited.
func NewLedger(repo Repository, cache *StatusCache, sink audit.Sink, log *logger.Logger) (*Ledger, error) {
	if repo == nil {
		return nil, fmt.Errorf("quota: repository is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("quota: audit sink is required")
	}
	if cache == nil {
		cache = DisabledStatusCache()
	}
	if log == nil {
		log = logger.New("quota")
	}
	return &Ledger{repo: repo, cache: cache, sink: sink, log: log}, nil
}

// CheckStatus returns the tenant's remaining allowance. Pure read: no
// counter is touched. Responses may be served from the read-through cache;
// the durable row is always the source of truth.
func (l *Ledger) CheckStatus(ctx context.Context, tenantID string) (*Status, error) {
	if st, ok := l.cache.Get(ctx, tenantID); ok {
		return st, nil
	}

	cfg, err := l.repo.GetConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, ErrTenantInactive
	}

	st := StatusFromConfig(cfg, time.Now().UTC())
	l.cache.Set(ctx, st)
	return st, nil
}

// ReserveAndRecord applies one successful provider call to the ledger: the
// usage event and the counter increment as one atomic unit. Throttles are
// audited and returned as *QuotaExceededError.
func (l *Ledger) ReserveAndRecord(ctx context.Context, res Reservation) (*Status, error) {
	if res.TenantID == "" || res.RequestID == "" || res.Tokens < 0 {
		return nil, ErrInvalidReservation
	}

	if res.CostCents == 0 {
		cents, known := usage.CostCents(res.Model, res.Tokens)
		res.CostCents = cents
		if !known {
			// Fail-soft on stale pricing, but leave a trace for review.
			if err := l.sink.Write(ctx, audit.Event{
				ActorID:  res.ActorID,
				TenantID: res.TenantID,
				Action:   audit.ActionUnknownModelRate,
				Severity: audit.SeverityWarning,
				Details: map[string]interface{}{
					"model":      res.Model,
					"request_id": res.RequestID,
				},
			}); err != nil {
				return nil, fmt.Errorf("quota: failed to audit pricing fallback: %w", err)
			}
		}
	}

	event := usage.Event{
		RequestID:  res.RequestID,
		TenantID:   res.TenantID,
		ActorID:    res.ActorID,
		Operation:  res.Operation,
		Model:      res.Model,
		TokensUsed: res.Tokens,
		CostCents:  res.CostCents,
		Success:    true,
	}

	cfg, err := l.repo.ReserveAndRecord(ctx, res, event)

	var exceeded *QuotaExceededError
	if errors.As(err, &exceeded) {
		if aerr := l.sink.Write(ctx, audit.Event{
			ActorID:  res.ActorID,
			TenantID: res.TenantID,
			Action:   audit.ActionQuotaExhausted,
			Severity: audit.SeverityWarning,
			Details: map[string]interface{}{
				"scope":      string(exceeded.Scope),
				"tokens":     res.Tokens,
				"request_id": res.RequestID,
			},
		}); aerr != nil {
			return nil, fmt.Errorf("quota: failed to audit throttle: %w", aerr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	l.cache.Invalidate(ctx, res.TenantID)
	return StatusFromConfig(cfg, time.Now().UTC()), nil
}

// ResetDaily zeroes daily counters for all tenants. actorID names who
// triggered the reset in the audit trail; safe to re-run.
func (l *Ledger) ResetDaily(ctx context.Context, actorID string) (int64, error) {
	n, err := l.repo.ResetDaily(ctx)
	if err != nil {
		return 0, err
	}
	l.cache.Clear(ctx)
	l.auditReset(ctx, actorID, "daily", n)
	return n, nil
}

// ResetMonthly zeroes monthly token and cost counters for all tenants.
func (l *Ledger) ResetMonthly(ctx context.Context, actorID string) (int64, error) {
	n, err := l.repo.ResetMonthly(ctx)
	if err != nil {
		return 0, err
	}
	l.cache.Clear(ctx)
	l.auditReset(ctx, actorID, "monthly", n)
	return n, nil
}

func (l *Ledger) auditReset(ctx context.Context, actorID, scope string, tenants int64) {
	if actorID == "" {
		actorID = "scheduler"
	}
	if err := l.sink.Write(ctx, audit.Event{
		ActorID:  actorID,
		TenantID: "",
		Action:   audit.ActionQuotaReset,
		Severity: audit.SeverityInfo,
		Details: map[string]interface{}{
			"scope":   scope,
			"tenants": tenants,
		},
	}); err != nil {
		l.log.Warn("", "", "failed to audit quota reset", map[string]interface{}{"error": err.Error()})
	}
}

// GetConfig returns a tenant's AI configuration.
func (l *Ledger) GetConfig(ctx context.Context, tenantID string) (*TenantAIConfig, error) {
	return l.repo.GetConfig(ctx, tenantID)
}

// UpsertConfig stores a tenant's AI configuration and drops any cached
// status for it.
func (l *Ledger) UpsertConfig(ctx context.Context, cfg *TenantAIConfig) error {
	if err := l.repo.UpsertConfig(ctx, cfg); err != nil {
		return err
	}
	l.cache.Invalidate(ctx, cfg.TenantID)
	return nil
}

// Ping verifies the ledger's backing store.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.repo.Ping(ctx)
}
