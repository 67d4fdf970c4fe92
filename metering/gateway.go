// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tracklane/platform/common/audit"
	"tracklane/platform/common/usage"
	"tracklane/platform/metering/llm"
	"tracklane/platform/metering/quota"
	"tracklane/platform/metering/vault"
	"tracklane/platform/shared/logger"
	"tracklane/platform/tenant"
)

// defaultEstimateTokens is the pre-flight size assumed for throttle
// evaluation when the caller supplies no estimate. Deliberately small: the
// authoritative charge is the provider-reported count applied after the call.
const defaultEstimateTokens = 256

// ErrNoCredential is returned when a self-supplied tenant has no stored
// provider credential.
var ErrNoCredential = errors.New("no provider credential configured")

// ErrNoPlatformProvider is returned when a tenant is configured for the
// platform-managed provider but none is wired.
var ErrNoPlatformProvider = errors.New("platform-managed provider not configured")

// ProviderFactory builds a provider bound to one decrypted tenant key. The
// key is passed by value and discarded with the provider at request end.
type ProviderFactory func(apiKey string) llm.Provider

// UsageRecorder persists events outside the quota ledger. Failed provider
// calls go here: they keep the replay stream complete without touching the
// tenant's counters.
type UsageRecorder interface {
	Record(ctx context.Context, e usage.Event) error
}

// CompleteInput is one completion request entering the pipeline.
type CompleteInput struct {
	Prompt          string `json:"prompt"`
	System          string `json:"system,omitempty"`
	Operation       string `json:"operation,omitempty"`
	EstimatedTokens int64  `json:"estimated_tokens,omitempty"`
	// RequestID is the idempotency key. Generated when empty; callers
	// retrying a timed-out request must resend the same id so the ledger
	// records the attempt once.
	RequestID string `json:"request_id,omitempty"`
}

// CompleteOutput is the pipeline's answer.
type CompleteOutput struct {
	RequestID  string        `json:"request_id"`
	Content    string        `json:"content"`
	Model      string        `json:"model"`
	Provider   string        `json:"provider"`
	TokensUsed int64         `json:"tokens_used"`
	Latency    time.Duration `json:"latency"`
	Status     *quota.Status `json:"quota_status"`
}

// Gateway is the metered path to the completion providers. Every request
// passes, in order: tenant scoping, quota pre-flight, credentialed provider
// call, then atomic usage recording with the provider-reported token count.
type Gateway struct {
	enforcer *tenant.Enforcer
	ledger   *quota.Ledger
	vault    *vault.Vault
	sink     audit.Sink
	recorder UsageRecorder
	log      *logger.Logger

	// platform serves platform-managed tenants under the service's own IAM
	// identity. selfSupplied builds a per-request provider around a
	// decrypted tenant key.
	platform     llm.Provider
	selfSupplied ProviderFactory

	providerTimeout time.Duration
}

// GatewayConfig wires a Gateway.
type GatewayConfig struct {
	Enforcer        *tenant.Enforcer
	Ledger          *quota.Ledger
	Vault           *vault.Vault
	Sink            audit.Sink
	Recorder        UsageRecorder
	Log             *logger.Logger
	Platform        llm.Provider
	SelfSupplied    ProviderFactory
	ProviderTimeout time.Duration
}

// NewGateway validates the wiring and returns a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Enforcer == nil || cfg.Ledger == nil || cfg.Vault == nil || cfg.Sink == nil || cfg.Recorder == nil {
		return nil, fmt.Errorf("metering: enforcer, ledger, vault, sink, and recorder are required")
	}
	if cfg.SelfSupplied == nil {
		return nil, fmt.Errorf("metering: self-supplied provider factory is required")
	}
	log := cfg.Log
	if log == nil {
		log = logger.New("metering")
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Gateway{
		enforcer:        cfg.Enforcer,
		ledger:          cfg.Ledger,
		vault:           cfg.Vault,
		sink:            cfg.Sink,
		recorder:        cfg.Recorder,
		log:             log,
		platform:        cfg.Platform,
		selfSupplied:    cfg.SelfSupplied,
		providerTimeout: timeout,
	}, nil
}

// Complete runs the full metered pipeline for one request. sc must carry a
// tenant; superadmin sessions without one cannot consume completion quota.
func (g *Gateway) Complete(ctx context.Context, sc tenant.SecurityContext, in CompleteInput) (*CompleteOutput, error) {
	if !sc.Scoped() || sc.TenantID == "" {
		return nil, tenant.ErrNoContext
	}
	requestID := in.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var out *CompleteOutput
	err := g.enforcer.WithTenant(ctx, sc, func(ctx context.Context, conn *sql.Conn) error {
		var err error
		out, err = g.complete(ctx, sc, requestID, in)
		return err
	})
	return out, err
}

func (g *Gateway) complete(ctx context.Context, sc tenant.SecurityContext, requestID string, in CompleteInput) (*CompleteOutput, error) {
	cfg, err := g.ledger.GetConfig(ctx, sc.TenantID)
	if err != nil {
		return nil, err
	}
	if !cfg.Active {
		return nil, quota.ErrTenantInactive
	}

	if err := g.preflight(ctx, sc, requestID, cfg, in.EstimatedTokens); err != nil {
		return nil, err
	}

	chain, err := g.buildChain(ctx, sc, cfg)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	result := chain.Complete(callCtx, sc.TenantID, requestID, llm.CompletionRequest{
		Prompt:      in.Prompt,
		System:      in.System,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})

	observeCompletion(result)

	if result.Outcome != llm.OutcomeSuccess {
		// Failed attempts go straight to the event stream for replay
		// completeness; they never enter the ledger and never consume quota.
		if rerr := g.recorder.Record(ctx, usage.Event{
			TenantID:    sc.TenantID,
			ActorID:     sc.ActorID,
			Operation:   in.Operation,
			Model:       cfg.Model,
			RequestID:   requestID,
			Success:     false,
			ErrorReason: result.Err.Error(),
		}); rerr != nil {
			g.log.Error(sc.TenantID, requestID, "failed to record failed attempt", map[string]interface{}{
				"error": rerr.Error(),
			})
		}
		return nil, result.Err
	}

	res := quota.Reservation{
		TenantID:  sc.TenantID,
		ActorID:   sc.ActorID,
		Operation: in.Operation,
		Model:     result.Response.Model,
		Tokens:    result.Response.TokensUsed,
		RequestID: requestID,
	}

	st, err := g.ledger.ReserveAndRecord(ctx, res)
	if err != nil {
		// The provider already answered, but the actual token count breached
		// a limit the estimate cleared. The counters stay bounded; the
		// response is withheld and the caller sees the throttle.
		var exceeded *quota.QuotaExceededError
		if errors.As(err, &exceeded) {
			observeThrottle(exceeded.Scope)
		}
		return nil, err
	}

	g.log.InfoWithDuration(sc.TenantID, requestID, "completion metered",
		float64(result.Response.Latency.Milliseconds()), map[string]interface{}{
			"provider":    result.Provider,
			"model":       result.Response.Model,
			"tokens_used": result.Response.TokensUsed,
		})

	return &CompleteOutput{
		RequestID:  requestID,
		Content:    result.Response.Content,
		Model:      result.Response.Model,
		Provider:   result.Provider,
		TokensUsed: result.Response.TokensUsed,
		Latency:    result.Response.Latency,
		Status:     st,
	}, nil
}

// preflight rejects requests the tenant has no allowance for before any
// provider is contacted. A pre-flight throttle is audited but records no
// usage event: no provider call was attempted.
func (g *Gateway) preflight(ctx context.Context, sc tenant.SecurityContext, requestID string, cfg *quota.TenantAIConfig, estimate int64) error {
	if estimate <= 0 {
		estimate = defaultEstimateTokens
	}
	estCost, _ := usage.CostCents(cfg.Model, estimate)

	st := quota.StatusFromConfig(cfg, time.Now().UTC())
	throttled, scope := st.Throttled, st.Reason
	if !throttled {
		throttled, scope = st.WouldThrottle(estimate, estCost)
	}
	if !throttled {
		return nil
	}

	observeThrottle(scope)
	if err := g.sink.Write(ctx, audit.Event{
		ActorID:  sc.ActorID,
		TenantID: sc.TenantID,
		Action:   audit.ActionQuotaExhausted,
		Severity: audit.SeverityWarning,
		Details: map[string]interface{}{
			"scope":            string(scope),
			"estimated_tokens": estimate,
			"request_id":       requestID,
			"stage":            "preflight",
		},
	}); err != nil {
		return fmt.Errorf("metering: failed to audit pre-flight throttle: %w", err)
	}
	return &quota.QuotaExceededError{Scope: scope}
}

// buildChain assembles the provider candidates for the tenant's mode.
func (g *Gateway) buildChain(ctx context.Context, sc tenant.SecurityContext, cfg *quota.TenantAIConfig) (*llm.Chain, error) {
	var providers []llm.Provider

	switch cfg.Provider {
	case quota.ProviderSelfSupplied, quota.ProviderHybrid:
		p, err := g.tenantProvider(ctx, sc, cfg)
		if err != nil {
			if cfg.Provider == quota.ProviderSelfSupplied {
				return nil, err
			}
			// Hybrid degrades to the platform provider when the tenant
			// credential is absent or unreadable.
			g.log.Warn(sc.TenantID, "", "tenant credential unavailable, using platform provider", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			providers = append(providers, p)
		}
		if cfg.Provider == quota.ProviderHybrid && g.platform != nil {
			providers = append(providers, g.platform)
		}
	case quota.ProviderPlatformManaged:
		if g.platform == nil {
			return nil, ErrNoPlatformProvider
		}
		providers = append(providers, g.platform)
	default:
		return nil, fmt.Errorf("metering: unknown provider mode %q", cfg.Provider)
	}

	if len(providers) == 0 {
		return nil, ErrNoCredential
	}
	return llm.NewChain(g.log, providers...), nil
}

// tenantProvider decrypts the tenant's stored credential and wraps it in a
// provider. An integrity failure is audited and surfaced as a transient
// error; the blob is never deleted on failure, so a master key mixup stays
// recoverable.
func (g *Gateway) tenantProvider(ctx context.Context, sc tenant.SecurityContext, cfg *quota.TenantAIConfig) (llm.Provider, error) {
	if len(cfg.CredentialBlob) == 0 {
		return nil, ErrNoCredential
	}

	blob, err := vault.ParseBlob(cfg.CredentialBlob)
	if err != nil {
		return nil, g.auditDecryptFailure(ctx, sc, err)
	}
	key, err := g.vault.Decrypt(blob)
	if err != nil {
		return nil, g.auditDecryptFailure(ctx, sc, err)
	}

	g.log.Debug(sc.TenantID, "", "tenant credential decrypted", map[string]interface{}{
		"key_prefix": logger.SafePrefix(string(key), 6),
	})
	return g.selfSupplied(string(key)), nil
}

func (g *Gateway) auditDecryptFailure(ctx context.Context, sc tenant.SecurityContext, cause error) error {
	if err := g.sink.Write(ctx, audit.Event{
		ActorID:  sc.ActorID,
		TenantID: sc.TenantID,
		Action:   audit.ActionDecryptionFailure,
		Severity: audit.SeverityHigh,
		Details:  map[string]interface{}{"error": cause.Error()},
	}); err != nil {
		return fmt.Errorf("metering: failed to audit decryption failure: %w", err)
	}
	return vault.ErrDecryptionFailure
}

// StoreCredential encrypts and stores a tenant's provider credential inside
// the tenant's scope. The plaintext exists only in this frame.
func (g *Gateway) StoreCredential(ctx context.Context, sc tenant.SecurityContext, plaintextKey string) error {
	if !sc.Scoped() || sc.TenantID == "" {
		return tenant.ErrNoContext
	}
	return g.enforcer.WithTenant(ctx, sc, func(ctx context.Context, conn *sql.Conn) error {
		cfg, err := g.ledger.GetConfig(ctx, sc.TenantID)
		if err != nil {
			return err
		}
		if ok, err := g.enforcer.ValidateOwnership(ctx, conn, sc, "tenant_ai_config", sc.TenantID); !ok {
			return err
		}

		blob, err := g.vault.Encrypt([]byte(plaintextKey))
		if err != nil {
			return err
		}
		raw, err := blob.Marshal()
		if err != nil {
			return err
		}
		cfg.CredentialBlob = raw
		return g.ledger.UpsertConfig(ctx, cfg)
	})
}
