// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"tracklane/platform/common/audit"
	"tracklane/platform/common/usage"
	"tracklane/platform/metering/llm"
	"tracklane/platform/metering/quota"
	"tracklane/platform/metering/vault"
	sharedconfig "tracklane/platform/shared/config"
	"tracklane/platform/shared/logger"
	"tracklane/platform/tenant"
)

// AuditSearcher is the read side of the audit log, exposed to superadmins.
type AuditSearcher interface {
	Search(ctx context.Context, filter audit.SearchFilter) ([]audit.Event, error)
}

// Server exposes the metering subsystem over HTTP. Every route except
// /health and /metrics runs behind the session middleware.
type Server struct {
	gateway   *Gateway
	resolver  *tenant.Resolver
	enforcer  *tenant.Enforcer
	ledger    *quota.Ledger
	analytics *usage.Analytics
	auditLog  AuditSearcher
	sink      audit.Sink
	defaults  sharedconfig.QuotaDefaults
	log       *logger.Logger
}

// ServerConfig wires the HTTP layer.
type ServerConfig struct {
	Gateway   *Gateway
	Resolver  *tenant.Resolver
	Enforcer  *tenant.Enforcer
	Ledger    *quota.Ledger
	Analytics *usage.Analytics
	AuditLog  AuditSearcher
	Sink      audit.Sink
	Defaults  sharedconfig.QuotaDefaults
	Log       *logger.Logger
}

// NewServer validates the wiring and returns a Server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Gateway == nil || cfg.Resolver == nil || cfg.Enforcer == nil || cfg.Ledger == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("metering: gateway, resolver, enforcer, ledger, and sink are required")
	}
	log := cfg.Log
	if log == nil {
		log = logger.New("metering-http")
	}
	return &Server{
		gateway:   cfg.Gateway,
		resolver:  cfg.Resolver,
		enforcer:  cfg.Enforcer,
		ledger:    cfg.Ledger,
		analytics: cfg.Analytics,
		auditLog:  cfg.AuditLog,
		sink:      cfg.Sink,
		defaults:  cfg.Defaults,
		log:       log,
	}, nil
}

// Routes registers all handlers on r.
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.sessionMiddleware)
	api.HandleFunc("/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/quota/status", s.handleQuotaStatus).Methods(http.MethodGet)
	api.HandleFunc("/usage/analytics", s.handleAnalytics).Methods(http.MethodGet)
	api.HandleFunc("/tenant/ai-config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/tenant/ai-config", s.handleUpsertConfig).Methods(http.MethodPut)
	api.HandleFunc("/tenant/credential", s.handleStoreCredential).Methods(http.MethodPut)
	api.HandleFunc("/audit/search", s.handleAuditSearch).Methods(http.MethodPost)
	api.HandleFunc("/admin/quota/reset-daily", s.handleResetDaily).Methods(http.MethodPost)
	api.HandleFunc("/admin/quota/reset-monthly", s.handleResetMonthly).Methods(http.MethodPost)
}

// sessionMiddleware resolves the Bearer token into a security context and
// attaches it to the request context. Any resolution failure is a uniform
// 401; the response never distinguishes a bad signature from a missing
// actor.
func (s *Server) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		sc, err := s.resolver.Resolve(r.Context(), token)
		if err != nil {
			s.writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(tenant.With(r.Context(), sc)))
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := map[string]string{"status": "healthy"}
	code := http.StatusOK
	if err := s.ledger.Ping(ctx); err != nil {
		status["status"] = "unhealthy"
		status["database"] = err.Error()
		code = http.StatusServiceUnavailable
	} else if err := s.enforcer.VerifyIsolation(ctx); err != nil {
		// A tenant table without RLS is not a degraded state, it is an
		// unsafe one. Fail the health check so the deployment rolls back.
		status["status"] = "unhealthy"
		status["isolation"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, code, status)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	sc, ok := tenant.From(r.Context())
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var in CompleteInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.Prompt == "" {
		s.writeError(w, r, http.StatusBadRequest, "prompt is required")
		return
	}

	out, err := s.gateway.Complete(r.Context(), sc, in)
	if err != nil {
		s.writeDomainError(w, r, sc, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	sc, ok := tenant.From(r.Context())
	if !ok || sc.TenantID == "" {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var st *quota.Status
	err := s.enforcer.WithTenant(r.Context(), sc, func(ctx context.Context, _ *sql.Conn) error {
		var err error
		st, err = s.ledger.CheckStatus(ctx, sc.TenantID)
		return err
	})
	if err != nil {
		s.writeDomainError(w, r, sc, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, st)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	sc, ok := tenant.From(r.Context())
	if !ok || sc.TenantID == "" {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if s.analytics == nil {
		s.writeError(w, r, http.StatusNotImplemented, "analytics not configured")
		return
	}

	end := time.Now().UTC()
	start := end.AddDate(0, -1, 0)
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid start time")
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid end time")
			return
		}
		end = t
	}

	var report *usage.Report
	err := s.enforcer.WithTenant(r.Context(), sc, func(ctx context.Context, _ *sql.Conn) error {
		var err error
		report, err = s.analytics.Report(ctx, sc.TenantID, start, end)
		return err
	})
	if err != nil {
		s.writeDomainError(w, r, sc, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, report)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	sc, ok := tenant.From(r.Context())
	if !ok || sc.TenantID == "" {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var cfg *quota.TenantAIConfig
	err := s.enforcer.WithTenant(r.Context(), sc, func(ctx context.Context, _ *sql.Conn) error {
		var err error
		cfg, err = s.ledger.GetConfig(ctx, sc.TenantID)
		return err
	})
	if err != nil {
		s.writeDomainError(w, r, sc, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, cfg)
}

// upsertConfigRequest is the writable subset of TenantAIConfig. Counters are
// never caller-writable; they belong to the ledger alone.
type upsertConfigRequest struct {
	Provider            quota.ProviderMode `json:"provider"`
	Model               string             `json:"model"`
	MaxTokens           int                `json:"max_tokens"`
	Temperature         float64            `json:"temperature"`
	MonthlyQuota        int64              `json:"monthly_quota"`
	DailyQuota          int64              `json:"daily_quota"`
	MonthlyCostCapCents int64              `json:"monthly_cost_cap_cents"`
	Active              *bool              `json:"active,omitempty"`
}

func (s *Server) handleUpsertConfig(w http.ResponseWriter, r *http.Request) {
	sc, ok := tenant.From(r.Context())
	if !ok || sc.TenantID == "" {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req upsertConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	// Quota limits and the active flag bound what a tenant may spend, so a
	// tenant actor must not be able to rewrite them. Model and sampling
	// settings stay tenant-writable.
	if !sc.SuperAdmin && (req.MonthlyQuota != 0 || req.DailyQuota != 0 || req.MonthlyCostCapCents != 0 || req.Active != nil) {
		s.writeError(w, r, http.StatusForbidden, "quota limits require superadmin")
		return
	}

	err := s.enforcer.WithTenant(r.Context(), sc, func(ctx context.Context, conn *sql.Conn) error {
		cfg, err := s.ledger.GetConfig(ctx, sc.TenantID)
		if errors.Is(err, quota.ErrConfigNotFound) {
			cfg = &quota.TenantAIConfig{
				TenantID:            sc.TenantID,
				Active:              true,
				MonthlyQuota:        s.defaults.MonthlyTokens,
				DailyQuota:          s.defaults.DailyTokens,
				MonthlyCostCapCents: s.defaults.MonthlyCostCapCents,
			}
		} else if err != nil {
			return err
		} else {
			if ok, verr := s.enforcer.ValidateOwnership(ctx, conn, sc, "tenant_ai_config", sc.TenantID); !ok {
				return verr
			}
		}

		cfg.Provider = req.Provider
		cfg.Model = req.Model
		cfg.MaxTokens = req.MaxTokens
		cfg.Temperature = req.Temperature
		if sc.SuperAdmin {
			// Zero leaves the current limit in place so an admin can adjust
			// one scope without restating the others.
			if req.MonthlyQuota != 0 {
				cfg.MonthlyQuota = req.MonthlyQuota
			}
			if req.DailyQuota != 0 {
				cfg.DailyQuota = req.DailyQuota
			}
			if req.MonthlyCostCapCents != 0 {
				cfg.MonthlyCostCapCents = req.MonthlyCostCapCents
			}
			if req.Active != nil {
				cfg.Active = *req.Active
			}
		}
		return s.ledger.UpsertConfig(ctx, cfg)
	})
	if err != nil {
		s.writeDomainError(w, r, sc, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "updated"})
}

type storeCredentialRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	sc, ok := tenant.From(r.Context())
	if !ok || sc.TenantID == "" {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req storeCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		s.writeError(w, r, http.StatusBadRequest, "api_key is required")
		return
	}

	if err := s.gateway.StoreCredential(r.Context(), sc, req.APIKey); err != nil {
		s.writeDomainError(w, r, sc, err)
		return
	}
	s.log.Info(sc.TenantID, "", "tenant credential stored", map[string]interface{}{
		"key_prefix": logger.SafePrefix(req.APIKey, 6),
	})
	s.writeJSON(w, r, http.StatusOK, map[string]string{"status": "stored"})
}

func (s *Server) handleAuditSearch(w http.ResponseWriter, r *http.Request) {
	sc, ok := tenant.From(r.Context())
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if !sc.SuperAdmin {
		s.writeError(w, r, http.StatusForbidden, "superadmin required")
		return
	}
	if s.auditLog == nil {
		s.writeError(w, r, http.StatusNotImplemented, "audit search not configured")
		return
	}

	var filter audit.SearchFilter
	if err := json.NewDecoder(r.Body).Decode(&filter); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	// Reading the audit log spans tenants, so the read itself is audited.
	// The search is refused rather than served unrecorded.
	if err := s.sink.Write(r.Context(), audit.Event{
		ActorID:  sc.ActorID,
		TenantID: sc.TenantID,
		Action:   audit.ActionSuperadminAccess,
		Severity: audit.SeverityWarning,
		Details:  map[string]interface{}{"scope": "audit_search"},
	}); err != nil {
		s.writeDomainError(w, r, sc, err)
		return
	}

	events, err := s.auditLog.Search(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, sc, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleResetDaily(w http.ResponseWriter, r *http.Request) {
	s.handleReset(w, r, s.ledger.ResetDaily)
}

func (s *Server) handleResetMonthly(w http.ResponseWriter, r *http.Request) {
	s.handleReset(w, r, s.ledger.ResetMonthly)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, reset func(context.Context, string) (int64, error)) {
	sc, ok := tenant.From(r.Context())
	if !ok {
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	if !sc.SuperAdmin {
		s.writeError(w, r, http.StatusForbidden, "superadmin required")
		return
	}

	// Running the reset inside the enforcer scope records the superadmin
	// session on the audit log before any counter is touched.
	var n int64
	err := s.enforcer.WithTenant(r.Context(), sc, func(ctx context.Context, _ *sql.Conn) error {
		var err error
		n, err = reset(ctx, sc.ActorID)
		return err
	})
	if err != nil {
		s.writeDomainError(w, r, sc, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]int64{"tenants_reset": n})
}

// writeDomainError maps subsystem errors onto HTTP statuses. Cross-tenant
// denials intentionally look identical to missing resources.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, sc tenant.SecurityContext, err error) {
	var exceeded *quota.QuotaExceededError
	var apiErr *llm.APIError
	switch {
	case errors.As(err, &exceeded):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(exceeded.Scope)))
		s.writeJSONError(w, r, http.StatusTooManyRequests, map[string]interface{}{
			"error": "quota exceeded",
			"scope": string(exceeded.Scope),
		})
	case errors.Is(err, tenant.ErrUnauthenticated), errors.Is(err, tenant.ErrNoContext):
		s.writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, tenant.ErrCrossTenantAccessDenied), errors.Is(err, quota.ErrConfigNotFound):
		s.writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, quota.ErrTenantInactive):
		s.writeError(w, r, http.StatusForbidden, "AI access disabled for tenant")
	case errors.Is(err, ErrNoCredential):
		s.writeError(w, r, http.StatusConflict, "no provider credential configured")
	case errors.Is(err, vault.ErrDecryptionFailure):
		s.writeError(w, r, http.StatusServiceUnavailable, "credential temporarily unavailable")
	case errors.Is(err, llm.ErrProviderUnavailable), errors.As(err, &apiErr):
		s.writeError(w, r, http.StatusBadGateway, "completion provider unavailable")
	default:
		s.log.ErrorWithCode(sc.TenantID, "", "request failed", http.StatusInternalServerError, err, nil)
		s.writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func retryAfterSeconds(scope quota.Scope) int {
	switch scope {
	case quota.ScopeDaily:
		return 3600
	default:
		return 86400
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	httpRequestsTotal.WithLabelValues(routeName(r), strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("", "", "failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	s.writeJSONError(w, r, code, map[string]interface{}{"error": message})
}

func (s *Server) writeJSONError(w http.ResponseWriter, r *http.Request, code int, body map[string]interface{}) {
	s.writeJSON(w, r, code, body)
}

func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}
