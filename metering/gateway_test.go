// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracklane/platform/common/audit"
	"tracklane/platform/common/usage"
	"tracklane/platform/metering/llm"
	"tracklane/platform/metering/quota"
	"tracklane/platform/metering/vault"
	"tracklane/platform/tenant"
)

// recordingSink captures audit events in memory.
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Write(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) byAction(action audit.Action) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Event
	for _, e := range s.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// memRepo is an in-memory quota.Repository with the same guard-and-increment
// semantics as the Postgres one.
type memRepo struct {
	mu      sync.Mutex
	configs map[string]*quota.TenantAIConfig
	events  map[string]usage.Event
}

func newMemRepo() *memRepo {
	return &memRepo{
		configs: make(map[string]*quota.TenantAIConfig),
		events:  make(map[string]usage.Event),
	}
}

func (m *memRepo) put(cfg *quota.TenantAIConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cfg
	m.configs[cfg.TenantID] = &c
}

func (m *memRepo) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *memRepo) eventFor(requestID string) (usage.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[requestID]
	return e, ok
}

func (m *memRepo) GetConfig(_ context.Context, tenantID string) (*quota.TenantAIConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[tenantID]
	if !ok {
		return nil, quota.ErrConfigNotFound
	}
	c := *cfg
	return &c, nil
}

func (m *memRepo) UpsertConfig(_ context.Context, cfg *quota.TenantAIConfig) error {
	m.put(cfg)
	return nil
}

func (m *memRepo) ReserveAndRecord(_ context.Context, res quota.Reservation, event usage.Event) (*quota.TenantAIConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[res.TenantID]
	if !ok {
		return nil, quota.ErrConfigNotFound
	}
	if _, seen := m.events[res.RequestID]; seen {
		c := *cfg
		return &c, nil
	}
	if !cfg.Active {
		return nil, quota.ErrTenantInactive
	}
	switch {
	case cfg.MonthlyUsed+res.Tokens > cfg.MonthlyQuota:
		return nil, &quota.QuotaExceededError{Scope: quota.ScopeMonthly}
	case cfg.DailyUsed+res.Tokens > cfg.DailyQuota:
		return nil, &quota.QuotaExceededError{Scope: quota.ScopeDaily}
	case cfg.MonthlyCostUsedCents+res.CostCents > cfg.MonthlyCostCapCents:
		return nil, &quota.QuotaExceededError{Scope: quota.ScopeCost}
	}
	m.events[res.RequestID] = event
	cfg.MonthlyUsed += res.Tokens
	cfg.DailyUsed += res.Tokens
	cfg.MonthlyCostUsedCents += res.CostCents
	c := *cfg
	return &c, nil
}

func (m *memRepo) ResetDaily(context.Context) (int64, error)   { return 0, nil }
func (m *memRepo) ResetMonthly(context.Context) (int64, error) { return 0, nil }
func (m *memRepo) Ping(context.Context) error                  { return nil }

// memRecorder captures usage events recorded outside the ledger.
type memRecorder struct {
	mu     sync.Mutex
	events map[string]usage.Event
}

func newMemRecorder() *memRecorder {
	return &memRecorder{events: make(map[string]usage.Event)}
}

func (r *memRecorder) Record(_ context.Context, e usage.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.events[e.RequestID]; !seen {
		r.events[e.RequestID] = e
	}
	return nil
}

func (r *memRecorder) eventFor(requestID string) (usage.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events[requestID]
	return e, ok
}

// keyedStub is a self-supplied provider stub that remembers the key it was
// built with.
type keyedStub struct {
	mu     sync.Mutex
	key    string
	tokens int64
	err    error
	calls  int
}

func (s *keyedStub) Name() string { return "anthropic" }

func (s *keyedStub) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{
		Content:    "stub answer",
		Model:      "claude-3-haiku",
		TokensUsed: s.tokens,
		Latency:    5 * time.Millisecond,
	}, nil
}

type gatewayFixture struct {
	gw       *Gateway
	repo     *memRepo
	recorder *memRecorder
	sink     *recordingSink
	vault    *vault.Vault
	stub     *keyedStub
	mock     sqlmock.Sqlmock
	db       *sql.DB
	ledger   *quota.Ledger
	enforcer *tenant.Enforcer
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	sink := &recordingSink{}
	enforcer, err := tenant.NewEnforcer(db, sink, nil)
	require.NoError(t, err)

	repo := newMemRepo()
	ledger, err := quota.NewLedger(repo, quota.DisabledStatusCache(), sink, nil)
	require.NoError(t, err)

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	stub := &keyedStub{tokens: 500}
	platform := &keyedStub{tokens: 500}
	platform.key = "platform-iam"

	recorder := newMemRecorder()
	gw, err := NewGateway(GatewayConfig{
		Enforcer: enforcer,
		Ledger:   ledger,
		Vault:    v,
		Sink:     sink,
		Recorder: recorder,
		Platform: platform,
		SelfSupplied: func(apiKey string) llm.Provider {
			stub.mu.Lock()
			stub.key = apiKey
			stub.mu.Unlock()
			return stub
		},
		ProviderTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	return &gatewayFixture{
		gw: gw, repo: repo, recorder: recorder, sink: sink, vault: v,
		stub: stub, mock: mock, db: db, ledger: ledger, enforcer: enforcer,
	}
}

// expectScopes registers the predicate set and reset for n operations.
func (f *gatewayFixture) expectScopes(n int) {
	for i := 0; i < 2*n; i++ {
		f.mock.ExpectExec("set_config\\('app.current_tenant_id'").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

// expectSuperadminScope registers the superadmin predicate set. The combined
// predicate reset is covered by expectScopes, which matches on the tenant
// predicate pattern.
func (f *gatewayFixture) expectSuperadminScope() {
	f.mock.ExpectExec("set_config\\('app.superadmin'").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func (f *gatewayFixture) selfSuppliedConfig(t *testing.T, tenantID, apiKey string) *quota.TenantAIConfig {
	t.Helper()
	blob, err := f.vault.Encrypt([]byte(apiKey))
	require.NoError(t, err)
	raw, err := blob.Marshal()
	require.NoError(t, err)

	return &quota.TenantAIConfig{
		TenantID:            tenantID,
		Provider:            quota.ProviderSelfSupplied,
		CredentialBlob:      raw,
		Model:               "claude-3-haiku",
		MaxTokens:           1024,
		MonthlyQuota:        100000,
		DailyQuota:          10000,
		MonthlyCostCapCents: 1000000,
		Active:              true,
	}
}

func scFor(tenantID string) tenant.SecurityContext {
	return tenant.SecurityContext{TenantID: tenantID, ActorID: "actor-1"}
}

func TestCompleteSelfSuppliedHappyPath(t *testing.T) {
	f := newGatewayFixture(t)
	f.repo.put(f.selfSuppliedConfig(t, "tenant-a", "sk-ant-tenant-key"))
	f.expectScopes(1)

	out, err := f.gw.Complete(context.Background(), scFor("tenant-a"), CompleteInput{
		Prompt:    "summarize this issue",
		Operation: "summarize_issue",
		RequestID: "req-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "stub answer", out.Content)
	assert.Equal(t, int64(500), out.TokensUsed)
	assert.Equal(t, "anthropic", out.Provider)
	assert.Equal(t, "sk-ant-tenant-key", f.stub.key, "the provider runs under the decrypted tenant key")

	cfg, err := f.repo.GetConfig(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(500), cfg.DailyUsed, "the provider-reported count is what gets charged")

	event, ok := f.repo.eventFor("req-1")
	require.True(t, ok)
	assert.True(t, event.Success)
	assert.Equal(t, int64(500), event.TokensUsed)
}

// A tenant with 100 daily tokens left gets a 50-token request through, then
// a 60-token request throttled with the daily reason and no usage event for
// the rejected attempt.
func TestCompleteThrottlesSecondRequestOverDailyQuota(t *testing.T) {
	f := newGatewayFixture(t)
	cfg := f.selfSuppliedConfig(t, "tenant-a", "sk-ant-tenant-key")
	cfg.DailyQuota = 100
	f.repo.put(cfg)
	f.expectScopes(2)

	f.stub.tokens = 50
	_, err := f.gw.Complete(context.Background(), scFor("tenant-a"), CompleteInput{
		Prompt:          "first",
		EstimatedTokens: 50,
		RequestID:       "req-1",
	})
	require.NoError(t, err)

	_, err = f.gw.Complete(context.Background(), scFor("tenant-a"), CompleteInput{
		Prompt:          "second",
		EstimatedTokens: 60,
		RequestID:       "req-2",
	})
	require.Error(t, err)

	var exceeded *quota.QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.ScopeDaily, exceeded.Scope, "monthly fits, so the daily breach is reported")

	audits := f.sink.byAction(audit.ActionQuotaExhausted)
	require.Len(t, audits, 1)
	assert.Equal(t, "daily", audits[0].Details["scope"])

	assert.Equal(t, 1, f.repo.eventCount(),
		"a pre-flight throttle never reached a provider and records no usage event")
	got, err := f.repo.GetConfig(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.DailyUsed)
}

func TestCompleteProviderFailureRecordsEventWithoutCharge(t *testing.T) {
	f := newGatewayFixture(t)
	f.repo.put(f.selfSuppliedConfig(t, "tenant-a", "sk-ant-tenant-key"))
	f.expectScopes(1)

	f.stub.err = &llm.APIError{Provider: "anthropic", StatusCode: 500, Message: "overloaded"}

	_, err := f.gw.Complete(context.Background(), scFor("tenant-a"), CompleteInput{
		Prompt:    "hi",
		RequestID: "req-1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrProviderUnavailable)

	event, ok := f.recorder.eventFor("req-1")
	require.True(t, ok, "failed attempts are part of the usage history")
	assert.False(t, event.Success)
	assert.NotEmpty(t, event.ErrorReason)
	assert.Zero(t, event.TokensUsed)
	assert.Zero(t, event.CostCents)

	assert.Equal(t, 0, f.repo.eventCount(), "failures never enter the ledger")
	cfg, err := f.repo.GetConfig(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Zero(t, cfg.DailyUsed, "failures never consume quota")
}

func TestCompleteDecryptionFailureIsAuditedAndTransient(t *testing.T) {
	f := newGatewayFixture(t)
	cfg := f.selfSuppliedConfig(t, "tenant-a", "sk-ant-tenant-key")
	// Corrupt the stored blob.
	cfg.CredentialBlob = []byte(`{"iv":"AAAAAAAAAAAAAAAA","tag":"AAAAAAAAAAAAAAAAAAAAAA==","data":"AAAA"}`)
	f.repo.put(cfg)
	f.expectScopes(1)

	_, err := f.gw.Complete(context.Background(), scFor("tenant-a"), CompleteInput{
		Prompt:    "hi",
		RequestID: "req-1",
	})
	assert.ErrorIs(t, err, vault.ErrDecryptionFailure)

	audits := f.sink.byAction(audit.ActionDecryptionFailure)
	require.Len(t, audits, 1)
	assert.Equal(t, audit.SeverityHigh, audits[0].Severity)

	got, err := f.repo.GetConfig(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.NotEmpty(t, got.CredentialBlob, "a failed decrypt never wipes the stored credential")
	assert.Zero(t, f.stub.calls, "no provider call happens without a usable credential")
}

func TestCompletePlatformManagedSkipsVault(t *testing.T) {
	f := newGatewayFixture(t)
	cfg := f.selfSuppliedConfig(t, "tenant-a", "unused")
	cfg.Provider = quota.ProviderPlatformManaged
	cfg.CredentialBlob = nil
	f.repo.put(cfg)
	f.expectScopes(1)

	out, err := f.gw.Complete(context.Background(), scFor("tenant-a"), CompleteInput{
		Prompt:    "hi",
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), out.TokensUsed)
	assert.Zero(t, f.stub.calls, "platform-managed tenants never touch the self-supplied path")
}

func TestCompleteHybridFallsBackToPlatform(t *testing.T) {
	f := newGatewayFixture(t)
	cfg := f.selfSuppliedConfig(t, "tenant-a", "sk-ant-tenant-key")
	cfg.Provider = quota.ProviderHybrid
	f.repo.put(cfg)
	f.expectScopes(1)

	f.stub.err = &llm.APIError{Provider: "anthropic", StatusCode: 529, Message: "overloaded"}

	out, err := f.gw.Complete(context.Background(), scFor("tenant-a"), CompleteInput{
		Prompt:    "hi",
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.stub.calls, "the tenant credential is tried first")
	assert.Equal(t, int64(500), out.TokensUsed)
}

func TestCompleteHybridWithoutCredentialUsesPlatform(t *testing.T) {
	f := newGatewayFixture(t)
	cfg := f.selfSuppliedConfig(t, "tenant-a", "unused")
	cfg.Provider = quota.ProviderHybrid
	cfg.CredentialBlob = nil
	f.repo.put(cfg)
	f.expectScopes(1)

	_, err := f.gw.Complete(context.Background(), scFor("tenant-a"), CompleteInput{
		Prompt:    "hi",
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.Zero(t, f.stub.calls)
}

func TestCompleteReplayedRequestIDChargesOnce(t *testing.T) {
	f := newGatewayFixture(t)
	f.repo.put(f.selfSuppliedConfig(t, "tenant-a", "sk-ant-tenant-key"))
	f.expectScopes(2)

	in := CompleteInput{Prompt: "hi", RequestID: "req-1"}
	_, err := f.gw.Complete(context.Background(), scFor("tenant-a"), in)
	require.NoError(t, err)
	_, err = f.gw.Complete(context.Background(), scFor("tenant-a"), in)
	require.NoError(t, err)

	cfg, err := f.repo.GetConfig(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(500), cfg.DailyUsed, "a retried request id must not double-charge")
	assert.Equal(t, 1, f.repo.eventCount())
}

func TestCompleteRequiresTenantScope(t *testing.T) {
	f := newGatewayFixture(t)

	_, err := f.gw.Complete(context.Background(), tenant.SecurityContext{}, CompleteInput{Prompt: "hi"})
	assert.ErrorIs(t, err, tenant.ErrNoContext)

	// A superadmin without a tenant scope has no quota to consume.
	_, err = f.gw.Complete(context.Background(),
		tenant.SecurityContext{ActorID: "admin-1", SuperAdmin: true}, CompleteInput{Prompt: "hi"})
	assert.ErrorIs(t, err, tenant.ErrNoContext)
}

func TestCompleteUnknownTenant(t *testing.T) {
	f := newGatewayFixture(t)
	f.expectScopes(1)

	_, err := f.gw.Complete(context.Background(), scFor("ghost"), CompleteInput{Prompt: "hi"})
	assert.ErrorIs(t, err, quota.ErrConfigNotFound)
}

func TestCompleteGeneratesRequestID(t *testing.T) {
	f := newGatewayFixture(t)
	f.repo.put(f.selfSuppliedConfig(t, "tenant-a", "sk-ant-tenant-key"))
	f.expectScopes(1)

	out, err := f.gw.Complete(context.Background(), scFor("tenant-a"), CompleteInput{Prompt: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.RequestID)
}

func TestStoreCredentialRoundTrip(t *testing.T) {
	f := newGatewayFixture(t)
	cfg := f.selfSuppliedConfig(t, "tenant-a", "old-key")
	f.repo.put(cfg)

	// StoreCredential validates ownership through the scoped connection,
	// then one more scope for the completion call.
	f.expectScopes(2)
	f.mock.ExpectQuery("SELECT tenant_id FROM tenant_ai_configs").
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow("tenant-a"))

	err := f.gw.StoreCredential(context.Background(), scFor("tenant-a"), "sk-ant-rotated")
	require.NoError(t, err)

	out, err := f.gw.Complete(context.Background(), scFor("tenant-a"), CompleteInput{
		Prompt:    "hi",
		RequestID: "req-1",
	})
	require.NoError(t, err)
	assert.NotNil(t, out)
	assert.Equal(t, "sk-ant-rotated", f.stub.key, "completions use the rotated key")
}

// Concurrent completions for distinct tenants stay fully isolated: each
// tenant's counters move by exactly its own usage.
func TestCompleteConcurrentTenantsAreIsolated(t *testing.T) {
	f := newGatewayFixture(t)
	const tenants = 8
	for i := 0; i < tenants; i++ {
		f.repo.put(f.selfSuppliedConfig(t, fmt.Sprintf("tenant-%d", i), "sk-ant-shared"))
	}
	f.expectScopes(tenants)

	var wg sync.WaitGroup
	for i := 0; i < tenants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tenantID := fmt.Sprintf("tenant-%d", n)
			_, err := f.gw.Complete(context.Background(), scFor(tenantID), CompleteInput{
				Prompt:    "hi",
				RequestID: fmt.Sprintf("req-%d", n),
			})
			if err != nil && !errors.Is(err, quota.ErrQuotaExceeded) {
				t.Errorf("tenant %s: %v", tenantID, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < tenants; i++ {
		cfg, err := f.repo.GetConfig(context.Background(), fmt.Sprintf("tenant-%d", i))
		require.NoError(t, err)
		assert.Equal(t, int64(500), cfg.DailyUsed)
	}
}
