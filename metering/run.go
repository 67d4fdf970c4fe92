// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"tracklane/platform/common/audit"
	"tracklane/platform/common/usage"
	"tracklane/platform/metering/llm"
	"tracklane/platform/metering/quota"
	"tracklane/platform/metering/vault"
	sharedconfig "tracklane/platform/shared/config"
	"tracklane/platform/shared/logger"
	"tracklane/platform/tenant"
)

// Run starts the metering service and blocks until ctx is cancelled.
//
// Environment variables (overridable via CONFIG_FILE):
//   - PORT: HTTP listen port (default 8082)
//   - DATABASE_URL: PostgreSQL connection string
//   - REDIS_URL: quota status cache (optional)
//   - SESSION_SIGNING_KEY: HMAC key for session token verification
//   - MASTER_KEY_SECRET_ARN: Secrets Manager ARN for the vault master key
//   - CREDENTIAL_MASTER_KEY: base64 master key fallback for local runs
//   - BEDROCK_REGION: platform-managed provider region (optional)
func Run(ctx context.Context) error {
	log := logger.New("metering")
	log.Info("", "", "starting TrackLane metering service", nil)

	var cfg *sharedconfig.Config
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := sharedconfig.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg = sharedconfig.FromEnv()
	}

	db, err := sql.Open("postgres", cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("metering: failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("metering: database unreachable: %w", err)
	}

	sink, err := audit.NewPostgresSink(db, logger.New("audit"))
	if err != nil {
		return err
	}

	resolver, err := tenant.NewResolver(db, []byte(cfg.Auth.JWTSigningKey), cfg.Auth.Issuer, logger.New("tenant"))
	if err != nil {
		return err
	}

	enforcer, err := tenant.NewEnforcer(db, sink, logger.New("tenant"))
	if err != nil {
		return err
	}
	if err := enforcer.VerifyIsolation(ctx); err != nil {
		// Serving tenant data without RLS backstops is not an option.
		// SKIP_ISOLATION_CHECK exists for local databases without the
		// production migrations applied.
		if os.Getenv("SKIP_ISOLATION_CHECK") != "true" {
			return err
		}
		log.Warn("", "", "isolation verification skipped", map[string]interface{}{
			"error": err.Error(),
		})
	}

	repo, err := quota.NewPostgresRepository(db)
	if err != nil {
		return err
	}
	recorder, err := usage.NewRecorder(db)
	if err != nil {
		return err
	}

	cache, err := quota.NewStatusCache(cfg.Redis.URL, cfg.Redis.StatusTTL())
	if err != nil {
		log.Warn("", "", "quota status cache unavailable, running uncached", map[string]interface{}{
			"error": err.Error(),
		})
		cache = quota.DisabledStatusCache()
	}

	ledger, err := quota.NewLedger(repo, cache, sink, logger.New("quota"))
	if err != nil {
		return err
	}

	masterKey, err := vault.LoadMasterKey(ctx, cfg.Vault)
	if err != nil {
		return err
	}
	credVault, err := vault.New(masterKey)
	if err != nil {
		return err
	}

	var platform llm.Provider
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Provider.BedrockRegion))
	if err != nil {
		log.Warn("", "", "platform-managed provider unavailable", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		platform = llm.NewBedrockProvider(bedrockruntime.NewFromConfig(awsCfg), cfg.Provider.PlatformModel)
	}

	selfSupplied := func(apiKey string) llm.Provider {
		return llm.NewAnthropicProvider(apiKey,
			llm.WithAnthropicBaseURL(cfg.Provider.AnthropicEndpoint))
	}

	gateway, err := NewGateway(GatewayConfig{
		Enforcer:        enforcer,
		Ledger:          ledger,
		Vault:           credVault,
		Sink:            sink,
		Recorder:        recorder,
		Log:             log,
		Platform:        platform,
		SelfSupplied:    selfSupplied,
		ProviderTimeout: cfg.Provider.Timeout(),
	})
	if err != nil {
		return err
	}

	server, err := NewServer(ServerConfig{
		Gateway:   gateway,
		Resolver:  resolver,
		Enforcer:  enforcer,
		Ledger:    ledger,
		Analytics: usage.NewAnalytics(db),
		AuditLog:  sink,
		Sink:      sink,
		Defaults:  cfg.Quota,
		Log:       logger.New("metering-http"),
	})
	if err != nil {
		return err
	}

	r := mux.NewRouter()
	server.Routes(r)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	allowedOrigins := cfg.Server.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      c.Handler(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.Provider.Timeout(),
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("", "", "listening", map[string]interface{}{"port": cfg.Server.Port})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
