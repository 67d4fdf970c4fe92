// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package tenant

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tracklane/platform/shared/logger"
)

// sessionClaims are the JWT claims carried by a TrackLane session token.
// The token identifies the actor only; tenant membership and the superadmin
// capability come from the actor record, never from the token itself.
type sessionClaims struct {
	jwt.RegisteredClaims
}

// Resolver derives a SecurityContext from an authenticated caller.
// This is the single place the superadmin capability can be set.
type Resolver struct {
	db         *sql.DB
	signingKey []byte
	issuer     string
	log        *logger.Logger
}

// NewResolver creates a resolver verifying HMAC session tokens against
// signingKey and resolving actors through db.
func NewResolver(db *sql.DB, signingKey []byte, issuer string, log *logger.Logger) (*Resolver, error) {
	if db == nil {
		return nil, fmt.Errorf("tenant: database connection is nil")
	}
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("tenant: session signing key is required")
	}
	if log == nil {
		log = logger.New("tenant")
	}
	return &Resolver{db: db, signingKey: signingKey, issuer: issuer, log: log}, nil
}

// Resolve verifies the session token and looks up the actor's home tenant.
// Any failure along the way yields ErrUnauthenticated; the caller learns
// nothing about which step rejected the token.
func (r *Resolver) Resolve(ctx context.Context, token string) (SecurityContext, error) {
	if token == "" {
		return SecurityContext{}, ErrUnauthenticated
	}

	actorID, err := r.verifyToken(token)
	if err != nil {
		r.log.Warn("", "", "session token rejected", map[string]interface{}{
			"token_prefix": logger.SafePrefix(token, 8),
			"reason":       err.Error(),
		})
		return SecurityContext{}, ErrUnauthenticated
	}

	return r.lookupActor(ctx, actorID)
}

func (r *Resolver) verifyToken(token string) (string, error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.signingKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", fmt.Errorf("token invalid")
	}
	if r.issuer != "" && claims.Issuer != r.issuer {
		return "", fmt.Errorf("issuer mismatch")
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("token has no subject")
	}
	return claims.Subject, nil
}

// lookupActor reads the actor's home tenant and capability flags.
// is_superadmin is a dedicated boolean column; role strings play no part.
func (r *Resolver) lookupActor(ctx context.Context, actorID string) (SecurityContext, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var tenantID sql.NullString
	var isSuperAdmin, active bool
	err := r.db.QueryRowContext(lookupCtx, `
		SELECT tenant_id, is_superadmin, active
		FROM actors
		WHERE actor_id = $1
	`, actorID).Scan(&tenantID, &isSuperAdmin, &active)
	if err == sql.ErrNoRows {
		return SecurityContext{}, ErrUnauthenticated
	}
	if err != nil {
		return SecurityContext{}, fmt.Errorf("tenant: actor lookup failed: %w", err)
	}
	if !active {
		return SecurityContext{}, ErrUnauthenticated
	}

	sc := SecurityContext{
		ActorID:    actorID,
		SuperAdmin: isSuperAdmin,
	}
	if !isSuperAdmin {
		// Superadmins carry an empty tenant scope; everyone else must have
		// a home tenant or the context is unusable.
		if !tenantID.Valid || tenantID.String == "" {
			return SecurityContext{}, ErrUnauthenticated
		}
		sc.TenantID = tenantID.String
	}
	return sc, nil
}
