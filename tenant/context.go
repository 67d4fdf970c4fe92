// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

// Package tenant binds an authenticated caller to a tenant for the duration
// of one operation and makes every data access tenant-safe.
//
// The SecurityContext is a value carried per call, either as an explicit
// parameter or under an unexported context.Context key. It is never stored
// on a shared long-lived object: two operations running concurrently for
// different tenants hold independent contexts by construction.
package tenant

import (
	"context"
	"database/sql"
)

// SecurityContext is the resolved identity bound to one in-flight operation.
// It is immutable for the operation's lifetime and is discarded when the
// operation returns.
//
// SuperAdmin is an explicit capability set only by Resolver from the actor
// record. It is never inferred from role names, and every use of the bypass
// is audited.
type SecurityContext struct {
	TenantID   string
	ActorID    string
	SuperAdmin bool
}

// Scoped reports whether the context authorizes any data access at all.
// A context with neither a tenant nor the superadmin capability is denied
// everywhere (fail-closed).
func (sc SecurityContext) Scoped() bool {
	return sc.TenantID != "" || sc.SuperAdmin
}

type ctxKey struct{}

// With returns a child context carrying sc. The binding is per call chain;
// sibling goroutines handling other requests never observe it.
func With(ctx context.Context, sc SecurityContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, sc)
}

// From extracts the SecurityContext bound to ctx, if any.
func From(ctx context.Context) (SecurityContext, bool) {
	sc, ok := ctx.Value(ctxKey{}).(SecurityContext)
	return sc, ok
}

type connKey struct{}

// WithConn returns a child context carrying the connection on which the
// session tenant predicate is set. The enforcer binds it for the duration of
// one operation; repositories resolve it via ConnFrom so their statements run
// where the predicate lives, not on an unscoped pooled connection.
func WithConn(ctx context.Context, conn *sql.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, conn)
}

// ConnFrom extracts the predicate-scoped connection bound to ctx, if any.
func ConnFrom(ctx context.Context) (*sql.Conn, bool) {
	conn, ok := ctx.Value(connKey{}).(*sql.Conn)
	return conn, ok
}
