// Package middleware provides HTTP middleware for runforge.
package middleware

import (
	"context"
	"net/http"
)

// DefaultTenantID is the single-tenant default used when no X-Tenant-ID header is set.
const DefaultTenantID = "00000000-0000-0000-0000-000000000000"

const headerTenantID = "X-Tenant-ID"

type tenantCtxKey struct{}

// TenantID is middleware that extracts the tenant ID from the X-Tenant-ID header
// and stores it in the request context. Falls back to DefaultTenantID if absent.
func TenantID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tid := r.Header.Get(headerTenantID)
		if tid == "" {
			tid = DefaultTenantID
		}
		ctx := context.WithValue(r.Context(), tenantCtxKey{}, tid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantIDFromContext returns the tenant ID stored in ctx, or "" if absent.
// Absence means the call did not come through the tenant middleware, as with
// worker event ingestion; callers there resolve the tenant from the run.
func TenantIDFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(tenantCtxKey{}).(string)
	return tid
}

// WithTenantID returns a context carrying the given tenant ID. Used by the
// event pipeline when processing cross-process ingestion, where the tenant is
// resolved from the run rather than a request header.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, tenantID)
}
