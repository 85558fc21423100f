package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/randalmurphal/ingestguard/pkg/ingestguard/store"
)

// Request headers understood by every route.
const (
	HeaderCorrelationID  = "x-correlation-id"
	HeaderTenantID       = "x-tenant-id"
	HeaderIdempotencyKey = "x-idempotency-key"
)

type ctxKey int

const (
	correlationIDKey ctxKey = iota
	tenantIDKey
)

// CorrelationID returns the request's correlation id, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// TenantID returns the tenant named by the x-tenant-id header, or "" when
// the header was absent.
func TenantID(ctx context.Context) string {
	id, _ := ctx.Value(tenantIDKey).(string)
	return id
}

// requestContext echoes or generates the correlation id and records the
// tenant header.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := strings.TrimSpace(r.Header.Get(HeaderCorrelationID))
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, cid)

		ctx := context.WithValue(r.Context(), correlationIDKey, cid)
		if tenant := strings.TrimSpace(r.Header.Get(HeaderTenantID)); tenant != "" {
			ctx = context.WithValue(ctx, tenantIDKey, tenant)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantOr returns the header tenant, then fallback, then the public tenant.
func tenantOr(ctx context.Context, fallback string) string {
	if t := TenantID(ctx); t != "" {
		return t
	}
	if t := strings.TrimSpace(fallback); t != "" {
		return t
	}
	return store.DefaultTenant
}
