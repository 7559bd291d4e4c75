package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/renderforge/server/internal/domain"
)

const tenantKey contextKey = "tenant"

// TenantLookup resolves a bearer token to its tenant.
type TenantLookup func(ctx context.Context, token string) (*domain.Tenant, error)

// TenantAuth authenticates tenant-facing routes with a bearer token and puts
// the resolved tenant on the request context.
func TenantAuth(lookup TenantLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				unauthorized(w)
				return
			}
			tenant, err := lookup(r.Context(), token)
			if err != nil || tenant == nil {
				unauthorized(w)
				return
			}
			ctx := context.WithValue(r.Context(), tenantKey, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFromContext returns the authenticated tenant, or nil.
func TenantFromContext(ctx context.Context) *domain.Tenant {
	if t, ok := ctx.Value(tenantKey).(*domain.Tenant); ok {
		return t
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","message":"missing or invalid credentials"}`))
}
