package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/renderforge/server/internal/callback"
	"github.com/renderforge/server/internal/dispatch"
	"github.com/renderforge/server/internal/domain"
	"github.com/renderforge/server/internal/geoip"
	"github.com/renderforge/server/internal/infra"
	"github.com/renderforge/server/internal/lifecycle"
	"github.com/renderforge/server/internal/quota"
	"github.com/renderforge/server/internal/secrets"
	"github.com/renderforge/server/internal/sqlinline"
)

// JobDispatcher triggers executor work for a created job. Satisfied by
// *dispatch.Dispatcher.
type JobDispatcher interface {
	Trigger(ctx context.Context, req dispatch.Request) (*dispatch.Result, error)
}

// App wires the dispatch engine's components into HTTP handlers.
type App struct {
	SQL        infra.SQLExecutor
	Manager    *lifecycle.Manager
	Ledger     *quota.Ledger
	Dispatcher JobDispatcher
	Auth       *callback.Authenticator
	Vault      *secrets.Vault
	Geo        geoip.CountryResolver
	Logger     zerolog.Logger

	CallbackBaseURL string
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]any{"error": slug, "message": message})
}

// notFound is the single shape answered for unknown jobs and failed callback
// authentication alike, so the endpoint cannot be probed for token validity.
func (a *App) notFound(w http.ResponseWriter) {
	a.json(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "job not found"})
}

func (a *App) loadTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	row := a.SQL.QueryRow(ctx, sqlinline.QSelectTenantByID, tenantID)
	return scanTenant(row)
}

// TenantByToken backs the tenant auth middleware.
func (a *App) TenantByToken(ctx context.Context, token string) (*domain.Tenant, error) {
	row := a.SQL.QueryRow(ctx, sqlinline.QSelectTenantByAPIToken, token)
	return scanTenant(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := row.Scan(
		&t.ID, &t.Name, &t.Plan, &t.MonthlyLimit, &t.BonusCredits, &t.UsedThisCycle,
		&t.BillingCycleStart, &t.NextBillingDate, &t.SubscriptionPeriodEnd,
		&t.Status, &t.PaymentStatus, &t.ExecutorSecrets, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}
