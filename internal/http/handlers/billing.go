package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/renderforge/server/internal/domain"
)

type activateRequest struct {
	PeriodEnd time.Time `json:"period_end"`
}

// ActivateTenant applies the quota side-effects of a subscription
// activation reported by the billing provider: fresh billing cycle, zeroed
// usage, active status. Checkout and portal sessions live outside this
// service.
func (a *App) ActivateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenant_id")

	tenant, err := a.loadTenant(ctx, tenantID)
	if err != nil {
		if err == domain.ErrNotFound {
			a.error(w, http.StatusNotFound, "not_found", "tenant not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load tenant")
		return
	}

	var req activateRequest
	if err := decodeJSON(r, &req); err != nil || req.PeriodEnd.IsZero() {
		a.error(w, http.StatusBadRequest, "bad_request", "period_end is required")
		return
	}

	if err := a.Ledger.ApplyActivation(ctx, a.SQL, tenant.ID, req.PeriodEnd); err != nil {
		a.Logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("activation failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to apply activation")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"ok": true})
}
