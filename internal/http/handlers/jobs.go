package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/renderforge/server/internal/dispatch"
	"github.com/renderforge/server/internal/domain"
	"github.com/renderforge/server/internal/middleware"
	"github.com/renderforge/server/internal/params"
	"github.com/renderforge/server/internal/safeurl"
)

type generateRequest struct {
	Prompt          string `json:"prompt"`
	Style           string `json:"style"`
	AspectRatio     string `json:"aspect_ratio"`
	DurationSeconds int    `json:"duration_seconds"`
}

type jobResponse struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	QuotaRemaining int    `json:"quota_remaining"`
}

// GenerateVideo turns a tenant's generation request into a reserved,
// dispatched job. When the executor answers inline, the job completes within
// this request through the same terminal path a callback would take.
func (a *App) GenerateVideo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := middleware.TenantFromContext(ctx)
	if tenant == nil {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
		return
	}

	if err := tenant.CanSubmit(); err != nil {
		switch {
		case errors.Is(err, domain.ErrTenantPending):
			a.error(w, http.StatusForbidden, "tenant_pending", "account is awaiting activation")
		case errors.Is(err, domain.ErrTenantSuspended):
			a.error(w, http.StatusForbidden, "tenant_suspended", "account is suspended")
		case errors.Is(err, domain.ErrPlanMissing):
			a.error(w, http.StatusPaymentRequired, "plan_missing", "a plan is required to submit jobs")
		default:
			a.error(w, http.StatusForbidden, "tenant_blocked", "account cannot submit jobs")
		}
		return
	}

	if err := a.Ledger.RolloverIfDue(ctx, a.SQL, tenant); err != nil {
		a.Logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("billing rollover failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to prepare billing cycle")
		return
	}

	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	p := domain.GenerationParams{
		Prompt:          req.Prompt,
		Style:           req.Style,
		AspectRatio:     req.AspectRatio,
		DurationSeconds: req.DurationSeconds,
	}
	if err := params.Normalize(&p); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	job, rawToken, err := a.Manager.CreateJob(ctx, tenant, p, 1)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrQuotaExceeded):
			a.error(w, http.StatusPaymentRequired, "quota_exceeded", "monthly generation quota reached")
		case errors.Is(err, domain.ErrBillingPeriodExpired):
			a.error(w, http.StatusPaymentRequired, "billing_period_expired", "subscription renewal required")
		case errors.Is(err, domain.ErrPlanMissing):
			a.error(w, http.StatusPaymentRequired, "plan_missing", "a plan is required to submit jobs")
		default:
			a.Logger.Error().Err(err).Str("tenant_id", tenant.ID).Msg("job creation failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		}
		return
	}

	executorSecrets, err := a.Vault.DecryptMap(tenant.ExecutorSecrets)
	if err != nil {
		a.failDispatch(w, r, job.ID, "executor secrets unreadable")
		return
	}

	result, err := a.Dispatcher.Trigger(ctx, dispatch.Request{
		JobID:         job.ID,
		TenantID:      tenant.ID,
		Params:        p,
		CallbackURL:   dispatch.FormatCallbackURL(a.CallbackBaseURL, job.ID),
		CallbackToken: rawToken,
		Secrets:       executorSecrets,
	})
	if err != nil {
		// Configuration and security rejections fail the job just like
		// network errors would; none are retried automatically.
		var unsafeErr *safeurl.UnsafeURLError
		if errors.As(err, &unsafeErr) {
			a.Logger.Warn().Str("job_id", job.ID).Str("reason", unsafeErr.Reason).Msg("executor url rejected")
		}
		a.failDispatch(w, r, job.ID, err.Error())
		return
	}

	// The loaded usage counter predates the reservation the job just
	// claimed, so the reserved unit is subtracted here.
	remaining := tenant.RemainingQuota(1)

	if len(result.Outputs) > 0 {
		if err := a.Manager.CompleteJob(ctx, job, result.Outputs); err != nil && !errors.Is(err, domain.ErrAlreadyFinalized) {
			a.failDispatch(w, r, job.ID, err.Error())
			return
		}
		a.json(w, http.StatusOK, jobResponse{JobID: job.ID, Status: string(domain.JobStatusCompleted), QuotaRemaining: remaining})
		return
	}

	if err := a.Manager.MarkDispatched(ctx, job.ID, domain.JobStatusRunning); err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("mark dispatched failed")
	}
	a.json(w, http.StatusAccepted, jobResponse{JobID: job.ID, Status: string(domain.JobStatusRunning), QuotaRemaining: remaining})
}

// failDispatch fails the job (releasing its reservation) and reports the
// dispatch failure to the caller.
func (a *App) failDispatch(w http.ResponseWriter, r *http.Request, jobID, cause string) {
	if err := a.Manager.FailJob(r.Context(), jobID, cause); err != nil && !errors.Is(err, domain.ErrAlreadyFinalized) {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("fail job after dispatch error")
	}
	a.error(w, http.StatusBadGateway, "dispatch_failed", "workflow executor dispatch failed")
}

// JobStatus returns the job state for the owning tenant.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := middleware.TenantFromContext(ctx)
	if tenant == nil {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Manager.GetJob(ctx, jobID)
	if err != nil || job.TenantID != tenant.ID {
		a.notFound(w)
		return
	}
	resp := map[string]any{
		"id":         job.ID,
		"status":     job.Status,
		"params":     job.Options.Params,
		"created_at": job.CreatedAt,
		"updated_at": job.UpdatedAt,
	}
	if job.FinishedAt != nil {
		resp["finished_at"] = job.FinishedAt
	}
	if job.ErrorMessage != "" {
		resp["error_message"] = job.ErrorMessage
	}
	a.json(w, http.StatusOK, resp)
}

// JobAssets lists the persisted output assets of a job.
func (a *App) JobAssets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := middleware.TenantFromContext(ctx)
	if tenant == nil {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing tenant context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	job, err := a.Manager.GetJob(ctx, jobID)
	if err != nil || job.TenantID != tenant.ID {
		a.notFound(w)
		return
	}
	assets, err := a.Manager.ListAssets(ctx, jobID)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list assets")
		return
	}
	items := make([]map[string]any, 0, len(assets))
	for _, asset := range assets {
		item := map[string]any{
			"id":         asset.ID,
			"type":       asset.Type,
			"url":        asset.URL,
			"bytes":      asset.Bytes,
			"created_at": asset.CreatedAt,
		}
		if asset.ThumbnailURL != "" {
			item["thumbnail_url"] = asset.ThumbnailURL
		}
		if asset.DurationSeconds > 0 {
			item["duration_seconds"] = asset.DurationSeconds
		}
		items = append(items, item)
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
