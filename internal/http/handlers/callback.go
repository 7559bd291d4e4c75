package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/renderforge/server/internal/dispatch"
	"github.com/renderforge/server/internal/domain"
)

const callbackTokenHeader = "X-Callback-Token"

type callbackRequest struct {
	Status       string          `json:"status"`
	Outputs      json.RawMessage `json:"outputs"`
	ErrorMessage string          `json:"errorMessage"`
}

// JobCallback receives the executor's completion report for one job. Auth
// failures and unknown job ids answer identically, duplicate reports of the
// same terminal state answer 200, and a report incompatible with an already
// finalized job answers 409.
func (a *App) JobCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "job_id")

	job, err := a.Manager.GetJob(ctx, jobID)
	if err != nil {
		a.notFound(w)
		return
	}
	if !a.Auth.Verify(r.Header.Get(callbackTokenHeader), job.Options.CallbackTokenHash) {
		a.notFound(w)
		return
	}

	a.auditCallback(r, jobID)

	var req callbackRequest
	if err := decodeJSON(r, &req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	switch req.Status {
	case "done":
		outputs, err := dispatch.ParseCallbackOutputs(req.Outputs)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		err = a.Manager.CompleteJob(ctx, job, outputs)
		switch {
		case err == nil:
			a.json(w, http.StatusOK, map[string]any{"ok": true})
		case errors.Is(err, domain.ErrAlreadyFinalized):
			a.answerDuplicate(w, r, jobID, domain.JobStatusCompleted)
		default:
			// Ingestion failed; the job fails terminally and its
			// reservation is released.
			if failErr := a.Manager.FailJob(ctx, jobID, err.Error()); failErr != nil && !errors.Is(failErr, domain.ErrAlreadyFinalized) {
				a.Logger.Error().Err(failErr).Str("job_id", jobID).Msg("fail job after ingestion error")
				a.error(w, http.StatusInternalServerError, "internal", "failed to finalize job")
				return
			}
			a.json(w, http.StatusOK, map[string]any{"ok": true})
		}
	case "error":
		err = a.Manager.FailJob(ctx, jobID, req.ErrorMessage)
		switch {
		case err == nil:
			a.json(w, http.StatusOK, map[string]any{"ok": true})
		case errors.Is(err, domain.ErrAlreadyFinalized):
			a.answerDuplicate(w, r, jobID, domain.JobStatusFailed)
		default:
			a.Logger.Error().Err(err).Str("job_id", jobID).Msg("fail job from callback")
			a.error(w, http.StatusInternalServerError, "internal", "failed to finalize job")
		}
	default:
		a.error(w, http.StatusBadRequest, "bad_request", "status must be done or error")
	}
}

// answerDuplicate distinguishes a harmless duplicate report from a report
// that contradicts the finalized state.
func (a *App) answerDuplicate(w http.ResponseWriter, r *http.Request, jobID string, wanted domain.JobStatus) {
	job, err := a.Manager.GetJob(r.Context(), jobID)
	if err == nil && job.Status == wanted {
		a.json(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	a.error(w, http.StatusConflict, "conflict", "job already finalized")
}

// auditCallback tags the callback origin for the audit trail. Country
// resolution is best-effort.
func (a *App) auditCallback(r *http.Request, jobID string) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	event := a.Logger.Info().Str("job_id", jobID).Str("remote_ip", host)
	if a.Geo != nil {
		if country, err := a.Geo.CountryCode(host); err == nil {
			event = event.Str("country", country)
		}
	}
	event.Msg("callback received")
}
