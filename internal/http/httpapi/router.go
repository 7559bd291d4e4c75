package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/renderforge/server/internal/http/handlers"
	"github.com/renderforge/server/internal/middleware"
)

func NewRouter(app *handlers.App, logger zerolog.Logger, rateLimitPerMin int) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
	)

	r.Get("/v1/healthz", app.Health)

	// Executor-facing. Authenticated by the per-job callback token, not by
	// tenant credentials.
	r.Post("/v1/jobs/{job_id}/callback", app.JobCallback)

	// Billing-webhook facing.
	r.Post("/v1/tenants/{tenant_id}/activate", app.ActivateTenant)

	// Tenant-facing.
	r.Group(func(r chi.Router) {
		r.Use(middleware.TenantAuth(app.TenantByToken))
		if rateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(rateLimitPerMin, time.Minute))
		}
		r.Post("/v1/videos/generate", app.GenerateVideo)
		r.Get("/v1/jobs/{job_id}", app.JobStatus)
		r.Get("/v1/jobs/{job_id}/assets", app.JobAssets)
	})

	return r
}
