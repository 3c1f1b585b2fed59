package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/redis"
)

// HealthFunc reports whether the service's dependencies are reachable.
type HealthFunc func(r *http.Request) error

// NewRouter mounts the dashboard routes with logging, metrics and the
// per-client rate limit. limiter and health may be nil.
func NewRouter(h *Handler, limiter *redis.RateLimiter, health HealthFunc, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(limiter, logger, IPKeyFunc))

		r.Post("/templates", h.CreateTemplate)
		r.Get("/templates/{id}", h.GetTemplate)
		r.Patch("/templates/{id}", h.UpdateTemplate)
		r.Delete("/templates/{id}", h.DeleteTemplate)
		r.Post("/templates/{id}/preview", h.PreviewTemplate)

		r.Post("/campaigns", h.CreateCampaign)
		r.Get("/campaigns/{id}", h.GetCampaign)
		r.Delete("/campaigns/{id}", h.DeleteCampaign)
		r.Get("/campaigns/{id}/stats", h.CampaignStats)
		r.Post("/campaigns/{id}/status", h.SetCampaignStatus)
		r.Post("/campaigns/{id}/queue", h.Idempotent(h.QueueCampaign))
		r.Post("/campaigns/{id}/follow-ups", h.Idempotent(h.QueueFollowUps))
		r.Post("/campaigns/{id}/send", h.Idempotent(h.SendCampaign))

		r.Get("/leads", h.ListLeads)

		r.Get("/emails/{id}/events", h.ListEmailEvents)
		r.Post("/emails/{id}/events", h.Idempotent(h.RecordEmailEvent))

		r.Get("/breakers", h.ListBreakers)
		r.Post("/breakers/{name}/reset", h.ResetBreaker)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
