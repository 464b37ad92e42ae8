package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/middleware"
	"server/internal/ws"
)

// NewRouter wires the intake and operator API. rateLimitPerMin bounds job
// submissions per client IP.
func NewRouter(app *handlers.App, hub *ws.Hub, rateLimitPerMin int, allowedOrigins []string) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimiddleware.RealIP, chimiddleware.Recoverer)
	r.Use(middleware.CORS(allowedOrigins))
	r.Use(middleware.Logger(app.Logger))

	r.Get("/v1/healthz", app.Health)

	r.Route("/jobs", func(r chi.Router) {
		r.With(middleware.RateLimit(rateLimitPerMin, time.Minute)).Post("/", app.CreateJob)
		r.Get("/{id}", app.GetJob)
		r.Post("/{id}/retry", app.RetryJob)
		r.Post("/{id}/cancel", app.CancelJob)
		r.Get("/{id}/artifacts", app.DownloadArtifacts)
		r.Delete("/{id}", app.DeleteJob)
	})

	r.Get("/renders/{id}/attempts", app.ListAttempts)

	r.Route("/stats", func(r chi.Router) {
		r.Get("/jobs", app.StatsJobsByStatus)
		r.Get("/renders", app.StatsRecentRenders)
		r.Get("/retries", app.StatsRenderRetries)
		r.Get("/attempts", app.StatsRecentAttempts)
	})

	if hub != nil {
		r.Get("/ws/status", hub.Handle)
	}

	return r
}
