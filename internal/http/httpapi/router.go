package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"atelier/internal/http/handlers"
	"atelier/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.Logger(app.Logger))
	if len(app.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(app.AllowedOrigins))
	}

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	r.Route("/v1/uploads", func(r chi.Router) {
		if app.SubmitRateLimit > 0 {
			r.Use(middleware.RateLimit(app.SubmitRateLimit, time.Minute))
		}
		r.Post("/", app.UploadInput)
	})

	r.Route("/v1/jobs", func(r chi.Router) {
		r.With(rateLimited(app)...).Post("/", app.JobSubmit)
		r.Get("/{job_id}", app.JobStatus)
		r.Get("/{job_id}/stream", app.JobStream)
		r.Get("/{job_id}/share", app.JobShare)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Get("/queue", app.AdminQueue)
		r.Get("/credits", app.AdminCredits)
	})

	// Filesystem object store mode serves artifacts directly.
	if app.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(app.StaticDir))))
	}

	return r
}

func rateLimited(app *handlers.App) []func(http.Handler) http.Handler {
	if app.SubmitRateLimit <= 0 {
		return nil
	}
	return []func(http.Handler) http.Handler{middleware.RateLimit(app.SubmitRateLimit, time.Minute)}
}
