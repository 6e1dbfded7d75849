package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"coedit/internal/api"
	"coedit/internal/metrics"
)

const apiTimeout = 15 * time.Second

// New wires the HTTP and websocket routes. The request timeout only applies
// to the /api group; websocket connections are long lived.
func New(h *api.Handlers, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(
		cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}),
		metrics.Middleware("coedit"),
	)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws/documents/{id}", h.CollabWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(apiTimeout))
		r.Get("/healthz", h.Health)
		r.Get("/documents/{id}", h.GetDocument)
		r.Post("/execute", h.Execute)
	})

	return r
}
