package gateway

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// NewRouter mounts the handlers. metrics may be nil.
func NewRouter(h *Handler, metricsPath string, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Get("/health", h.Health)
	if metrics != nil {
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.Handle(metricsPath, metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", h.Generate)
		r.Get("/providers", h.ListProviders)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Post("/cache/invalidate", h.InvalidateCache)
		r.Get("/cache/stats", h.CacheStats)
		r.Put("/providers/{name}/scores", h.SetScores)
		r.Delete("/providers/{name}/override", h.DeleteOverride)
	})
	return r
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the router's middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
