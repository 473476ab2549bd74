package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/NgigiN/stablelink/internal/webhook"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// RouterDependencies collects handler dependencies. Nil members leave their
// routes unregistered.
type RouterDependencies struct {
	Health    *HealthHandler
	API       *APIHandlers
	Webhooks  *webhook.Engine
	Rails     []webhook.Rail
	JWTSecret string
}

// NewRouter wires every HTTP route.
func NewRouter(logger *slog.Logger, deps RouterDependencies) http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, loggingMiddleware(logger))

	if deps.Health != nil {
		r.Handle("/health", deps.Health).Methods(http.MethodGet)
	}

	if deps.API != nil {
		v1 := r.PathPrefix("/v1").Subrouter()
		v1.Use(requireUser(deps.JWTSecret))
		deps.API.routes(v1)
	}

	if deps.Webhooks != nil {
		for _, rail := range deps.Rails {
			r.Handle("/webhooks/"+rail.Name(), deps.Webhooks.Handler(rail)).Methods(http.MethodPost)
		}
	}
	return r
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"request_id", requestIDFrom(r.Context()),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
