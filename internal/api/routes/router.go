package routes

import (
	"net/http"

	"github.com/zatekoja/notepipeline/internal/api/handlers"
	"github.com/zatekoja/notepipeline/internal/api/middleware"
	"github.com/zatekoja/notepipeline/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	processingHandler *handlers.ProcessingHandler
	sseHandler        *handlers.SSEHandler

	allowedOrigins []string
	metrics        *observability.Metrics
}

// NewRouter creates a new router. sseHandler may be nil when no event bus is configured.
func NewRouter(
	processingHandler *handlers.ProcessingHandler,
	sseHandler *handlers.SSEHandler,
	allowedOrigins []string,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:               http.NewServeMux(),
		processingHandler: processingHandler,
		sseHandler:        sseHandler,
		allowedOrigins:    allowedOrigins,
		metrics:           metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Processing endpoints
	r.mux.HandleFunc("POST /api/notes/{id}/process", r.processingHandler.ProcessNote)
	r.mux.HandleFunc("POST /api/processing/batch", r.processingHandler.ProcessBatch)
	r.mux.HandleFunc("GET /api/processing/health", r.processingHandler.Health)
	r.mux.HandleFunc("POST /api/processing/locks/reset", r.processingHandler.ResetLocks)

	// Event streams
	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/stream/notes", r.sseHandler.StreamAllNotes)
		r.mux.HandleFunc("GET /api/stream/users/{id}/notes", r.sseHandler.StreamUserNotes)
	}

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
