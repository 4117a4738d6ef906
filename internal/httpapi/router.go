package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// TenantHeader carries the tenant ID on every /v1 request.
const TenantHeader = "X-Tenant-ID"

// EventIDHeader identifies a webhook delivery for deduplication.
const EventIDHeader = "X-Event-ID"

type tenantKey struct{}

// NewRouter constructs the API HTTP router.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireTenant)

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/", s.listWorkflows)
			r.Post("/", s.createWorkflow)
			r.Route("/{workflowID}", func(r chi.Router) {
				r.Get("/", s.getWorkflow)
				r.Put("/", s.putWorkflow)
				r.Delete("/", s.deleteWorkflow)
				r.Post("/execute", s.executeWorkflow)
				r.Get("/executions", s.listExecutions)
			})
		})

		r.Post("/webhooks/{workflowID}", s.webhook)

		r.Route("/executions/{executionID}", func(r chi.Router) {
			r.Get("/", s.getExecution)
			r.Get("/nodes", s.listNodeEvents)
			r.Get("/events", s.streamEvents)
		})
	})
	return r
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(TenantHeader))
		if tenant == "" {
			writeError(w, r, http.StatusBadRequest, CodeMissingTenant, TenantHeader+" header is required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

// TenantFromContext returns the tenant set by the tenant middleware.
func TenantFromContext(ctx context.Context) (string, bool) {
	t, ok := ctx.Value(tenantKey{}).(string)
	return t, ok
}

func tenantOf(r *http.Request) string {
	t, _ := TenantFromContext(r.Context())
	return t
}
