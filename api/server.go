/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Observe:    Structured request log + request metrics
  4. CORS:       Cross-origin requests for the product frontend

ROUTE GROUPS:
  /api/users/{id}/*     Per-user queries and intake
  /api/billing/*        Billing provider events
  /api/admin/*          Operational commands
  /api/scenarios/*      Demo scenarios
  /api/levels           Level table
  /api/capabilities     Gated capabilities
  /healthz              Liveness
  /metrics              Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/progression-engine/metrics"
	"github.com/warp/progression-engine/pkg/logger"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(Observe(h.log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/standing", h.GetStanding)
			r.Get("/access/{capability}", h.Evaluate)
			r.Get("/subscription", h.GetSubscription)
			r.Get("/audit", h.ListAudit)

			r.Get("/events", h.ListEvents)
			r.Post("/events", h.RecordEvent)
			r.Post("/events/{eventID}/verify", h.VerifyEvent)

			r.Get("/assessments", h.ListAssessments)
			r.Post("/assessments", h.RecordAssessment)

			r.Get("/milestones", h.ListMilestones)
			r.Post("/milestones/{type}/attempt", h.RecordMilestoneAttempt)
			r.Post("/milestones/{type}/complete", h.CompleteMilestone)
			r.Post("/milestones/{type}/expire", h.ExpireMilestone)
		})

		r.Post("/billing/events", h.ApplyBillingEvent)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/milestones/expire", h.SweepExpired)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})

		r.Get("/levels", h.ListLevels)
		r.Get("/capabilities", h.ListCapabilities)
	})

	return r
}

// Observe logs each request and records its latency by route pattern, so
// per-user paths do not explode metric cardinality.
func Observe(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			metrics.RecordHTTPRequest(route, r.Method, strconv.Itoa(status), elapsed)

			log.Debug(r.Context(), "http request",
				logger.String("method", r.Method),
				logger.String("route", route),
				logger.Int("status", status),
				logger.Int("bytes", ww.BytesWritten()),
				logger.Duration("elapsed", elapsed),
				logger.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
