/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the admin gateway
  3. Logger:     zap request logging + Prometheus request metrics
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /api/rebates/*         Rate changes, sync, resolution, history
  /api/talents/*         Talent records and rebate mode
  /api/agencies/*        Agency records
  /api/customer-talents  Customer overlays
  /api/scenarios/*       Demo scenarios
  /metrics               Prometheus
  /healthz               Liveness

SECURITY NOTE:
  No authentication middleware. The service sits behind the admin gateway,
  which authenticates operators and fills createdBy.

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HTTP metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebate_http_requests_total",
			Help: "HTTP requests by route, method and status",
		},
		[]string{"route", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebate_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(h.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Rebate routes
		r.Route("/rebates", func(r chi.Router) {
			r.Post("/talent", h.UpdateTalentRebate)
			r.Post("/agency", h.UpdateAgencyRebate)
			r.Post("/sync-talent", h.SyncAgencyRebateToTalent)
			r.Post("/sync-agency", h.SyncAgencyToTalents)
			r.Post("/activate", h.ActivatePending)
			r.Get("/effective", h.ResolveEffectiveRate)
			r.Get("/history", h.GetRebateHistory)
		})

		// Talent routes
		r.Route("/talents", func(r chi.Router) {
			r.Post("/", h.CreateTalent)
			r.Get("/{oneId}/{platform}", h.GetTalent)
			r.Put("/{oneId}/{platform}/mode", h.SetRebateMode)
		})

		// Agency routes
		r.Route("/agencies", func(r chi.Router) {
			r.Post("/", h.CreateAgency)
			r.Get("/{id}", h.GetAgency)
		})

		r.Put("/customer-talents", h.UpsertCustomerTalent)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// RequestLogger logs every request with zap and records HTTP metrics under
// the matched route pattern (not the raw path, to keep label cardinality low).
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				elapsed := time.Since(start)
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}

				route := "unmatched"
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
				httpRequestDuration.WithLabelValues(route, r.Method).Observe(elapsed.Seconds())

				logger.Info("http request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", status),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", elapsed),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
