/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     Structured request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/accounts/{account}/meters/*         Meters and their ledger
  /api/accounts/{account}/notifications/*  Notification read state
  /api/accounts/{account}/events           SSE stream
  /api/notifications/{id}/*                Single notification
  /api/scenarios/*                         Demo scenarios
  /healthz                                 Store health
  /metrics                                 Prometheus

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/token-ledger/logging"
)

type RouterOptions struct {
	CORSOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Logger  logging.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logging.OrDiscard(opts.Logger)))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts/{account}", func(r chi.Router) {
			// Meter routes
			r.Route("/meters", func(r chi.Router) {
				r.Get("/", h.ListMeters)
				r.Post("/", h.RegisterMeter)

				r.Route("/{meter}", func(r chi.Router) {
					r.Post("/transactions", h.ApplyTransaction)
					r.Get("/transactions", h.ListTransactions)
					r.Get("/balance", h.GetBalance)
					r.Get("/analytics", h.GetAnalytics)
					r.Put("/threshold", h.SetThreshold)
					r.Post("/external-check", h.ExternalCheck)
				})
			})

			// Notification routes
			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", h.ListNotifications)
				r.Get("/status", h.GetNotificationStatus)
				r.Post("/read-all", h.MarkAllNotificationsRead)
				r.Delete("/read", h.DeleteReadNotifications)
				r.Get("/preferences", h.GetPreferences)
				r.Put("/preferences", h.PutPreferences)
			})

			r.Get("/events", h.Events)
		})

		r.Route("/notifications/{id}", func(r chi.Router) {
			r.Post("/read", h.MarkNotificationRead)
			r.Delete("/", h.DeleteNotification)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request with logrus.
func requestLogger(log logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.WithFields(logging.Fields{
					"request_id": middleware.GetReqID(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
				}).Info("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
