/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    Unique ID per request for tracing
  2. Recoverer:    Panic recovery (500 instead of crash)
  3. Logger:       logrus request line (logging.go)
  4. Metrics:      Prometheus request counters and latency
  5. CORS:         Cross-origin requests for frontend
  /api only:
  6. Auth:         Bearer JWT -> actor (auth.go)
  7. Rate limit:   Token bucket per actor (ratelimit.go)
  8. Idempotency:  Idempotency-Key replay on POST (idempotency.go)

ROUTE GROUPS:
  /api/accounts/*       Accounts, ledger, orders, lock log
  /api/entries/*        Submissions and audit
  /api/redemptions      Redeem
  /api/orders/*         Order lifecycle
  /api/products/*       Catalog reads
  /api/admin/*          Admin operations
  /api/scenarios/*      Demo scenarios
  /healthz, /metrics    Unauthenticated probes

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/points-engine/metrics"
)

// RouterOptions carries the middleware dependencies of NewRouter.
type RouterOptions struct {
	Auth           *Authenticator
	Limiter        *RateLimiter // nil disables rate limiting
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	AllowedOrigins []string
	// Ping reports storage health for /healthz.
	Ping func(ctx context.Context) error
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyHeader},
		ExposedHeaders:   []string{"Idempotent-Replayed"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if opts.Ping != nil {
			if err := opts.Ping(r.Context()); err != nil {
				writeMessage(w, http.StatusServiceUnavailable, "storage unavailable")
				return
			}
		}
		writeMessage(w, http.StatusOK, "ok")
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(opts.Auth.Middleware)
		r.Use(opts.Limiter.Handler)
		r.Use(Idempotency(opts.Idempotency, opts.IdempotencyTTL, h.Log))

		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.RegisterAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/entries", h.ListEntries)
			r.Get("/{id}/orders", h.ListOrders)
			r.Get("/{id}/lock-log", h.GetLockLog)
			r.Post("/{id}/auto-unlock", h.AutoUnlock)
		})

		r.Route("/entries", func(r chi.Router) {
			r.Post("/", h.SubmitEarn)
			r.Get("/pending", h.ListPending)
			r.Post("/audit", h.AuditBatch)
			r.Post("/{id}/audit", h.AuditEntry)
		})

		r.Post("/redemptions", h.Redeem)

		r.Route("/orders", func(r chi.Router) {
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/cancel", h.CancelOrder)
			r.Post("/{id}/ship", h.ShipOrder)
			r.Post("/{id}/complete", h.CompleteOrder)
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Get("/{id}", h.GetProduct)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/products", h.UpsertProduct)
			r.Route("/accounts/{id}", func(r chi.Router) {
				r.Post("/adjust", h.AdjustPoints)
				r.Post("/set-points", h.SetPoints)
				r.Post("/lock", h.LockAccount)
				r.Post("/unlock", h.UnlockAccount)
				r.Post("/membership", h.SetMembership)
				r.Get("/verify", h.VerifyBalance)
			})
			r.Post("/training-stats/recompute", h.RecomputeTraining)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
