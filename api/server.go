/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging through logrus
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the operator console

ROUTE GROUPS:
  /metrics                          Prometheus scrape endpoint
  /api/license-types/*              License catalog
  /api/tenants/{tenantID}/account   Licensing account
  /api/tenants/{tenantID}/licenses  Ledger operations per license type
  /api/tenants/{tenantID}/ledger    History
  /api/tenants/{tenantID}/stock/*   Purchases, devices, transfers

SEE ALSO:
  - handlers.go, stock_handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterConfig holds the router's optional collaborators.
type RouterConfig struct {
	AllowedOrigins []string

	// Metrics is mounted on /metrics when set.
	Metrics http.Handler
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/license-types", func(r chi.Router) {
			r.Get("/", h.ListLicenseTypes)
			r.Post("/", h.CreateLicenseType)
			r.Get("/{id}", h.GetLicenseType)
			r.Patch("/{id}", h.UpdateLicenseType)
			r.Delete("/{id}", h.DeleteLicenseType)
			r.Post("/{id}/deactivate", h.DeactivateLicenseType)
		})

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Put("/account", h.SaveAccount)
			r.Get("/account", h.GetAccount)

			r.Route("/licenses/{licenseTypeID}", func(r chi.Router) {
				r.Post("/grant", h.Grant)
				r.Post("/consume", h.Consume)
				r.Post("/refund", h.Refund)
				r.Post("/adjust", h.Adjust)
				r.Post("/authorize-test", h.AuthorizeTest)
				r.Get("/balance", h.GetBalance)
				r.Get("/reconcile", h.Reconcile)
				r.Get("/retest-window", h.GetRetestWindow)
			})
			r.Get("/ledger", h.GetLedger)
			r.Get("/reconcile", h.ReconcileTenant)

			r.Route("/stock", func(r chi.Router) {
				r.Get("/rows", h.ListStockRows)

				r.Post("/purchases", h.ReceivePurchase)
				r.Post("/purchases/delete", h.DeletePurchases)
				r.Delete("/purchases/{purchaseID}", h.DeletePurchase)

				r.Route("/devices/{device}", func(r chi.Router) {
					r.Post("/stock-in", h.StockIn)
					r.Post("/stock-out", h.StockOut)
					r.Get("/mapping", h.GetMapping)
				})

				r.Route("/transfers", func(r chi.Router) {
					r.Get("/", h.ListTransfers)
					r.Post("/", h.CreateTransfer)
					r.Get("/{transferID}", h.GetTransfer)
					r.Post("/{transferID}/complete", h.CompleteTransfer)
					r.Post("/{transferID}/cancel", h.CancelTransfer)
					r.Post("/{transferID}/reverse", h.ReverseTransfer)
				})
			})
		})
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(logrus.Fields{
				"module":      "api",
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
			}).Info("request")
		})
	}
}
