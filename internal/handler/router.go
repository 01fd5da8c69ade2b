package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/cryptotopup/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(chimiddleware.Recoverer)

	origins := h.opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Retry-After", "X-Request-ID"},
		MaxAge:         300,
	}))

	// websocket требует Hijack, поэтому сжатие к нему не применяется.
	if h.opts.Realtime != nil {
		r.Get("/ws", h.opts.Realtime.ServeHTTP)
	}
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(custommiddleware.GzipMiddleware)

		r.Route("/payments", func(r chi.Router) {
			r.Get("/quote", h.Quote)
			r.Get("/data-plans/{network}", h.ListDataPlans)
			r.Get("/transaction/{reference}", h.GetOrder)
			r.Post("/{service}", h.CreateOrder)
		})

		r.Post("/webhooks/payment", h.PaymentWebhook)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/transactions/{reference}/retry", h.RetryFulfillment)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: http.StatusText(http.StatusNotFound)})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: http.StatusText(http.StatusMethodNotAllowed)})
	})

	return r
}
