package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/settlement-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса расчётов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(h.authMiddleware.Webhook).Post("/events/payment", h.PaymentEvent)

		r.Route("/admin", func(r chi.Router) {
			r.Use(h.authMiddleware.Operator)

			r.Post("/import", h.Import)
			r.Post("/reconcile", h.Reconcile)
		})

		r.Get("/accounts/{email}/wallet", h.GetWallet)
		r.Get("/accounts/{email}/memberships", h.GetMemberships)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
