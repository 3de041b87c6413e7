package dueshttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/repairhub/repairhub/internal/platform/httpx"
)

// settleRatePerMinute bounds settlement attempts per customer.
const settleRatePerMinute = 10

// MountRoutes registers the dues API under the supplied router, normally /api.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	settleLimiter := httprate.Limit(settleRatePerMinute, time.Minute,
		httprate.WithKeyFuncs(settleRateKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "settlement attempts are rate limited")
		}),
	)

	r.Post("/dues", h.handleOpenDue)
	r.Post("/payments", h.handleRecordPayment)
	r.Get("/dues/outstanding", h.handleOutstanding)
	r.Get("/dues/paid", h.handlePaid)
	r.Route("/dues/customers/{customerID}", func(r chi.Router) {
		r.Get("/", h.handleCustomerDetail)
		r.Get("/payments", h.handleCustomerPayments)
		r.Get("/reconcile", h.handleReconcile)
		r.With(settleLimiter).Post("/settle", h.handleSettle)
	})
	r.Post("/invoices/{invoiceID}/document", h.handleRegenerateDocument)
	r.Delete("/invoices/{invoiceID}", h.handlePurgeInvoice)
	r.Post("/gst/totals", h.handleGSTTotals)
}

func settleRateKey(r *http.Request) (string, error) {
	return "settle:" + chi.URLParam(r, "customerID"), nil
}
