package report

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/repairhub/repairhub/internal/dues"
	"github.com/repairhub/repairhub/internal/platform/httpx"
)

// DocumentSource assembles the printable content of an invoice.
type DocumentSource interface {
	DocumentRequest(ctx context.Context, invoiceID int64) (*dues.DocumentRequest, error)
}

// HTMLRenderer produces the invoice HTML that is later converted to PDF.
type HTMLRenderer interface {
	HTML(req dues.DocumentRequest) (string, error)
}

// Handler manages report endpoints.
type Handler struct {
	client   *Client
	source   DocumentSource
	renderer HTMLRenderer
	logger   *slog.Logger
}

// NewHandler creates a report handler.
func NewHandler(client *Client, source DocumentSource, renderer HTMLRenderer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{client: client, source: source, renderer: renderer, logger: logger}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/ping", h.ping)
	r.Get("/invoices/{invoiceID}/preview", h.preview)
	r.Get("/invoices/{invoiceID}/pdf", h.pdf)
}

func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	if err := h.client.Ping(r.Context()); err != nil {
		h.logger.Warn("gotenberg ping failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// preview returns the invoice as HTML, which needs no Gotenberg.
func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	html, ok := h.invoiceHTML(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

// pdf streams a freshly rendered PDF without storing it.
func (h *Handler) pdf(w http.ResponseWriter, r *http.Request) {
	html, ok := h.invoiceHTML(w, r)
	if !ok {
		return
	}
	pdf, err := h.client.RenderHTML(r.Context(), html)
	if err != nil {
		h.logger.Error("render invoice pdf", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Bad Gateway", "")
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", "inline; filename=invoice.pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(pdf)
}

func (h *Handler) invoiceHTML(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "invoiceID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid invoice id")
		return "", false
	}
	req, err := h.source.DocumentRequest(r.Context(), id)
	switch {
	case errors.Is(err, dues.ErrInvoiceNotFound), errors.Is(err, dues.ErrCustomerNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return "", false
	case err != nil:
		h.logger.Error("load invoice document", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return "", false
	}
	html, err := h.renderer.HTML(*req)
	if err != nil {
		h.logger.Error("render invoice html", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return "", false
	}
	return html, true
}
