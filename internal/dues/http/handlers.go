package dueshttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/repairhub/repairhub/internal/dues"
	"github.com/repairhub/repairhub/internal/invoicedoc"
	"github.com/repairhub/repairhub/internal/money"
	"github.com/repairhub/repairhub/internal/platform/httpx"
	"github.com/repairhub/repairhub/internal/shared"
)

const (
	dateLayout        = "2006-01-02"
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replayed"
	settleModule      = "dues.settle"
	maxIdempotencyKey = 128
)

// LedgerService is the write side used for opening, purging and verifying dues.
type LedgerService interface {
	OpenDue(ctx context.Context, in dues.OpenDueInput) (*dues.DueRow, error)
	PurgeInvoice(ctx context.Context, invoiceID int64) error
	VerifyCustomer(ctx context.Context, customerID int64) (*dues.Reconciliation, error)
}

// PaymentService records money received against one invoice.
type PaymentService interface {
	RecordPayment(ctx context.Context, in dues.RecordPaymentInput) (*dues.PaymentHistoryRow, error)
}

// ReportService serves the grouped list views and drill-downs.
type ReportService interface {
	ListOutstanding(ctx context.Context, f dues.Filters, page, perPage int) (*dues.OutstandingPage, error)
	ListPaid(ctx context.Context, f dues.Filters, page, perPage int) (*dues.PaidPage, error)
	CustomerDetail(ctx context.Context, customerID int64) (*dues.CustomerDues, error)
	CustomerHistory(ctx context.Context, customerID int64) (*dues.CustomerPayments, error)
}

// SettlementService pays off every pending due of a customer.
type SettlementService interface {
	Settle(ctx context.Context, req dues.SettleRequest) (*dues.SettlementResult, error)
	RegenerateDocument(ctx context.Context, invoiceID int64) (string, error)
}

// IdempotencyStore remembers settle responses per Idempotency-Key.
type IdempotencyStore interface {
	Begin(ctx context.Context, key, module string) (*shared.IdempotentResponse, error)
	Complete(ctx context.Context, key, module string, resp shared.IdempotentResponse) error
	Delete(ctx context.Context, key, module string) error
}

// ReplayRecorder counts responses served from the idempotency store.
type ReplayRecorder interface {
	RecordIdempotentReplay()
}

// Config groups the handler dependencies. Idempotency and Replays are optional.
type Config struct {
	Logger      *slog.Logger
	Ledger      LedgerService
	Payments    PaymentService
	Reports     ReportService
	Settlements SettlementService
	Idempotency IdempotencyStore
	Replays     ReplayRecorder
	Location    *time.Location
}

// Handler exposes the dues engine as a JSON API.
type Handler struct {
	logger      *slog.Logger
	ledger      LedgerService
	payments    PaymentService
	reports     ReportService
	settlements SettlementService
	idempotency IdempotencyStore
	replays     ReplayRecorder
	validator   *validator.Validate
	loc         *time.Location
}

// NewHandler constructs the dues HTTP handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		logger:      logger,
		ledger:      cfg.Ledger,
		payments:    cfg.Payments,
		reports:     cfg.Reports,
		settlements: cfg.Settlements,
		idempotency: cfg.Idempotency,
		replays:     cfg.Replays,
		validator:   validator.New(),
		loc:         loc,
	}
}

type openDueRequest struct {
	InvoiceID  int64           `json:"invoice_id" validate:"required,gt=0"`
	TicketID   int64           `json:"ticket_id" validate:"gte=0"`
	CustomerID int64           `json:"customer_id" validate:"required,gt=0"`
	BranchID   int64           `json:"branch_id" validate:"gte=0"`
	Amount     decimal.Decimal `json:"amount"`
}

func (h *Handler) handleOpenDue(w http.ResponseWriter, r *http.Request) {
	var req openDueRequest
	if !h.decode(w, r, &req) {
		return
	}
	row, err := h.ledger.OpenDue(r.Context(), dues.OpenDueInput{
		InvoiceID:  req.InvoiceID,
		TicketID:   req.TicketID,
		CustomerID: req.CustomerID,
		BranchID:   req.BranchID,
		Amount:     req.Amount,
	})
	if err != nil {
		h.respondError(w, "open due", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, row)
}

type recordPaymentRequest struct {
	InvoiceID     int64           `json:"invoice_id" validate:"required,gt=0"`
	ServiceCharge decimal.Decimal `json:"service_charge"`
	ItemAmount    decimal.Decimal `json:"item_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Discount      decimal.Decimal `json:"discount"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	PaymentMode   string          `json:"payment_mode" validate:"omitempty,oneof=Cash UPI Card BankTransfer Cheque"`
}

func (h *Handler) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	row, err := h.payments.RecordPayment(r.Context(), dues.RecordPaymentInput{
		InvoiceID: req.InvoiceID,
		Mode:      dues.PaymentMode(req.PaymentMode),
		Amounts: dues.PaymentAmounts{
			ServiceCharge: req.ServiceCharge,
			ItemAmount:    req.ItemAmount,
			Total:         req.TotalAmount,
			Discount:      req.Discount,
			Net:           req.NetAmount,
			Paid:          req.PaidAmount,
		},
	})
	if err != nil {
		h.respondError(w, "record payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, row)
}

func (h *Handler) handleOutstanding(w http.ResponseWriter, r *http.Request) {
	filters, page, perPage, err := h.parseListQuery(r)
	if err != nil {
		h.respondError(w, "list outstanding", err)
		return
	}
	out, err := h.reports.ListOutstanding(r.Context(), filters, page, perPage)
	if err != nil {
		h.respondError(w, "list outstanding", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handlePaid(w http.ResponseWriter, r *http.Request) {
	filters, page, perPage, err := h.parseListQuery(r)
	if err != nil {
		h.respondError(w, "list paid", err)
		return
	}
	out, err := h.reports.ListPaid(r.Context(), filters, page, perPage)
	if err != nil {
		h.respondError(w, "list paid", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleCustomerDetail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "customerID")
	if err != nil {
		h.respondError(w, "customer detail", err)
		return
	}
	out, err := h.reports.CustomerDetail(r.Context(), id)
	if err != nil {
		h.respondError(w, "customer detail", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleCustomerPayments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "customerID")
	if err != nil {
		h.respondError(w, "customer payments", err)
		return
	}
	out, err := h.reports.CustomerHistory(r.Context(), id)
	if err != nil {
		h.respondError(w, "customer payments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "customerID")
	if err != nil {
		h.respondError(w, "reconcile customer", err)
		return
	}
	out, err := h.ledger.VerifyCustomer(r.Context(), id)
	if err != nil {
		h.respondError(w, "reconcile customer", err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

type settleRequest struct {
	PaymentMode string `json:"payment_mode" validate:"omitempty,oneof=Cash UPI Card BankTransfer Cheque"`
}

type settlementProblem struct {
	httpx.ProblemDetail
	State dues.SettlementState `json:"state,omitempty"`
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "customerID")
	if err != nil {
		h.respondError(w, "settle", err)
		return
	}
	var req settleRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}

	key, err := idempotencyKey(r)
	if err != nil {
		h.respondError(w, "settle", err)
		return
	}
	scopedKey := ""
	if key != "" && h.idempotency != nil {
		scopedKey = strconv.FormatInt(id, 10) + ":" + key
		stored, err := h.idempotency.Begin(r.Context(), scopedKey, settleModule)
		switch {
		case errors.Is(err, shared.ErrIdempotencyInFlight):
			h.respondError(w, "settle", httpx.Wrap(httpx.ErrConflict, err))
			return
		case err != nil:
			h.respondError(w, "settle idempotency", err)
			return
		case stored != nil:
			if h.replays != nil {
				h.replays.RecordIdempotentReplay()
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(replayHeader, "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}
	}

	result, err := h.settlements.Settle(r.Context(), dues.SettleRequest{
		CustomerID:  id,
		PaymentMode: dues.PaymentMode(req.PaymentMode),
	})
	if err != nil {
		h.releaseKey(r.Context(), scopedKey)
		h.respondSettlementError(w, id, err)
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		h.releaseKey(r.Context(), scopedKey)
		h.respondError(w, "encode settlement", err)
		return
	}
	if scopedKey != "" {
		resp := shared.IdempotentResponse{Status: http.StatusOK, Body: body}
		if err := h.idempotency.Complete(context.WithoutCancel(r.Context()), scopedKey, settleModule, resp); err != nil {
			// The settlement committed; a retry with this key now finds nothing to settle.
			h.logger.Error("store idempotent response",
				slog.Int64("customer_id", id),
				slog.String("invoice_number", result.InvoiceNumber),
				slog.Any("error", err))
			h.releaseKey(r.Context(), scopedKey)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// releaseKey drops an in-flight idempotency key so the client may retry.
func (h *Handler) releaseKey(ctx context.Context, scopedKey string) {
	if scopedKey == "" {
		return
	}
	if err := h.idempotency.Delete(context.WithoutCancel(ctx), scopedKey, settleModule); err != nil {
		h.logger.Warn("release idempotency key", slog.String("key", scopedKey), slog.Any("error", err))
	}
}

func (h *Handler) respondSettlementError(w http.ResponseWriter, customerID int64, err error) {
	var settleErr *dues.SettlementError
	if !errors.As(err, &settleErr) {
		h.respondError(w, "settle", err)
		return
	}
	status, title := classify(settleErr.Err)
	detail := settleErr.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("settle", slog.Int64("customer_id", customerID), slog.Any("error", err))
		detail = ""
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(settlementProblem{
		ProblemDetail: httpx.ProblemDetail{Type: "about:blank", Title: title, Status: status, Detail: detail},
		State:         settleErr.State,
	})
}

type documentResponse struct {
	InvoiceID int64  `json:"invoice_id"`
	PDFURL    string `json:"pdf_url"`
}

func (h *Handler) handleRegenerateDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "invoiceID")
	if err != nil {
		h.respondError(w, "regenerate document", err)
		return
	}
	url, err := h.settlements.RegenerateDocument(r.Context(), id)
	if err != nil {
		h.respondError(w, "regenerate document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, documentResponse{InvoiceID: id, PDFURL: url})
}

func (h *Handler) handlePurgeInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "invoiceID")
	if err != nil {
		h.respondError(w, "purge invoice", err)
		return
	}
	if err := h.ledger.PurgeInvoice(r.Context(), id); err != nil {
		h.respondError(w, "purge invoice", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type gstTotalsRequest struct {
	Mode  string           `json:"mode" validate:"omitempty,oneof=gst without_gst"`
	Items []money.LineItem `json:"items" validate:"required,min=1"`
}

func (h *Handler) handleGSTTotals(w http.ResponseWriter, r *http.Request) {
	var req gstTotalsRequest
	if !h.decode(w, r, &req) {
		return
	}
	mode, err := money.ParseGSTMode(req.Mode)
	if err != nil {
		h.respondError(w, "gst totals", err)
		return
	}
	if err := money.ValidateItems(req.Items); err != nil {
		h.respondError(w, "gst totals", err)
		return
	}
	totals, err := money.ComputeTotals(req.Items, mode)
	if err != nil {
		h.respondError(w, "gst totals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, totals.Rounded())
}

// decode reads and validates a JSON body, writing the problem response itself.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", strings.Join(msgs, "; "))
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// parseListQuery reads filters and paging shared by the list views. A date
// parameter that is present but empty asks for an unbounded range.
func (h *Handler) parseListQuery(r *http.Request) (dues.Filters, int, int, error) {
	q := r.URL.Query()
	var f dues.Filters
	if q.Has("start_date") || q.Has("end_date") {
		from, err := h.parseDate(q.Get("start_date"), "start_date")
		if err != nil {
			return f, 0, 0, err
		}
		to, err := h.parseDate(q.Get("end_date"), "end_date")
		if err != nil {
			return f, 0, 0, err
		}
		f.DateFrom, f.DateTo = from, to
		if from == nil && to == nil {
			f.RangeExplicit = true
		}
	}
	var err error
	if f.CustomerID, err = queryInt(q.Get("customer_id"), "customer_id"); err != nil {
		return f, 0, 0, err
	}
	if f.BranchID, err = queryInt(q.Get("branch_id"), "branch_id"); err != nil {
		return f, 0, 0, err
	}
	f.Search = strings.TrimSpace(q.Get("search"))
	page, err := queryInt(q.Get("page"), "page")
	if err != nil {
		return f, 0, 0, err
	}
	perPage, err := queryInt(q.Get("per_page"), "per_page")
	if err != nil {
		return f, 0, 0, err
	}
	return f, int(page), int(perPage), nil
}

func (h *Handler) parseDate(raw, name string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, h.loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", dues.ErrValidation, name)
	}
	return &t, nil
}

func queryInt(raw, name string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", dues.ErrValidation, name)
	}
	return v, nil
}

func pathID(r *http.Request, param string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: invalid id", dues.ErrValidation)
	}
	return v, nil
}

func idempotencyKey(r *http.Request) (string, error) {
	values := r.Header.Values(idempotencyHeader)
	if len(values) == 0 {
		return "", nil
	}
	key := strings.TrimSpace(values[0])
	if key == "" || len(key) > maxIdempotencyKey || len(values) > 1 {
		return "", httpx.Wrap(httpx.ErrValidation, shared.ErrIdempotencyKeyInvalid)
	}
	return key, nil
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	status, _ := classify(err)
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error(op, slog.Any("error", err))
	case status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		h.logger.Warn(op, slog.Any("error", err))
	}
	if kind := kindOf(err); kind != nil {
		err = httpx.Wrap(kind, err)
	}
	httpx.RespondError(w, err)
}

// kindOf maps engine errors onto the httpx sentinels.
func kindOf(err error) error {
	switch {
	case errors.Is(err, httpx.ErrValidation), errors.Is(err, httpx.ErrConflict),
		errors.Is(err, httpx.ErrNotFound), errors.Is(err, httpx.ErrUnprocessable),
		errors.Is(err, httpx.ErrDuplicate), errors.Is(err, httpx.ErrUnavailable):
		return nil
	case errors.Is(err, dues.ErrValidation),
		errors.Is(err, money.ErrNoItems),
		errors.Is(err, money.ErrInvalidItem),
		errors.Is(err, money.ErrUnknownGSTMode):
		return httpx.ErrValidation
	case errors.Is(err, dues.ErrInvoiceNotFound),
		errors.Is(err, dues.ErrCustomerNotFound),
		errors.Is(err, dues.ErrRowNotFound):
		return httpx.ErrNotFound
	case errors.Is(err, dues.ErrDuplicateLedgerRow):
		return httpx.ErrDuplicate
	case errors.Is(err, dues.ErrConflict):
		return httpx.ErrConflict
	case errors.Is(err, dues.ErrOverpayment), errors.Is(err, dues.ErrNothingToSettle):
		return httpx.ErrUnprocessable
	case errors.Is(err, invoicedoc.ErrRenderingUnavailable):
		return httpx.ErrUnavailable
	}
	return nil
}

var kindStatus = []struct {
	kind   error
	status int
	title  string
}{
	{httpx.ErrNotFound, http.StatusNotFound, "Not Found"},
	{httpx.ErrDuplicate, http.StatusConflict, "Duplicate"},
	{httpx.ErrValidation, http.StatusBadRequest, "Validation Failed"},
	{httpx.ErrConflict, http.StatusConflict, "Conflict"},
	{httpx.ErrUnprocessable, http.StatusUnprocessableEntity, "Unprocessable Entity"},
	{httpx.ErrUnavailable, http.StatusServiceUnavailable, "Service Unavailable"},
}

func classify(err error) (int, string) {
	kind := kindOf(err)
	for _, ks := range kindStatus {
		if (kind != nil && kind == ks.kind) || errors.Is(err, ks.kind) {
			return ks.status, ks.title
		}
	}
	return http.StatusInternalServerError, "Internal Error"
}
