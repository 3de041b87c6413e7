package dues

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// SettlementState is the progress of one settlement attempt.
type SettlementState string

const (
	StateIdle             SettlementState = "IDLE"
	StateConfirmed        SettlementState = "CONFIRMED"
	StateInvoiceGenerated SettlementState = "INVOICE_GENERATED"
	StateLedgerSettled    SettlementState = "LEDGER_SETTLED"
	StateDocumentReady    SettlementState = "DOCUMENT_READY"
	StateFailed           SettlementState = "FAILED"
)

// DocumentItem is one line printed on an invoice document.
type DocumentItem struct {
	InvoiceID     int64
	InvoiceNumber string
	TicketID      int64
	Description   string
	Amount        decimal.Decimal
}

// DocumentRequest is everything the renderer needs for one invoice.
type DocumentRequest struct {
	Invoice  Invoice
	Customer Customer
	Items    []DocumentItem
}

// DocumentRenderer turns an invoice into a retrievable document and returns its URL.
type DocumentRenderer interface {
	Render(ctx context.Context, req DocumentRequest) (string, error)
}

// DocumentQueue schedules a later rendering attempt for an invoice.
type DocumentQueue interface {
	EnqueueInvoiceDocument(ctx context.Context, invoiceID int64) error
}

// SettleRequest asks to pay off every pending due of a customer.
type SettleRequest struct {
	CustomerID  int64
	PaymentMode PaymentMode
}

// SettlementResult describes a committed settlement. DocumentPending is set
// when the money moved but the document could not be rendered yet.
type SettlementResult struct {
	CustomerID      int64           `json:"customer_id"`
	InvoiceID       int64           `json:"invoice_id"`
	InvoiceNumber   string          `json:"invoice_number"`
	PaymentID       int64           `json:"payment_id"`
	PaymentMode     PaymentMode     `json:"payment_mode"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	SettledRows     []DueRow        `json:"settled_rows"`
	State           SettlementState `json:"state"`
	PDFURL          string          `json:"pdf_url,omitempty"`
	DocumentPending bool            `json:"document_pending"`
}

// Orchestrator runs the pay-all-dues flow for a customer.
type Orchestrator struct {
	repo     Repository
	ledger   *Ledger
	renderer DocumentRenderer
	queue    DocumentQueue
	events   EventSink
	logger   *slog.Logger
}

// NewOrchestrator wires the settlement flow. queue may be nil, in which case
// failed documents are only regenerated on request.
func NewOrchestrator(repo Repository, ledger *Ledger, renderer DocumentRenderer, queue DocumentQueue, events EventSink, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		repo:     repo,
		ledger:   ledger,
		renderer: renderer,
		queue:    queue,
		events:   events,
		logger:   logger,
	}
}

// Settle creates the consolidated PAID invoice, zeroes every pending row,
// books one settlement payment and renders the invoice document. Invoice,
// ledger and payment commit together or not at all. A rendering failure
// after commit is reported as success with DocumentPending set.
func (o *Orchestrator) Settle(ctx context.Context, req SettleRequest) (*SettlementResult, error) {
	state := StateIdle
	if req.CustomerID <= 0 {
		return nil, o.fail(ctx, req, state, validationError("customer id required"))
	}
	mode := req.PaymentMode
	if mode == "" {
		mode = DefaultPaymentMode
	}
	if !mode.Valid() {
		return nil, o.fail(ctx, req, state, validationError("unsupported payment mode %q", mode))
	}
	customer, err := o.repo.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, o.fail(ctx, req, state, err)
	}
	state = StateConfirmed

	var (
		invoice *Invoice
		payment *PaymentHistoryRow
	)
	outcome, err := o.ledger.SettleAll(ctx, customer.ID, func(ctx context.Context, tx TxRepository, outcome *SettleOutcome) error {
		state = StateConfirmed
		branchID := customer.BranchID
		if branchID == 0 {
			branchID = outcome.Rows[0].BranchID
		}
		var err error
		invoice, err = tx.InsertInvoice(ctx, Invoice{
			CustomerID:  customer.ID,
			BranchID:    branchID,
			NetAmount:   outcome.Total,
			GSTAmount:   decimal.Zero,
			CGSTAmount:  decimal.Zero,
			SGSTAmount:  decimal.Zero,
			Status:      InvoiceStatusPaid,
			PaymentMode: mode,
		})
		if err != nil {
			return fmt.Errorf("create settlement invoice: %w", err)
		}
		state = StateInvoiceGenerated

		payment, err = tx.InsertPayment(ctx, PaymentHistoryRow{
			InvoiceID:     invoice.ID,
			CustomerID:    customer.ID,
			BranchID:      branchID,
			ServiceCharge: decimal.Zero,
			ItemAmount:    decimal.Zero,
			TotalAmount:   outcome.Total,
			Discount:      decimal.Zero,
			NetAmount:     outcome.Total,
			PaidAmount:    outcome.Total,
			BalanceDue:    decimal.Zero,
			PaymentMode:   mode,
			Kind:          PaymentKindSettlement,
		})
		if err != nil {
			return fmt.Errorf("record settlement payment: %w", err)
		}
		for _, row := range outcome.Rows {
			if err := tx.InsertAllocation(ctx, Allocation{
				PaymentID: payment.ID,
				InvoiceID: row.InvoiceID,
				DueID:     row.ID,
				Amount:    row.BalanceDue,
			}); err != nil {
				return fmt.Errorf("allocate settlement payment: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, o.fail(ctx, req, state, err)
	}
	state = StateLedgerSettled

	o.logger.Info("dues settled",
		slog.Int64("customer_id", customer.ID),
		slog.Int64("invoice_id", invoice.ID),
		slog.String("invoice_number", invoice.Number),
		slog.Int("rows", len(outcome.Rows)),
		slog.String("total", outcome.Total.StringFixed(2)),
		slog.String("payment_mode", string(mode)))
	emit(ctx, o.events, Event{
		Type:       EventSettlementCompleted,
		CustomerID: customer.ID,
		InvoiceID:  invoice.ID,
		Amount:     outcome.Total,
	})

	settled := make([]DueRow, len(outcome.Rows))
	for i, row := range outcome.Rows {
		row.BalanceDue = decimal.Zero
		row.Status = DueStatusPaid
		settled[i] = row
	}
	result := &SettlementResult{
		CustomerID:    customer.ID,
		InvoiceID:     invoice.ID,
		InvoiceNumber: invoice.Number,
		PaymentID:     payment.ID,
		PaymentMode:   mode,
		TotalAmount:   outcome.Total,
		SettledRows:   settled,
		State:         state,
	}

	url, err := o.render(ctx, *invoice, *customer, settlementItems(outcome.Rows))
	if err != nil {
		o.documentPending(ctx, invoice, err)
		result.DocumentPending = true
		return result, nil
	}
	result.PDFURL = url
	result.State = StateDocumentReady
	return result, nil
}

// RegenerateDocument renders the document of an existing invoice again. It
// reads committed state only and never moves money.
func (o *Orchestrator) RegenerateDocument(ctx context.Context, invoiceID int64) (string, error) {
	req, err := o.DocumentRequest(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	url, err := o.render(ctx, req.Invoice, req.Customer, req.Items)
	if err != nil {
		o.logger.Warn("invoice document regeneration failed",
			slog.Int64("invoice_id", invoiceID), slog.Any("error", err))
		return "", err
	}
	o.logger.Info("invoice document regenerated", slog.Int64("invoice_id", invoiceID), slog.String("url", url))
	return url, nil
}

// DocumentRequest assembles what the renderer prints for an invoice. A
// consolidated invoice lists the dues it settled with the allocated amounts.
func (o *Orchestrator) DocumentRequest(ctx context.Context, invoiceID int64) (*DocumentRequest, error) {
	if invoiceID <= 0 {
		return nil, validationError("invoice id required")
	}
	invoice, err := o.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	customer, err := o.repo.GetCustomer(ctx, invoice.CustomerID)
	if err != nil {
		return nil, err
	}
	settled, err := o.repo.ListSettledDues(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	var items []DocumentItem
	if invoice.TicketID == 0 && len(settled) > 0 {
		for _, s := range settled {
			items = append(items, documentItem(s.Due, s.Allocated))
		}
	} else {
		items = []DocumentItem{{
			InvoiceID:     invoice.ID,
			InvoiceNumber: invoice.Number,
			TicketID:      invoice.TicketID,
			Description:   fmt.Sprintf("Repair ticket #%d", invoice.TicketID),
			Amount:        invoice.NetAmount,
		}}
	}
	return &DocumentRequest{Invoice: *invoice, Customer: *customer, Items: items}, nil
}

func (o *Orchestrator) render(ctx context.Context, invoice Invoice, customer Customer, items []DocumentItem) (string, error) {
	if o.renderer == nil {
		return "", fmt.Errorf("dues: no document renderer configured")
	}
	return o.renderer.Render(ctx, DocumentRequest{Invoice: invoice, Customer: customer, Items: items})
}

func (o *Orchestrator) documentPending(ctx context.Context, invoice *Invoice, cause error) {
	o.logger.Warn("settlement committed, invoice document pending",
		slog.Int64("invoice_id", invoice.ID),
		slog.Int64("customer_id", invoice.CustomerID),
		slog.Any("error", cause))
	if o.queue != nil {
		if err := o.queue.EnqueueInvoiceDocument(ctx, invoice.ID); err != nil {
			o.logger.Error("enqueue invoice document", slog.Int64("invoice_id", invoice.ID), slog.Any("error", err))
		}
	}
	emit(ctx, o.events, Event{
		Type:       EventDocumentPending,
		CustomerID: invoice.CustomerID,
		InvoiceID:  invoice.ID,
		Amount:     invoice.NetAmount,
	})
}

func (o *Orchestrator) fail(ctx context.Context, req SettleRequest, state SettlementState, err error) error {
	o.ledger.logFailure("settlement failed", err,
		slog.Int64("customer_id", req.CustomerID),
		slog.String("state", string(state)))
	emit(ctx, o.events, Event{Type: EventSettlementFailed, CustomerID: req.CustomerID})
	return &SettlementError{State: state, Err: err}
}

func settlementItems(rows []DueRow) []DocumentItem {
	items := make([]DocumentItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, documentItem(row, row.BalanceDue))
	}
	return items
}

func documentItem(row DueRow, amount decimal.Decimal) DocumentItem {
	return DocumentItem{
		InvoiceID:     row.InvoiceID,
		InvoiceNumber: row.InvoiceNumber,
		TicketID:      row.TicketID,
		Description:   fmt.Sprintf("Repair ticket #%d", row.TicketID),
		Amount:        amount,
	}
}
