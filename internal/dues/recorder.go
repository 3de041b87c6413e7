package dues

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Recorder books money received against a single invoice.
type Recorder struct {
	repo   Repository
	ledger *Ledger
	events EventSink
	logger *slog.Logger
}

// NewRecorder builds a Recorder on top of the ledger.
func NewRecorder(repo Repository, ledger *Ledger, events EventSink, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, ledger: ledger, events: events, logger: logger}
}

// RecordPayment inserts the history snapshot, decrements the ledger row and
// allocates the payment to it in one transaction. A rejected ledger update
// leaves no history row behind.
func (r *Recorder) RecordPayment(ctx context.Context, in RecordPaymentInput) (*PaymentHistoryRow, error) {
	if err := validatePayment(&in); err != nil {
		return nil, err
	}

	var recorded *PaymentHistoryRow
	err := inTx(ctx, r.repo, func(ctx context.Context, tx TxRepository) error {
		row, err := r.ledger.applyPaymentTx(ctx, tx, in.InvoiceID, in.Amounts.Paid)
		if err != nil {
			return err
		}
		recorded, err = tx.InsertPayment(ctx, PaymentHistoryRow{
			InvoiceID:     in.InvoiceID,
			TicketID:      row.TicketID,
			CustomerID:    row.CustomerID,
			BranchID:      row.BranchID,
			ServiceCharge: in.Amounts.ServiceCharge,
			ItemAmount:    in.Amounts.ItemAmount,
			TotalAmount:   in.Amounts.Total,
			Discount:      in.Amounts.Discount,
			NetAmount:     in.Amounts.Net,
			PaidAmount:    in.Amounts.Paid,
			BalanceDue:    row.BalanceDue,
			PaymentMode:   in.Mode,
			Kind:          PaymentKindPartial,
		})
		if err != nil {
			return err
		}
		return tx.InsertAllocation(ctx, Allocation{
			PaymentID: recorded.ID,
			InvoiceID: in.InvoiceID,
			DueID:     row.ID,
			Amount:    in.Amounts.Paid,
		})
	})
	if err != nil {
		r.ledger.logFailure("record payment", err,
			slog.Int64("invoice_id", in.InvoiceID),
			slog.String("paid", in.Amounts.Paid.String()))
		return nil, err
	}

	r.logger.Info("payment recorded",
		slog.Int64("payment_id", recorded.ID),
		slog.Int64("invoice_id", recorded.InvoiceID),
		slog.Int64("customer_id", recorded.CustomerID),
		slog.String("paid", recorded.PaidAmount.StringFixed(2)),
		slog.String("balance_due", recorded.BalanceDue.StringFixed(2)))
	emit(ctx, r.events, Event{
		Type:       EventPaymentRecorded,
		CustomerID: recorded.CustomerID,
		InvoiceID:  recorded.InvoiceID,
		Amount:     recorded.PaidAmount,
	})
	return recorded, nil
}

func validatePayment(in *RecordPaymentInput) error {
	if in.InvoiceID <= 0 {
		return validationError("invoice id required")
	}
	if in.Mode == "" {
		in.Mode = DefaultPaymentMode
	}
	if !in.Mode.Valid() {
		return validationError("unsupported payment mode %q", in.Mode)
	}
	a := in.Amounts
	if !a.Paid.IsPositive() {
		return validationError("paid amount must be positive")
	}
	for name, v := range map[string]decimal.Decimal{
		"service charge": a.ServiceCharge,
		"item amount":    a.ItemAmount,
		"total":          a.Total,
		"discount":       a.Discount,
		"net":            a.Net,
	} {
		if v.IsNegative() {
			return validationError("%s must not be negative", name)
		}
	}
	if !a.Total.IsZero() && !a.Net.Equal(a.Total.Sub(a.Discount)) {
		return validationError("net %s does not equal total %s minus discount %s",
			a.Net.StringFixed(2), a.Total.StringFixed(2), a.Discount.StringFixed(2))
	}
	return nil
}
