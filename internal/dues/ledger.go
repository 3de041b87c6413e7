package dues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// BookSettlementFunc books the payment side of a settlement inside the
// transaction that zeroes the ledger rows.
type BookSettlementFunc func(ctx context.Context, tx TxRepository, outcome *SettleOutcome) error

// Ledger maintains the per-invoice balance_due rows.
type Ledger struct {
	repo   Repository
	events EventSink
	logger *slog.Logger
}

// NewLedger builds a Ledger.
func NewLedger(repo Repository, events EventSink, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{repo: repo, events: events, logger: logger}
}

// OpenDue creates the pending ledger row for a payable invoice.
func (l *Ledger) OpenDue(ctx context.Context, in OpenDueInput) (*DueRow, error) {
	switch {
	case in.InvoiceID <= 0:
		return nil, validationError("invoice id required")
	case in.TicketID <= 0:
		return nil, validationError("ticket id required")
	case in.CustomerID <= 0:
		return nil, validationError("customer id required")
	case !in.Amount.IsPositive():
		return nil, validationError("amount must be positive")
	}

	var opened *DueRow
	err := inTx(ctx, l.repo, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, in.InvoiceID)
		if err != nil {
			return err
		}
		if inv.CustomerID != in.CustomerID {
			return validationError("invoice %d belongs to customer %d", inv.ID, inv.CustomerID)
		}
		if inv.Status == InvoiceStatusPaid {
			return validationError("invoice %d is already paid", inv.ID)
		}
		if !inv.NetAmount.Equal(in.Amount) {
			return validationError("amount %s does not match invoice net amount %s", in.Amount, inv.NetAmount)
		}
		if err := tx.LockCustomer(ctx, in.CustomerID); err != nil {
			return err
		}
		if _, err := tx.GetDueByInvoice(ctx, in.InvoiceID); err == nil {
			return fmt.Errorf("%w: invoice %d", ErrDuplicateLedgerRow, in.InvoiceID)
		} else if !errors.Is(err, ErrRowNotFound) {
			return err
		}
		opened, err = tx.InsertDue(ctx, DueRow{
			InvoiceID:     in.InvoiceID,
			InvoiceNumber: inv.Number,
			TicketID:      in.TicketID,
			CustomerID:    in.CustomerID,
			BranchID:      in.BranchID,
			Amount:        in.Amount,
			BalanceDue:    in.Amount,
			Status:        DueStatusPending,
		})
		return err
	})
	if err != nil {
		l.logFailure("open due", err, slog.Int64("invoice_id", in.InvoiceID), slog.Int64("customer_id", in.CustomerID))
		return nil, err
	}
	emit(ctx, l.events, Event{Type: EventDueOpened, CustomerID: opened.CustomerID, InvoiceID: opened.InvoiceID, Amount: opened.Amount})
	return opened, nil
}

// ApplyPayment decrements the balance of the invoice's ledger row. Amounts
// above the balance are rejected, never clamped.
func (l *Ledger) ApplyPayment(ctx context.Context, invoiceID int64, amount decimal.Decimal) (*DueRow, error) {
	if invoiceID <= 0 {
		return nil, validationError("invoice id required")
	}
	if !amount.IsPositive() {
		return nil, validationError("payment amount must be positive")
	}
	var updated *DueRow
	err := inTx(ctx, l.repo, func(ctx context.Context, tx TxRepository) error {
		var err error
		updated, err = l.applyPaymentTx(ctx, tx, invoiceID, amount)
		return err
	})
	if err != nil {
		l.logFailure("apply payment", err, slog.Int64("invoice_id", invoiceID), slog.String("amount", amount.String()))
		return nil, err
	}
	return updated, nil
}

// applyPaymentTx locks the customer, then the row, and applies the decrement.
// The customer id is read without a row lock first so the lock order matches
// settleTx and the two cannot deadlock.
func (l *Ledger) applyPaymentTx(ctx context.Context, tx TxRepository, invoiceID int64, amount decimal.Decimal) (*DueRow, error) {
	peek, err := tx.GetDueByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if err := tx.LockCustomer(ctx, peek.CustomerID); err != nil {
		return nil, err
	}
	row, err := tx.LockDueByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(row.BalanceDue) {
		return nil, fmt.Errorf("%w: paying %s against balance %s on invoice %d",
			ErrOverpayment, amount.StringFixed(2), row.BalanceDue.StringFixed(2), invoiceID)
	}
	balance := row.BalanceDue.Sub(amount)
	status := DueStatusPending
	if balance.IsZero() {
		status = DueStatusPaid
	}
	if err := tx.UpdateDue(ctx, row.ID, balance, status); err != nil {
		return nil, err
	}
	if status == DueStatusPaid {
		if err := tx.UpdateInvoiceStatus(ctx, row.InvoiceID, InvoiceStatusPaid); err != nil {
			return nil, err
		}
	}
	row.BalanceDue = balance
	row.Status = status
	return row, nil
}

// SettleAll zeroes every pending row of the customer in one transaction.
// book runs inside that transaction and must record the matching payment so
// the customer's balance identity still holds after commit.
func (l *Ledger) SettleAll(ctx context.Context, customerID int64, book BookSettlementFunc) (*SettleOutcome, error) {
	if customerID <= 0 {
		return nil, validationError("customer id required")
	}
	if book == nil {
		return nil, validationError("settlement booking required")
	}
	var outcome *SettleOutcome
	err := inTx(ctx, l.repo, func(ctx context.Context, tx TxRepository) error {
		var err error
		outcome, err = l.settleTx(ctx, tx, customerID, book)
		return err
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (l *Ledger) settleTx(ctx context.Context, tx TxRepository, customerID int64, book BookSettlementFunc) (*SettleOutcome, error) {
	if err := tx.LockCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	rows, err := tx.LockPendingDues(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: customer %d", ErrNothingToSettle, customerID)
	}
	outcome := &SettleOutcome{CustomerID: customerID, Rows: rows, Total: decimal.Zero}
	for _, row := range rows {
		outcome.Total = outcome.Total.Add(row.BalanceDue)
	}
	if err := book(ctx, tx, outcome); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := tx.UpdateDue(ctx, row.ID, decimal.Zero, DueStatusPaid); err != nil {
			return nil, err
		}
		if err := tx.UpdateInvoiceStatus(ctx, row.InvoiceID, InvoiceStatusPaid); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

// CustomerDetail lists a customer's pending rows, oldest first.
func (l *Ledger) CustomerDetail(ctx context.Context, customerID int64) (*CustomerDues, error) {
	if customerID <= 0 {
		return nil, validationError("customer id required")
	}
	rows, err := l.repo.ListPendingDues(ctx, customerID)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, row := range rows {
		total = total.Add(row.BalanceDue)
	}
	if rows == nil {
		rows = []DueRow{}
	}
	return &CustomerDues{CustomerID: customerID, Rows: rows, TotalAmount: total}, nil
}

// VerifyCustomer evaluates pending == invoiced - allocated for one customer.
func (l *Ledger) VerifyCustomer(ctx context.Context, customerID int64) (*Reconciliation, error) {
	if customerID <= 0 {
		return nil, validationError("customer id required")
	}
	sums, err := l.repo.SumCustomerLedger(ctx, customerID)
	if err != nil {
		return nil, err
	}
	rec := newReconciliation(customerID, sums.Pending, sums.Invoiced, sums.Allocated)
	if !rec.Balanced {
		l.logger.Error("ledger drift detected",
			slog.Int64("customer_id", customerID),
			slog.String("drift", rec.Drift.String()))
	}
	return rec, nil
}

// VerifyAll checks every customer with ledger rows and returns the ones
// that drifted.
func (l *Ledger) VerifyAll(ctx context.Context) (checked int, drifted []Reconciliation, err error) {
	customers, err := l.repo.ListLedgerCustomers(ctx)
	if err != nil {
		return 0, nil, err
	}
	for _, id := range customers {
		if err := ctx.Err(); err != nil {
			return checked, drifted, err
		}
		rec, err := l.VerifyCustomer(ctx, id)
		if err != nil {
			return checked, drifted, err
		}
		checked++
		if !rec.Balanced {
			drifted = append(drifted, *rec)
		}
	}
	return checked, drifted, nil
}

// PurgeInvoice is the admin-only cascade removing an invoice, its ledger row
// and its payments. Consolidated settlement invoices carry no ledger row and
// are refused, as are invoices already paid down by a settlement.
func (l *Ledger) PurgeInvoice(ctx context.Context, invoiceID int64) error {
	if invoiceID <= 0 {
		return validationError("invoice id required")
	}
	var purged *Invoice
	err := inTx(ctx, l.repo, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.GetInvoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if _, err := tx.GetDueByInvoice(ctx, invoiceID); err != nil {
			if errors.Is(err, ErrRowNotFound) {
				return validationError("invoice %d has no ledger row and cannot be purged", invoiceID)
			}
			return err
		}
		if err := tx.LockCustomer(ctx, inv.CustomerID); err != nil {
			return err
		}
		settledBy, err := tx.SettlementCovering(ctx, invoiceID)
		if err != nil {
			return err
		}
		if settledBy != 0 {
			return validationError("invoice %d is part of settlement invoice %d and cannot be purged", invoiceID, settledBy)
		}
		if err := tx.DeleteInvoiceCascade(ctx, invoiceID); err != nil {
			return err
		}
		purged = inv
		return nil
	})
	if err != nil {
		l.logFailure("purge invoice", err, slog.Int64("invoice_id", invoiceID))
		return err
	}
	l.logger.Warn("invoice purged", slog.Int64("invoice_id", purged.ID), slog.Int64("customer_id", purged.CustomerID))
	emit(ctx, l.events, Event{Type: EventInvoicePurged, CustomerID: purged.CustomerID, InvoiceID: purged.ID, Amount: purged.NetAmount})
	return nil
}

// inTx runs fn in one transaction and retries it once when the first
// attempt lost a serialization or lock race.
func inTx(ctx context.Context, repo Repository, fn func(context.Context, TxRepository) error) error {
	err := repo.WithTx(ctx, fn)
	if errors.Is(err, ErrConflict) {
		err = repo.WithTx(ctx, fn)
	}
	return err
}

// logFailure logs caller mistakes at warn and everything else at error.
func (l *Ledger) logFailure(op string, err error, attrs ...slog.Attr) {
	level := slog.LevelError
	if isConsistencyError(err) {
		level = slog.LevelWarn
	}
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.Any("error", err))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	l.logger.Log(context.Background(), level, op, args...)
}

func isConsistencyError(err error) bool {
	for _, target := range []error{
		ErrValidation, ErrDuplicateLedgerRow, ErrRowNotFound, ErrOverpayment,
		ErrNothingToSettle, ErrInvoiceNotFound, ErrCustomerNotFound, ErrConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
