package dues

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/repairhub/repairhub/internal/shared"
)

// txRepository implements TxRepository.
type txRepository struct {
	tx pgx.Tx
}

// LockCustomer takes a transaction-scoped advisory lock so ledger mutations
// for one customer run one at a time.
func (t *txRepository) LockCustomer(ctx context.Context, customerID int64) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, shared.CustomerLedgerLockKey(customerID))
	return err
}

func (t *txRepository) GetDueByInvoice(ctx context.Context, invoiceID int64) (*DueRow, error) {
	return getDueByInvoice(ctx, t.tx, invoiceID, false)
}

func (t *txRepository) LockDueByInvoice(ctx context.Context, invoiceID int64) (*DueRow, error) {
	return getDueByInvoice(ctx, t.tx, invoiceID, true)
}

// LockPendingDues reads a customer's pending rows with FOR UPDATE.
func (t *txRepository) LockPendingDues(ctx context.Context, customerID int64) ([]DueRow, error) {
	rows, err := t.tx.Query(ctx, dueSelect+`
		WHERE d.customer_id = $1 AND d.status = 'PENDING'
		ORDER BY d.created_at, d.id
		FOR UPDATE OF d`, customerID)
	if err != nil {
		return nil, err
	}
	return collectDues(rows)
}

// InsertDue inserts a pending ledger row.
func (t *txRepository) InsertDue(ctx context.Context, row DueRow) (*DueRow, error) {
	query := `
		INSERT INTO payment_dues (
			invoice_id, ticket_id, customer_id, branch_id, amount, balance_due, status, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4::bigint, 0), $5, $6, $7, NOW(), NOW())
		RETURNING id, created_at, updated_at`
	err := t.tx.QueryRow(ctx, query,
		row.InvoiceID, row.TicketID, row.CustomerID, row.BranchID,
		row.Amount, row.BalanceDue, row.Status,
	).Scan(&row.ID, &row.CreatedAt, &row.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: invoice %d", ErrDuplicateLedgerRow, row.InvoiceID)
		}
		return nil, err
	}
	return &row, nil
}

// UpdateDue sets the balance and status of a ledger row.
func (t *txRepository) UpdateDue(ctx context.Context, id int64, balance decimal.Decimal, status DueStatus) error {
	cmdTag, err := t.tx.Exec(ctx, `
		UPDATE payment_dues
		SET balance_due = $1, status = $2, updated_at = NOW()
		WHERE id = $3`, balance, status, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrRowNotFound
	}
	return nil
}

func (t *txRepository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return getInvoice(ctx, t.tx, id)
}

// UpdateInvoiceStatus flips the payment status; amounts stay untouched.
func (t *txRepository) UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error {
	cmdTag, err := t.tx.Exec(ctx, `UPDATE invoices SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// InsertInvoice creates an invoice, generating a number when none is given.
func (t *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	if inv.Number == "" {
		if err := t.tx.QueryRow(ctx, `SELECT generate_invoice_number()`).Scan(&inv.Number); err != nil {
			return nil, fmt.Errorf("generate invoice number: %w", err)
		}
	}
	query := `
		INSERT INTO invoices (
			number, customer_id, ticket_id, branch_id, net_amount, gst_amount,
			cgst_amount, sgst_amount, status, payment_mode, created_at
		) VALUES ($1, $2, NULLIF($3::bigint, 0), NULLIF($4::bigint, 0), $5, $6, $7, $8, $9, NULLIF($10, ''), NOW())
		RETURNING id, created_at`
	err := t.tx.QueryRow(ctx, query,
		inv.Number, inv.CustomerID, inv.TicketID, inv.BranchID, inv.NetAmount, inv.GSTAmount,
		inv.CGSTAmount, inv.SGSTAmount, inv.Status, string(inv.PaymentMode),
	).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// InsertPayment appends a payment history row.
func (t *txRepository) InsertPayment(ctx context.Context, p PaymentHistoryRow) (*PaymentHistoryRow, error) {
	query := `
		INSERT INTO payment_history (
			invoice_id, ticket_id, customer_id, branch_id, service_charge, item_amount,
			total_amount, discount, net_amount, paid_amount, balance_due, payment_mode, kind, created_at
		) VALUES ($1, NULLIF($2::bigint, 0), $3, NULLIF($4::bigint, 0), $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		RETURNING id, created_at`
	err := t.tx.QueryRow(ctx, query,
		p.InvoiceID, p.TicketID, p.CustomerID, p.BranchID, p.ServiceCharge, p.ItemAmount,
		p.TotalAmount, p.Discount, p.NetAmount, p.PaidAmount, p.BalanceDue, p.PaymentMode, p.Kind,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertAllocation links a payment to the ledger row it reduced.
func (t *txRepository) InsertAllocation(ctx context.Context, a Allocation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payment_allocations (payment_id, invoice_id, due_id, amount, created_at)
		VALUES ($1, $2, $3, $4, NOW())`, a.PaymentID, a.InvoiceID, a.DueID, a.Amount)
	return err
}

// SettlementCovering finds a settlement payment allocated to invoiceID.
func (t *txRepository) SettlementCovering(ctx context.Context, invoiceID int64) (int64, error) {
	var settlementInvoiceID int64
	err := t.tx.QueryRow(ctx, `
		SELECT p.invoice_id
		FROM payment_allocations a
		JOIN payment_history p ON p.id = a.payment_id
		WHERE a.invoice_id = $1 AND p.kind = $2
		ORDER BY p.id
		LIMIT 1`, invoiceID, string(PaymentKindSettlement)).Scan(&settlementInvoiceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return settlementInvoiceID, nil
}

// DeleteInvoiceCascade removes an invoice together with its ledger row,
// its payments and every allocation touching either.
func (t *txRepository) DeleteInvoiceCascade(ctx context.Context, invoiceID int64) error {
	statements := []string{
		`DELETE FROM payment_allocations
		 WHERE invoice_id = $1
		    OR payment_id IN (SELECT id FROM payment_history WHERE invoice_id = $1)`,
		`DELETE FROM payment_history WHERE invoice_id = $1`,
		`DELETE FROM payment_dues WHERE invoice_id = $1`,
	}
	for _, stmt := range statements {
		if _, err := t.tx.Exec(ctx, stmt, invoiceID); err != nil {
			return err
		}
	}
	cmdTag, err := t.tx.Exec(ctx, `DELETE FROM invoices WHERE id = $1`, invoiceID)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

var _ TxRepository = (*txRepository)(nil)
