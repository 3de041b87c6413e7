package dues

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/repairhub/repairhub/internal/platform/db"
)

// Repository defines read access and the transactional entry point.
type Repository interface {
	// Write operations (transactional)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	// Read operations
	GetCustomer(ctx context.Context, id int64) (*Customer, error)
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	GetDueByInvoice(ctx context.Context, invoiceID int64) (*DueRow, error)
	ListPendingDues(ctx context.Context, customerID int64) ([]DueRow, error)
	ListCustomerPayments(ctx context.Context, customerID int64) ([]PaymentHistoryRow, error)
	ListSettledDues(ctx context.Context, paymentInvoiceID int64) ([]SettledDue, error)
	SumCustomerLedger(ctx context.Context, customerID int64) (LedgerSums, error)
	ListLedgerCustomers(ctx context.Context) ([]int64, error)
	SummarizeOutstanding(ctx context.Context, q SummaryQuery) ([]OutstandingSummary, SummaryTotals, error)
	SummarizePaid(ctx context.Context, q SummaryQuery) ([]PaidSummary, SummaryTotals, error)
}

// TxRepository exposes write operations bound to one transaction.
type TxRepository interface {
	LockCustomer(ctx context.Context, customerID int64) error
	GetDueByInvoice(ctx context.Context, invoiceID int64) (*DueRow, error)
	LockDueByInvoice(ctx context.Context, invoiceID int64) (*DueRow, error)
	LockPendingDues(ctx context.Context, customerID int64) ([]DueRow, error)
	InsertDue(ctx context.Context, row DueRow) (*DueRow, error)
	UpdateDue(ctx context.Context, id int64, balance decimal.Decimal, status DueStatus) error
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id int64, status InvoiceStatus) error
	InsertInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	InsertPayment(ctx context.Context, payment PaymentHistoryRow) (*PaymentHistoryRow, error)
	InsertAllocation(ctx context.Context, alloc Allocation) error
	// SettlementCovering returns the consolidated invoice whose settlement
	// paid down invoiceID, or 0 when none did.
	SettlementCovering(ctx context.Context, invoiceID int64) (int64, error)
	DeleteInvoiceCascade(ctx context.Context, invoiceID int64) error
}

// SummaryQuery filters the grouped list views. Until is exclusive.
type SummaryQuery struct {
	From       *time.Time
	Until      *time.Time
	CustomerID int64
	BranchID   int64
	Search     string
	Limit      int
	Offset     int
}

// SummaryTotals are computed over every row matching the filters, not just the page.
type SummaryTotals struct {
	Groups int
	Amount decimal.Decimal
}

// OutstandingSummary groups one customer's pending ledger rows.
type OutstandingSummary struct {
	Customer        Customer        `json:"customer"`
	TotalBalanceDue decimal.Decimal `json:"total_balance_due"`
	DuesCount       int             `json:"dues_count"`
	LastDueAt       time.Time       `json:"last_due_at"`
}

// PaidSummary groups one customer's payments against one invoice.
type PaidSummary struct {
	Customer      Customer        `json:"customer"`
	InvoiceID     int64           `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
	PaymentsCount int             `json:"payments_count"`
	LastPaidAt    time.Time       `json:"last_paid_at"`
}

// SettledDue is a ledger row together with the amount one payment allocated to it.
type SettledDue struct {
	Due       DueRow
	Allocated decimal.Decimal
}

// LedgerSums are the three sides of the per-customer balance identity.
type LedgerSums struct {
	Pending   decimal.Decimal
	Invoiced  decimal.Decimal
	Allocated decimal.Decimal
}

// pgRepository implements Repository using pgxpool.
type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

// WithTx wraps callback in repeatable-read transaction.
func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil {
		return classifyPgError(err)
	}
	return nil
}

const customerColumns = `c.id, c.name, COALESCE(c.mobile, ''), COALESCE(c.email, ''), COALESCE(c.branch_id, 0)`

func (r *pgRepository) GetCustomer(ctx context.Context, id int64) (*Customer, error) {
	var c Customer
	err := r.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers c WHERE c.id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Mobile, &c.Email, &c.BranchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *pgRepository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return getInvoice(ctx, r.pool, id)
}

func (r *pgRepository) GetDueByInvoice(ctx context.Context, invoiceID int64) (*DueRow, error) {
	return getDueByInvoice(ctx, r.pool, invoiceID, false)
}

func (r *pgRepository) ListPendingDues(ctx context.Context, customerID int64) ([]DueRow, error) {
	rows, err := r.pool.Query(ctx, dueSelect+` WHERE d.customer_id = $1 AND d.status = 'PENDING' ORDER BY d.created_at, d.id`, customerID)
	if err != nil {
		return nil, err
	}
	return collectDues(rows)
}

// ListSettledDues returns the ledger rows paid off by the payments recorded
// against the given invoice, with the amount each payment allocated.
func (r *pgRepository) ListSettledDues(ctx context.Context, paymentInvoiceID int64) ([]SettledDue, error) {
	query := `
		SELECT d.id, d.invoice_id, COALESCE(i.number, ''), COALESCE(d.ticket_id, 0), d.customer_id,
		       COALESCE(d.branch_id, 0), d.amount, d.balance_due, d.status, d.created_at, d.updated_at,
		       a.amount
		FROM payment_allocations a
		JOIN payment_history h ON h.id = a.payment_id
		JOIN payment_dues d ON d.id = a.due_id
		LEFT JOIN invoices i ON i.id = d.invoice_id
		WHERE h.invoice_id = $1
		ORDER BY d.created_at, d.id`
	rows, err := r.pool.Query(ctx, query, paymentInvoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettledDue
	for rows.Next() {
		var s SettledDue
		d := &s.Due
		if err := rows.Scan(
			&d.ID, &d.InvoiceID, &d.InvoiceNumber, &d.TicketID, &d.CustomerID,
			&d.BranchID, &d.Amount, &d.BalanceDue, &d.Status, &d.CreatedAt, &d.UpdatedAt,
			&s.Allocated,
		); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgRepository) ListCustomerPayments(ctx context.Context, customerID int64) ([]PaymentHistoryRow, error) {
	query := `
		SELECT id, invoice_id, COALESCE(ticket_id, 0), customer_id, COALESCE(branch_id, 0),
		       service_charge, item_amount, total_amount, discount, net_amount,
		       paid_amount, balance_due, payment_mode, kind, created_at
		FROM payment_history
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC`
	rows, err := r.pool.Query(ctx, query, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []PaymentHistoryRow
	for rows.Next() {
		var p PaymentHistoryRow
		if err := rows.Scan(
			&p.ID, &p.InvoiceID, &p.TicketID, &p.CustomerID, &p.BranchID,
			&p.ServiceCharge, &p.ItemAmount, &p.TotalAmount, &p.Discount, &p.NetAmount,
			&p.PaidAmount, &p.BalanceDue, &p.PaymentMode, &p.Kind, &p.CreatedAt,
		); err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (r *pgRepository) SumCustomerLedger(ctx context.Context, customerID int64) (LedgerSums, error) {
	query := `
		SELECT
			COALESCE((SELECT SUM(balance_due) FROM payment_dues WHERE customer_id = $1 AND status = 'PENDING'), 0),
			COALESCE((SELECT SUM(i.net_amount) FROM invoices i JOIN payment_dues d ON d.invoice_id = i.id WHERE d.customer_id = $1), 0),
			COALESCE((SELECT SUM(a.amount) FROM payment_allocations a JOIN payment_dues d ON d.id = a.due_id WHERE d.customer_id = $1), 0)`
	var sums LedgerSums
	err := r.pool.QueryRow(ctx, query, customerID).Scan(&sums.Pending, &sums.Invoiced, &sums.Allocated)
	return sums, err
}

// ListLedgerCustomers returns every customer that has at least one ledger row.
func (r *pgRepository) ListLedgerCustomers(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT customer_id FROM payment_dues ORDER BY customer_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// SummarizeOutstanding groups pending ledger rows per customer. The page and
// the totals are read concurrently on separate connections.
func (r *pgRepository) SummarizeOutstanding(ctx context.Context, q SummaryQuery) ([]OutstandingSummary, SummaryTotals, error) {
	where, args := summaryFilters("d", q, []string{"d.status = 'PENDING'"})

	pageQuery := fmt.Sprintf(`
		WITH grouped AS (
			SELECT d.customer_id, SUM(d.balance_due) AS total_balance_due,
			       COUNT(*) AS dues_count, MAX(d.created_at) AS last_due_at
			FROM payment_dues d
			JOIN customers c ON c.id = d.customer_id
			WHERE %s
			GROUP BY d.customer_id
		)
		SELECT %s, g.total_balance_due, g.dues_count, g.last_due_at
		FROM grouped g
		JOIN customers c ON c.id = g.customer_id
		ORDER BY g.last_due_at DESC, g.customer_id ASC
		LIMIT $%d OFFSET $%d`, where, customerColumns, len(args)+1, len(args)+2)
	totalsQuery := fmt.Sprintf(`
		SELECT COUNT(DISTINCT d.customer_id), COALESCE(SUM(d.balance_due), 0)
		FROM payment_dues d
		JOIN customers c ON c.id = d.customer_id
		WHERE %s`, where)

	pageArgs := append(append([]any{}, args...), q.Limit, q.Offset)

	var (
		out    []OutstandingSummary
		totals SummaryTotals
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := r.pool.Query(gctx, pageQuery, pageArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s OutstandingSummary
			if err := rows.Scan(
				&s.Customer.ID, &s.Customer.Name, &s.Customer.Mobile, &s.Customer.Email, &s.Customer.BranchID,
				&s.TotalBalanceDue, &s.DuesCount, &s.LastDueAt,
			); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	g.Go(func() error {
		return r.pool.QueryRow(gctx, totalsQuery, args...).Scan(&totals.Groups, &totals.Amount)
	})
	if err := g.Wait(); err != nil {
		return nil, SummaryTotals{}, err
	}
	return out, totals, nil
}

// SummarizePaid groups payment history per customer and invoice.
func (r *pgRepository) SummarizePaid(ctx context.Context, q SummaryQuery) ([]PaidSummary, SummaryTotals, error) {
	where, args := summaryFilters("h", q, nil)

	pageQuery := fmt.Sprintf(`
		WITH grouped AS (
			SELECT h.customer_id, h.invoice_id, SUM(h.paid_amount) AS total_paid,
			       COUNT(*) AS payments_count, MAX(h.created_at) AS last_paid_at
			FROM payment_history h
			JOIN customers c ON c.id = h.customer_id
			WHERE %s
			GROUP BY h.customer_id, h.invoice_id
		)
		SELECT %s, g.invoice_id, COALESCE(i.number, ''), g.total_paid, g.payments_count, g.last_paid_at
		FROM grouped g
		JOIN customers c ON c.id = g.customer_id
		LEFT JOIN invoices i ON i.id = g.invoice_id
		ORDER BY g.last_paid_at DESC, g.customer_id ASC, g.invoice_id ASC
		LIMIT $%d OFFSET $%d`, where, customerColumns, len(args)+1, len(args)+2)
	totalsQuery := fmt.Sprintf(`
		SELECT COUNT(*), COALESCE(SUM(total_paid), 0) FROM (
			SELECT SUM(h.paid_amount) AS total_paid
			FROM payment_history h
			JOIN customers c ON c.id = h.customer_id
			WHERE %s
			GROUP BY h.customer_id, h.invoice_id
		) grouped`, where)

	pageArgs := append(append([]any{}, args...), q.Limit, q.Offset)

	var (
		out    []PaidSummary
		totals SummaryTotals
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := r.pool.Query(gctx, pageQuery, pageArgs...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var s PaidSummary
			if err := rows.Scan(
				&s.Customer.ID, &s.Customer.Name, &s.Customer.Mobile, &s.Customer.Email, &s.Customer.BranchID,
				&s.InvoiceID, &s.InvoiceNumber, &s.TotalPaid, &s.PaymentsCount, &s.LastPaidAt,
			); err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	g.Go(func() error {
		return r.pool.QueryRow(gctx, totalsQuery, args...).Scan(&totals.Groups, &totals.Amount)
	})
	if err := g.Wait(); err != nil {
		return nil, SummaryTotals{}, err
	}
	return out, totals, nil
}

// likeEscaper makes user search text match literally inside an ILIKE pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// summaryFilters builds the WHERE clause shared by the grouped list queries.
// alias names the fact table; the customers table is always aliased c.
func summaryFilters(alias string, q SummaryQuery, base []string) (string, []any) {
	clauses := append([]string{}, base...)
	args := []any{}
	argNum := 1

	if q.From != nil {
		clauses = append(clauses, fmt.Sprintf("%s.created_at >= $%d", alias, argNum))
		args = append(args, *q.From)
		argNum++
	}
	if q.Until != nil {
		clauses = append(clauses, fmt.Sprintf("%s.created_at < $%d", alias, argNum))
		args = append(args, *q.Until)
		argNum++
	}
	if q.CustomerID > 0 {
		clauses = append(clauses, fmt.Sprintf("%s.customer_id = $%d", alias, argNum))
		args = append(args, q.CustomerID)
		argNum++
	}
	if q.BranchID > 0 {
		clauses = append(clauses, fmt.Sprintf("%s.branch_id = $%d", alias, argNum))
		args = append(args, q.BranchID)
		argNum++
	}
	if q.Search != "" {
		clauses = append(clauses, fmt.Sprintf(`(c.name ILIKE $%d ESCAPE '\' OR c.mobile ILIKE $%d ESCAPE '\')`, argNum, argNum))
		args = append(args, "%"+likeEscaper.Replace(q.Search)+"%")
	}
	if len(clauses) == 0 {
		return "TRUE", args
	}
	return strings.Join(clauses, " AND "), args
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const dueSelect = `
	SELECT d.id, d.invoice_id, COALESCE(i.number, ''), COALESCE(d.ticket_id, 0), d.customer_id,
	       COALESCE(d.branch_id, 0), d.amount, d.balance_due, d.status, d.created_at, d.updated_at
	FROM payment_dues d
	LEFT JOIN invoices i ON i.id = d.invoice_id`

func scanDue(row pgx.Row) (*DueRow, error) {
	var d DueRow
	err := row.Scan(
		&d.ID, &d.InvoiceID, &d.InvoiceNumber, &d.TicketID, &d.CustomerID,
		&d.BranchID, &d.Amount, &d.BalanceDue, &d.Status, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func collectDues(rows pgx.Rows) ([]DueRow, error) {
	defer rows.Close()
	var out []DueRow
	for rows.Next() {
		d, err := scanDue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func getDueByInvoice(ctx context.Context, q querier, invoiceID int64, forUpdate bool) (*DueRow, error) {
	query := dueSelect + ` WHERE d.invoice_id = $1`
	if forUpdate {
		query += ` FOR UPDATE OF d`
	}
	d, err := scanDue(q.QueryRow(ctx, query, invoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRowNotFound
	}
	return d, err
}

func getInvoice(ctx context.Context, q querier, id int64) (*Invoice, error) {
	query := `
		SELECT id, number, customer_id, COALESCE(ticket_id, 0), COALESCE(branch_id, 0),
		       net_amount, gst_amount, cgst_amount, sgst_amount, status,
		       COALESCE(payment_mode, ''), created_at
		FROM invoices
		WHERE id = $1`
	var inv Invoice
	err := q.QueryRow(ctx, query, id).Scan(
		&inv.ID, &inv.Number, &inv.CustomerID, &inv.TicketID, &inv.BranchID,
		&inv.NetAmount, &inv.GSTAmount, &inv.CGSTAmount, &inv.SGSTAmount, &inv.Status,
		&inv.PaymentMode, &inv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
