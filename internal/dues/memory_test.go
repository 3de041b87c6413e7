package dues

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// memoryRepo is an in-memory Repository. WithTx snapshots the state and
// restores it when the callback fails, which mirrors a rollback.
type memoryRepo struct {
	mu          sync.Mutex
	customers   map[int64]Customer
	invoices    map[int64]Invoice
	dues        map[int64]DueRow
	payments    []PaymentHistoryRow
	allocations []Allocation
	nextID      int64
	invoiceSeq  int
	clock       time.Time

	conflicts      int
	failAllocation error
	txCount        int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		customers: map[int64]Customer{},
		invoices:  map[int64]Invoice{},
		dues:      map[int64]DueRow{},
		nextID:    100,
		clock:     time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC),
	}
}

func (r *memoryRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Minute)
	return r.clock
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) addCustomer(c Customer) Customer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customers[c.ID] = c
	return c
}

// addInvoice stores a payable ticket invoice dated at the repo clock.
func (r *memoryRepo) addInvoice(customerID, ticketID int64, amount string) Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invoiceSeq++
	inv := Invoice{
		ID:         r.id(),
		Number:     fmt.Sprintf("INV-20240510-%04d", r.invoiceSeq),
		CustomerID: customerID,
		TicketID:   ticketID,
		BranchID:   r.customers[customerID].BranchID,
		NetAmount:  decimal.RequireFromString(amount),
		Status:     InvoiceStatusPending,
		CreatedAt:  r.tick(),
	}
	r.invoices[inv.ID] = inv
	return inv
}

func (r *memoryRepo) snapshot() *memoryRepo {
	c := &memoryRepo{
		customers:   map[int64]Customer{},
		invoices:    map[int64]Invoice{},
		dues:        map[int64]DueRow{},
		payments:    append([]PaymentHistoryRow(nil), r.payments...),
		allocations: append([]Allocation(nil), r.allocations...),
		nextID:      r.nextID,
		invoiceSeq:  r.invoiceSeq,
		clock:       r.clock,
	}
	for k, v := range r.customers {
		c.customers[k] = v
	}
	for k, v := range r.invoices {
		c.invoices[k] = v
	}
	for k, v := range r.dues {
		c.dues[k] = v
	}
	return c
}

func (r *memoryRepo) restore(s *memoryRepo) {
	r.customers = s.customers
	r.invoices = s.invoices
	r.dues = s.dues
	r.payments = s.payments
	r.allocations = s.allocations
	r.nextID = s.nextID
	r.invoiceSeq = s.invoiceSeq
	r.clock = s.clock
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txCount++
	if r.conflicts > 0 {
		r.conflicts--
		return fmt.Errorf("%w: could not serialize access", ErrConflict)
	}
	snap := r.snapshot()
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memoryRepo) GetCustomer(_ context.Context, id int64) (*Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return &c, nil
}

func (r *memoryRepo) GetInvoice(_ context.Context, id int64) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getInvoice(id)
}

func (r *memoryRepo) getInvoice(id int64) (*Invoice, error) {
	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (r *memoryRepo) GetDueByInvoice(_ context.Context, invoiceID int64) (*DueRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dueByInvoice(invoiceID)
}

func (r *memoryRepo) dueByInvoice(invoiceID int64) (*DueRow, error) {
	for _, d := range r.dues {
		if d.InvoiceID == invoiceID {
			d.InvoiceNumber = r.invoices[d.InvoiceID].Number
			return &d, nil
		}
	}
	return nil, ErrRowNotFound
}

func (r *memoryRepo) ListPendingDues(_ context.Context, customerID int64) ([]DueRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingDues(customerID), nil
}

func (r *memoryRepo) pendingDues(customerID int64) []DueRow {
	var out []DueRow
	for _, d := range r.dues {
		if d.CustomerID == customerID && d.Status == DueStatusPending {
			d.InvoiceNumber = r.invoices[d.InvoiceID].Number
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *memoryRepo) ListCustomerPayments(_ context.Context, customerID int64) ([]PaymentHistoryRow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PaymentHistoryRow
	for i := len(r.payments) - 1; i >= 0; i-- {
		if r.payments[i].CustomerID == customerID {
			out = append(out, r.payments[i])
		}
	}
	return out, nil
}

func (r *memoryRepo) ListSettledDues(_ context.Context, paymentInvoiceID int64) ([]SettledDue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []SettledDue
	for _, p := range r.payments {
		if p.InvoiceID != paymentInvoiceID {
			continue
		}
		for _, a := range r.allocations {
			if a.PaymentID != p.ID {
				continue
			}
			d := r.dues[a.DueID]
			d.InvoiceNumber = r.invoices[d.InvoiceID].Number
			out = append(out, SettledDue{Due: d, Allocated: a.Amount})
		}
	}
	return out, nil
}

func (r *memoryRepo) SumCustomerLedger(_ context.Context, customerID int64) (LedgerSums, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sums := LedgerSums{Pending: decimal.Zero, Invoiced: decimal.Zero, Allocated: decimal.Zero}
	for _, d := range r.dues {
		if d.CustomerID != customerID {
			continue
		}
		if d.Status == DueStatusPending {
			sums.Pending = sums.Pending.Add(d.BalanceDue)
		}
		sums.Invoiced = sums.Invoiced.Add(r.invoices[d.InvoiceID].NetAmount)
	}
	for _, a := range r.allocations {
		if d, ok := r.dues[a.DueID]; ok && d.CustomerID == customerID {
			sums.Allocated = sums.Allocated.Add(a.Amount)
		}
	}
	return sums, nil
}

func (r *memoryRepo) ListLedgerCustomers(context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, d := range r.dues {
		if !seen[d.CustomerID] {
			seen[d.CustomerID] = true
			out = append(out, d.CustomerID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *memoryRepo) matches(q SummaryQuery, customerID, branchID int64, at time.Time) bool {
	if q.From != nil && at.Before(*q.From) {
		return false
	}
	if q.Until != nil && !at.Before(*q.Until) {
		return false
	}
	if q.CustomerID > 0 && customerID != q.CustomerID {
		return false
	}
	if q.BranchID > 0 && branchID != q.BranchID {
		return false
	}
	if q.Search != "" {
		c := r.customers[customerID]
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(c.Name), needle) && !strings.Contains(strings.ToLower(c.Mobile), needle) {
			return false
		}
	}
	return true
}

func (r *memoryRepo) SummarizeOutstanding(_ context.Context, q SummaryQuery) ([]OutstandingSummary, SummaryTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	groups := map[int64]*OutstandingSummary{}
	totals := SummaryTotals{Amount: decimal.Zero}
	for _, d := range r.dues {
		if d.Status != DueStatusPending || !r.matches(q, d.CustomerID, d.BranchID, d.CreatedAt) {
			continue
		}
		g, ok := groups[d.CustomerID]
		if !ok {
			g = &OutstandingSummary{Customer: r.customers[d.CustomerID], TotalBalanceDue: decimal.Zero}
			groups[d.CustomerID] = g
		}
		g.TotalBalanceDue = g.TotalBalanceDue.Add(d.BalanceDue)
		g.DuesCount++
		if d.CreatedAt.After(g.LastDueAt) {
			g.LastDueAt = d.CreatedAt
		}
		totals.Amount = totals.Amount.Add(d.BalanceDue)
	}
	out := make([]OutstandingSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastDueAt.Equal(out[j].LastDueAt) {
			return out[i].LastDueAt.After(out[j].LastDueAt)
		}
		return out[i].Customer.ID < out[j].Customer.ID
	})
	totals.Groups = len(out)
	return pageOf(out, q), totals, nil
}

func (r *memoryRepo) SummarizePaid(_ context.Context, q SummaryQuery) ([]PaidSummary, SummaryTotals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	type key struct{ customer, invoice int64 }
	groups := map[key]*PaidSummary{}
	totals := SummaryTotals{Amount: decimal.Zero}
	for _, p := range r.payments {
		if !r.matches(q, p.CustomerID, p.BranchID, p.CreatedAt) {
			continue
		}
		k := key{p.CustomerID, p.InvoiceID}
		g, ok := groups[k]
		if !ok {
			g = &PaidSummary{
				Customer:      r.customers[p.CustomerID],
				InvoiceID:     p.InvoiceID,
				InvoiceNumber: r.invoices[p.InvoiceID].Number,
				TotalPaid:     decimal.Zero,
			}
			groups[k] = g
		}
		g.TotalPaid = g.TotalPaid.Add(p.PaidAmount)
		g.PaymentsCount++
		if p.CreatedAt.After(g.LastPaidAt) {
			g.LastPaidAt = p.CreatedAt
		}
		totals.Amount = totals.Amount.Add(p.PaidAmount)
	}
	out := make([]PaidSummary, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastPaidAt.Equal(out[j].LastPaidAt) {
			return out[i].LastPaidAt.After(out[j].LastPaidAt)
		}
		if out[i].Customer.ID != out[j].Customer.ID {
			return out[i].Customer.ID < out[j].Customer.ID
		}
		return out[i].InvoiceID < out[j].InvoiceID
	})
	totals.Groups = len(out)
	return pageOf(out, q), totals, nil
}

func pageOf[T any](rows []T, q SummaryQuery) []T {
	if q.Offset >= len(rows) {
		return []T{}
	}
	end := q.Offset + q.Limit
	if q.Limit <= 0 || end > len(rows) {
		end = len(rows)
	}
	return rows[q.Offset:end]
}

// memoryTx runs with memoryRepo.mu held by WithTx.
type memoryTx struct {
	repo *memoryRepo
}

func (t *memoryTx) LockCustomer(context.Context, int64) error { return nil }

func (t *memoryTx) GetDueByInvoice(_ context.Context, invoiceID int64) (*DueRow, error) {
	return t.repo.dueByInvoice(invoiceID)
}

func (t *memoryTx) LockDueByInvoice(_ context.Context, invoiceID int64) (*DueRow, error) {
	return t.repo.dueByInvoice(invoiceID)
}

func (t *memoryTx) LockPendingDues(_ context.Context, customerID int64) ([]DueRow, error) {
	return t.repo.pendingDues(customerID), nil
}

func (t *memoryTx) InsertDue(_ context.Context, row DueRow) (*DueRow, error) {
	if _, err := t.repo.dueByInvoice(row.InvoiceID); err == nil {
		return nil, fmt.Errorf("%w: invoice %d", ErrDuplicateLedgerRow, row.InvoiceID)
	}
	row.ID = t.repo.id()
	row.CreatedAt = t.repo.tick()
	row.UpdatedAt = row.CreatedAt
	t.repo.dues[row.ID] = row
	return &row, nil
}

func (t *memoryTx) UpdateDue(_ context.Context, id int64, balance decimal.Decimal, status DueStatus) error {
	d, ok := t.repo.dues[id]
	if !ok {
		return ErrRowNotFound
	}
	if balance.IsNegative() {
		return errors.New("check constraint: balance_due >= 0")
	}
	d.BalanceDue = balance
	d.Status = status
	d.UpdatedAt = t.repo.tick()
	t.repo.dues[id] = d
	return nil
}

func (t *memoryTx) GetInvoice(_ context.Context, id int64) (*Invoice, error) {
	return t.repo.getInvoice(id)
}

func (t *memoryTx) UpdateInvoiceStatus(_ context.Context, id int64, status InvoiceStatus) error {
	inv, ok := t.repo.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.Status = status
	t.repo.invoices[id] = inv
	return nil
}

func (t *memoryTx) InsertInvoice(_ context.Context, inv Invoice) (*Invoice, error) {
	if inv.Number == "" {
		t.repo.invoiceSeq++
		inv.Number = fmt.Sprintf("INV-20240510-%04d", t.repo.invoiceSeq)
	}
	inv.ID = t.repo.id()
	inv.CreatedAt = t.repo.tick()
	t.repo.invoices[inv.ID] = inv
	return &inv, nil
}

func (t *memoryTx) InsertPayment(_ context.Context, p PaymentHistoryRow) (*PaymentHistoryRow, error) {
	p.ID = t.repo.id()
	p.CreatedAt = t.repo.tick()
	t.repo.payments = append(t.repo.payments, p)
	return &p, nil
}

func (t *memoryTx) InsertAllocation(_ context.Context, a Allocation) error {
	if t.repo.failAllocation != nil {
		return t.repo.failAllocation
	}
	a.ID = t.repo.id()
	a.CreatedAt = t.repo.tick()
	t.repo.allocations = append(t.repo.allocations, a)
	return nil
}

func (t *memoryTx) SettlementCovering(_ context.Context, invoiceID int64) (int64, error) {
	kinds := map[int64]PaymentHistoryRow{}
	for _, p := range t.repo.payments {
		kinds[p.ID] = p
	}
	for _, a := range t.repo.allocations {
		if p, ok := kinds[a.PaymentID]; ok && a.InvoiceID == invoiceID && p.Kind == PaymentKindSettlement {
			return p.InvoiceID, nil
		}
	}
	return 0, nil
}

func (t *memoryTx) DeleteInvoiceCascade(_ context.Context, invoiceID int64) error {
	if _, ok := t.repo.invoices[invoiceID]; !ok {
		return ErrInvoiceNotFound
	}
	paymentIDs := map[int64]bool{}
	payments := t.repo.payments[:0:0]
	for _, p := range t.repo.payments {
		if p.InvoiceID == invoiceID {
			paymentIDs[p.ID] = true
			continue
		}
		payments = append(payments, p)
	}
	allocations := t.repo.allocations[:0:0]
	for _, a := range t.repo.allocations {
		if a.InvoiceID == invoiceID || paymentIDs[a.PaymentID] {
			continue
		}
		allocations = append(allocations, a)
	}
	for id, d := range t.repo.dues {
		if d.InvoiceID == invoiceID {
			delete(t.repo.dues, id)
		}
	}
	delete(t.repo.invoices, invoiceID)
	t.repo.payments = payments
	t.repo.allocations = allocations
	return nil
}

var (
	_ Repository   = (*memoryRepo)(nil)
	_ TxRepository = (*memoryTx)(nil)
)

// stubRenderer fails while failing is set and counts successful renders.
type stubRenderer struct {
	mu       sync.Mutex
	failing  bool
	rendered []DocumentRequest
}

func (s *stubRenderer) Render(_ context.Context, req DocumentRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return "", errors.New("rendering unavailable")
	}
	s.rendered = append(s.rendered, req)
	return "https://docs.example.test/" + req.Invoice.Number + ".pdf", nil
}

type stubQueue struct {
	mu       sync.Mutex
	invoices []int64
}

func (q *stubQueue) EnqueueInvoiceDocument(_ context.Context, invoiceID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.invoices = append(q.invoices, invoiceID)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}
