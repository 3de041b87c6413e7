package dues

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/repairhub/repairhub/internal/shared"
)

// DefaultLookbackDays bounds list queries when the caller gives no dates.
const DefaultLookbackDays = 90

// Filters narrow the grouped list views. DateFrom and DateTo are inclusive
// calendar dates. When both are nil the default lookback applies unless
// RangeExplicit is set, in which case no date filter is used.
type Filters struct {
	DateFrom      *time.Time
	DateTo        *time.Time
	RangeExplicit bool
	CustomerID    int64
	BranchID      int64
	Search        string
}

// OutstandingPage is one page of customers with pending dues.
type OutstandingPage struct {
	Rows            []OutstandingSummary `json:"rows"`
	TotalBalanceDue decimal.Decimal      `json:"total_balance_due"`
	Total           int                  `json:"total"`
	Page            int                  `json:"page"`
	PerPage         int                  `json:"per_page"`
	LastPage        int                  `json:"last_page"`
}

// PaidPage is one page of payments grouped by customer and invoice.
type PaidPage struct {
	Rows      []PaidSummary   `json:"rows"`
	TotalPaid decimal.Decimal `json:"total_paid"`
	Total     int             `json:"total"`
	Page      int             `json:"page"`
	PerPage   int             `json:"per_page"`
	LastPage  int             `json:"last_page"`
}

// Aggregator serves the read side over the ledger and payment history.
type Aggregator struct {
	repo     Repository
	ledger   *Ledger
	cache    *Cache
	lookback int
	now      func() time.Time
	logger   *slog.Logger
}

// AggregatorOption customises an Aggregator.
type AggregatorOption func(*Aggregator)

// WithCache puts the Redis cache in front of the list views.
func WithCache(cache *Cache) AggregatorOption {
	return func(a *Aggregator) { a.cache = cache }
}

// WithLookbackDays overrides DefaultLookbackDays.
func WithLookbackDays(days int) AggregatorOption {
	return func(a *Aggregator) {
		if days > 0 {
			a.lookback = days
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// NewAggregator builds the read-side service.
func NewAggregator(repo Repository, ledger *Ledger, logger *slog.Logger, opts ...AggregatorOption) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		repo:     repo,
		ledger:   ledger,
		lookback: DefaultLookbackDays,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ListOutstanding groups pending ledger rows per customer, most recent due first.
func (a *Aggregator) ListOutstanding(ctx context.Context, f Filters, page, perPage int) (*OutstandingPage, error) {
	q, p, err := a.query(f, page, perPage)
	if err != nil {
		return nil, err
	}
	var out OutstandingPage
	err = a.cache.Fetch(ctx, &out, func(ctx context.Context) (any, error) {
		rows, totals, err := a.repo.SummarizeOutstanding(ctx, q)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []OutstandingSummary{}
		}
		meta := shared.NewPagination(p.Page, p.PerPage, totals.Groups)
		return OutstandingPage{
			Rows:            rows,
			TotalBalanceDue: totals.Amount,
			Total:           meta.Total,
			Page:            meta.Page,
			PerPage:         meta.PerPage,
			LastPage:        meta.TotalPages,
		}, nil
	}, "outstanding", queryKey(q))
	if err != nil {
		a.logger.Error("list outstanding dues", slog.Any("error", err))
		return nil, err
	}
	return &out, nil
}

// ListPaid groups payment history per customer and invoice, most recent first.
func (a *Aggregator) ListPaid(ctx context.Context, f Filters, page, perPage int) (*PaidPage, error) {
	q, p, err := a.query(f, page, perPage)
	if err != nil {
		return nil, err
	}
	var out PaidPage
	err = a.cache.Fetch(ctx, &out, func(ctx context.Context) (any, error) {
		rows, totals, err := a.repo.SummarizePaid(ctx, q)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []PaidSummary{}
		}
		meta := shared.NewPagination(p.Page, p.PerPage, totals.Groups)
		return PaidPage{
			Rows:      rows,
			TotalPaid: totals.Amount,
			Total:     meta.Total,
			Page:      meta.Page,
			PerPage:   meta.PerPage,
			LastPage:  meta.TotalPages,
		}, nil
	}, "paid", queryKey(q))
	if err != nil {
		a.logger.Error("list paid dues", slog.Any("error", err))
		return nil, err
	}
	return &out, nil
}

// CustomerDetail is the un-paginated list of one customer's pending rows.
func (a *Aggregator) CustomerDetail(ctx context.Context, customerID int64) (*CustomerDues, error) {
	if _, err := a.repo.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return a.ledger.CustomerDetail(ctx, customerID)
}

// CustomerHistory lists one customer's payments, newest first.
func (a *Aggregator) CustomerHistory(ctx context.Context, customerID int64) (*CustomerPayments, error) {
	if customerID <= 0 {
		return nil, validationError("customer id required")
	}
	if _, err := a.repo.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	payments, err := a.repo.ListCustomerPayments(ctx, customerID)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.PaidAmount)
	}
	if payments == nil {
		payments = []PaymentHistoryRow{}
	}
	return &CustomerPayments{CustomerID: customerID, Payments: payments, TotalPaid: total}, nil
}

// query resolves filters and paging into a repository query.
func (a *Aggregator) query(f Filters, page, perPage int) (SummaryQuery, shared.Pagination, error) {
	if page < 0 || perPage < 0 {
		return SummaryQuery{}, shared.Pagination{}, validationError("page and per_page must not be negative")
	}
	if perPage > shared.MaxPerPage {
		return SummaryQuery{}, shared.Pagination{}, validationError("per_page must not exceed %d", shared.MaxPerPage)
	}
	if f.DateFrom != nil && f.DateTo != nil && f.DateTo.Before(*f.DateFrom) {
		return SummaryQuery{}, shared.Pagination{}, validationError("end_date before start_date")
	}
	p := shared.NewPagination(page, perPage, 0)
	q := SummaryQuery{
		CustomerID: f.CustomerID,
		BranchID:   f.BranchID,
		Search:     f.Search,
		Limit:      p.PerPage,
		Offset:     p.Offset(),
	}

	switch {
	case f.DateFrom != nil || f.DateTo != nil:
		if f.DateFrom != nil {
			from := startOfDay(*f.DateFrom)
			q.From = &from
		}
		if f.DateTo != nil {
			until := startOfDay(*f.DateTo).AddDate(0, 0, 1)
			q.Until = &until
		}
	case !f.RangeExplicit:
		today := startOfDay(a.now())
		from := today.AddDate(0, 0, -a.lookback)
		until := today.AddDate(0, 0, 1)
		q.From, q.Until = &from, &until
	}
	return q, p, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
