package dues

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestAggregator(f *fixture, opts ...AggregatorOption) *Aggregator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]AggregatorOption{WithClock(fixedClock(time.Date(2024, 5, 20, 15, 0, 0, 0, time.UTC)))}, opts...)
	return NewAggregator(f.repo, f.ledger, logger, opts...)
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestListOutstandingGroupsByCustomer(t *testing.T) {
	f := newFixture(t)
	agg := newTestAggregator(f)
	f.openDue(t, 1, 11, "500")
	f.openDue(t, 1, 12, "300")
	f.openDue(t, 2, 21, "120")

	page, err := agg.ListOutstanding(context.Background(), Filters{}, 1, 20)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.Equal(t, 1, page.LastPage)
	requireAmount(t, "920", page.TotalBalanceDue)
	require.Len(t, page.Rows, 2)

	// Customer 2's due is the most recent.
	require.Equal(t, int64(2), page.Rows[0].Customer.ID)
	require.Equal(t, 1, page.Rows[0].DuesCount)
	require.Equal(t, int64(1), page.Rows[1].Customer.ID)
	require.Equal(t, 2, page.Rows[1].DuesCount)
	requireAmount(t, "800", page.Rows[1].TotalBalanceDue)
}

func TestListOutstandingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	agg := newTestAggregator(f)
	f.openDue(t, 1, 11, "500")
	f.openDue(t, 2, 21, "120")
	filters := Filters{Search: "a"}

	first, err := agg.ListOutstanding(context.Background(), filters, 1, 1)
	require.NoError(t, err)
	second, err := agg.ListOutstanding(context.Background(), filters, 1, 1)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 2, first.LastPage)
}

func TestListOutstandingDefaultLookback(t *testing.T) {
	f := newFixture(t)
	agg := newTestAggregator(f, WithLookbackDays(90))
	f.openDue(t, 1, 11, "500")

	// A due from five months ago falls outside the default window.
	old := f.openDue(t, 2, 21, "120")
	d := f.repo.dues[old.ID]
	d.CreatedAt = time.Date(2023, 12, 20, 10, 0, 0, 0, time.UTC)
	f.repo.dues[old.ID] = d

	page, err := agg.ListOutstanding(context.Background(), Filters{}, 1, 20)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, int64(1), page.Rows[0].Customer.ID)

	page, err = agg.ListOutstanding(context.Background(), Filters{RangeExplicit: true}, 1, 20)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)

	page, err = agg.ListOutstanding(context.Background(), Filters{
		DateFrom: datePtr(2023, 12, 1),
		DateTo:   datePtr(2023, 12, 20),
	}, 1, 20)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, int64(2), page.Rows[0].Customer.ID)
}

func TestListOutstandingFilters(t *testing.T) {
	f := newFixture(t)
	agg := newTestAggregator(f)
	f.openDue(t, 1, 11, "500")
	f.openDue(t, 2, 21, "120")
	ctx := context.Background()

	page, err := agg.ListOutstanding(ctx, Filters{BranchID: 8}, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	require.Equal(t, int64(2), page.Rows[0].Customer.ID)

	page, err = agg.ListOutstanding(ctx, Filters{CustomerID: 1}, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	requireAmount(t, "500", page.TotalBalanceDue)

	page, err = agg.ListOutstanding(ctx, Filters{Search: "00002"}, 1, 20)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	require.Equal(t, "Vikram Shah", page.Rows[0].Customer.Name)

	page, err = agg.ListOutstanding(ctx, Filters{Search: "nobody"}, 1, 20)
	require.NoError(t, err)
	require.NotNil(t, page.Rows)
	require.Empty(t, page.Rows)
	require.Zero(t, page.LastPage)
}

func TestListOutstandingPagination(t *testing.T) {
	f := newFixture(t)
	agg := newTestAggregator(f)
	for id := int64(3); id <= 7; id++ {
		f.repo.addCustomer(Customer{ID: id, Name: "Customer", BranchID: 7})
		f.openDue(t, id, id*10, "10")
	}
	ctx := context.Background()

	page, err := agg.ListOutstanding(ctx, Filters{}, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 5, page.Total)
	require.Equal(t, 3, page.LastPage)
	require.Equal(t, 2, page.Page)
	require.Len(t, page.Rows, 2)
	require.Equal(t, int64(5), page.Rows[0].Customer.ID)
	requireAmount(t, "50", page.TotalBalanceDue)

	page, err = agg.ListOutstanding(ctx, Filters{}, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, page.Page)
	require.Equal(t, 20, page.PerPage)

	_, err = agg.ListOutstanding(ctx, Filters{}, 1, 101)
	require.ErrorIs(t, err, ErrValidation)
	_, err = agg.ListOutstanding(ctx, Filters{DateFrom: datePtr(2024, 5, 2), DateTo: datePtr(2024, 5, 1)}, 1, 20)
	require.ErrorIs(t, err, ErrValidation)
}

func TestListPaidGroupsByInvoice(t *testing.T) {
	f := newFixture(t)
	agg := newTestAggregator(f)
	ctx := context.Background()
	a := f.openDue(t, 1, 11, "500")
	f.openDue(t, 1, 12, "300")

	for _, paid := range []string{"100", "150"} {
		_, err := f.recorder.RecordPayment(ctx, RecordPaymentInput{InvoiceID: a.InvoiceID, Amounts: PaymentAmounts{Paid: dec(paid)}})
		require.NoError(t, err)
	}
	result, err := f.settle.Settle(ctx, SettleRequest{CustomerID: 1})
	require.NoError(t, err)

	page, err := agg.ListPaid(ctx, Filters{}, 1, 20)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	requireAmount(t, "800", page.TotalPaid)
	require.Equal(t, result.InvoiceID, page.Rows[0].InvoiceID)
	requireAmount(t, "550", page.Rows[0].TotalPaid)
	require.Equal(t, a.InvoiceID, page.Rows[1].InvoiceID)
	require.Equal(t, 2, page.Rows[1].PaymentsCount)
	requireAmount(t, "250", page.Rows[1].TotalPaid)
}

func TestCustomerHistory(t *testing.T) {
	f := newFixture(t)
	agg := newTestAggregator(f)
	ctx := context.Background()
	a := f.openDue(t, 1, 11, "500")

	_, err := f.recorder.RecordPayment(ctx, RecordPaymentInput{InvoiceID: a.InvoiceID, Amounts: PaymentAmounts{Paid: dec("200")}})
	require.NoError(t, err)
	_, err = f.recorder.RecordPayment(ctx, RecordPaymentInput{InvoiceID: a.InvoiceID, Amounts: PaymentAmounts{Paid: dec("50.25")}})
	require.NoError(t, err)

	history, err := agg.CustomerHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history.Payments, 2)
	requireAmount(t, "250.25", history.TotalPaid)
	requireAmount(t, "50.25", history.Payments[0].PaidAmount)

	_, err = agg.CustomerHistory(ctx, 404)
	require.ErrorIs(t, err, ErrCustomerNotFound)

	detail, err := agg.CustomerDetail(ctx, 1)
	require.NoError(t, err)
	requireAmount(t, "249.75", detail.TotalAmount)
}
