package dues

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordPaymentSnapshotsAndAllocates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	row := f.openDue(t, 1, 11, "500")

	payment, err := f.recorder.RecordPayment(ctx, RecordPaymentInput{
		InvoiceID: row.InvoiceID,
		Amounts: PaymentAmounts{
			ServiceCharge: dec("350"),
			ItemAmount:    dec("200"),
			Total:         dec("550"),
			Discount:      dec("50"),
			Net:           dec("500"),
			Paid:          dec("120.50"),
		},
		Mode: PaymentModeUPI,
	})
	require.NoError(t, err)
	require.Equal(t, PaymentKindPartial, payment.Kind)
	require.Equal(t, PaymentModeUPI, payment.PaymentMode)
	require.Equal(t, int64(1), payment.CustomerID)
	require.Equal(t, int64(11), payment.TicketID)
	requireAmount(t, "120.50", payment.PaidAmount)
	requireAmount(t, "379.50", payment.BalanceDue)

	require.Len(t, f.repo.allocations, 1)
	require.Equal(t, payment.ID, f.repo.allocations[0].PaymentID)
	require.Equal(t, row.ID, f.repo.allocations[0].DueID)
	require.Contains(t, f.sink.types(), EventPaymentRecorded)
	f.requireBalanced(t, 1)
}

func TestRecordPaymentDefaultsToCash(t *testing.T) {
	f := newFixture(t)
	row := f.openDue(t, 1, 11, "500")

	payment, err := f.recorder.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID: row.InvoiceID,
		Amounts:   PaymentAmounts{Paid: dec("500")},
	})
	require.NoError(t, err)
	require.Equal(t, PaymentModeCash, payment.PaymentMode)
	require.True(t, payment.BalanceDue.IsZero())
}

func TestRecordPaymentOverpaymentLeavesNoHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	row := f.openDue(t, 1, 11, "500")

	_, err := f.recorder.RecordPayment(ctx, RecordPaymentInput{
		InvoiceID: row.InvoiceID,
		Amounts:   PaymentAmounts{Paid: dec("500.01")},
	})
	require.ErrorIs(t, err, ErrOverpayment)
	require.Empty(t, f.repo.payments)
	require.Empty(t, f.repo.allocations)

	after, err := f.repo.GetDueByInvoice(ctx, row.InvoiceID)
	require.NoError(t, err)
	requireAmount(t, "500", after.BalanceDue)
	require.NotContains(t, f.sink.types(), EventPaymentRecorded)
}

func TestRecordPaymentRollsBackOnAllocationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	row := f.openDue(t, 1, 11, "500")
	f.repo.failAllocation = errors.New("insert allocation: connection reset")

	_, err := f.recorder.RecordPayment(ctx, RecordPaymentInput{
		InvoiceID: row.InvoiceID,
		Amounts:   PaymentAmounts{Paid: dec("100")},
	})
	require.Error(t, err)
	require.Empty(t, f.repo.payments)

	after, err := f.repo.GetDueByInvoice(ctx, row.InvoiceID)
	require.NoError(t, err)
	requireAmount(t, "500", after.BalanceDue)
	f.requireBalanced(t, 1)
}

func TestRecordPaymentUnknownInvoice(t *testing.T) {
	f := newFixture(t)

	_, err := f.recorder.RecordPayment(context.Background(), RecordPaymentInput{
		InvoiceID: 777,
		Amounts:   PaymentAmounts{Paid: dec("1")},
	})
	require.ErrorIs(t, err, ErrRowNotFound)
	require.Empty(t, f.repo.payments)
}

func TestRecordPaymentValidation(t *testing.T) {
	f := newFixture(t)
	row := f.openDue(t, 1, 11, "500")

	cases := map[string]RecordPaymentInput{
		"missing invoice": {Amounts: PaymentAmounts{Paid: dec("10")}},
		"zero paid":       {InvoiceID: row.InvoiceID},
		"negative discount": {InvoiceID: row.InvoiceID, Amounts: PaymentAmounts{
			Total: dec("500"), Discount: dec("-1"), Net: dec("501"), Paid: dec("10"),
		}},
		"net mismatch": {InvoiceID: row.InvoiceID, Amounts: PaymentAmounts{
			Total: dec("500"), Discount: dec("20"), Net: dec("500"), Paid: dec("10"),
		}},
		"unknown mode": {InvoiceID: row.InvoiceID, Amounts: PaymentAmounts{Paid: dec("10")}, Mode: "Barter"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.recorder.RecordPayment(context.Background(), in)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
	require.Empty(t, f.repo.payments)
}

func TestInvariantHoldsAcrossMixedMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.openDue(t, 1, 11, "1180")
	f.requireBalanced(t, 1)
	b := f.openDue(t, 1, 12, "250.75")
	f.requireBalanced(t, 1)
	f.openDue(t, 2, 21, "90")

	_, err := f.recorder.RecordPayment(ctx, RecordPaymentInput{InvoiceID: a.InvoiceID, Amounts: PaymentAmounts{Paid: dec("180")}})
	require.NoError(t, err)
	f.requireBalanced(t, 1)

	_, err = f.recorder.RecordPayment(ctx, RecordPaymentInput{InvoiceID: b.InvoiceID, Amounts: PaymentAmounts{Paid: dec("250.75")}})
	require.NoError(t, err)
	f.requireBalanced(t, 1)

	_, err = f.recorder.RecordPayment(ctx, RecordPaymentInput{InvoiceID: a.InvoiceID, Amounts: PaymentAmounts{Paid: dec("5000")}})
	require.ErrorIs(t, err, ErrOverpayment)
	f.requireBalanced(t, 1)

	f.openDue(t, 1, 13, "40")
	_, err = f.settle.Settle(ctx, SettleRequest{CustomerID: 1, PaymentMode: PaymentModeCard})
	require.NoError(t, err)
	f.requireBalanced(t, 1)
	f.requireBalanced(t, 2)

	rec, err := f.ledger.VerifyCustomer(ctx, 1)
	require.NoError(t, err)
	require.True(t, rec.PendingBalance.IsZero())
	requireAmount(t, "1470.75", rec.InvoicedAmount)
	requireAmount(t, "1470.75", rec.AllocatedAmount)
}
