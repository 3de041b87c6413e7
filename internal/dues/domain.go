package dues

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice payment states.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "PENDING"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusCredit  InvoiceStatus = "CREDIT"
)

// DueStatus enumerates ledger row states.
type DueStatus string

const (
	DueStatusPending DueStatus = "PENDING"
	DueStatusPaid    DueStatus = "PAID"
)

// PaymentKind distinguishes a payment against one invoice from a pay-all settlement.
type PaymentKind string

const (
	PaymentKindPartial    PaymentKind = "PARTIAL"
	PaymentKindSettlement PaymentKind = "SETTLEMENT"
)

// PaymentMode is how money was received at the counter.
type PaymentMode string

const (
	PaymentModeCash         PaymentMode = "Cash"
	PaymentModeUPI          PaymentMode = "UPI"
	PaymentModeCard         PaymentMode = "Card"
	PaymentModeBankTransfer PaymentMode = "BankTransfer"
	PaymentModeCheque       PaymentMode = "Cheque"
)

// DefaultPaymentMode is used when the caller leaves the mode blank.
const DefaultPaymentMode = PaymentModeCash

// Valid reports whether the mode is one the counter accepts.
func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentModeCash, PaymentModeUPI, PaymentModeCard, PaymentModeBankTransfer, PaymentModeCheque:
		return true
	}
	return false
}

// Customer is the read-only view of a shop customer.
type Customer struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Mobile   string `json:"mobile"`
	Email    string `json:"email,omitempty"`
	BranchID int64  `json:"branch_id"`
}

// Invoice is a billed amount for a ticket, or a consolidated settlement
// invoice when TicketID is zero.
type Invoice struct {
	ID          int64           `json:"id"`
	Number      string          `json:"number"`
	CustomerID  int64           `json:"customer_id"`
	TicketID    int64           `json:"ticket_id,omitempty"`
	BranchID    int64           `json:"branch_id"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	GSTAmount   decimal.Decimal `json:"gst_amount"`
	CGSTAmount  decimal.Decimal `json:"cgst_amount"`
	SGSTAmount  decimal.Decimal `json:"sgst_amount"`
	Status      InvoiceStatus   `json:"status"`
	PaymentMode PaymentMode     `json:"payment_mode,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// DueRow is one ledger row tracking the unpaid part of an invoice.
type DueRow struct {
	ID            int64           `json:"id"`
	InvoiceID     int64           `json:"invoice_id"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	TicketID      int64           `json:"ticket_id"`
	CustomerID    int64           `json:"customer_id"`
	BranchID      int64           `json:"branch_id"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceDue    decimal.Decimal `json:"balance_due"`
	Status        DueStatus       `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PaymentHistoryRow snapshots one money-received event. BalanceDue is the
// balance right after the payment, not the live ledger value.
type PaymentHistoryRow struct {
	ID            int64           `json:"id"`
	InvoiceID     int64           `json:"invoice_id"`
	TicketID      int64           `json:"ticket_id,omitempty"`
	CustomerID    int64           `json:"customer_id"`
	BranchID      int64           `json:"branch_id"`
	ServiceCharge decimal.Decimal `json:"service_charge"`
	ItemAmount    decimal.Decimal `json:"item_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Discount      decimal.Decimal `json:"discount"`
	NetAmount     decimal.Decimal `json:"net_amount"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	BalanceDue    decimal.Decimal `json:"balance_due"`
	PaymentMode   PaymentMode     `json:"payment_mode"`
	Kind          PaymentKind     `json:"kind"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Allocation ties part of a payment to the ledger row it reduced.
type Allocation struct {
	ID        int64           `json:"id"`
	PaymentID int64           `json:"payment_id"`
	InvoiceID int64           `json:"invoice_id"`
	DueID     int64           `json:"due_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// OpenDueInput is supplied by invoice creation when an invoice becomes payable.
type OpenDueInput struct {
	InvoiceID  int64
	TicketID   int64
	CustomerID int64
	BranchID   int64
	Amount     decimal.Decimal
}

// PaymentAmounts are the figures shown on the payment screen at the time of payment.
type PaymentAmounts struct {
	ServiceCharge decimal.Decimal
	ItemAmount    decimal.Decimal
	Total         decimal.Decimal
	Discount      decimal.Decimal
	Net           decimal.Decimal
	Paid          decimal.Decimal
}

// RecordPaymentInput describes money received against a single invoice.
type RecordPaymentInput struct {
	InvoiceID int64
	Amounts   PaymentAmounts
	Mode      PaymentMode
}

// SettleOutcome is what SettleAll zeroed for a customer.
type SettleOutcome struct {
	CustomerID int64
	Rows       []DueRow
	Total      decimal.Decimal
}

// CustomerDues is the drill-down of one customer's pending rows.
type CustomerDues struct {
	CustomerID  int64           `json:"customer_id"`
	Rows        []DueRow        `json:"rows"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// CustomerPayments is one customer's payment history.
type CustomerPayments struct {
	CustomerID int64               `json:"customer_id"`
	Payments   []PaymentHistoryRow `json:"payments"`
	TotalPaid  decimal.Decimal     `json:"total_paid"`
}

// Reconciliation compares the live ledger with invoices and allocations.
type Reconciliation struct {
	CustomerID      int64           `json:"customer_id"`
	PendingBalance  decimal.Decimal `json:"pending_balance"`
	InvoicedAmount  decimal.Decimal `json:"invoiced_amount"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	Drift           decimal.Decimal `json:"drift"`
	Balanced        bool            `json:"balanced"`
}

func newReconciliation(customerID int64, pending, invoiced, allocated decimal.Decimal) *Reconciliation {
	drift := pending.Sub(invoiced.Sub(allocated))
	return &Reconciliation{
		CustomerID:      customerID,
		PendingBalance:  pending,
		InvoicedAmount:  invoiced,
		AllocatedAmount: allocated,
		Drift:           drift,
		Balanced:        drift.IsZero(),
	}
}
