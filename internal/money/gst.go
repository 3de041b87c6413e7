// Package money computes invoice totals with Indian GST.
package money

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// GSTMode selects whether tax is added on top of the subtotal.
type GSTMode string

const (
	GSTModeGST     GSTMode = "gst"
	GSTModeWithout GSTMode = "without_gst"
)

var (
	// GSTRate is the combined intra-state rate; CGST and SGST take half each.
	GSTRate = decimal.RequireFromString("0.18")

	two = decimal.NewFromInt(2)
)

var (
	ErrNoItems        = errors.New("money: at least one line item is required")
	ErrInvalidItem    = errors.New("money: quantity and unit price must not be negative")
	ErrUnknownGSTMode = errors.New("money: unknown gst mode")
)

// LineItem is a single billable quantity at a unit price.
type LineItem struct {
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Totals is the result of ComputeTotals. Values carry full precision; call
// Rounded before presenting them.
type Totals struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	GSTAmount  decimal.Decimal `json:"gst_amount"`
	CGSTAmount decimal.Decimal `json:"cgst_amount"`
	SGSTAmount decimal.Decimal `json:"sgst_amount"`
	GrandTotal decimal.Decimal `json:"grand_total"`
}

// ParseGSTMode maps user input onto a GSTMode. Empty input means "gst".
func ParseGSTMode(raw string) (GSTMode, error) {
	switch GSTMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", GSTModeGST:
		return GSTModeGST, nil
	case GSTModeWithout:
		return GSTModeWithout, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownGSTMode, raw)
	}
}

// ValidateItems rejects empty or negative item lists. Invoice creation and
// settlement call it before ComputeTotals.
func ValidateItems(items []LineItem) error {
	if len(items) == 0 {
		return ErrNoItems
	}
	for idx, item := range items {
		if item.Quantity.IsNegative() || item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w (line %d)", ErrInvalidItem, idx)
		}
	}
	return nil
}

// ComputeTotals sums the items and applies GST according to mode.
func ComputeTotals(items []LineItem, mode GSTMode) (Totals, error) {
	if mode != GSTModeGST && mode != GSTModeWithout {
		return Totals{}, fmt.Errorf("%w: %q", ErrUnknownGSTMode, mode)
	}
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.Quantity.Mul(item.UnitPrice))
	}
	totals := Totals{
		Subtotal:   subtotal,
		GSTAmount:  decimal.Zero,
		CGSTAmount: decimal.Zero,
		SGSTAmount: decimal.Zero,
		GrandTotal: subtotal,
	}
	if mode == GSTModeWithout || subtotal.IsZero() {
		return totals, nil
	}
	gst := subtotal.Mul(GSTRate)
	half := gst.Div(two)
	totals.GSTAmount = gst
	totals.CGSTAmount = half
	totals.SGSTAmount = half
	totals.GrandTotal = subtotal.Add(gst)
	return totals, nil
}

// Rounded returns a copy with every amount rounded half-up to paise.
func (t Totals) Rounded() Totals {
	return Totals{
		Subtotal:   Round2(t.Subtotal),
		GSTAmount:  Round2(t.GSTAmount),
		CGSTAmount: Round2(t.CGSTAmount),
		SGSTAmount: Round2(t.SGSTAmount),
		GrandTotal: Round2(t.GrandTotal),
	}
}

// Round2 rounds half away from zero to two places, which is half-up for the
// non-negative amounts handled here.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
