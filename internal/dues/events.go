package dues

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a ledger change other components react to.
type EventType string

const (
	EventDueOpened           EventType = "dues.due_opened"
	EventPaymentRecorded     EventType = "dues.payment_recorded"
	EventSettlementCompleted EventType = "dues.settlement_completed"
	EventInvoicePurged       EventType = "dues.invoice_purged"
	EventSettlementFailed    EventType = "dues.settlement_failed"
	EventDocumentPending     EventType = "dues.document_pending"
)

// Event is emitted after the transaction that caused it has committed, or
// for EventSettlementFailed after it rolled back.
type Event struct {
	Type       EventType
	CustomerID int64
	InvoiceID  int64
	Amount     decimal.Decimal
	OccurredAt time.Time
}

// EventSink receives committed ledger events. Sinks must not fail the
// mutation that produced the event; they log and move on.
type EventSink interface {
	Emit(ctx context.Context, evt Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, evt Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, evt Event) {
	f(ctx, evt)
}

type fanout []EventSink

func (f fanout) Emit(ctx context.Context, evt Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Emit(ctx, evt)
		}
	}
}

// Fanout combines sinks; nil entries are skipped.
func Fanout(sinks ...EventSink) EventSink {
	return fanout(sinks)
}

func emit(ctx context.Context, sink EventSink, evt Event) {
	if sink == nil {
		return
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	sink.Emit(ctx, evt)
}
