package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/repairhub/repairhub/internal/dues"
	jobmetrics "github.com/repairhub/repairhub/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskInvoiceDocument re-renders the PDF of an invoice whose document is pending.
	TaskInvoiceDocument = "invoice:document"
)

// InvoiceDocumentPayload identifies the invoice to render.
type InvoiceDocumentPayload struct {
	InvoiceID int64 `json:"invoice_id"`
}

// NewInvoiceDocumentTask constructs an Asynq task. The task id makes a second
// enqueue for the same invoice a no-op while the first is still queued.
func NewInvoiceDocumentTask(invoiceID int64) (*asynq.Task, error) {
	if invoiceID <= 0 {
		return nil, errors.New("jobs: invoice id required")
	}
	data, err := json.Marshal(InvoiceDocumentPayload{InvoiceID: invoiceID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskInvoiceDocument, data,
		asynq.Queue(QueueDefault),
		asynq.TaskID(fmt.Sprintf("invoice-document-%d", invoiceID)),
		asynq.MaxRetry(10),
	), nil
}

// DocumentRegenerator renders the document of an existing invoice.
type DocumentRegenerator interface {
	RegenerateDocument(ctx context.Context, invoiceID int64) (string, error)
}

// InvoiceDocumentJob handles TaskInvoiceDocument.
type InvoiceDocumentJob struct {
	regenerator DocumentRegenerator
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
}

// NewInvoiceDocumentJob constructs the handler.
func NewInvoiceDocumentJob(regenerator DocumentRegenerator, logger *slog.Logger, metrics *jobmetrics.Metrics) *InvoiceDocumentJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceDocumentJob{regenerator: regenerator, logger: logger, metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *InvoiceDocumentJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.regenerator == nil {
		return errors.New("invoice document job not configured")
	}
	var payload InvoiceDocumentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.InvoiceID <= 0 {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(TaskInvoiceDocument)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger.With(slog.Int64("invoice_id", payload.InvoiceID))
	url, err := j.regenerator.RegenerateDocument(ctx, payload.InvoiceID)
	if err != nil {
		if errors.Is(err, dues.ErrInvoiceNotFound) || errors.Is(err, dues.ErrCustomerNotFound) {
			logger.Warn("invoice document dropped", slog.Any("error", err))
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		logger.Warn("invoice document render failed", slog.Any("error", err))
		return err
	}
	logger.Info("invoice document ready", slog.String("url", url))
	return nil
}
