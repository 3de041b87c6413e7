package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/repairhub/repairhub/internal/dues"
	jobmetrics "github.com/repairhub/repairhub/internal/jobs"
)

// TaskDuesReconcile sweeps every customer ledger for balance drift.
const TaskDuesReconcile = "dues:reconcile"

// DuesReconcilePayload carries scheduling metadata.
type DuesReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewDuesReconcileTask constructs the nightly reconciliation task.
func NewDuesReconcileTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(DuesReconcilePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDuesReconcile, body, asynq.Queue(QueueDefault)), nil
}

// LedgerVerifier checks the per-customer balance identity.
type LedgerVerifier interface {
	VerifyAll(ctx context.Context) (int, []dues.Reconciliation, error)
}

// DuesReconcileJob handles TaskDuesReconcile.
type DuesReconcileJob struct {
	verifier LedgerVerifier
	metrics  *jobmetrics.Metrics
	logger   *slog.Logger
}

// NewDuesReconcileJob constructs the sweep. metrics may be nil.
func NewDuesReconcileJob(verifier LedgerVerifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *DuesReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuesReconcileJob{verifier: verifier, metrics: metrics, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract. Drift is reported, never
// corrected; a human has to look at it.
func (j *DuesReconcileJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.verifier == nil {
		return errors.New("dues reconcile job not configured")
	}
	var payload DuesReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(TaskDuesReconcile)
	defer func() {
		err = tracker.End(err)
	}()

	started := time.Now()
	checked, drifted, err := j.verifier.VerifyAll(ctx)
	if err != nil {
		j.logger.Error("dues reconciliation failed", slog.Any("error", err))
		return err
	}
	j.metrics.ResetDrift()
	for _, rec := range drifted {
		j.metrics.ObserveDrift(rec.CustomerID, rec.Drift.InexactFloat64())
		j.logger.Error("dues ledger drift",
			slog.Int64("customer_id", rec.CustomerID),
			slog.String("pending", rec.PendingBalance.StringFixed(2)),
			slog.String("invoiced", rec.InvoicedAmount.StringFixed(2)),
			slog.String("allocated", rec.AllocatedAmount.StringFixed(2)),
			slog.String("drift", rec.Drift.StringFixed(2)))
	}
	j.logger.Info("dues reconciliation finished",
		slog.Int("customers", checked),
		slog.Int("drifted", len(drifted)),
		slog.Duration("took", time.Since(started)))
	return nil
}
