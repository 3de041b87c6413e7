package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/repairhub/repairhub/internal/dues"
	jobmetrics "github.com/repairhub/repairhub/internal/jobs"
)

func seriesCount(t *testing.T, registry *prometheus.Registry, name string) int {
	t.Helper()
	n, err := testutil.GatherAndCount(registry, name)
	require.NoError(t, err)
	return n
}

type fakeRegenerator struct {
	calls []int64
	err   error
}

func (f *fakeRegenerator) RegenerateDocument(ctx context.Context, invoiceID int64) (string, error) {
	f.calls = append(f.calls, invoiceID)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("/documents/%d.pdf", invoiceID), nil
}

func TestInvoiceDocumentJob(t *testing.T) {
	regen := &fakeRegenerator{}
	registry := prometheus.NewRegistry()
	job := NewInvoiceDocumentJob(regen, nil, jobmetrics.NewMetrics(registry))

	task, err := NewInvoiceDocumentTask(42)
	require.NoError(t, err)
	require.Equal(t, TaskInvoiceDocument, task.Type())
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, []int64{42}, regen.calls)

	regen.err = errors.New("gotenberg unavailable")
	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	require.False(t, errors.Is(err, asynq.SkipRetry))

	regen.err = fmt.Errorf("lookup: %w", dues.ErrInvoiceNotFound)
	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskInvoiceDocument, []byte(`{"invoice_id":0}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
	err = job.Handle(context.Background(), asynq.NewTask(TaskInvoiceDocument, []byte(`not json`)))
	require.ErrorIs(t, err, asynq.SkipRetry)

	require.Equal(t, 2, seriesCount(t, registry, "repairhub_jobs_total"))
	require.Equal(t, 1, seriesCount(t, registry, "repairhub_jobs_failures_total"))

	_, err = NewInvoiceDocumentTask(0)
	require.Error(t, err)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	if f.err != nil {
		return nil, f.err
	}
	return &asynq.TaskInfo{ID: "invoice-document", Queue: QueueDefault}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestClientEnqueueInvoiceDocument(t *testing.T) {
	enq := &fakeEnqueuer{}
	client := NewClientWith(enq)

	require.NoError(t, client.EnqueueInvoiceDocument(context.Background(), 77))
	require.Len(t, enq.tasks, 1)
	var payload InvoiceDocumentPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	require.EqualValues(t, 77, payload.InvoiceID)

	enq.err = asynq.ErrTaskIDConflict
	require.NoError(t, client.EnqueueInvoiceDocument(context.Background(), 77))

	enq.err = errors.New("redis down")
	require.Error(t, client.EnqueueInvoiceDocument(context.Background(), 77))
	require.Error(t, client.EnqueueInvoiceDocument(context.Background(), -1))
}

type fakeVerifier struct {
	drifted []dues.Reconciliation
	err     error
}

func (f fakeVerifier) VerifyAll(ctx context.Context) (int, []dues.Reconciliation, error) {
	return 4, f.drifted, f.err
}

func TestDuesReconcileJobReportsDrift(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	verifier := fakeVerifier{drifted: []dues.Reconciliation{{
		CustomerID:      9,
		PendingBalance:  decimal.RequireFromString("500"),
		InvoicedAmount:  decimal.RequireFromString("1180"),
		AllocatedAmount: decimal.RequireFromString("700"),
		Drift:           decimal.RequireFromString("20"),
	}}}
	job := NewDuesReconcileJob(verifier, nil, metrics)

	task, err := NewDuesReconcileTask(time.Date(2024, 5, 10, 2, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 1, seriesCount(t, registry, "repairhub_dues_ledger_drift"))

	job = NewDuesReconcileJob(fakeVerifier{}, nil, metrics)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 0, seriesCount(t, registry, "repairhub_dues_ledger_drift"))

	job = NewDuesReconcileJob(fakeVerifier{err: errors.New("db down")}, nil, metrics)
	require.Error(t, job.Handle(context.Background(), task))
}

type fakeCleaner struct {
	retention time.Duration
}

func (f *fakeCleaner) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.retention = olderThan
	return 3, nil
}

func TestIdempotencyCleanupJob(t *testing.T) {
	cleaner := &fakeCleaner{}
	job := NewIdempotencyCleanupJob(cleaner, nil, nil)

	task, err := NewIdempotencyCleanupTask(72 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 72*time.Hour, cleaner.retention)

	_, err = NewIdempotencyCleanupTask(0)
	require.Error(t, err)
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return f.info, f.err
}

func TestJobsHealthEndpoint(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 2, Retry: 1}}, nil).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":2,"retry":1}`, rr.Body.String())
}

func TestJobsHealthReportsInspectorFailure(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(fakeInspector{err: errors.New("redis down")}, nil).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
}

func TestTaskErrorLoggerIncludesTaskType(t *testing.T) {
	var buf bytes.Buffer
	handler := taskErrorLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	handler.HandleError(context.Background(), asynq.NewTask(TaskDuesReconcile, nil), errors.New("boom"))

	require.Contains(t, buf.String(), "task attempt failed")
	require.Contains(t, buf.String(), TaskDuesReconcile)
	require.Contains(t, buf.String(), "boom")
}
