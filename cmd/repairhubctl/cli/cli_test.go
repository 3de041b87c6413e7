package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/repairhub/repairhub/internal/dues"
	"github.com/repairhub/repairhub/jobs"
)

type stubEnqueuer struct {
	tasks []*asynq.Task
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

type stubInspector struct {
	info      *asynq.QueueInfo
	scheduled []*asynq.TaskInfo
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) { return s.info, nil }

func (s stubInspector) ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return s.scheduled, nil
}

func (s stubInspector) Close() error { return nil }

type stubVerifier struct {
	drifted []dues.Reconciliation
}

func (s stubVerifier) VerifyCustomer(ctx context.Context, customerID int64) (*dues.Reconciliation, error) {
	for _, r := range s.drifted {
		if r.CustomerID == customerID {
			return &r, nil
		}
	}
	return &dues.Reconciliation{CustomerID: customerID, Balanced: true}, nil
}

func (s stubVerifier) VerifyAll(ctx context.Context) (int, []dues.Reconciliation, error) {
	return 3, s.drifted, nil
}

type stubOpener struct {
	jobs     *JobsCLI
	verifier LedgerVerifier
}

func (o stubOpener) Jobs(ctx context.Context) (*JobsCLI, error) { return o.jobs, nil }

func (o stubOpener) Verifier(ctx context.Context) (LedgerVerifier, func(), error) {
	return o.verifier, func() {}, nil
}

func run(t *testing.T, opener Opener, args ...string) (string, error) {
	t.Helper()
	out := new(bytes.Buffer)
	root := NewRootCommand(opener)
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTriggerJobs(t *testing.T) {
	enq := &stubEnqueuer{}
	opener := stubOpener{jobs: NewJobsCLIWith(enq, stubInspector{}, 48*time.Hour)}

	out, err := run(t, opener, "jobs", "trigger", jobs.TaskIdempotencyCleanup)
	require.NoError(t, err)
	require.Contains(t, out, "enqueued idempotency:cleanup")

	var cleanup jobs.IdempotencyCleanupPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &cleanup))
	require.Equal(t, 48*time.Hour, cleanup.Retention)

	_, err = run(t, opener, "jobs", "trigger", jobs.TaskInvoiceDocument, "--invoice-id", "15")
	require.NoError(t, err)
	var doc jobs.InvoiceDocumentPayload
	require.NoError(t, json.Unmarshal(enq.tasks[1].Payload(), &doc))
	require.EqualValues(t, 15, doc.InvoiceID)

	_, err = run(t, opener, "jobs", "trigger", jobs.TaskInvoiceDocument)
	require.Error(t, err)

	_, err = run(t, opener, "jobs", "trigger", "ledger:rebuild")
	require.ErrorContains(t, err, "unsupported job")
	require.Len(t, enq.tasks, 2)
}

func TestQueueStatsJSON(t *testing.T) {
	inspector := stubInspector{info: &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 4, Retry: 2, Archived: 1}}
	opener := stubOpener{jobs: NewJobsCLIWith(&stubEnqueuer{}, inspector, time.Hour)}

	out, err := run(t, opener, "jobs", "stats", "--json")
	require.NoError(t, err)

	var stats QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	require.Equal(t, QueueStats{Queue: "default", Pending: 4, Retry: 2, Archived: 1}, stats)
}

func TestDuesVerify(t *testing.T) {
	opener := stubOpener{verifier: stubVerifier{}}
	out, err := run(t, opener, "dues", "verify")
	require.NoError(t, err)
	require.Contains(t, out, "checked 3 customer(s), 0 drifted")

	opener.verifier = stubVerifier{drifted: []dues.Reconciliation{{
		CustomerID:      9,
		PendingBalance:  decimal.RequireFromString("500"),
		InvoicedAmount:  decimal.RequireFromString("1180"),
		AllocatedAmount: decimal.RequireFromString("700"),
		Drift:           decimal.RequireFromString("20"),
	}}}
	out, err = run(t, opener, "dues", "verify", "--customer", "9")
	require.True(t, errors.Is(err, ErrDriftDetected))
	require.Contains(t, out, "checked 1 customer(s), 1 drifted")
	require.Contains(t, out, "20.00")

	out, err = run(t, opener, "dues", "verify", "--customer", "4")
	require.NoError(t, err)
	require.Contains(t, out, "0 drifted")
}
