package app

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/repairhub/repairhub/internal/dues"
	"github.com/repairhub/repairhub/internal/invoicedoc"
	"github.com/repairhub/repairhub/internal/observability"
	"github.com/repairhub/repairhub/internal/shared"
	"github.com/repairhub/repairhub/report"
)

// EngineDeps are the shared resources both binaries build the dues engine from.
type EngineDeps struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Queue   dues.DocumentQueue
	Metrics *observability.Metrics
	// Audit, when set, persists every ledger event to audit_logs.
	Audit AuditRecorder
}

// AuditRecorder stores audit trail entries.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Engine is the wired dues engine.
type Engine struct {
	Repo         dues.Repository
	Ledger       *dues.Ledger
	Recorder     *dues.Recorder
	Aggregator   *dues.Aggregator
	Orchestrator *dues.Orchestrator
	Cache        *dues.Cache
	Renderer     *invoicedoc.Renderer
	PDF          *report.Client
}

// NewEngine wires repository, cache, ledger, recorder, aggregator and
// orchestrator. A nil Redis client runs the aggregator uncached.
func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Config == nil || deps.Pool == nil {
		return nil, errors.New("app: engine needs config and database pool")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	loc := cfg.Location()

	repo := dues.NewRepository(deps.Pool)
	var cache *dues.Cache
	if deps.Redis != nil {
		cache = dues.NewCache(deps.Redis, cfg.DuesCacheTTL, logger)
	}
	events := dues.Fanout(cache, DuesMetricsSink(deps.Metrics), DuesAuditSink(deps.Audit, logger))

	pdf := report.NewClient(cfg.GotenbergURL)
	renderer, err := invoicedoc.NewRenderer(pdf, invoicedoc.Config{
		StorageDir: cfg.DocumentDir,
		BaseURL:    cfg.DocumentBaseURL,
	}, logger)
	if err != nil {
		return nil, err
	}

	ledger := dues.NewLedger(repo, events, logger)
	return &Engine{
		Repo:     repo,
		Ledger:   ledger,
		Recorder: dues.NewRecorder(repo, ledger, events, logger),
		Aggregator: dues.NewAggregator(repo, ledger, logger,
			dues.WithCache(cache),
			dues.WithLookbackDays(cfg.DuesLookbackDays),
			dues.WithClock(func() time.Time { return time.Now().In(loc) }),
		),
		Orchestrator: dues.NewOrchestrator(repo, ledger, renderer, deps.Queue, events, logger),
		Cache:        cache,
		Renderer:     renderer,
		PDF:          pdf,
	}, nil
}

// DuesMetricsSink counts committed ledger events in Prometheus.
func DuesMetricsSink(m *observability.Metrics) dues.EventSink {
	if m == nil {
		return nil
	}
	return dues.EventSinkFunc(func(_ context.Context, evt dues.Event) {
		m.RecordDuesEvent(string(evt.Type), evt.Amount.InexactFloat64())
	})
}

// DuesAuditSink writes ledger events to the audit trail. Write failures are
// logged; the ledger change has already committed.
func DuesAuditSink(recorder AuditRecorder, logger *slog.Logger) dues.EventSink {
	if recorder == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return dues.EventSinkFunc(func(ctx context.Context, evt dues.Event) {
		entry := auditEntry(ctx, evt)
		if err := recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
			logger.Warn("dues audit write failed",
				slog.String("event", string(evt.Type)),
				slog.String("entity_id", entry.EntityID),
				slog.Any("error", err))
		}
	})
}

func auditEntry(ctx context.Context, evt dues.Event) shared.AuditLog {
	entry := shared.AuditLog{
		RequestID: chimw.GetReqID(ctx),
		Action:    string(evt.Type),
		Entity:    "customer",
		EntityID:  strconv.FormatInt(evt.CustomerID, 10),
		Meta: map[string]any{
			"customer_id": evt.CustomerID,
			"amount":      evt.Amount.StringFixed(2),
		},
		At: evt.OccurredAt,
	}
	if evt.InvoiceID > 0 {
		entry.Entity = "invoice"
		entry.EntityID = strconv.FormatInt(evt.InvoiceID, 10)
	}
	return entry
}
