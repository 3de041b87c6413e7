package app

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	dueshttp "github.com/repairhub/repairhub/internal/dues/http"
	"github.com/repairhub/repairhub/internal/observability"
	"github.com/repairhub/repairhub/internal/platform/httpx"
	"github.com/repairhub/repairhub/jobs"
	"github.com/repairhub/repairhub/report"
)

// Pinger reports whether a backing service answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger      *slog.Logger
	Config      *Config
	DuesHandler *dueshttp.Handler
	// DocumentDir is served read-only under /documents.
	DocumentDir   string
	ReportHandler *report.Handler
	JobHandler    *jobs.Handler
	Metrics       *observability.Metrics
	// Readiness probes; each must answer within the readiness timeout.
	Readiness map[string]Pinger
}

const readinessTimeout = 2 * time.Second

// NewRouter constructs the chi.Router with RepairHub defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readinessHandler(params.Logger, params.Readiness))

	if params.DuesHandler != nil {
		r.Route("/api", params.DuesHandler.MountRoutes)
	}
	if params.ReportHandler != nil {
		r.Route("/report", params.ReportHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.DocumentDir != "" {
		fileServer := http.StripPrefix("/documents/", http.FileServer(http.Dir(params.DocumentDir)))
		r.Handle("/documents/*", documentCacheHandler(fileServer))
	}

	return r
}

// documentCacheHandler marks rendered documents as private and refuses
// directory listings.
func documentCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			httpx.Problem(w, http.StatusNotFound, "Not Found", "")
			return
		}
		w.Header().Set("Cache-Control", "private, max-age=3600")
		next.ServeHTTP(w, r)
	})
}

func readinessHandler(logger *slog.Logger, probes map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		g, gctx := errgroup.WithContext(ctx)
		for name, probe := range probes {
			if probe == nil {
				continue
			}
			g.Go(func() error {
				if err := probe.Ping(gctx); err != nil {
					logger.Warn("readiness probe failed", slog.String("probe", name), slog.Any("error", err))
					return err
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "")
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
