package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/repairhub/repairhub/cmd/repairhubctl/cli"
	"github.com/repairhub/repairhub/internal/app"
	"github.com/repairhub/repairhub/internal/dues"
	"github.com/repairhub/repairhub/internal/platform/db"
)

type opener struct {
	cfg    *app.Config
	logger *slog.Logger
}

func (o opener) Jobs(ctx context.Context) (*cli.JobsCLI, error) {
	return cli.NewJobsCLI(o.cfg.AsynqRedisOpt(), o.cfg.IdempotencyRetention), nil
}

func (o opener) Verifier(ctx context.Context) (cli.LedgerVerifier, func(), error) {
	pool, err := db.New(ctx, o.cfg.DatabaseOptions())
	if err != nil {
		return nil, nil, err
	}
	ledger := dues.NewLedger(dues.NewRepository(pool), nil, o.logger)
	return ledger, pool.Close, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	root := cli.NewRootCommand(opener{cfg: cfg, logger: logger})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "repairhubctl:", err)
		os.Exit(1)
	}
}
