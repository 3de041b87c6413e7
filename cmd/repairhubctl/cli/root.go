package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/repairhub/repairhub/internal/dues"
	"github.com/repairhub/repairhub/jobs"
)

// ErrDriftDetected is returned by dues verify when any ledger is out of balance.
var ErrDriftDetected = errors.New("dues ledger drift detected")

// LedgerVerifier checks the per-customer balance identity.
type LedgerVerifier interface {
	VerifyCustomer(ctx context.Context, customerID int64) (*dues.Reconciliation, error)
	VerifyAll(ctx context.Context) (int, []dues.Reconciliation, error)
}

// Opener lazily connects the backends a command needs.
type Opener interface {
	Jobs(ctx context.Context) (*JobsCLI, error)
	Verifier(ctx context.Context) (LedgerVerifier, func(), error)
}

// NewRootCommand builds the repairhubctl command tree.
func NewRootCommand(opener Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "repairhubctl",
		Short:         "Operate the RepairHub dues engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newJobsCommand(opener), newDuesCommand(opener))
	return root
}

func newJobsCommand(opener Opener) *cobra.Command {
	cmd := &cobra.Command{Use: "jobs", Short: "Inspect and trigger background jobs"}

	var invoiceID int64
	trigger := &cobra.Command{
		Use:       "trigger <job>",
		Short:     "Enqueue a job now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{jobs.TaskDuesReconcile, jobs.TaskIdempotencyCleanup, jobs.TaskInvoiceDocument},
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opener.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			info, err := c.Trigger(cmd.Context(), args[0], invoiceID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	trigger.Flags().Int64Var(&invoiceID, "invoice-id", 0, "invoice to re-render for "+jobs.TaskInvoiceDocument)

	var asJSON bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show default queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opener.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			s, err := c.InspectQueue(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), s)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
			return tw.Flush()
		},
	}
	stats.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var size int
	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opener.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			tasks, err := c.ListScheduled(cmd.Context(), size)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tNEXT RUN")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	scheduled.Flags().IntVar(&size, "size", 10, "page size")

	cmd.AddCommand(trigger, stats, scheduled)
	return cmd
}

func newDuesCommand(opener Opener) *cobra.Command {
	cmd := &cobra.Command{Use: "dues", Short: "Dues ledger maintenance"}

	var customerID int64
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check pending balances against invoices and allocations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, closeFn, err := opener.Verifier(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			var checked int
			var drifted []dues.Reconciliation
			if customerID > 0 {
				rec, err := v.VerifyCustomer(cmd.Context(), customerID)
				if err != nil {
					return err
				}
				checked = 1
				if !rec.Balanced {
					drifted = append(drifted, *rec)
				}
			} else {
				checked, drifted, err = v.VerifyAll(cmd.Context())
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "checked %d customer(s), %d drifted\n", checked, len(drifted))
			if len(drifted) == 0 {
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CUSTOMER\tPENDING\tINVOICED\tALLOCATED\tDRIFT")
			for _, r := range drifted {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.CustomerID,
					r.PendingBalance.StringFixed(2), r.InvoicedAmount.StringFixed(2),
					r.AllocatedAmount.StringFixed(2), r.Drift.StringFixed(2))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			return ErrDriftDetected
		},
	}
	verify.Flags().Int64Var(&customerID, "customer", 0, "verify a single customer")

	cmd.AddCommand(verify)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
