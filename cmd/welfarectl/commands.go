package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/benefit-engine/welfare"
)

func eventsCmd() *cobra.Command {
	var since int64
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if since < 0 {
				return fmt.Errorf("--since must not be negative")
			}
			return withService(cmd.Context(), func(svc *welfare.Service) error {
				events, err := svc.Events(cmd.Context(), since)
				if err != nil {
					return fmt.Errorf("failed to read events: %w", err)
				}
				w := table(cmd.OutOrStdout())
				fmt.Fprintln(w, "SEQ\tTYPE\tAGGREGATE\tCAUSE\tTIMESTAMP")
				for _, ev := range events {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", ev.SequenceID, ev.Type, ev.AggregateID, ev.CausationID, ev.Timestamp.Format("2006-01-02 15:04:05"))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only events after this sequence id")
	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <changeId>",
		Short: "Replay the status of a change from the log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(svc *welfare.Service) error {
				status, err := welfare.Replay(cmd.Context(), svc.Log(), args[0])
				if err != nil {
					return fmt.Errorf("failed to replay %s: %w", args[0], err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), status)
				return nil
			})
		},
	}
}

func rebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <projection>",
		Short: "Clear a read model and replay the log into it",
		Long: `Clear a read model and replay the whole log into it.

Projections: changes, resources, calculations, decisions, payment-plans, ledger.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(svc *welfare.Service) error {
				n, err := svc.RebuildProjection(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("failed to rebuild %s: %w", args[0], err)
				}
				log.WithField("projection", args[0]).Debug("rebuild finished")
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d events applied\n", args[0], n)
				return nil
			})
		},
	}
}

func ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "Print the monthly ledger summaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), func(svc *welfare.Service) error {
				if err := svc.Engine().CatchUpAll(cmd.Context()); err != nil {
					return fmt.Errorf("failed to catch up: %w", err)
				}
				summaries, err := svc.Ledger(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to read ledger: %w", err)
				}
				w := table(cmd.OutOrStdout())
				fmt.Fprintln(w, "MONTH\tTO BE PAID\tPROCESSED\tBALANCE")
				for _, s := range summaries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Month, s.LatestToBePaid.StringFixed(2), s.TotalProcessed.StringFixed(2), s.Balance.StringFixed(2))
				}
				return w.Flush()
			})
		},
	}
}

func table(out io.Writer) *tabwriter.Writer {
	if out == nil {
		out = os.Stdout
	}
	return tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
}
