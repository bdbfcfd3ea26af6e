/*
welfarectl - operator CLI for the welfare benefit engine

PURPOSE:
  Inspects and repairs a welfare database without going through the HTTP
  API: dump the log, replay the status of a change, rebuild a read model,
  print the ledger.

COMMANDS:
  welfarectl events [--since N]     Print the log
  welfarectl replay <changeId>      Replay the status of a change
  welfarectl rebuild <projection>   Clear and replay a read model
  welfarectl ledger                 Print monthly ledger summaries

GLOBAL FLAGS:
  --db         SQLite path (default: $WELFARE_DB or welfare.db)
  --log-level  logrus level (default info)
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/benefit-engine/generic"
	"github.com/warp/benefit-engine/store/sqlite"
	"github.com/warp/benefit-engine/welfare"
)

var (
	dbPath   string
	logLevel string
	rootCmd  = &cobra.Command{
		Use:               "welfarectl",
		Short:             "Operator CLI for the welfare benefit engine",
		SilenceUsage:      true,
		PersistentPreRunE: initLogging,
	}
)

func init() {
	defaultDB := os.Getenv("WELFARE_DB")
	if defaultDB == "" {
		defaultDB = "welfare.db"
	}
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", defaultDB, "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(rebuildCmd())
	rootCmd.AddCommand(ledgerCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(_ *cobra.Command, _ []string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	return nil
}

// withService opens the database and hands a service to fn.
func withService(ctx context.Context, fn func(*welfare.Service) error) error {
	store, err := sqlite.New(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.WithError(closeErr).Error("failed to close database")
		}
	}()
	return fn(welfare.NewService(generic.NewEventLog(store), store, welfare.Config{}))
}
