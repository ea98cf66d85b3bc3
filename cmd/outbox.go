package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/blog/internal/database"
	"example.com/backstage/services/blog/internal/eventlog"
	"example.com/backstage/services/blog/internal/outbox"
	"example.com/backstage/services/blog/internal/store"
)

var drainTimeout time.Duration

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and drain the outbox",
}

var outboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the number of undelivered outbox records",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Open(cfg.DB, nil)
		if err != nil {
			return errors.Wrap(err, "failed to connect to database")
		}
		defer database.Close(db)

		backlog, err := store.NewGormStore(db).Backlog(context.Background())
		if err != nil {
			return err
		}
		cmd.Printf("%d undelivered outbox records\n", backlog)
		return nil
	},
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Publish every undelivered outbox record once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.EventLog.Driver == eventlog.DriverMemory {
			return errors.New("draining into the memory event log loses every record; run the worker instead")
		}

		db, err := database.Open(cfg.DB, nil)
		if err != nil {
			return errors.Wrap(err, "failed to connect to database")
		}
		defer database.Close(db)

		eventLog, err := eventlog.New(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to initialize event log")
		}

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		defer eventLog.Close(context.WithoutCancel(ctx))

		relay := outbox.NewRelay(store.NewGormStore(db), eventLog, cfg.Relay, nil)
		total := 0
		for {
			delivered, err := relay.Drain(ctx)
			if err != nil {
				return err
			}
			total += delivered
			if delivered == 0 || ctx.Err() != nil {
				break
			}
		}

		log.Info().Int("delivered", total).Msg("Outbox drained")
		return nil
	},
}

func init() {
	outboxDrainCmd.Flags().DurationVar(&drainTimeout, "timeout", 10*time.Minute, "give up after this long")

	outboxCmd.AddCommand(outboxStatusCmd, outboxDrainCmd)
	rootCmd.AddCommand(outboxCmd)
}
