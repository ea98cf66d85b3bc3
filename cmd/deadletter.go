package cmd

import (
	"context"
	"encoding/json"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"example.com/backstage/services/blog/internal/deadletter"
)

var (
	listAll   bool
	listLimit int
)

var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and reinject dead-lettered events",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSink(cmd.Context(), func(ctx context.Context, sink *deadletter.Sink, _ *components) error {
			entries, err := sink.List(ctx, !listAll, listLimit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		})
	},
}

var deadLetterReinjectCmd = &cobra.Command{
	Use:   "reinject <id>",
	Short: "Replay a dead letter through the projector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid dead letter id %q", args[0])
		}
		return withSink(cmd.Context(), func(ctx context.Context, sink *deadletter.Sink, app *components) error {
			entry, err := sink.Reinject(ctx, uint(id), app.projector)
			if err != nil {
				return err
			}
			cmd.Printf("Reinjected dead letter %d (%s %s v%d)\n", entry.ID, entry.EventType, entry.ArticleID, entry.Version)
			return nil
		})
	},
}

func init() {
	deadLetterListCmd.Flags().BoolVar(&listAll, "all", false, "include reinjected entries")
	deadLetterListCmd.Flags().IntVar(&listLimit, "limit", 100, "maximum number of entries")

	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterReinjectCmd)
	rootCmd.AddCommand(deadLetterCmd)
}

func withSink(ctx context.Context, fn func(context.Context, *deadletter.Sink, *components) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := buildComponents(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	return fn(ctx, deadletter.NewSink(app.db, app.metrics), app)
}
