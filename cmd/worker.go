package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/backstage/services/blog/internal/deadletter"
	"example.com/backstage/services/blog/internal/eventlog"
	"example.com/backstage/services/blog/internal/metrics"
	"example.com/backstage/services/blog/internal/outbox"
	"example.com/backstage/services/blog/internal/projections"
	"example.com/backstage/services/blog/internal/store"
)

var serveHTTP bool

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the outbox relay and the projector",
	Long: `Runs the outbox relay, the projector dispatcher and the metrics sampler.
With the memory event log the relay and the projector only meet inside one
process, so --serve also runs the HTTP API alongside them.`,
	Run: runWorker,
}

func init() {
	workerCmd.Flags().BoolVar(&serveHTTP, "serve", false, "also serve the HTTP API from this process")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) {
	log.Info().Str("event_log", cfg.EventLog.Driver).Msg("Starting worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildComponents(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize worker")
	}
	defer app.close()

	eventLog, err := eventlog.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event log")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eventLog.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close event log")
		}
	}()

	commands := store.NewGormStore(app.db)
	sink := deadletter.NewSink(app.db, app.metrics)
	relay := outbox.NewRelay(commands, eventLog, cfg.Relay, app.metrics)
	dispatcher := projections.NewDispatcher(app.projector, sink, cfg.Projector, app.metrics)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx, eventLog) })

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.RunSampler(gctx, app.metrics, cfg.Metrics.SampleInterval,
				metrics.Probe{Gauge: metrics.GaugeOutboxBacklog, Read: commands.Backlog},
				metrics.Probe{Gauge: metrics.GaugeDeadLetterPending, Read: sink.Count},
			)
		})
	}

	if serveHTTP {
		server := newAPIServer(app)
		g.Go(server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker stopped with error")
		return
	}
	log.Info().Msg("Worker exited properly")
}
