package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/blog/internal/api"
	"example.com/backstage/services/blog/internal/deadletter"
	"example.com/backstage/services/blog/internal/handlers"
	"example.com/backstage/services/blog/internal/store"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the API server",
	Run:   runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) {
	log.Info().Msg("Starting server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildComponents(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer app.close()

	server := newAPIServer(app)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

func newAPIServer(app *components) *api.Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	return api.NewServer(cfg.Server, api.Deps{
		DB:          app.db,
		Articles:    handlers.NewArticleHandler(store.NewGormStore(app.db), app.metrics),
		Published:   app.readModel,
		DeadLetters: deadletter.NewSink(app.db, app.metrics),
		Projector:   app.projector,
		Metrics:     app.metrics,
		Tracer:      app.tracer,
	})
}
