package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/blog/config"
	"example.com/backstage/services/blog/internal/deadletter"
	"example.com/backstage/services/blog/internal/handlers"
	"example.com/backstage/services/blog/internal/metrics"
	"example.com/backstage/services/blog/internal/models"
	"example.com/backstage/services/blog/internal/projections"
	"example.com/backstage/services/blog/internal/tracing"
)

// PublishedReader serves the read model
type PublishedReader interface {
	GetByID(ctx context.Context, id string) (projections.PublishedView, error)
	GetBySlug(ctx context.Context, slug string) (projections.PublishedView, error)
}

// DeadLetters is the operator view of the dead-letter sink
type DeadLetters interface {
	List(ctx context.Context, pendingOnly bool, limit int) ([]models.DeadLetter, error)
	Get(ctx context.Context, id uint) (models.DeadLetter, error)
	Reinject(ctx context.Context, id uint, applier deadletter.Applier) (models.DeadLetter, error)
}

// Deps are the collaborators of the HTTP server
type Deps struct {
	DB          *gorm.DB
	Articles    *handlers.ArticleHandler
	Published   PublishedReader
	DeadLetters DeadLetters
	Projector   deadletter.Applier
	Metrics     *metrics.Metrics
	Tracer      tracing.Tracer
}

// Server is the HTTP server for the API
type Server struct {
	cfg        config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	deps       Deps
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.Tracer == nil {
		deps.Tracer = tracing.Disabled()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}

	server := &Server{
		cfg:    cfg,
		router: gin.New(),
		deps:   deps,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

// Handler exposes the router, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())
	if s.cfg.CorsEnabled {
		s.router.Use(CORSMiddleware(s.cfg.CorsOrigins))
	}
	s.router.Use(gin.Recovery())
	s.router.Use(LoggingMiddleware())

	if app := s.deps.Tracer.Application(); app != nil {
		s.router.Use(nrgin.Middleware(app))
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.router.GET("/metrics", s.getMetrics)
	s.router.GET("/health", s.getHealth)

	v1 := s.router.Group("/api/v1")

	articleRoutes := v1.Group("/articles")
	{
		articleRoutes.POST("", s.createArticle)
		articleRoutes.GET("", s.listArticles)
		articleRoutes.GET("/:id", s.getArticle)
		articleRoutes.PUT("/:id", s.updateArticle)
		articleRoutes.PUT("/:id/status/:status", s.changeStatus)
		articleRoutes.DELETE("/:id", s.deleteArticle)
	}

	publishedRoutes := v1.Group("/published")
	{
		publishedRoutes.GET("/:slug", s.getPublishedBySlug)
		publishedRoutes.GET("/id/:id", s.getPublishedByID)
	}

	deadLetterRoutes := v1.Group("/dead-letters")
	{
		deadLetterRoutes.GET("", s.listDeadLetters)
		deadLetterRoutes.GET("/:id", s.getDeadLetter)
		deadLetterRoutes.POST("/:id/reinject", s.reinjectDeadLetter)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Timeout,
		WriteTimeout: s.cfg.Timeout,
	}

	log.Info().Msgf("HTTP server starting on %s", s.cfg.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
