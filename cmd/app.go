package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/blog/internal/cache"
	"example.com/backstage/services/blog/internal/database"
	"example.com/backstage/services/blog/internal/metrics"
	"example.com/backstage/services/blog/internal/projections"
	"example.com/backstage/services/blog/internal/tracing"
)

// components are the pieces shared by the server and the worker
type components struct {
	db        *gorm.DB
	metrics   *metrics.Metrics
	tracer    tracing.Tracer
	cache     *cache.RedisCache
	readModel *projections.ReadModel
	projector *projections.Projector
}

func buildComponents(ctx context.Context) (*components, error) {
	m := metrics.NewMetrics()

	db, err := database.Open(cfg.DB, m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	m.SetHealth("database", true)

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
		tracer = tracing.Disabled()
	}

	// The read model falls back to the database when Redis is unavailable
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Read-model cache disabled")
		redisCache = nil
	}
	if cfg.Redis.Enabled {
		m.SetHealth("redis", redisCache.Enabled())
	}

	regenerator, err := buildRegenerator(ctx)
	if err != nil {
		return nil, err
	}

	readModel := projections.NewReadModel(db, redisCache)
	projector := projections.NewProjector(db, regenerator,
		projections.WithInvalidator(readModel),
		projections.WithMetrics(m),
		projections.WithTracer(tracer),
	)

	return &components{
		db:        db,
		metrics:   m,
		tracer:    tracer,
		cache:     redisCache,
		readModel: readModel,
		projector: projector,
	}, nil
}

func buildRegenerator(ctx context.Context) (projections.Regenerator, error) {
	if !cfg.Elastic.Enabled {
		log.Info().Msg("Elasticsearch disabled, published pages are only kept in the read model")
		return projections.NoopRegenerator{}, nil
	}

	client, err := projections.NewElasticsearchClient(cfg.Elastic)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize Elasticsearch")
	}
	if err := projections.EnsureIndices(ctx, client, cfg.Elastic); err != nil {
		return nil, errors.Wrap(err, "failed to prepare Elasticsearch indices")
	}
	return projections.NewElasticRegenerator(client, cfg.Elastic), nil
}

func (c *components) close() {
	c.tracer.Close()
	if err := c.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis")
	}
	if err := database.Close(c.db); err != nil {
		log.Warn().Err(err).Msg("Failed to close database")
	}
}
