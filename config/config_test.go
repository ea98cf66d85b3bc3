package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
database:
  driver: sqlite
  dsn: file:blog.db
eventlog:
  driver: memory
relay:
  batch_size: 25
projector:
  max_attempts: 3
  idle_timeout: 5s
`), 0o600))

	SetConfigFile(path)
	t.Cleanup(func() { SetConfigFile("") })
	t.Setenv("BLOG_PROJECTOR_CONCURRENCY", "4")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "memory", cfg.EventLog.Driver)
	assert.Equal(t, 25, cfg.Relay.BatchSize)
	assert.Equal(t, 3, cfg.Projector.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Projector.IdleTimeout)
	assert.Equal(t, 4, cfg.Projector.Concurrency)

	// Untouched keys keep their defaults
	assert.Equal(t, time.Second, cfg.Relay.PollInterval)
	assert.Equal(t, "blog-article-events", cfg.Azure.QueueName)
}

func TestFormatIndex(t *testing.T) {
	assert.Equal(t, "published-pages", FormatIndex(ElasticConfig{}, "published-pages"))
	assert.Equal(t, "blog-published-pages", FormatIndex(ElasticConfig{Prefix: "blog"}, "published-pages"))
}
