package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/blog/config"
)

func TestDisabledCache(t *testing.T) {
	c, err := NewRedisCache(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	ctx := context.Background()
	var out map[string]string
	assert.ErrorIs(t, c.Get(ctx, "k", &out), ErrDisabled)
	assert.ErrorIs(t, c.Set(ctx, "k", "v"), ErrDisabled)
	assert.ErrorIs(t, c.Delete(ctx, "k"), ErrDisabled)
	assert.NoError(t, c.Close())

	var nilCache *RedisCache
	assert.False(t, nilCache.Enabled())
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "published:id:a1", PublishedIDKey("a1"))
	assert.Equal(t, "published:slug:hello-world", PublishedSlugKey("hello-world"))
}
