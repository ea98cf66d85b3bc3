package projections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/blog/internal/cache"
	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/models"
)

// PublishedView is a served article
type PublishedView struct {
	ArticleID      string           `json:"article_id"`
	Title          string           `json:"title"`
	Slug           string           `json:"slug"`
	Description    string           `json:"description"`
	Author         string           `json:"author"`
	Content        string           `json:"content"`
	Sections       []domain.Section `json:"sections"`
	AppliedVersion int64            `json:"applied_version"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	PublishedAt    *time.Time       `json:"published_at,omitempty"`
}

// ReadModel serves published articles by id or slug, optionally through a
// Redis cache. Only rows with status published are visible.
type ReadModel struct {
	db    *gorm.DB
	cache *cache.RedisCache
}

// NewReadModel creates a read model. A nil or disabled cache reads straight
// from the database.
func NewReadModel(db *gorm.DB, c *cache.RedisCache) *ReadModel {
	return &ReadModel{db: db, cache: c}
}

// GetByID returns the published article with the given id
func (r *ReadModel) GetByID(ctx context.Context, id string) (PublishedView, error) {
	return r.get(ctx, cache.PublishedIDKey(id), "article_id = ?", id)
}

// GetBySlug returns the published article with the given slug
func (r *ReadModel) GetBySlug(ctx context.Context, slug string) (PublishedView, error) {
	return r.get(ctx, cache.PublishedSlugKey(slug), "slug = ?", slug)
}

func (r *ReadModel) get(ctx context.Context, key, query string, arg string) (PublishedView, error) {
	var view PublishedView
	if r.cache.Enabled() {
		err := r.cache.Get(ctx, key, &view)
		if err == nil {
			return view, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		}
	}

	var row models.PublishedArticle
	err := r.db.WithContext(ctx).
		Where(query, arg).
		Where("status = ?", string(domain.StatusPublished)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return PublishedView{}, fmt.Errorf("%w: %s", domain.ErrNotFound, arg)
		}
		return PublishedView{}, fmt.Errorf("failed to load published article: %w", err)
	}

	view, err = viewOf(row)
	if err != nil {
		return PublishedView{}, err
	}

	if r.cache.Enabled() {
		r.fill(ctx, key, view)
	}
	return view, nil
}

// fill caches view and evicts it again when the projector moved past it in
// the meantime. A commit landing after the recheck is followed by its own
// invalidation, which runs after the Set.
func (r *ReadModel) fill(ctx context.Context, key string, view PublishedView) {
	if err := r.cache.Set(ctx, key, view); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		return
	}

	current, err := r.isCurrent(ctx, view)
	if err == nil && current {
		return
	}
	if err := r.cache.Delete(ctx, key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to evict stale cache entry")
	}
}

// isCurrent reports whether view still matches the stored row. Every change
// bumps the version, so equal versions mean equal content.
func (r *ReadModel) isCurrent(ctx context.Context, view PublishedView) (bool, error) {
	version, deleted, ok, err := r.AppliedVersion(ctx, view.ArticleID)
	if err != nil {
		return false, err
	}
	return ok && !deleted && version == view.AppliedVersion, nil
}

// AppliedVersion returns the highest version applied for an article,
// including deleted ones. ok is false when the projector never saw it.
func (r *ReadModel) AppliedVersion(ctx context.Context, id string) (version int64, deleted bool, ok bool, err error) {
	var row models.PublishedArticle
	err = r.db.WithContext(ctx).Unscoped().Where("article_id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, false, nil
		}
		return 0, false, false, fmt.Errorf("failed to load published article: %w", err)
	}
	return row.AppliedVersion, row.DeletedAt.Valid, true, nil
}

// Invalidate evicts the cache entries of an article
func (r *ReadModel) Invalidate(ctx context.Context, articleID string, slugs []string) {
	if !r.cache.Enabled() {
		return
	}
	keys := []string{cache.PublishedIDKey(articleID)}
	for _, slug := range slugs {
		keys = append(keys, cache.PublishedSlugKey(slug))
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		log.Warn().Err(err).Str("article_id", articleID).Msg("Cache invalidation failed")
	}
}

func viewOf(row models.PublishedArticle) (PublishedView, error) {
	var sections []domain.Section
	if len(row.Sections) > 0 {
		if err := json.Unmarshal(row.Sections, &sections); err != nil {
			return PublishedView{}, fmt.Errorf("failed to unmarshal sections: %w", err)
		}
	}

	view := PublishedView{
		ArticleID:      row.ArticleID,
		Title:          row.Title,
		Slug:           row.Slug,
		Description:    row.Description,
		Author:         row.Author,
		Content:        row.Content,
		Sections:       sections,
		AppliedVersion: row.AppliedVersion,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
	if row.PublishedAt != nil {
		published := row.PublishedAt.UTC()
		view.PublishedAt = &published
	}
	return view, nil
}
