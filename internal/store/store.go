package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/models"
)

// CommandStore is the authoritative article store. Every mutation stages
// exactly one outbox record in the same transaction.
type CommandStore interface {
	Create(ctx context.Context, article domain.Article, sections []domain.Section) (domain.Article, error)
	Save(ctx context.Context, article domain.Article, sections []domain.Section, expectedVersion int64) (domain.Article, error)
	Publish(ctx context.Context, id string, expectedVersion int64) (domain.Article, error)
	SetStatus(ctx context.Context, id string, status domain.Status, expectedVersion int64) (domain.Article, error)
	Delete(ctx context.Context, id string, expectedVersion int64) (int64, error)
	Get(ctx context.Context, id string) (domain.Article, []domain.Section, error)
	List(ctx context.Context, filter *domain.Status, page, pageSize int) (domain.Listing[domain.Article], error)
}

// GormStore implements CommandStore and Outbox using GORM
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a new GORM command store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a new article at version 1 and stages ArticleSaved
func (s *GormStore) Create(ctx context.Context, article domain.Article, sections []domain.Section) (domain.Article, error) {
	if err := domain.ValidateSections(sections); err != nil {
		return domain.Article{}, err
	}
	if article.ID == "" {
		article.ID = uuid.New().String()
	}
	if article.Slug == "" {
		article.Slug = domain.Slugify(article.Title)
	}
	if !domain.IsValidSlug(article.Slug) {
		return domain.Article{}, fmt.Errorf("%w: invalid slug %q", domain.ErrInvalidInput, article.Slug)
	}

	now := s.now()
	row := models.Article{
		ID:          article.ID,
		Title:       article.Title,
		Slug:        article.Slug,
		Description: article.Description,
		Author:      article.Author,
		Status:      string(domain.StatusDraft),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var saved domain.Article
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureSlugFree(tx, row.Slug, row.ID); err != nil {
			return err
		}
		var existing int64
		if err := tx.Model(&models.Article{}).Where("id = ?", row.ID).Count(&existing).Error; err != nil {
			return fmt.Errorf("failed to check article: %w", err)
		}
		if existing > 0 {
			return fmt.Errorf("%w: article %s already exists", domain.ErrConflict, row.ID)
		}
		// A deleted article keeps its outbox history and its read-model
		// tombstone, so its id can never start over at version 1
		var history int64
		if err := tx.Model(&models.OutboxRecord{}).Where("partition_key = ?", row.ID).Count(&history).Error; err != nil {
			return fmt.Errorf("failed to check article history: %w", err)
		}
		if history > 0 {
			return fmt.Errorf("%w: article id %s was used by a deleted article", domain.ErrConflict, row.ID)
		}

		if err := tx.Omit("Sections").Create(&row).Error; err != nil {
			return translate(err, "failed to create article")
		}
		stored, err := replaceSections(tx, row.ID, sections)
		if err != nil {
			return err
		}

		saved = toDomainArticle(row)
		event := domain.ArticleSaved{
			ArticleID: saved.ID,
			Version:   saved.Version,
			Snapshot:  domain.NewSnapshot(saved, stored),
		}
		return s.appendOutbox(tx, event, now)
	})
	if err != nil {
		return domain.Article{}, err
	}

	log.Info().Str("article_id", saved.ID).Int64("version", saved.Version).Msg("Article created")
	return saved, nil
}

// Save replaces the article content and its section list
func (s *GormStore) Save(ctx context.Context, article domain.Article, sections []domain.Section, expectedVersion int64) (domain.Article, error) {
	if err := domain.ValidateSections(sections); err != nil {
		return domain.Article{}, err
	}
	if article.Slug == "" {
		article.Slug = domain.Slugify(article.Title)
	}
	if !domain.IsValidSlug(article.Slug) {
		return domain.Article{}, fmt.Errorf("%w: invalid slug %q", domain.ErrInvalidInput, article.Slug)
	}

	now := s.now()
	var saved domain.Article
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureSlugFree(tx, article.Slug, article.ID); err != nil {
			return err
		}
		row, err := compareAndSwap(tx, article.ID, expectedVersion, map[string]interface{}{
			"title":       article.Title,
			"slug":        article.Slug,
			"description": article.Description,
			"author":      article.Author,
			"updated_at":  now,
		})
		if err != nil {
			return err
		}
		stored, err := replaceSections(tx, row.ID, sections)
		if err != nil {
			return err
		}

		saved = toDomainArticle(row)
		event := domain.ArticleSaved{
			ArticleID: saved.ID,
			Version:   saved.Version,
			Snapshot:  domain.NewSnapshot(saved, stored),
		}
		return s.appendOutbox(tx, event, now)
	})
	if err != nil {
		return domain.Article{}, err
	}

	log.Info().Str("article_id", saved.ID).Int64("version", saved.Version).Msg("Article saved")
	return saved, nil
}

// Publish moves an article to published and stages ArticlePublished
func (s *GormStore) Publish(ctx context.Context, id string, expectedVersion int64) (domain.Article, error) {
	now := s.now()
	var saved domain.Article
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := loadArticle(tx, id)
		if err != nil {
			return err
		}
		publishedAt := current.PublishedAt
		if publishedAt == nil {
			publishedAt = &now
		}

		row, err := compareAndSwap(tx, id, expectedVersion, map[string]interface{}{
			"status":       string(domain.StatusPublished),
			"published_at": *publishedAt,
			"updated_at":   now,
		})
		if err != nil {
			return err
		}
		var sections []models.Section
		if err := tx.Where("article_id = ?", id).Order("position ASC").Find(&sections).Error; err != nil {
			return fmt.Errorf("failed to load sections: %w", err)
		}

		saved = toDomainArticle(row)
		event := domain.ArticlePublished{
			ArticleID: saved.ID,
			Version:   saved.Version,
			Snapshot:  domain.NewSnapshot(saved, toDomainSections(sections)),
		}
		return s.appendOutbox(tx, event, now)
	})
	if err != nil {
		return domain.Article{}, err
	}

	log.Info().Str("article_id", saved.ID).Int64("version", saved.Version).Msg("Article published")
	return saved, nil
}

// SetStatus moves an article to draft or trash and stages ArticleSaved
func (s *GormStore) SetStatus(ctx context.Context, id string, status domain.Status, expectedVersion int64) (domain.Article, error) {
	switch status {
	case domain.StatusDraft, domain.StatusTrash:
	case domain.StatusPublished:
		return s.Publish(ctx, id, expectedVersion)
	default:
		return domain.Article{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}

	now := s.now()
	var saved domain.Article
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := compareAndSwap(tx, id, expectedVersion, map[string]interface{}{
			"status":     string(status),
			"updated_at": now,
		})
		if err != nil {
			return err
		}
		var sections []models.Section
		if err := tx.Where("article_id = ?", id).Order("position ASC").Find(&sections).Error; err != nil {
			return fmt.Errorf("failed to load sections: %w", err)
		}

		saved = toDomainArticle(row)
		event := domain.ArticleSaved{
			ArticleID: saved.ID,
			Version:   saved.Version,
			Snapshot:  domain.NewSnapshot(saved, toDomainSections(sections)),
		}
		return s.appendOutbox(tx, event, now)
	})
	if err != nil {
		return domain.Article{}, err
	}

	log.Info().
		Str("article_id", saved.ID).
		Str("status", string(status)).
		Int64("version", saved.Version).
		Msg("Article status changed")
	return saved, nil
}

// Delete permanently removes an article with its sections and stages
// ArticleDeleted. It returns the version carried by the event.
func (s *GormStore) Delete(ctx context.Context, id string, expectedVersion int64) (int64, error) {
	now := s.now()
	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := compareAndSwap(tx, id, expectedVersion, map[string]interface{}{
			"updated_at": now,
		})
		if err != nil {
			return err
		}
		version = row.Version

		if err := tx.Where("article_id = ?", id).Delete(&models.Section{}).Error; err != nil {
			return fmt.Errorf("failed to delete sections: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&models.Article{}).Error; err != nil {
			return fmt.Errorf("failed to delete article: %w", err)
		}

		return s.appendOutbox(tx, domain.ArticleDeleted{ArticleID: id, Version: version}, now)
	})
	if err != nil {
		return 0, err
	}

	log.Info().Str("article_id", id).Int64("version", version).Msg("Article deleted")
	return version, nil
}

// Get loads an article and its ordered sections
func (s *GormStore) Get(ctx context.Context, id string) (domain.Article, []domain.Section, error) {
	var row models.Article
	err := s.db.WithContext(ctx).
		Preload("Sections", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Where("id = ?", id).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Article{}, nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		}
		return domain.Article{}, nil, fmt.Errorf("failed to load article: %w", err)
	}
	return toDomainArticle(row), toDomainSections(row.Sections), nil
}

// List returns one page of articles, newest first. A nil filter lists every status.
func (s *GormStore) List(ctx context.Context, filter *domain.Status, page, pageSize int) (domain.Listing[domain.Article], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	query := s.db.WithContext(ctx).Model(&models.Article{})
	if filter != nil {
		query = query.Where("status = ?", string(*filter))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return domain.Listing[domain.Article]{}, fmt.Errorf("failed to count articles: %w", err)
	}

	var rows []models.Article
	if err := query.Order("created_at DESC").Order("id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rows).Error; err != nil {
		return domain.Listing[domain.Article]{}, fmt.Errorf("failed to list articles: %w", err)
	}

	items := make([]domain.Article, 0, len(rows))
	for _, r := range rows {
		items = append(items, toDomainArticle(r))
	}
	return domain.Listing[domain.Article]{
		Items: items,
		Pages: (total + int64(pageSize) - 1) / int64(pageSize),
		Total: total,
	}, nil
}

// compareAndSwap bumps the article version when it still equals expected
// and applies the given column updates in the same statement
func compareAndSwap(tx *gorm.DB, id string, expected int64, updates map[string]interface{}) (models.Article, error) {
	updates["version"] = expected + 1
	res := tx.Model(&models.Article{}).
		Where("id = ? AND version = ?", id, expected).
		Updates(updates)
	if res.Error != nil {
		return models.Article{}, translate(res.Error, "failed to update article")
	}
	if res.RowsAffected == 0 {
		current, err := loadArticle(tx, id)
		if err != nil {
			return models.Article{}, err
		}
		return models.Article{}, fmt.Errorf("%w: article %s is at version %d, expected %d",
			domain.ErrConflict, id, current.Version, expected)
	}
	return loadArticle(tx, id)
}

func loadArticle(tx *gorm.DB, id string) (models.Article, error) {
	var row models.Article
	if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Article{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
		}
		return models.Article{}, fmt.Errorf("failed to load article: %w", err)
	}
	return row, nil
}

func ensureSlugFree(tx *gorm.DB, slug, id string) error {
	var count int64
	if err := tx.Model(&models.Article{}).Where("slug = ? AND id <> ?", slug, id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check slug: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: slug %q is taken", domain.ErrConflict, slug)
	}
	return nil
}

func replaceSections(tx *gorm.DB, articleID string, sections []domain.Section) ([]domain.Section, error) {
	if err := tx.Where("article_id = ?", articleID).Delete(&models.Section{}).Error; err != nil {
		return nil, fmt.Errorf("failed to clear sections: %w", err)
	}
	if len(sections) == 0 {
		return []domain.Section{}, nil
	}

	rows := toSectionRows(articleID, sections)
	for i := range rows {
		if rows[i].ID == "" {
			rows[i].ID = uuid.New().String()
		}
	}
	if err := tx.Create(&rows).Error; err != nil {
		return nil, translate(err, "failed to store sections")
	}
	return toDomainSections(rows), nil
}

// translate maps unique violations to ErrConflict
func translate(err error, msg string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
		return fmt.Errorf("%w: %s: %v", domain.ErrConflict, msg, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
