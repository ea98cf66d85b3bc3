package projections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/metrics"
	"example.com/backstage/services/blog/internal/models"
	"example.com/backstage/services/blog/internal/tracing"
)

// Outcome describes what Apply did with an event
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeWithdrawn Outcome = "withdrawn"
	OutcomeDeleted   Outcome = "deleted"
	OutcomeDiscarded Outcome = "discarded"
	OutcomeSkipped   Outcome = "skipped"
)

// Invalidator evicts cached read-model entries after a commit
type Invalidator interface {
	Invalidate(ctx context.Context, articleID string, slugs []string)
}

// Projector maintains the published_articles read model. It is the only
// writer of that table. The dispatcher applies one article at a time, but a
// reinjected dead letter can race it, so rows are locked on load and every
// write is conditional on the applied version still being older.
type Projector struct {
	db          *gorm.DB
	regenerator Regenerator
	invalidator Invalidator
	metrics     *metrics.Metrics
	tracer      tracing.Tracer
	now         func() time.Time
}

// ProjectorOption configures a Projector
type ProjectorOption func(*Projector)

// WithInvalidator evicts cache entries of every changed article
func WithInvalidator(inv Invalidator) ProjectorOption {
	return func(p *Projector) { p.invalidator = inv }
}

// WithMetrics records apply counters and timings
func WithMetrics(m *metrics.Metrics) ProjectorOption {
	return func(p *Projector) { p.metrics = m }
}

// WithTracer wraps every apply in a New Relic transaction
func WithTracer(t tracing.Tracer) ProjectorOption {
	return func(p *Projector) {
		if t != nil {
			p.tracer = t
		}
	}
}

// NewProjector creates a new projector
func NewProjector(db *gorm.DB, regenerator Regenerator, opts ...ProjectorOption) *Projector {
	if regenerator == nil {
		regenerator = NoopRegenerator{}
	}
	p := &Projector{
		db:          db,
		regenerator: regenerator,
		tracer:      tracing.Disabled(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply applies one event to the read model. The read-model write and the
// regeneration run in one transaction: if regeneration fails nothing is
// committed and the event can be retried.
func (p *Projector) Apply(ctx context.Context, event domain.Event) error {
	_, err := p.ApplyWithOutcome(ctx, event)
	return err
}

// ApplyWithOutcome is Apply reporting what happened to the event
func (p *Projector) ApplyWithOutcome(ctx context.Context, event domain.Event) (Outcome, error) {
	start := time.Now()
	txn := p.tracer.StartTransaction("projector/" + event.GetType())
	defer p.tracer.EndTransaction(txn)
	p.tracer.AddAttribute(txn, "article_id", event.GetArticleID())
	p.tracer.AddAttribute(txn, "version", event.GetVersion())

	var (
		outcome Outcome
		slugs   []string
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, slugs, err = p.apply(ctx, tx, event)
		return err
	})
	p.metrics.RecordTimer(metrics.TimerApply, time.Since(start))

	if err != nil {
		p.tracer.RecordError(txn, err)
		if errors.Is(err, domain.ErrPoisonMessage) {
			return "", err
		}
		return "", fmt.Errorf("%w: %s v%d: %v", domain.ErrProjectionFailure, event.GetArticleID(), event.GetVersion(), err)
	}

	switch outcome {
	case OutcomeDiscarded, OutcomeSkipped:
		p.metrics.IncrementCounter(metrics.CounterEventsDiscarded)
	case OutcomeApplied, OutcomeWithdrawn, OutcomeDeleted:
		p.metrics.IncrementCounter(metrics.CounterEventsApplied)
		if p.invalidator != nil {
			p.invalidator.Invalidate(ctx, event.GetArticleID(), slugs)
		}
	}

	log.Debug().
		Str("article_id", event.GetArticleID()).
		Int64("version", event.GetVersion()).
		Str("event_type", event.GetType()).
		Str("outcome", string(outcome)).
		Msg("Event projected")
	return outcome, nil
}

// apply runs inside the transaction and returns the slugs whose cache
// entries are stale after commit
func (p *Projector) apply(ctx context.Context, tx *gorm.DB, event domain.Event) (Outcome, []string, error) {
	articleID := event.GetArticleID()
	version := event.GetVersion()

	var row models.PublishedArticle
	err := tx.Unscoped().
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("article_id = ?", articleID).
		First(&row).Error
	exists := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, fmt.Errorf("failed to load published article: %w", err)
	}

	if exists {
		// Deletion is terminal
		if row.DeletedAt.Valid {
			return OutcomeDiscarded, nil, nil
		}
		if version <= row.AppliedVersion {
			return OutcomeDiscarded, nil, nil
		}
		if version > row.AppliedVersion+1 {
			p.metrics.IncrementCounter(metrics.CounterEventGaps)
			log.Warn().
				Str("article_id", articleID).
				Int64("applied_version", row.AppliedVersion).
				Int64("version", version).
				Msg("Version gap, applying total snapshot")
		}
	}

	switch ev := event.(type) {
	case domain.ArticleDeleted:
		return p.applyDeleted(ctx, tx, ev, row, exists)
	case domain.ArticleSaved:
		return p.applySnapshot(ctx, tx, version, ev.Snapshot, row, exists)
	case domain.ArticlePublished:
		return p.applySnapshot(ctx, tx, version, ev.Snapshot, row, exists)
	default:
		return "", nil, fmt.Errorf("%w: unsupported event %T", domain.ErrPoisonMessage, event)
	}
}

func (p *Projector) applyDeleted(ctx context.Context, tx *gorm.DB, ev domain.ArticleDeleted, row models.PublishedArticle, exists bool) (Outcome, []string, error) {
	now := p.now()
	if exists {
		advanced, err := advance(tx, row.ArticleID, ev.Version, map[string]interface{}{
			"applied_version": ev.Version,
			"projected_at":    now,
			"deleted_at":      now,
		})
		if err != nil {
			return "", nil, fmt.Errorf("failed to delete published article: %w", err)
		}
		if !advanced {
			return OutcomeDiscarded, nil, nil
		}
	} else {
		tombstone := models.PublishedArticle{
			ArticleID:      ev.ArticleID,
			AppliedVersion: ev.Version,
			CreatedAt:      now,
			UpdatedAt:      now,
			ProjectedAt:    now,
			DeletedAt:      gorm.DeletedAt{Time: now, Valid: true},
		}
		if err := tx.Create(&tombstone).Error; err != nil {
			return "", nil, fmt.Errorf("failed to record tombstone: %w", err)
		}
	}

	if err := p.regenerator.Withdraw(ctx, ev.ArticleID, ev.Version); err != nil {
		return "", nil, fmt.Errorf("failed to withdraw page: %w", err)
	}
	return OutcomeDeleted, slugsOf(row.Slug), nil
}

func (p *Projector) applySnapshot(ctx context.Context, tx *gorm.DB, version int64, snap domain.Snapshot, row models.PublishedArticle, exists bool) (Outcome, []string, error) {
	article := snap.Article
	now := p.now()

	switch article.Status {
	case domain.StatusPublished:
		sections, err := json.Marshal(snap.Sections)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal sections: %w", err)
		}
		previousSlug := row.Slug

		row = models.PublishedArticle{
			ArticleID:      article.ID,
			Title:          article.Title,
			Slug:           article.Slug,
			Description:    article.Description,
			Author:         article.Author,
			Status:         string(article.Status),
			Content:        Render(snap.Sections),
			Sections:       sections,
			AppliedVersion: version,
			CreatedAt:      article.CreatedAt,
			UpdatedAt:      article.UpdatedAt,
			PublishedAt:    article.PublishedAt,
			ProjectedAt:    now,
		}
		if exists {
			advanced, err := advance(tx, row.ArticleID, version, map[string]interface{}{
				"title":           row.Title,
				"slug":            row.Slug,
				"description":     row.Description,
				"author":          row.Author,
				"status":          row.Status,
				"content":         row.Content,
				"sections":        row.Sections,
				"applied_version": row.AppliedVersion,
				"created_at":      row.CreatedAt,
				"updated_at":      row.UpdatedAt,
				"published_at":    row.PublishedAt,
				"projected_at":    row.ProjectedAt,
			})
			if err != nil {
				return "", nil, fmt.Errorf("failed to store published article: %w", err)
			}
			if !advanced {
				return OutcomeDiscarded, nil, nil
			}
		} else if err := tx.Create(&row).Error; err != nil {
			return "", nil, fmt.Errorf("failed to store published article: %w", err)
		}

		if err := p.regenerator.Regenerate(ctx, pageOf(row)); err != nil {
			return "", nil, fmt.Errorf("failed to regenerate page: %w", err)
		}
		p.metrics.IncrementCounter(metrics.CounterRegenerations)
		return OutcomeApplied, slugsOf(previousSlug, row.Slug), nil

	case domain.StatusDraft, domain.StatusTrash:
		if !exists {
			// Never published: nothing is served for this article
			return OutcomeSkipped, nil, nil
		}
		advanced, err := advance(tx, row.ArticleID, version, map[string]interface{}{
			"status":          string(article.Status),
			"applied_version": version,
			"updated_at":      article.UpdatedAt,
			"projected_at":    now,
		})
		if err != nil {
			return "", nil, fmt.Errorf("failed to withdraw published article: %w", err)
		}
		if !advanced {
			return OutcomeDiscarded, nil, nil
		}
		if err := p.regenerator.Withdraw(ctx, article.ID, version); err != nil {
			return "", nil, fmt.Errorf("failed to withdraw page: %w", err)
		}
		return OutcomeWithdrawn, slugsOf(row.Slug), nil

	default:
		return "", nil, fmt.Errorf("%w: unknown status %q", domain.ErrPoisonMessage, article.Status)
	}
}

// advance updates a live row only while its applied version is older than
// version. It reports false when a newer event got there first.
func advance(tx *gorm.DB, articleID string, version int64, values map[string]interface{}) (bool, error) {
	res := tx.Model(&models.PublishedArticle{}).
		Where("article_id = ? AND applied_version < ?", articleID, version).
		Updates(values)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func pageOf(row models.PublishedArticle) Page {
	return Page{
		ArticleID:   row.ArticleID,
		Slug:        row.Slug,
		Title:       row.Title,
		Description: row.Description,
		Author:      row.Author,
		Content:     row.Content,
		PublishedAt: row.PublishedAt,
		UpdatedAt:   row.UpdatedAt,
		Version:     row.AppliedVersion,
	}
}

func slugsOf(slugs ...string) []string {
	out := make([]string, 0, len(slugs))
	seen := make(map[string]struct{}, len(slugs))
	for _, s := range slugs {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
