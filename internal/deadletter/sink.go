package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/metrics"
	"example.com/backstage/services/blog/internal/models"
)

// Failure is an event the projector gave up on
type Failure struct {
	ArticleID string
	EventType string
	Version   int64
	Payload   []byte
	Reason    string
	Attempts  int
}

// Applier replays an event through the projector
type Applier interface {
	Apply(ctx context.Context, event domain.Event) error
}

// Sink stores dead letters. Entries are only removed from the pending set
// by an explicit reinject.
type Sink struct {
	db      *gorm.DB
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSink creates a dead-letter sink
func NewSink(db *gorm.DB, m *metrics.Metrics) *Sink {
	return &Sink{
		db:      db,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Record stores a failure. A pending entry for the same article, version and
// event type is updated in place rather than duplicated; failures without an
// identity, such as undecodable payloads, always get their own entry.
func (s *Sink) Record(ctx context.Context, f Failure) (models.DeadLetter, error) {
	now := s.now()
	var entry models.DeadLetter

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := gorm.ErrRecordNotFound
		if f.ArticleID != "" && f.Version > 0 {
			err = tx.Where("article_id = ? AND version = ? AND event_type = ? AND reinjected_at IS NULL",
				f.ArticleID, f.Version, f.EventType).
				First(&entry).Error
		}
		switch {
		case err == nil:
			return tx.Model(&entry).Updates(map[string]interface{}{
				"attempt_count":  entry.AttemptCount + f.Attempts,
				"last_seen":      now,
				"failure_reason": f.Reason,
				"payload":        f.Payload,
			}).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry = models.DeadLetter{
				ArticleID:     f.ArticleID,
				EventType:     f.EventType,
				Version:       f.Version,
				Payload:       f.Payload,
				FailureReason: f.Reason,
				AttemptCount:  f.Attempts,
				FirstSeen:     now,
				LastSeen:      now,
			}
			return tx.Create(&entry).Error
		default:
			return err
		}
	})
	if err != nil {
		return models.DeadLetter{}, fmt.Errorf("failed to record dead letter: %w", err)
	}

	s.metrics.IncrementCounter(metrics.CounterDeadLetters)
	log.Error().
		Uint("dead_letter_id", entry.ID).
		Str("article_id", f.ArticleID).
		Str("event_type", f.EventType).
		Int64("version", f.Version).
		Int("attempts", f.Attempts).
		Str("reason", f.Reason).
		Msg("ALERT: event moved to dead-letter sink")
	return entry, nil
}

// List returns dead letters, newest first
func (s *Sink) List(ctx context.Context, pendingOnly bool, limit int) ([]models.DeadLetter, error) {
	query := s.db.WithContext(ctx).Order("last_seen DESC").Order("id DESC")
	if pendingOnly {
		query = query.Where("reinjected_at IS NULL")
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var entries []models.DeadLetter
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return entries, nil
}

// Get returns one dead letter
func (s *Sink) Get(ctx context.Context, id uint) (models.DeadLetter, error) {
	var entry models.DeadLetter
	if err := s.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.DeadLetter{}, fmt.Errorf("%w: dead letter %d", domain.ErrNotFound, id)
		}
		return models.DeadLetter{}, fmt.Errorf("failed to load dead letter: %w", err)
	}
	return entry, nil
}

// Count returns the number of pending dead letters
func (s *Sink) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.DeadLetter{}).
		Where("reinjected_at IS NULL").
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// Reinject replays a pending dead letter through the projector and marks it
// reinjected on success. An entry that was already reinjected is a conflict.
func (s *Sink) Reinject(ctx context.Context, id uint, applier Applier) (models.DeadLetter, error) {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return models.DeadLetter{}, err
	}
	if entry.ReinjectedAt != nil {
		return models.DeadLetter{}, fmt.Errorf("%w: dead letter %d was reinjected at %s",
			domain.ErrConflict, id, entry.ReinjectedAt.Format(time.RFC3339))
	}

	event, _, err := domain.Decode(entry.Payload)
	if err != nil {
		return models.DeadLetter{}, err
	}
	if err := applier.Apply(ctx, event); err != nil {
		return models.DeadLetter{}, err
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.DeadLetter{}).
		Where("id = ? AND reinjected_at IS NULL", id).
		Update("reinjected_at", now)
	if res.Error != nil {
		return models.DeadLetter{}, fmt.Errorf("failed to mark dead letter reinjected: %w", res.Error)
	}
	entry.ReinjectedAt = &now

	s.metrics.IncrementCounter(metrics.CounterReinjected)
	log.Info().
		Uint("dead_letter_id", id).
		Str("article_id", entry.ArticleID).
		Int64("version", entry.Version).
		Msg("Dead letter reinjected")
	return entry, nil
}
