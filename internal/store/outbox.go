package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/models"
)

// Outbox is the relay's view of staged events
type Outbox interface {
	Undelivered(ctx context.Context, limit int, skip []string) ([]models.OutboxRecord, error)
	MarkDelivered(ctx context.Context, id uint) error
	RecordFailure(ctx context.Context, id uint, cause error) error
	Backlog(ctx context.Context) (int64, error)
}

// appendOutbox stages an event. The sequence is the next one of the
// article's partition and is taken inside the caller's transaction; the
// unique (partition_key, sequence) index rejects a concurrent duplicate.
func (s *GormStore) appendOutbox(tx *gorm.DB, event domain.Event, now time.Time) error {
	var last int64
	if err := tx.Model(&models.OutboxRecord{}).
		Where("partition_key = ?", event.GetArticleID()).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error; err != nil {
		return fmt.Errorf("failed to read outbox sequence: %w", err)
	}
	sequence := last + 1

	payload, err := domain.Encode(event, sequence, now)
	if err != nil {
		return err
	}

	record := models.OutboxRecord{
		EventID:      uuid.New().String(),
		PartitionKey: event.GetArticleID(),
		Sequence:     sequence,
		EventType:    event.GetType(),
		Version:      event.GetVersion(),
		Payload:      payload,
		CreatedAt:    now,
	}
	if err := tx.Create(&record).Error; err != nil {
		return translate(err, "failed to stage outbox record")
	}
	return nil
}

// Undelivered returns pending records ordered by partition and sequence,
// leaving out the skipped partitions
func (s *GormStore) Undelivered(ctx context.Context, limit int, skip []string) ([]models.OutboxRecord, error) {
	var records []models.OutboxRecord
	query := s.db.WithContext(ctx).
		Where("delivered = ?", false).
		Order("partition_key ASC").
		Order("sequence ASC")
	if len(skip) > 0 {
		query = query.Where("partition_key NOT IN ?", skip)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load outbox: %w", err)
	}
	return records, nil
}

// MarkDelivered flags a record as acknowledged by the event log
func (s *GormStore) MarkDelivered(ctx context.Context, id uint) error {
	now := s.now()
	err := s.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"delivered":    true,
			"delivered_at": now,
			"last_error":   nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark outbox record %d delivered: %w", id, err)
	}
	return nil
}

// RecordFailure counts a failed publish attempt
func (s *GormStore) RecordFailure(ctx context.Context, id uint, cause error) error {
	reason := cause.Error()
	err := s.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}
	return nil
}

// Backlog counts undelivered records
func (s *GormStore) Backlog(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.OutboxRecord{}).
		Where("delivered = ?", false).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count outbox backlog: %w", err)
	}
	return count, nil
}
