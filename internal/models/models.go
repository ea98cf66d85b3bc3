package models

import (
	"time"

	"gorm.io/gorm"
)

// Article is the command-side article row
type Article struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	Title       string     `gorm:"not null" json:"title"`
	Slug        string     `gorm:"uniqueIndex;not null" json:"slug"`
	Description string     `json:"description"`
	Author      string     `gorm:"index;not null" json:"author"`
	Status      string     `gorm:"index;size:16;not null" json:"status"`
	Version     int64      `gorm:"not null" json:"version"`
	PublishedAt *time.Time `json:"published_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime:false" json:"updated_at"`
	Sections    []Section  `gorm:"foreignKey:ArticleID;constraint:OnDelete:CASCADE" json:"sections,omitempty"`
}

// Section is an ordered content block owned by an article
type Section struct {
	ID        string `gorm:"primaryKey;size:36" json:"id"`
	ArticleID string `gorm:"size:36;not null;uniqueIndex:idx_section_position" json:"article_id"`
	Kind      string `gorm:"size:16;not null" json:"kind"`
	Content   string `json:"content"`
	Language  string `json:"language"`
	Alt       string `json:"alt"`
	Position  int    `gorm:"not null;uniqueIndex:idx_section_position" json:"position"`
}

// OutboxRecord is an event staged in the same transaction as its mutation
type OutboxRecord struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	EventID      string     `gorm:"uniqueIndex;size:36" json:"event_id"`
	PartitionKey string     `gorm:"size:36;not null;uniqueIndex:idx_outbox_partition_sequence" json:"partition_key"`
	Sequence     int64      `gorm:"not null;uniqueIndex:idx_outbox_partition_sequence" json:"sequence"`
	EventType    string     `gorm:"size:32;not null" json:"event_type"`
	Version      int64      `gorm:"not null" json:"version"`
	Payload      []byte     `gorm:"not null" json:"payload"`
	Delivered    bool       `gorm:"index;not null;default:false" json:"delivered"`
	Attempts     int        `gorm:"not null;default:0" json:"attempts"`
	LastError    *string    `json:"last_error"`
	CreatedAt    time.Time  `json:"created_at"`
	DeliveredAt  *time.Time `json:"delivered_at"`
}

// PublishedArticle is the read model row owned by the projector. A soft
// deleted row is the tombstone of a permanently deleted article.
type PublishedArticle struct {
	ArticleID      string         `gorm:"primaryKey;size:36" json:"article_id"`
	Title          string         `json:"title"`
	Slug           string         `gorm:"index" json:"slug"`
	Description    string         `json:"description"`
	Author         string         `json:"author"`
	Status         string         `gorm:"index;size:16" json:"status"`
	Content        string         `json:"content"`
	Sections       []byte         `json:"-"`
	AppliedVersion int64          `gorm:"not null" json:"applied_version"`
	CreatedAt      time.Time      `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime:false" json:"updated_at"`
	PublishedAt    *time.Time     `json:"published_at"`
	ProjectedAt    time.Time      `json:"projected_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

// DeadLetter is an event the projector gave up on
type DeadLetter struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ArticleID     string     `gorm:"index;size:36" json:"article_id"`
	EventType     string     `gorm:"size:32" json:"event_type"`
	Version       int64      `json:"version"`
	Payload       []byte     `json:"payload"`
	FailureReason string     `json:"failure_reason"`
	AttemptCount  int        `json:"attempt_count"`
	FirstSeen     time.Time  `json:"first_seen"`
	LastSeen      time.Time  `json:"last_seen"`
	ReinjectedAt  *time.Time `gorm:"index" json:"reinjected_at"`
}

// SetupModels runs the schema migrations for every table of the service
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Article{},
		&Section{},
		&OutboxRecord{},
		&PublishedArticle{},
		&DeadLetter{},
	)
}
