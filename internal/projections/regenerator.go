package projections

import (
	"context"
	"time"
)

// Page is the rendered document handed to regeneration
type Page struct {
	ArticleID   string     `json:"article_id"`
	Slug        string     `json:"slug"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Author      string     `json:"author"`
	Content     string     `json:"content"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Version     int64      `json:"version"`
}

// Regenerator rebuilds or withdraws the served copy of an article. Both
// operations must be idempotent: replaying the same version, or an older
// one, leaves the target unchanged and returns nil.
type Regenerator interface {
	Regenerate(ctx context.Context, page Page) error
	Withdraw(ctx context.Context, articleID string, version int64) error
}

// NoopRegenerator is used when no regeneration target is configured
type NoopRegenerator struct{}

func (NoopRegenerator) Regenerate(context.Context, Page) error { return nil }

func (NoopRegenerator) Withdraw(context.Context, string, int64) error { return nil }
