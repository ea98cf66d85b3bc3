package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType constants
const (
	ArticleSavedType     = "ArticleSaved"
	ArticleDeletedType   = "ArticleDeleted"
	ArticlePublishedType = "ArticlePublished"
)

// Snapshot is a self-contained copy of an article and its ordered sections
// taken at the moment of a version bump.
type Snapshot struct {
	Article  Article   `json:"article"`
	Sections []Section `json:"sections"`
}

// NewSnapshot copies the article and sections, ordering sections by position
func NewSnapshot(article Article, sections []Section) Snapshot {
	copied := make([]Section, len(sections))
	copy(copied, sections)
	SortSections(copied)
	return Snapshot{Article: article, Sections: copied}
}

// Event is implemented by ArticleSaved, ArticleDeleted and ArticlePublished.
// Consumers switch over the concrete types.
type Event interface {
	GetType() string
	GetArticleID() string
	GetVersion() int64
	isEvent()
}

// ArticleSaved is emitted on create, content update and draft/trash transitions
type ArticleSaved struct {
	ArticleID string
	Version   int64
	Snapshot  Snapshot
}

// ArticleDeleted is emitted on permanent deletion
type ArticleDeleted struct {
	ArticleID string
	Version   int64
}

// ArticlePublished is emitted when an article moves to published
type ArticlePublished struct {
	ArticleID string
	Version   int64
	Snapshot  Snapshot
}

func (e ArticleSaved) GetType() string      { return ArticleSavedType }
func (e ArticleSaved) GetArticleID() string { return e.ArticleID }
func (e ArticleSaved) GetVersion() int64    { return e.Version }
func (ArticleSaved) isEvent()               {}

func (e ArticleDeleted) GetType() string      { return ArticleDeletedType }
func (e ArticleDeleted) GetArticleID() string { return e.ArticleID }
func (e ArticleDeleted) GetVersion() int64    { return e.Version }
func (ArticleDeleted) isEvent()               {}

func (e ArticlePublished) GetType() string      { return ArticlePublishedType }
func (e ArticlePublished) GetArticleID() string { return e.ArticleID }
func (e ArticlePublished) GetVersion() int64    { return e.Version }
func (ArticlePublished) isEvent()               {}

// SnapshotOf returns the snapshot carried by an event, if any
func SnapshotOf(e Event) (Snapshot, bool) {
	switch ev := e.(type) {
	case ArticleSaved:
		return ev.Snapshot, true
	case ArticlePublished:
		return ev.Snapshot, true
	case ArticleDeleted:
		return Snapshot{}, false
	default:
		return Snapshot{}, false
	}
}

// Envelope is the wire representation of an event
type Envelope struct {
	Type       string    `json:"type"`
	ArticleID  string    `json:"article_id"`
	Version    int64     `json:"version"`
	Sequence   int64     `json:"sequence,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Snapshot   *Snapshot `json:"snapshot,omitempty"`
}

// Encode serializes an event into its wire envelope
func Encode(e Event, sequence int64, occurredAt time.Time) ([]byte, error) {
	env := Envelope{
		Type:       e.GetType(),
		ArticleID:  e.GetArticleID(),
		Version:    e.GetVersion(),
		Sequence:   sequence,
		OccurredAt: occurredAt.UTC(),
	}
	if snap, ok := SnapshotOf(e); ok {
		env.Snapshot = &snap
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire envelope. Malformed payloads are poison messages.
func Decode(data []byte) (Event, Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, fmt.Errorf("%w: failed to unmarshal envelope: %v", ErrPoisonMessage, err)
	}
	if env.ArticleID == "" {
		return nil, env, fmt.Errorf("%w: envelope has no article_id", ErrPoisonMessage)
	}
	if env.Version <= 0 {
		return nil, env, fmt.Errorf("%w: envelope version must be positive", ErrPoisonMessage)
	}

	switch env.Type {
	case ArticleDeletedType:
		return ArticleDeleted{ArticleID: env.ArticleID, Version: env.Version}, env, nil
	case ArticleSavedType, ArticlePublishedType:
		if env.Snapshot == nil {
			return nil, env, fmt.Errorf("%w: %s without snapshot", ErrPoisonMessage, env.Type)
		}
		if env.Snapshot.Article.ID != env.ArticleID {
			return nil, env, fmt.Errorf("%w: snapshot belongs to %s, envelope to %s",
				ErrPoisonMessage, env.Snapshot.Article.ID, env.ArticleID)
		}
		if env.Type == ArticlePublishedType {
			return ArticlePublished{ArticleID: env.ArticleID, Version: env.Version, Snapshot: *env.Snapshot}, env, nil
		}
		return ArticleSaved{ArticleID: env.ArticleID, Version: env.Version, Snapshot: *env.Snapshot}, env, nil
	default:
		return nil, env, fmt.Errorf("%w: unknown event type %q", ErrPoisonMessage, env.Type)
	}
}
