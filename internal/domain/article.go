package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the lifecycle state of an article
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusTrash     Status = "trash"
)

// ParseStatus converts a string into a Status. Unknown values are rejected.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusDraft:
		return StatusDraft, nil
	case StatusPublished:
		return StatusPublished, nil
	case StatusTrash:
		return StatusTrash, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
}

// IsPublic reports whether articles in this state are served by the blog
func (s Status) IsPublic() bool {
	switch s {
	case StatusPublished:
		return true
	case StatusDraft, StatusTrash:
		return false
	default:
		return false
	}
}

// SectionKind is the type of content a section holds
type SectionKind string

const (
	SectionText  SectionKind = "text"
	SectionImage SectionKind = "image"
	SectionCode  SectionKind = "code"
)

// ParseSectionKind converts a string into a SectionKind
func ParseSectionKind(s string) (SectionKind, error) {
	switch SectionKind(strings.ToLower(strings.TrimSpace(s))) {
	case SectionText:
		return SectionText, nil
	case SectionImage:
		return SectionImage, nil
	case SectionCode:
		return SectionCode, nil
	default:
		return "", fmt.Errorf("%w: unknown section kind %q", ErrInvalidInput, s)
	}
}

// Article is the authoritative command-side aggregate
type Article struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Slug        string     `json:"slug"`
	Description string     `json:"description"`
	Author      string     `json:"author"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	Version     int64      `json:"version"`
}

// Section is an ordered block of article content
type Section struct {
	ID        string      `json:"id"`
	ArticleID string      `json:"article_id"`
	Kind      SectionKind `json:"kind"`
	Content   string      `json:"content"`
	Language  string      `json:"language,omitempty"`
	Alt       string      `json:"alt,omitempty"`
	Position  int         `json:"position"`
}

// SortSections orders sections by position
func SortSections(sections []Section) {
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Position < sections[j].Position
	})
}

// ValidateSections checks section kinds and that positions are unique
func ValidateSections(sections []Section) error {
	seen := make(map[int]struct{}, len(sections))
	for _, s := range sections {
		if _, err := ParseSectionKind(string(s.Kind)); err != nil {
			return err
		}
		if _, dup := seen[s.Position]; dup {
			return fmt.Errorf("%w: duplicate section position %d", ErrInvalidInput, s.Position)
		}
		seen[s.Position] = struct{}{}
	}
	return nil
}

// Listing is one page of a listing query
type Listing[T any] struct {
	Items []T   `json:"items"`
	Pages int64 `json:"pages"`
	Total int64 `json:"total"`
}
