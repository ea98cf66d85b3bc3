package store

import (
	"time"

	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/models"
)

func toDomainArticle(m models.Article) domain.Article {
	return domain.Article{
		ID:          m.ID,
		Title:       m.Title,
		Slug:        m.Slug,
		Description: m.Description,
		Author:      m.Author,
		Status:      domain.Status(m.Status),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
		PublishedAt: utcPtr(m.PublishedAt),
		Version:     m.Version,
	}
}

func toDomainSections(rows []models.Section) []domain.Section {
	sections := make([]domain.Section, 0, len(rows))
	for _, r := range rows {
		sections = append(sections, domain.Section{
			ID:        r.ID,
			ArticleID: r.ArticleID,
			Kind:      domain.SectionKind(r.Kind),
			Content:   r.Content,
			Language:  r.Language,
			Alt:       r.Alt,
			Position:  r.Position,
		})
	}
	domain.SortSections(sections)
	return sections
}

func toSectionRows(articleID string, sections []domain.Section) []models.Section {
	rows := make([]models.Section, 0, len(sections))
	for _, s := range sections {
		rows = append(rows, models.Section{
			ID:        s.ID,
			ArticleID: articleID,
			Kind:      string(s.Kind),
			Content:   s.Content,
			Language:  s.Language,
			Alt:       s.Alt,
			Position:  s.Position,
		})
	}
	return rows
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
