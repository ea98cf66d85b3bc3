package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/metrics"
	"example.com/backstage/services/blog/internal/store"
)

// SectionInput is one section of an article command
type SectionInput struct {
	ID       string `json:"id" validate:"omitempty,uuid"`
	Kind     string `json:"kind" validate:"required,section_kind"`
	Content  string `json:"content" validate:"required"`
	Language string `json:"language" validate:"max=32"`
	Alt      string `json:"alt"`
	Position int    `json:"position" validate:"gte=0"`
}

// Command structs
type CreateArticleCommand struct {
	ID          string         `json:"id" validate:"omitempty,uuid"`
	Title       string         `json:"title" validate:"required,max=200"`
	Slug        string         `json:"slug" validate:"omitempty,slug"`
	Description string         `json:"description" validate:"required"`
	Author      string         `json:"author" validate:"required"`
	Sections    []SectionInput `json:"sections" validate:"dive"`
}

type UpdateArticleCommand struct {
	ArticleID       string         `json:"-" validate:"required"`
	ExpectedVersion int64          `json:"expected_version" validate:"gte=1"`
	Title           string         `json:"title" validate:"required,max=200"`
	Slug            string         `json:"slug" validate:"omitempty,slug"`
	Description     string         `json:"description" validate:"required"`
	Author          string         `json:"author" validate:"required"`
	Sections        []SectionInput `json:"sections" validate:"dive"`
}

type PublishArticleCommand struct {
	ArticleID       string `json:"-" validate:"required"`
	ExpectedVersion int64  `json:"expected_version" validate:"gte=1"`
}

type ChangeStatusCommand struct {
	ArticleID       string `json:"-" validate:"required"`
	Status          string `json:"status" validate:"required,article_status"`
	ExpectedVersion int64  `json:"expected_version" validate:"gte=1"`
}

type DeleteArticleCommand struct {
	ArticleID       string `json:"-" validate:"required"`
	ExpectedVersion int64  `json:"expected_version" validate:"gte=1"`
}

// ArticleHandler handles all article commands and command-side reads
type ArticleHandler struct {
	store   store.CommandStore
	metrics *metrics.Metrics
}

// NewArticleHandler creates a new article handler
func NewArticleHandler(s store.CommandStore, m *metrics.Metrics) *ArticleHandler {
	return &ArticleHandler{store: s, metrics: m}
}

// HandleCreateArticle creates a draft article at version 1
func (h *ArticleHandler) HandleCreateArticle(ctx context.Context, cmd CreateArticleCommand) (domain.Article, error) {
	log.Debug().Str("title", cmd.Title).Msg("Handling CreateArticle command")

	if err := ValidateStruct(cmd); err != nil {
		return domain.Article{}, err
	}

	article := domain.Article{
		ID:          cmd.ID,
		Title:       cmd.Title,
		Slug:        cmd.Slug,
		Description: cmd.Description,
		Author:      cmd.Author,
	}
	created, err := h.store.Create(ctx, article, toSections(cmd.Sections))
	return created, h.observe(err)
}

// HandleUpdateArticle replaces the content of an article
func (h *ArticleHandler) HandleUpdateArticle(ctx context.Context, cmd UpdateArticleCommand) (domain.Article, error) {
	log.Debug().Str("article_id", cmd.ArticleID).Int64("expected_version", cmd.ExpectedVersion).Msg("Handling UpdateArticle command")

	if err := ValidateStruct(cmd); err != nil {
		return domain.Article{}, err
	}

	article := domain.Article{
		ID:          cmd.ArticleID,
		Title:       cmd.Title,
		Slug:        cmd.Slug,
		Description: cmd.Description,
		Author:      cmd.Author,
	}
	saved, err := h.store.Save(ctx, article, toSections(cmd.Sections), cmd.ExpectedVersion)
	return saved, h.observe(err)
}

// HandlePublishArticle publishes an article
func (h *ArticleHandler) HandlePublishArticle(ctx context.Context, cmd PublishArticleCommand) (domain.Article, error) {
	log.Debug().Str("article_id", cmd.ArticleID).Int64("expected_version", cmd.ExpectedVersion).Msg("Handling PublishArticle command")

	if err := ValidateStruct(cmd); err != nil {
		return domain.Article{}, err
	}

	published, err := h.store.Publish(ctx, cmd.ArticleID, cmd.ExpectedVersion)
	return published, h.observe(err)
}

// HandleChangeStatus moves an article to draft, trash or published
func (h *ArticleHandler) HandleChangeStatus(ctx context.Context, cmd ChangeStatusCommand) (domain.Article, error) {
	log.Debug().Str("article_id", cmd.ArticleID).Str("status", cmd.Status).Msg("Handling ChangeStatus command")

	if err := ValidateStruct(cmd); err != nil {
		return domain.Article{}, err
	}
	status, err := domain.ParseStatus(cmd.Status)
	if err != nil {
		return domain.Article{}, err
	}

	var article domain.Article
	switch status {
	case domain.StatusPublished:
		article, err = h.store.Publish(ctx, cmd.ArticleID, cmd.ExpectedVersion)
	case domain.StatusDraft, domain.StatusTrash:
		article, err = h.store.SetStatus(ctx, cmd.ArticleID, status, cmd.ExpectedVersion)
	default:
		return domain.Article{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}
	return article, h.observe(err)
}

// HandleDeleteArticle permanently deletes an article
func (h *ArticleHandler) HandleDeleteArticle(ctx context.Context, cmd DeleteArticleCommand) (int64, error) {
	log.Debug().Str("article_id", cmd.ArticleID).Int64("expected_version", cmd.ExpectedVersion).Msg("Handling DeleteArticle command")

	if err := ValidateStruct(cmd); err != nil {
		return 0, err
	}

	version, err := h.store.Delete(ctx, cmd.ArticleID, cmd.ExpectedVersion)
	return version, h.observe(err)
}

// GetArticle returns an article with its ordered sections
func (h *ArticleHandler) GetArticle(ctx context.Context, id string) (domain.Article, []domain.Section, error) {
	return h.store.Get(ctx, id)
}

// ListArticles returns one page of articles. An empty status lists all of them.
func (h *ArticleHandler) ListArticles(ctx context.Context, status string, page, pageSize int) (domain.Listing[domain.Article], error) {
	var filter *domain.Status
	if status != "" && status != "all" {
		parsed, err := domain.ParseStatus(status)
		if err != nil {
			return domain.Listing[domain.Article]{}, err
		}
		filter = &parsed
	}
	return h.store.List(ctx, filter, page, pageSize)
}

func (h *ArticleHandler) observe(err error) error {
	switch {
	case err == nil:
		h.metrics.IncrementCounter(metrics.CounterCommandsAccepted)
	case errors.Is(err, domain.ErrConflict):
		h.metrics.IncrementCounter(metrics.CounterCommandConflicts)
	}
	return err
}

func toSections(inputs []SectionInput) []domain.Section {
	sections := make([]domain.Section, 0, len(inputs))
	for _, in := range inputs {
		sections = append(sections, domain.Section{
			ID:       in.ID,
			Kind:     domain.SectionKind(in.Kind),
			Content:  in.Content,
			Language: in.Language,
			Alt:      in.Alt,
			Position: in.Position,
		})
	}
	return sections
}
