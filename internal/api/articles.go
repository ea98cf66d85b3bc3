package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/blog/internal/domain"
	"example.com/backstage/services/blog/internal/handlers"
)

// ArticleResponse is an article with its ordered sections
type ArticleResponse struct {
	domain.Article
	Sections []domain.Section `json:"sections"`
}

type versionRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

// statusAliases maps the status route segment to an article status
var statusAliases = map[string]domain.Status{
	"publish":   domain.StatusPublished,
	"published": domain.StatusPublished,
	"draft":     domain.StatusDraft,
	"trash":     domain.StatusTrash,
}

func (s *Server) createArticle(c *gin.Context) {
	var cmd handlers.CreateArticleCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	article, err := s.deps.Articles.HandleCreateArticle(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Location", "/api/v1/articles/"+article.ID)
	c.JSON(http.StatusCreated, article)
}

func (s *Server) listArticles(c *gin.Context) {
	page, err := intQuery(c, "page", 1)
	if err != nil {
		s.fail(c, err)
		return
	}
	pageSize, err := intQuery(c, "page_size", s.cfg.PageSize)
	if err != nil {
		s.fail(c, err)
		return
	}

	listing, err := s.deps.Articles.ListArticles(c.Request.Context(), c.Query("status"), page, pageSize)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (s *Server) getArticle(c *gin.Context) {
	article, sections, err := s.deps.Articles.GetArticle(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ArticleResponse{Article: article, Sections: sections})
}

func (s *Server) updateArticle(c *gin.Context) {
	var cmd handlers.UpdateArticleCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}
	cmd.ArticleID = c.Param("id")

	article, err := s.deps.Articles.HandleUpdateArticle(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, article)
}

func (s *Server) changeStatus(c *gin.Context) {
	status, ok := statusAliases[c.Param("status")]
	if !ok {
		s.fail(c, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, c.Param("status")))
		return
	}

	var req versionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err))
		return
	}

	article, err := s.deps.Articles.HandleChangeStatus(c.Request.Context(), handlers.ChangeStatusCommand{
		ArticleID:       c.Param("id"),
		Status:          string(status),
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, article)
}

func (s *Server) deleteArticle(c *gin.Context) {
	expected, err := intQuery(c, "expected_version", 0)
	if err != nil {
		s.fail(c, err)
		return
	}

	version, err := s.deps.Articles.HandleDeleteArticle(c.Request.Context(), handlers.DeleteArticleCommand{
		ArticleID:       c.Param("id"),
		ExpectedVersion: int64(expected),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "version": version, "deleted": true})
}

func intQuery(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidInput, name)
	}
	return v, nil
}
