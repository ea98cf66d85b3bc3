package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/blog/internal/domain"
)

func (s *Server) listDeadLetters(c *gin.Context) {
	limit, err := intQuery(c, "limit", 100)
	if err != nil {
		s.fail(c, err)
		return
	}
	pendingOnly := c.DefaultQuery("pending", "true") != "false"

	entries, err := s.deps.DeadLetters.List(c.Request.Context(), pendingOnly, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries, "total": len(entries)})
}

func (s *Server) getDeadLetter(c *gin.Context) {
	id, err := deadLetterID(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	entry, err := s.deps.DeadLetters.Get(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) reinjectDeadLetter(c *gin.Context) {
	id, err := deadLetterID(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	entry, err := s.deps.DeadLetters.Reinject(c.Request.Context(), id, s.deps.Projector)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func deadLetterID(c *gin.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid dead letter id %q", domain.ErrInvalidInput, c.Param("id"))
	}
	return uint(id), nil
}
