package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) getPublishedBySlug(c *gin.Context) {
	view, err := s.deps.Published.GetBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getPublishedByID(c *gin.Context) {
	view, err := s.deps.Published.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
