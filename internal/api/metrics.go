package api

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/blog/internal/database"
)

func (s *Server) getMetrics(c *gin.Context) {
	txn := s.deps.Tracer.StartTransaction("get-metrics")
	defer s.deps.Tracer.EndTransaction(txn)

	s.deps.Metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))
	c.JSON(http.StatusOK, s.deps.Metrics.GetAllMetrics())
}

func (s *Server) getHealth(c *gin.Context) {
	if s.deps.DB != nil {
		s.deps.Metrics.SetHealth("database", database.Ping(s.deps.DB) == nil)
	}

	healthy := true
	checks := s.deps.Metrics.GetHealthChecks()
	for _, ok := range checks {
		if !ok {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":  healthy,
		"details": checks,
	})
}
