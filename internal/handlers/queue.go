package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/pipeline"
)

// RegisterQueueRoutes exposes per-kind job counts.
//
// GET /queue/stats
func RegisterQueueRoutes(r gin.IRoutes, p *pipeline.Pipeline) {
	r.GET("/queue/stats", func(c *gin.Context) {
		stats, err := p.GetQueueStats(c.Request.Context())
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusOK, stats)
	})
}
