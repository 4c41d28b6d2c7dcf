package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/auth"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/pipeline"
)

// scope binds req to the authenticated project and records request metadata.
// A body naming another project is rejected.
func scope(c *gin.Context, projectID string, req *models.CreateEvent) bool {
	if req.ProjectID == "" {
		req.ProjectID = projectID
	}
	if req.ProjectID != projectID {
		fail(c, http.StatusBadRequest, "projectId does not match API key")
		return false
	}

	md := models.EventMetadata{}
	if req.Metadata != nil {
		md = *req.Metadata
	}
	md.UserAgent = c.Request.UserAgent()
	md.IP = c.ClientIP()
	req.Metadata = &md
	return true
}

// RegisterEventRoutes registers the ingestion-path endpoints.
//
// POST /events, POST /events/batch
// - Requires X-API-Key (project context)
// - Durable: 202 is returned only after the job is persisted in the queue;
//   processing happens asynchronously
//
// GET /events?eventType=&startDate=&endDate=&limit=&offset=
func RegisterEventRoutes(r gin.IRoutes, p *pipeline.Pipeline, limiter gin.HandlerFunc) {
	r.POST("/events", limiter, func(c *gin.Context) {
		projectID := auth.ProjectID(c)

		var req models.CreateEvent
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if !scope(c, projectID, &req) {
			return
		}

		accepted, err := p.EnqueueEvent(c.Request.Context(), req)
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusAccepted, accepted)
	})

	r.POST("/events/batch", limiter, func(c *gin.Context) {
		projectID := auth.ProjectID(c)

		var req models.CreateEventBatch
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		for i := range req.Events {
			if !scope(c, projectID, &req.Events[i]) {
				return
			}
		}

		accepted, err := p.EnqueueBatch(c.Request.Context(), req.Events)
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusAccepted, accepted)
	})

	r.GET("/events", func(c *gin.Context) {
		f := models.EventFilter{
			ProjectID: auth.ProjectID(c),
			EventType: c.Query("eventType"),
		}
		var good bool
		if f.From, good = queryTime(c, "startDate"); !good {
			return
		}
		if f.To, good = queryTime(c, "endDate"); !good {
			return
		}
		if f.Limit, good = queryInt(c, "limit"); !good {
			return
		}
		if f.Offset, good = queryInt(c, "offset"); !good {
			return
		}

		page, err := p.QueryEvents(c.Request.Context(), f)
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusOK, gin.H{
			"events": page.Events,
			"pagination": gin.H{
				"total":   page.Total,
				"limit":   page.Limit,
				"offset":  page.Offset,
				"hasMore": int64(page.Offset+len(page.Events)) < page.Total,
			},
		})
	})
}
