package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/auth"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/models"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/pipeline"
)

func queryWindow(c *gin.Context, fallback models.TimeWindow) (models.TimeWindow, bool) {
	raw := c.Query("timeWindow")
	if raw == "" {
		return fallback, true
	}
	w, err := models.ParseTimeWindow(raw)
	if err != nil {
		fail(c, http.StatusBadRequest, "timeWindow must be one of 1min, 5min, 1h, 1d")
		return "", false
	}
	return w, true
}

// RegisterMetricRoutes registers the serving-path endpoints. All queries are
// scoped to the project of the API key.
//
// GET /metrics?metricType=&timeWindow=&startDate=&endDate=
// GET /metrics/summary?timeWindow=1h&hours=24
// GET /metrics/timeseries?metricType=&timeWindow=&startDate=&endDate=
func RegisterMetricRoutes(r gin.IRoutes, p *pipeline.Pipeline) {
	r.GET("/metrics", func(c *gin.Context) {
		f := models.MetricFilter{
			ProjectID:  auth.ProjectID(c),
			MetricType: c.Query("metricType"),
		}
		var good bool
		if f.TimeWindow, good = queryWindow(c, ""); !good {
			return
		}
		if f.From, good = queryTime(c, "startDate"); !good {
			return
		}
		if f.To, good = queryTime(c, "endDate"); !good {
			return
		}

		rows, err := p.QueryMetrics(c.Request.Context(), f)
		if err != nil {
			failErr(c, err)
			return
		}
		if rows == nil {
			rows = []*models.MetricAggregate{}
		}
		ok(c, http.StatusOK, rows)
	})

	r.GET("/metrics/summary", func(c *gin.Context) {
		w, good := queryWindow(c, models.Window1H)
		if !good {
			return
		}
		hours, good := queryInt(c, "hours")
		if !good {
			return
		}

		summary, err := p.Summary(c.Request.Context(), auth.ProjectID(c), w, hours)
		if err != nil {
			failErr(c, err)
			return
		}
		if summary == nil {
			summary = []models.MetricSummary{}
		}
		ok(c, http.StatusOK, summary)
	})

	r.GET("/metrics/timeseries", func(c *gin.Context) {
		w, good := queryWindow(c, "")
		if !good {
			return
		}
		if w == "" {
			fail(c, http.StatusBadRequest, "timeWindow is required")
			return
		}
		from, good := queryTime(c, "startDate")
		if !good {
			return
		}
		to, good := queryTime(c, "endDate")
		if !good {
			return
		}

		series, err := p.TimeSeries(c.Request.Context(), auth.ProjectID(c), c.Query("metricType"), w, from, to)
		if err != nil {
			failErr(c, err)
			return
		}
		if series == nil {
			series = []*models.MetricAggregate{}
		}
		ok(c, http.StatusOK, series)
	})

	// Schedules a recount of one series on the aggregation pool.
	r.POST("/metrics/aggregate", func(c *gin.Context) {
		var req models.AggregateMetricsPayload
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		req.ProjectID = auth.ProjectID(c)

		job, err := p.EnqueueAggregation(c.Request.Context(), req)
		if err != nil {
			failErr(c, err)
			return
		}
		ok(c, http.StatusAccepted, gin.H{"jobId": job.ID.String()})
	})
}
