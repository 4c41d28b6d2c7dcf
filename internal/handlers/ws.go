package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/auth"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/realtime"
)

// RegisterWSRoutes upgrades GET /ws to a dashboard subscription. The client
// may only join the room of its own project.
func RegisterWSRoutes(r gin.IRoutes, hub *realtime.Hub) {
	r.GET("/ws", func(c *gin.Context) {
		projectID := auth.ProjectID(c)
		if err := realtime.ServeWS(hub, c.Writer, c.Request, projectID); err != nil {
			logging.Ctx(c.Request.Context()).Warn().Err(err).Str("project_id", projectID).Msg("websocket upgrade failed")
		}
	})
}
