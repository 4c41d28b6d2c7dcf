package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// projectCtxKey is the Gin context key used to store the authenticated project ID.
const projectCtxKey = "project_id"

// HeaderAPIKey carries the key on ordinary requests. Browsers cannot set
// headers on a websocket upgrade, so QueryAPIKey is accepted there too.
const (
	HeaderAPIKey = "X-API-Key"
	QueryAPIKey  = "apiKey"
)

// APIKeyMiddleware enforces multi-tenancy by mapping X-API-Key to a projectID.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader(HeaderAPIKey))
		if apiKey == "" {
			apiKey = strings.TrimSpace(c.Query(QueryAPIKey))
		}
		projectID, ok := keys[apiKey]
		if !ok || apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "unauthorized"})
			return
		}
		c.Set(projectCtxKey, projectID)
		c.Next()
	}
}

// ProjectID returns the authenticated project ID from the request context.
func ProjectID(c *gin.Context) string {
	v, _ := c.Get(projectCtxKey)
	s, _ := v.(string)
	return s
}
