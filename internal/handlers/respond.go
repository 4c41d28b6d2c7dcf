package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/apperr"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
)

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"status": "success", "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"status": "error", "message": msg})
}

// failErr maps err to a status code. Validation and not-found messages are
// shown to the caller; anything else is logged and reported generically.
func failErr(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)

	var ae *apperr.Error
	if errors.As(err, &ae) && (ae.Kind == apperr.KindValidation || ae.Kind == apperr.KindNotFound) {
		fail(c, status, ae.Msg)
		return
	}

	logging.Ctx(c.Request.Context()).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	switch status {
	case http.StatusServiceUnavailable:
		fail(c, status, "service temporarily unavailable")
	default:
		fail(c, http.StatusInternalServerError, "internal server error")
	}
}

// parseRFC3339 parses an RFC3339 timestamp and normalizes it to UTC.
func parseRFC3339(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// queryTime reads an optional RFC3339 query parameter.
func queryTime(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := parseRFC3339(raw)
	if err != nil {
		fail(c, http.StatusBadRequest, name+" must be RFC3339")
		return time.Time{}, false
	}
	return t, true
}

// queryInt reads an optional non-negative integer query parameter.
func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		fail(c, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
