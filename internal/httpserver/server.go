package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/auth"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/config"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/handlers"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/logging"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/pipeline"
	"github.com/PratikDhanave/event-analytics-pipeline/internal/realtime"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RequestIDHeader carries the correlation id in and out.
const RequestIDHeader = "X-Request-ID"

// correlate attaches the caller's request id (or a fresh one) to the request
// context so logs of the request and the jobs it admits can be joined.
func correlate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := c.GetHeader(RequestIDHeader); id != "" {
			ctx = logging.ContextWithCorrelationID(ctx, id)
		} else {
			ctx = logging.ContextWithNewCorrelationID(ctx)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, logging.CorrelationID(ctx))

		start := time.Now()
		c.Next()

		logging.Ctx(ctx).Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	}
}

// NewRouter wires public endpoints and authenticated APIs.
// Public: /health, /ready, /metrics (prometheus)
// Authenticated: /api/events, /api/metrics, /api/queue/stats, /ws
func NewRouter(cfg config.Config, p *pipeline.Pipeline, hub *realtime.Hub, db Pinger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery(), correlate())

	// Liveness: confirms the process is running.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Readiness: confirms the DB dependency is reachable.
	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	keys := auth.APIKeyMiddleware(cfg.APIKeys)
	limiter := auth.NewRateLimiter(cfg.Auth.RatePerMinute).Middleware()

	// Auth group enforces project context via X-API-Key.
	api := r.Group("/api", keys)
	handlers.RegisterEventRoutes(api, p, limiter)
	handlers.RegisterMetricRoutes(api, p)
	handlers.RegisterQueueRoutes(api, p)

	handlers.RegisterWSRoutes(r.Group("/", keys), hub)

	return r
}

// NewServer wraps the router in an http.Server listening on cfg.Server.Addr.
func NewServer(cfg config.Config, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
