// Package api wires together all HTTP routes of the app usage service.
//
// Every /api route talks to GitHub on behalf of the caller: the bearer token on the
// request is forwarded upstream, and the configured token is only a fallback for
// single-user deployments. The service itself keeps no state between requests
// beyond the rate limiter buckets.
//
// Prometheus metrics are served on a separate port by cmd/server, not through this
// router.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/app-inventory/app-inventory/internal/api/appusage"
	"github.com/app-inventory/app-inventory/internal/api/inventory"
	"github.com/app-inventory/app-inventory/internal/api/upstream"
	"github.com/app-inventory/app-inventory/internal/config"
	"github.com/app-inventory/app-inventory/internal/middleware"
)

// Version is the service version reported by /version. Overridden at build time
// with -ldflags "-X .../internal/api.Version=...".
var Version = "0.1.0"

// BackgroundServices holds resources that must be released during graceful
// shutdown. The caller (cmd/server) is responsible for calling Shutdown() after the
// HTTP server has drained.
type BackgroundServices struct {
	limiter middleware.Limiter
}

// Shutdown releases background resources.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.limiter != nil {
		if err := bg.limiter.Close(); err != nil {
			slog.Warn("closing rate limiter", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// pinger is implemented by limiters backed by an external store.
type pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config) (*gin.Engine, *BackgroundServices, error) {
	limiter, err := middleware.NewLimiterFromConfig(cfg.Security.RateLimiting)
	if err != nil {
		return nil, nil, err
	}
	bg := &BackgroundServices{limiter: limiter}

	resolver := upstream.NewResolver(cfg.GitHub)
	inventoryHandler := inventory.NewHandler(resolver)
	usageHandler, err := appusage.NewHandler(resolver, cfg.Usage)
	if err != nil {
		bg.Shutdown()
		return nil, nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler())
	router.GET("/ready", readinessHandler(limiter))
	router.GET("/version", versionHandler())

	apiGroup := router.Group("/api")
	apiGroup.GET("/health", healthCheckHandler())
	apiGroup.GET("/config", configHandler(cfg))

	// Everything below reaches GitHub and is rate limited.
	upstreamRoutes := apiGroup.Group("")
	if limiter != nil {
		upstreamRoutes.Use(middleware.RateLimitMiddleware(limiter))
	}
	{
		upstreamRoutes.GET("/organizations", inventoryHandler.ListOrganizations)
		upstreamRoutes.GET("/organizations/:org/installations", inventoryHandler.ListInstallations)
		upstreamRoutes.GET("/organizations/:org/repositories", inventoryHandler.ListOrganizationRepositories)
		upstreamRoutes.GET("/apps/:slug", inventoryHandler.GetApp)
		upstreamRoutes.GET("/installations/:id/repositories", inventoryHandler.ListInstallationRepositories)
		upstreamRoutes.POST("/dashboard/data", inventoryHandler.DashboardData)

		upstreamRoutes.GET("/organizations/:org/app-usage", usageHandler.GetUsage)
		upstreamRoutes.GET("/organizations/:org/app-usage/stream", usageHandler.StreamUsage)
		upstreamRoutes.POST("/app-usage", usageHandler.ScanOrganizations)
	}

	return router, bg, nil
}

// @Summary      Health check
// @Description  Liveness probe. Always succeeds while the process is serving.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: ok, time: RFC3339 timestamp"
// @Router       /health [get]
func healthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Reports the state of external dependencies. The rate limiter fails open, so an unreachable Redis degrades the service without making it unready.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, checks: {...}"
// @Router       /ready [get]
func readinessHandler(limiter middleware.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}
		switch l := limiter.(type) {
		case nil:
			checks["rate_limiter"] = "disabled"
		case pinger:
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := l.Ping(ctx); err != nil {
				slog.Warn("rate limiter store unreachable", "error", err)
				checks["rate_limiter"] = "degraded"
			} else {
				checks["rate_limiter"] = "healthy"
			}
		default:
			checks["rate_limiter"] = "healthy"
		}

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// @Summary      Client configuration
// @Description  Server-side defaults a dashboard uses to prefill its settings.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "inactiveDays, minInactiveDays, maxInactiveDays, strategy"
// @Router       /api/config [get]
func configHandler(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"inactiveDays":    cfg.Usage.ClampInactiveDays(0),
			"minInactiveDays": config.MinInactiveDays,
			"maxInactiveDays": config.MaxInactiveDays,
			"strategy":        cfg.Usage.Strategy,
		})
	}
}

// LoggerMiddleware writes one structured access log record per request. The
// handler format (JSON or text) is whatever telemetry.SetupLogger installed.
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		// Query strings are not logged.
		slog.LogAttrs(
			c.Request.Context(),
			level,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("route", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", c.GetString(middleware.RequestIDKey)),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware answers preflight requests and sets CORS headers for allowed
// origins. The enterprise URL header must be allowed for browser dashboards that
// target a GitHub Enterprise Server instance.
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	methods := cfg.Security.CORS.AllowedMethods
	if len(methods) == 0 {
		methods = []string{"GET", "POST", "OPTIONS"}
	}
	allowMethods := strings.Join(methods, ", ")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		wildcard := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" {
				allowed, wildcard = true, true
				break
			}
			if allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if wildcard || origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+
				upstream.EnterpriseURLHeader+", "+middleware.RequestIDHeader)
			c.Header("Access-Control-Expose-Headers", middleware.RequestIDHeader+", X-RateLimit-Limit, X-RateLimit-Remaining, Retry-After")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
