package router

import (
	"net/http"

	"conversation-engine/backend/internal/api"
	"conversation-engine/backend/pkg/config"
	"conversation-engine/backend/pkg/di"
	"conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Config    *config.Config

	limiter  *middleware.RateLimiter
	validate gin.HandlerFunc
}

// New creates a new router with the given container
func New(container *di.Container) *Router {
	logger.SetGlobal(container.Logger)
	cfg := container.Config

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())

	opts := middleware.DefaultRateLimiterOptions()
	opts.Limit = rate.Limit(cfg.Security.RateLimit)
	opts.Burst = cfg.Security.RateLimitBurst

	return &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Config:    cfg,
		limiter:   middleware.NewRateLimiter(container.Logger, opts),
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	r.Engine.Use(corsMiddleware())
	r.validate = r.openAPIValidation(r.Config.Server.OpenAPIPath)

	c := r.Container
	if c.Health != nil {
		api.NewHealthHandler(c.Health, r.Config.Server.Version).RegisterHealthRoutes(r.Engine)
	}
	if c.MetricsHandler != nil {
		r.Engine.GET(r.Config.Server.MetricsPath, gin.WrapH(c.MetricsHandler))
	}

	v1 := r.Engine.Group("/api/v1")

	// Gateway webhooks: signed bodies, rate limited per tenant
	webhook := v1.Group("",
		middleware.GatewaySignature(c.GatewaySecret, r.Config.Security.MaxBodySize, r.Logger),
		r.limiter.Middleware(),
		r.validate,
	)
	api.NewEventHandler(c.Ingestor, c.Messages).RegisterRoutes(webhook)

	// Operator API: JWT with role claims
	operator := v1.Group("",
		middleware.JWTAuthMiddleware(c.JWTService, r.Logger),
		r.validate,
	)
	api.NewConversationHandler(c.Conversations, c.Messages, c.Lifecycle).RegisterRoutes(operator)

	r.Engine.NoRoute(func(ctx *gin.Context) {
		ctx.Error(errors.NewError(http.StatusNotFound, "ROUTE_NOT_FOUND", "no route for "+ctx.Request.Method+" "+ctx.Request.URL.Path))
	})
}

// Close stops background work owned by the router.
func (r *Router) Close() {
	r.limiter.Close()
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Authorization, Origin, X-Request-ID, X-Correlation-ID, "+middleware.HeaderSignature)
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Correlation-ID")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
