// Package httpserver assembles the gin engine: ambient middleware
// (recovery, structured logging, request IDs, CORS), the rate-limit
// composer, a small demonstration API, and the administrative
// stats/reset surface.
package httpserver

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Gimel-Foundation/ratelimit-gateway/internal/limiter"
	"github.com/Gimel-Foundation/ratelimit-gateway/internal/maintenance"
)

// Options configures router construction.
type Options struct {
	Mode           string
	AllowedOrigins []string
	Rules          []limiter.Rule
	Composer       *limiter.Composer
	Worker         *maintenance.Worker
	Cache          *limiter.Cache
	LocalCache     *limiter.MemoryStore
	Throttle       *limiter.Throttle
	Logger         *logrus.Logger
}

// New builds the gin engine with rate limiting applied globally.
func New(opts Options) *gin.Engine {
	if opts.Mode == "" {
		opts.Mode = gin.ReleaseMode
	}
	gin.SetMode(opts.Mode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(opts.Logger))
	router.Use(requestID())

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	// Health and metrics sit above the rate-limit middleware: no rule
	// ever applies to them.
	router.GET("/health", healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if opts.Composer != nil {
		router.Use(ginAdaptor(opts.Composer))
	}

	demo := newDemoHandler(opts.Logger)
	api := router.Group("/api")
	{
		api.GET("/data", demo.Data)
	}
	router.POST("/auth/login", demo.Login)

	admin := newAdminHandler(opts.Worker, opts.Cache, opts.LocalCache, opts.Throttle, opts.Rules, opts.Logger)
	adminGroup := router.Group("/admin")
	{
		adminGroup.GET("/stats", admin.Stats)
		adminGroup.GET("/queue-stats", admin.QueueStats)
		adminGroup.POST("/reset-rate-limit", admin.ResetRateLimit)
	}

	return router
}

// ginAdaptor bridges the framework-agnostic composer into gin's handler
// chain. Decide writes headers (and the denial body, when a rule binds)
// directly to gin's writer; on admission the chain resumes and the
// continuation is finished with gin's own view of the final status, so
// skip/revert semantics see what the route handler actually wrote.
func ginAdaptor(composer *limiter.Composer) gin.HandlerFunc {
	return func(c *gin.Context) {
		handle, ok := composer.Decide(c.Writer, c.Request)
		if !ok {
			c.Abort()
			return
		}
		c.Next()
		handle.Finish(c.Writer.Status())
	}
}
