// Package api is the HTTP trigger and status surface of the bot.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"listing-bot/internal/logger"
)

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	if s.wsManager != nil {
		r.GET("/ws", gin.WrapH(s.wsManager))
	}

	v := r.Group("/api")
	v.GET("/operations", s.ListOperations)
	v.POST("/operations/:name/run", s.rateLimit(), s.RunOperation)
	v.GET("/runs", s.ListRuns)
	v.GET("/runs/:id", s.GetRun)
	v.GET("/jobs", s.ListJobs)
	v.GET("/jobs/stats", s.JobStats)
	v.GET("/notifications", s.ListNotifications)
	v.GET("/analytics/trends", s.Trends)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("HTTP request",
			logger.String("method", c.Request.Method),
			logger.String("path", c.FullPath()),
			logger.Int("status", c.Writer.Status()),
			logger.Duration("duration", time.Since(start)),
			logger.String("client_ip", c.ClientIP()),
		)
	}
}

// rateLimit throttles operation triggers per client IP.
func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			s.log.Warn("Trigger rate limit exceeded", logger.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(429, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
