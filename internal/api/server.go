// Package api exposes the engine over HTTP: job CRUD, manual runs,
// execution history, notification preferences, analytics and tracking
// callbacks. Authentication is handled upstream; the caller's identity
// arrives in the X-Actor header.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v6"
	"github.com/didip/tollbooth/v6/limiter"
	"github.com/gin-gonic/gin"

	"notifyd/internal/config"
	"notifyd/internal/executor"
	"notifyd/internal/jobs"
	"notifyd/internal/notify"
	"notifyd/internal/store"
	"notifyd/pkg/logx"
)

type Server struct {
	st     *store.Store
	reg    *jobs.Registry
	exec   *executor.Executor
	notify *notify.Service
	log    logx.Logger
	http   *http.Server
}

func New(cfg config.ServerConfig, st *store.Store, reg *jobs.Registry, exec *executor.Executor, ns *notify.Service, log logx.Logger) *Server {
	s := &Server{st: st, reg: reg, exec: exec, notify: ns, log: log}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	if cfg.RatePerSec > 0 {
		lmt := tollbooth.NewLimiter(cfg.RatePerSec, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
		lmt.SetIPLookups([]string{"RemoteAddr", "X-Forwarded-For", "X-Real-IP"})
		r.Use(rateLimit(lmt))
	}

	jobsGroup := r.Group("/scheduler-jobs")
	{
		jobsGroup.POST("", s.createJob)
		jobsGroup.GET("", s.listJobs)
		jobsGroup.GET("/:id", s.getJob)
		jobsGroup.PUT("/:id", s.updateJob)
		jobsGroup.DELETE("/:id", s.deleteJob)
		jobsGroup.POST("/:id/run", s.runJob)
		jobsGroup.GET("/:id/executions", s.listExecutions)
	}

	r.GET("/job-templates", s.listTemplates)
	r.GET("/job-templates/:type", s.getTemplate)

	notif := r.Group("/notifications")
	{
		notif.GET("/preferences/:username", s.getPreferences)
		notif.PUT("/preferences/:username", s.updatePreferences)
		notif.GET("/analytics", s.analytics)
		notif.POST("/queue/:id/requeue", s.requeueItem)
		notif.POST("/track/:logID/open", s.trackOpen)
		notif.POST("/track/:logID/click", s.trackClick)
	}

	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("http listening", logx.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)))
	}
}

func rateLimit(lmt *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpErr := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); httpErr != nil {
			c.AbortWithStatusJSON(httpErr.StatusCode, gin.H{"error": httpErr.Message})
			return
		}
		c.Next()
	}
}

// actor reads the caller identity set by the upstream auth proxy.
func actor(c *gin.Context) string {
	if a := c.GetHeader("X-Actor"); a != "" {
		return a
	}
	return "unknown"
}

func abortError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrVersionConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "version conflict, reload and retry"})
	case errors.Is(err, executor.ErrAlreadyRunning):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "job is already running"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
