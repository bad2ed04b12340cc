package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dnsrelay/stats"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server represents the admin dashboard server
type Server struct {
	port   int
	log    *zap.Logger
	router *gin.Engine
	http   *http.Server
}

// NewServer creates a new web server
func NewServer(port int, s *stats.Stats, records RecordLister, logger *zap.Logger) *Server {
	logger = logger.Named("web")
	api := NewAPI(s, records, logger)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), cors.Default())

	router.GET("/health", api.HandleHealth)
	group := router.Group("/api")
	{
		group.GET("/stats", api.HandleStats)
		group.GET("/records", api.HandleRecords)
		group.GET("/records/:name", api.HandleRecord)
	}
	router.GET("/ws/stats", api.HandleStatsStream)

	return &Server{
		port:   port,
		log:    logger,
		router: router,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler serving the dashboard API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.log.Info("web dashboard listening", zap.String("addr", "http://localhost"+s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the web server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
