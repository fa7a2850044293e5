// Package api serves the local control API: node lifecycle, binary
// install and update with streamed progress, status, logs and metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sevendeuce/monerodctl/internal/binary"
	"github.com/sevendeuce/monerodctl/internal/logging"
	"github.com/sevendeuce/monerodctl/internal/metrics"
	"github.com/sevendeuce/monerodctl/internal/node"
	log "github.com/sirupsen/logrus"
)

// Node is the service surface the API drives. *node.Service implements it.
type Node interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Status() node.NodeStatus
	Install(ctx context.Context) (<-chan binary.Status, error)
	Update(ctx context.Context) (<-chan binary.Status, error)
	CheckForUpdate(ctx context.Context) binary.UpdateCheck
	Logs(n int) []string
}

type serverOptionConfig struct {
	extraMiddleware []gin.HandlerFunc
	logBuffer       *logging.RingBuffer
	stopTimeout     time.Duration
}

// ServerOption customises server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithLogBuffer sets the buffer served for source=app. Defaults to logging.GlobalBuffer.
func WithLogBuffer(buf *logging.RingBuffer) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.logBuffer = buf
	}
}

// Server is the control API server.
type Server struct {
	engine *gin.Engine
	server *http.Server
	node    Node
	logs    *logging.RingBuffer
	streams streamTracker

	stopTimeout time.Duration
}

// NewServer builds the API bound to host:port.
func NewServer(n Node, host string, port int, opts ...ServerOption) *Server {
	cfg := serverOptionConfig{logBuffer: logging.GlobalBuffer, stopTimeout: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger("api"), logging.GinLogrusRecovery(), metrics.PrometheusMiddleware("api"))
	engine.Use(cfg.extraMiddleware...)

	s := &Server{
		engine:      engine,
		node:        n,
		logs:        cfg.logBuffer,
		stopTimeout: cfg.stopTimeout,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.JSON(http.StatusOK, gin.H{"status": "ok", "streams": s.streams.Count()})
	})
	s.engine.GET("/metrics", func(c *gin.Context) {
		logging.SkipGinRequestLogging(c)
		c.Next()
	}, metrics.MetricsHandler())

	v0 := s.engine.Group("/v0")
	{
		v0.GET("/status", s.handleStatus)
		v0.POST("/start", s.handleStart)
		v0.POST("/stop", s.handleStop)
		v0.POST("/install", s.streams.track(), s.handleInstall)
		v0.POST("/update", s.streams.track(), s.handleUpdate)
		v0.GET("/update/check", s.handleCheckUpdate)
		v0.GET("/logs", s.handleLogs)
	}
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start listens and serves until Stop. It blocks.
func (s *Server) Start() error {
	log.WithField("addr", s.server.Addr).Info("control api listening")
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start control api: %w", errServe)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping control api")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown control api: %w", err)
	}
	return nil
}
