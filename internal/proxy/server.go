// Package proxy exposes monerod's RPC port to external clients, answering
// the daemon's Digest challenge on their behalf.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sevendeuce/monerodctl/internal/logging"
	"github.com/sevendeuce/monerodctl/internal/metrics"
	"github.com/sevendeuce/monerodctl/internal/rpc"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	// DefaultPort is the external listening port.
	DefaultPort = 8081

	defaultConnectTimeout = 10 * time.Second
	defaultReadTimeout    = 30 * time.Second
	maxBodyBytes          = 32 << 20
)

// Options configures a Server.
type Options struct {
	// ListenHost defaults to all interfaces.
	ListenHost string
	ListenPort int

	DaemonHost string
	DaemonPort int

	Credentials rpc.Credentials

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Server is the reverse proxy gateway.
type Server struct {
	engine *gin.Engine
	server *http.Server
	client *http.Client
	target string

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server. Credentials are fixed for the lifetime of the server.
func New(opts Options) *Server {
	if opts.ListenPort == 0 {
		opts.ListenPort = DefaultPort
	}
	if opts.DaemonHost == "" {
		opts.DaemonHost = "127.0.0.1"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger("proxy"), logging.GinLogrusRecovery(), metrics.PrometheusMiddleware("proxy"))

	base := rpc.NewDaemonTransport(opts.ConnectTimeout, opts.ReadTimeout)
	s := &Server{
		engine: engine,
		client: &http.Client{
			Transport: rpc.NewDigestTransport(base, opts.Credentials),
			Timeout:   opts.ConnectTimeout + opts.ReadTimeout,
		},
		target: net.JoinHostPort(opts.DaemonHost, strconv.Itoa(opts.DaemonPort)),
	}
	// Every path and method lands here; method filtering happens in handle.
	engine.NoRoute(s.handle)

	s.server = &http.Server{
		Addr:              net.JoinHostPort(opts.ListenHost, strconv.Itoa(opts.ListenPort)),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      opts.ReadTimeout + opts.ConnectTimeout,
	}
	return s
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listening socket and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to start rpc proxy: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.WithField("addr", ln.Addr().String()).WithField("target", s.target).Info("rpc proxy listening")
	go func() {
		if errServe := s.server.Serve(ln); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.WithError(errServe).Error("rpc proxy stopped unexpectedly")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting for in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("stopping rpc proxy")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown rpc proxy: %w", err)
	}
	return nil
}

func setCORSHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}

func (s *Server) handle(c *gin.Context) {
	setCORSHeaders(c)
	switch c.Request.Method {
	case http.MethodOptions:
		c.Status(http.StatusOK)
	case http.MethodGet, http.MethodPost:
		s.forward(c)
	default:
		c.String(http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) forward(c *gin.Context) {
	var body []byte
	if c.Request.Method == http.MethodPost && c.Request.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			s.fail(c, "", err)
			return
		}
	}
	rpcMethod := ""
	if len(body) > 0 {
		rpcMethod = gjson.GetBytes(body, "method").String()
		if rpcMethod != "" {
			c.Set(logging.RPCMethodKey, rpcMethod)
		}
	}

	url := "http://" + s.target + c.Request.URL.RequestURI()
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, reader)
	if err != nil {
		s.fail(c, rpcMethod, err)
		return
	}
	contentType := c.GetHeader("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.client.Do(req)
	if err != nil {
		s.fail(c, rpcMethod, err)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		s.fail(c, rpcMethod, err)
		return
	}
	respType := resp.Header.Get("Content-Type")
	if respType == "" {
		respType = "application/json"
	}
	outcome := "ok"
	if resp.StatusCode >= 400 {
		outcome = strconv.Itoa(resp.StatusCode)
	}
	metrics.RecordProxyRPC(rpcMethod, outcome)
	c.Data(resp.StatusCode, respType, data)
}

func (s *Server) fail(c *gin.Context, rpcMethod string, err error) {
	metrics.RecordProxyRPC(rpcMethod, "error")
	_ = c.Error(err)
	c.String(http.StatusInternalServerError, "Proxy error: "+err.Error())
}
