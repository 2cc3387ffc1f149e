// Package api provides the HTTP REST API of a link node
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-link/pkg/node"
	"github.com/ZentaChain/zentalk-link/pkg/protocol"
	"github.com/ZentaChain/zentalk-link/pkg/storage"
)

// Link is the node surface the API drives
type Link interface {
	Send(ctx context.Context, payload *protocol.Payload) (*protocol.Session, error)
	Stats() node.Stats
}

// Inbox is the journal surface the API reads
type Inbox interface {
	Delivered(ctx context.Context, limit int) ([]*storage.Exchange, error)
	Get(ctx context.Context, id string) (*storage.Exchange, error)
	CountByOutcome(ctx context.Context) (map[string]int, error)
}

// Server represents the HTTP API server of a node
type Server struct {
	link       Link
	inbox      Inbox // nil when the journal is disabled
	gatherer   prometheus.Gatherer
	router     *gin.Engine
	limiter    limiter.Store
	port       int
	config     *Config
	logger     *zap.Logger
	httpServer *http.Server
}

// Config holds server configuration
type Config struct {
	Port         int
	EnableCORS   bool
	RateLimit    int // Requests per minute per client IP
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		RateLimit:    100,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates a new HTTP API server. inbox and gatherer may be nil.
func NewServer(link Link, inbox Inbox, gatherer prometheus.Gatherer, config *Config) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	rate := config.RateLimit
	if rate <= 0 {
		rate = DefaultConfig().RateLimit
	}

	store, err := memorystore.New(&memorystore.Config{
		Tokens:   uint64(rate),
		Interval: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	// Set Gin to release mode for production
	gin.SetMode(gin.ReleaseMode)

	server := &Server{
		link:     link,
		inbox:    inbox,
		gatherer: gatherer,
		router:   gin.New(),
		limiter:  store,
		port:     config.Port,
		config:   config,
		logger:   logger.With(zap.String("component", "api")),
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server, nil
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Error recovery
	s.router.Use(gin.Recovery())

	// Request logging
	s.router.Use(LoggingMiddleware(s.logger))

	// CORS middleware
	if s.config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}

	// Rate limiting
	s.router.Use(RateLimitMiddleware(s.limiter))
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		nodeGroup := v1.Group("/node")
		{
			nodeGroup.GET("/status", s.handleStatus)
		}

		messages := v1.Group("/messages")
		{
			messages.POST("", s.handleSend)
			messages.GET("", s.handleInbox)
			messages.GET("/:id", s.handleMessage)
		}
	}

	// Outside versioning
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// Start serves the API until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves the API on listener until ctx is cancelled
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API server starting", zap.Stringer("addr", listener.Addr()))
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP API server")
	return s.Stop()
}

// Stop stops the HTTP server and the rate limiter
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = s.limiter.Close(ctx)
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
