package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marianellas/veritas/internal/domain"
	"github.com/marianellas/veritas/internal/pipeline"
)

// RunService is the run API the HTTP layer exposes
type RunService interface {
	Submit(ctx context.Context, sub pipeline.Submission) (string, error)
	Get(ctx context.Context, id string) (*domain.Run, error)
	List(ctx context.Context, filter domain.RunFilter) ([]*domain.Run, error)
	Cancel(ctx context.Context, id string) (*domain.Run, error)
	Stream(ctx context.Context, id string, from int, send func(domain.Event) error) error
}

// Config holds listener and CORS settings
type Config struct {
	Addr           string
	AllowedOrigins []string
}

// Server is the HTTP API server
type Server struct {
	svc      RunService
	cfg      Config
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

// NewServer creates a new API server. gatherer backs /metrics and may be nil.
func NewServer(svc RunService, cfg Config, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		svc:      svc,
		cfg:      cfg,
		gatherer: gatherer,
		logger:   logger.With("component", "api"),
		engine:   gin.New(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.originAllowed}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery(), s.requestLogger(), s.cors())

	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	runs := s.engine.Group("/api/runs")
	{
		runs.POST("", s.submitRunHandler)
		runs.GET("", s.listRunsHandler)
		runs.GET("/:id", s.getRunHandler)
		runs.GET("/:id/stream", s.streamRunHandler)
		runs.GET("/:id/ws", s.wsRunHandler)
		runs.POST("/:id/cancel", s.cancelRunHandler)
	}
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully. Open
// streams are released because request contexts derive from ctx.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(c.Request) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
