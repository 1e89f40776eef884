// Package api serves loaded models over HTTP.
package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
)

type Options struct {
	Registry *Registry
	// Defaults fill unset sampling fields; zero uses inference.BuiltinDefaults.
	Defaults inference.GenDefaults

	CORSOrigins        []string
	RequestTimeout     time.Duration
	MaxRequestSize     int64
	MaxConcurrent      int
	RateLimitPerMinute int

	Logger logger.Logger
}

type Server struct {
	opts     Options
	registry *Registry
	defaults inference.GenDefaults
	log      logger.Logger
	started  time.Time
	clock    func() time.Time
	active   atomic.Int64
}

func NewServer(opts Options) *Server {
	defaults := opts.Defaults
	if defaults.MaxTokens == 0 {
		defaults = inference.BuiltinDefaults()
	}
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry(RegistryConfig{Logger: opts.Logger})
	}
	return &Server{
		opts:     opts,
		registry: reg,
		defaults: defaults,
		log:      logger.OrDefault(opts.Logger),
		started:  time.Now(),
		clock:    time.Now,
	}
}

func (s *Server) Registry() *Registry { return s.registry }

// Register mounts every route on e.
func (s *Server) Register(e *echo.Echo) {
	v1 := e.Group("/api/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/status", s.handleStatus)
	v1.GET("/models", s.handleListModels)
	v1.POST("/models/:id/load", s.handleLoadModel)
	v1.POST("/models/:id/unload", s.handleUnloadModel)
	v1.POST("/generate", s.handleGenerate)
	v1.POST("/chat", s.handleChat)

	// OpenAI-compatible model listing
	e.GET("/v1/models", s.handleOpenAIModels)

	metricsHandler := promhttp.Handler()
	e.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}

// Handler returns the full HTTP stack: the echo router behind request id,
// metrics, CORS, rate, size, concurrency and timeout limits.
func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HTTPErrorHandler = s.handleError
	e.Use(s.requestID(), observe(), middleware.Recover())
	if len(s.opts.CORSOrigins) > 0 {
		e.Use(cors(s.opts.CORSOrigins))
	}
	if s.opts.RateLimitPerMinute > 0 {
		e.Use(rateLimit(s.opts.RateLimitPerMinute))
	}
	if s.opts.MaxRequestSize > 0 {
		e.Use(middleware.BodyLimit(s.opts.MaxRequestSize))
	}
	e.Use(s.concurrency(s.opts.MaxConcurrent))
	if s.opts.RequestTimeout > 0 {
		e.Use(middleware.ContextTimeout(s.opts.RequestTimeout))
	}
	s.Register(e)
	return e
}

// Close unloads every model.
func (s *Server) Close() error {
	return s.registry.Close()
}
