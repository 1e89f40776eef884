package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/metrics"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = echo.HeaderXRequestID

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id the request middleware assigned, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestID accepts a caller supplied id or generates one, and attaches a
// request scoped logger to the context.
func (s *Server) requestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c *echo.Context, id string) {
			r := c.Request()
			ctx := context.WithValue(r.Context(), requestIDKey, id)
			ctx = logger.WithContext(ctx, s.log.With("request_id", id))
			c.SetRequest(r.WithContext(ctx))
		},
	})
}

// observe records request metrics and an access log line. Errors are
// rendered here so the status is known before it is recorded.
func observe() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:       true,
		LogLatency:      true,
		LogMethod:       true,
		LogRoutePath:    true,
		LogResponseSize: true,
		HandleError:     true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			route := routeLabel(c)
			metrics.RecordRequest(route, v.Status, v.Latency)
			logger.FromContext(c.Request().Context()).Debug("request",
				"method", v.Method,
				"route", route,
				"status", v.Status,
				"bytes", v.ResponseSize,
				"duration", v.Latency,
			)
			return nil
		},
	})
}

// routeLabel uses the matched route pattern so the metric label set stays
// bounded.
func routeLabel(c *echo.Context) string {
	switch c.RouteInfo().Name {
	case echo.NotFoundRouteName, echo.MethodNotAllowedRouteName:
		return "other"
	}
	if p := c.Path(); p != "" {
		return p
	}
	return "other"
}

// exempt paths skip rate and concurrency limits.
func exempt(path string) bool {
	return path == "/api/v1/health" || path == "/metrics"
}

// cors answers preflight requests and stamps the allow headers. A "*" entry
// allows every origin.
func cors(origins []string) echo.MiddlewareFunc {
	return middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  origins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, HeaderRequestID},
		ExposeHeaders: []string{HeaderRequestID},
		MaxAge:        600,
	})
}

// rateLimit gives every client address a token bucket refilled at
// perMinute requests per minute.
func rateLimit(perMinute int) echo.MiddlewareFunc {
	retry := strconv.Itoa(max(60/perMinute, 1))
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c *echo.Context) bool {
			return exempt(c.Request().URL.Path) || c.Request().Method == http.MethodOptions
		},
		IdentifierExtractor: func(c *echo.Context) (string, error) {
			return clientIP(c.Request()), nil
		},
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      float64(perMinute) / 60,
			Burst:     perMinute,
			ExpiresIn: 3 * time.Minute,
		}),
		DenyHandler: func(c *echo.Context, _ string, _ error) error {
			metrics.RateLimited.Inc()
			c.Response().Header().Set("Retry-After", retry)
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}

// clientIP keys on the socket address; forwarded headers are caller
// controlled.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// concurrency admits at most n non-exempt requests at once; the rest get
// 503 immediately. s.active counts the admitted ones.
func (s *Server) concurrency(n int) echo.MiddlewareFunc {
	var sem chan struct{}
	if n > 0 {
		sem = make(chan struct{}, n)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if exempt(c.Request().URL.Path) {
				return next(c)
			}
			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				default:
					c.Response().Header().Set("Retry-After", "1")
					return echo.NewHTTPError(http.StatusServiceUnavailable, "too many concurrent requests")
				}
			}
			s.active.Add(1)
			defer s.active.Add(-1)
			return next(c)
		}
	}
}

// handleError renders errors returned through the middleware chain in the
// API's error body. Responses already written are left alone.
func (s *Server) handleError(c *echo.Context, err error) {
	if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
		return
	}
	status, errType := statusFor(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Message != "" {
		msg = he.Message
	}
	if werr := writeError(c, status, errType, msg); werr != nil {
		logger.FromContext(c.Request().Context()).Warn("write error response", "error", werr)
	}
}
