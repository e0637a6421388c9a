// Package remotecache exposes the action cache's content-addressed store
// over HTTP: GET/PUT by digest, ranged reads, and idempotent puts.
// The echo setup — logger/recover/CORS/request-id middleware, a
// ServerConfig with timeouts, and a graceful-shutdown helper — is adapted
// from http.NewEchoServer/StartServer/GracefulShutdown.
package remotecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"forge.build/cache"
	"forge.build/internal/forgecrypto"
)

// ServerConfig controls the remote cache HTTP server, mirroring the
// http.ServerConfig shape generalized to this server's needs.
type ServerConfig struct {
	Port            int
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       float64 // requests/sec, 0 disables
	APIKey          string  // empty disables auth
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8081,
		BodyLimit:       "64M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server serves GET/PUT by digest against a cache.Store's content
// objects.
type Server struct {
	echo  *echo.Echo
	store *cache.Store
	cfg   ServerConfig
}

func New(store *cache.Store, cfg ServerConfig) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: []string{"*"}}))
	e.Use(middleware.RequestID())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}

	s := &Server{echo: e, store: store, cfg: cfg}
	if cfg.APIKey != "" {
		e.Use(apiKeyMiddleware(cfg.APIKey))
	}

	e.GET("/objects/:digest", s.handleGet)
	e.PUT("/objects/:digest", s.handlePut)
	e.HEAD("/objects/:digest", s.handleHead)
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	return s
}

// apiKeyMiddleware mirrors APIKeyMiddleware: skip entirely
// when no key is configured, otherwise require it on X-Api-Key.
func apiKeyMiddleware(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}
			if c.Request().Header.Get("X-Api-Key") != key {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

func (s *Server) handleGet(c echo.Context) error {
	digest, err := forgecrypto.ParseDigest(c.Param("digest"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	content, err := s.store.GetObject(digest)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "object not found")
	}

	c.Response().Header().Set("X-Content-Digest", digest.String())

	if rng := c.Request().Header.Get("Range"); rng != "" {
		start, end, ok := parseByteRange(rng, len(content))
		if !ok {
			return echo.NewHTTPError(http.StatusRequestedRangeNotSatisfiable, "invalid range")
		}
		c.Response().Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		return c.Blob(http.StatusPartialContent, "application/octet-stream", content[start:end+1])
	}

	return c.Blob(http.StatusOK, "application/octet-stream", content)
}

func (s *Server) handleHead(c echo.Context) error {
	digest, err := forgecrypto.ParseDigest(c.Param("digest"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !s.store.HasObject(digest) {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	c.Response().Header().Set("X-Content-Digest", digest.String())
	return c.NoContent(http.StatusOK)
}

// handlePut is content-addressed: the digest in the path is advisory (the
// server computes its own from the body and stores under that), so
// concurrent identical puts race harmlessly to the same path and repeated
// puts of the same content are no-ops.
func (s *Server) handlePut(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "reading body")
	}

	digest, err := s.store.PutObject(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Response().Header().Set("X-Content-Digest", digest.String())
	return c.NoContent(http.StatusCreated)
}

func parseByteRange(header string, size int) (start, end int, ok bool) {
	var s, e int
	n, err := fmt.Sscanf(header, "bytes=%d-%d", &s, &e)
	if err != nil || n != 2 {
		n, err = fmt.Sscanf(header, "bytes=%d-", &s)
		if err != nil || n != 1 {
			return 0, 0, false
		}
		e = size - 1
	}
	if s < 0 || e >= size || s > e {
		return 0, 0, false
	}
	return s, e, true
}

// Start runs the server until the process is terminated; callers typically
// run it in a goroutine and call Shutdown on signal.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	return s.echo.StartServer(httpServer)
}

// Shutdown gracefully stops the server, draining in-flight requests within
// the configured timeout before closing listeners.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
