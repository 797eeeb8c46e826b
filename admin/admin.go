// Package admin serves the daemon's HTTP control surface: health, the
// function manifest, and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cborpc/observability"
	"cborpc/table"
)

const version = "0.1.0"

type Option func(*Admin)

// Linker reports whether an outbound link is up.
type Linker interface {
	Connected() bool
}

// WithOutbound reports l's link state in /healthz under name.
func WithOutbound(name string, l Linker) Option {
	return func(a *Admin) { a.outbound[name] = l }
}

// Admin owns the gin router and, once Serve is called, its HTTP server.
type Admin struct {
	table   *table.Table
	log     *zap.Logger
	started time.Time
	router  *gin.Engine

	outbound map[string]Linker

	mu     sync.Mutex
	hs     *http.Server
	closed bool
}

func New(tbl *table.Table, log *zap.Logger, opts ...Option) *Admin {
	if log == nil {
		log = zap.NewNop()
	}
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	a := &Admin{table: tbl, log: log, started: time.Now(), router: r, outbound: make(map[string]Linker)}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *Admin) Handler() http.Handler { return a.router }

func (a *Admin) routes() {
	a.router.GET("/healthz", func(c *gin.Context) {
		body := gin.H{
			"status":    "ok",
			"uptime":    time.Since(a.started).String(),
			"functions": a.table.Len(),
			"version":   version,
		}
		if len(a.outbound) > 0 {
			links := make(map[string]bool, len(a.outbound))
			for name, l := range a.outbound {
				links[name] = l.Connected()
			}
			body["outbound"] = links
		}
		c.JSON(http.StatusOK, body)
	})

	a.router.GET("/fns", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.table.ListFns())
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Serve listens on addr until Shutdown. It returns nil once shut down.
func (a *Admin) Serve(addr string) error {
	hs := &http.Server{Addr: addr, Handler: a.router, ReadHeaderTimeout: 10 * time.Second}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.hs = hs
	a.mu.Unlock()

	a.log.Info("serving admin", zap.String("addr", addr))
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Admin) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	hs := a.hs
	a.mu.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Shutdown(ctx)
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		level := zap.DebugLevel
		if status >= 500 {
			level = zap.ErrorLevel
		} else if status >= 400 {
			level = zap.WarnLevel
		}
		log.Log(level, "http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("bytes", c.Writer.Size()),
		)
	}
}
