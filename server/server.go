// Package server serves a function table to remote callers.
//
// A Conn is the per-connection actor: it decodes inbound frames, dispatches
// each valid call on its own goroutine and writes the encoded result back.
// A Server shares one table and middleware chain across every connection it
// accepts over websockets or framed TCP, and shuts them down gracefully.
//
//	Accept link → NewConn (one receive loop, one decode loop)
//	  → for each call: go dispatch (parallel)
//	    → middleware chain → table.Call → codec.EncodeResult → send
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cborpc/middleware"
	"cborpc/table"
	"cborpc/transport"
	"cborpc/transport/tcp"
	"cborpc/transport/ws"
)

type Option func(*Server)

func WithServerLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithConnOptions applies opts to every connection the server creates.
func WithConnOptions(opts ...ConnOption) Option {
	return func(s *Server) { s.connOpts = append(s.connOpts, opts...) }
}

func WithTCPOptions(o tcp.Options) Option {
	return func(s *Server) { s.tcpOpts = o }
}

func WithWSOptions(o ws.Options) Option {
	return func(s *Server) { s.wsOpts = o }
}

// Server accepts connections and serves one shared table on all of them.
type Server struct {
	table       *table.Table
	log         *zap.Logger
	middlewares []middleware.Middleware
	connOpts    []ConnOption
	tcpOpts     tcp.Options
	wsOpts      ws.Options

	calls    sync.WaitGroup // in-flight calls across every conn
	shutdown atomic.Bool

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	listeners []*tcp.Listener
	https     []*http.Server
}

func New(tbl *table.Table, opts ...Option) *Server {
	s := &Server{
		table:   tbl,
		log:     zap.NewNop(),
		tcpOpts: tcp.DefaultOptions(),
		wsOpts:  ws.DefaultOptions(),
		conns:   make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use adds a middleware. Middlewares apply in the order added and only to
// connections created afterwards.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

func (s *Server) Table() *table.Table { return s.table }

// ServeTransport serves tr as one connection until it ends or the server
// shuts down.
func (s *Server) ServeTransport(tr transport.Transport, remote string) (*Conn, error) {
	s.mu.Lock()
	// checked under mu so Shutdown's snapshot sees every conn created here
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = tr.Close()
		return nil, ErrServerClosed
	}
	opts := make([]ConnOption, 0, len(s.connOpts)+5)
	opts = append(opts, WithLogger(s.log))
	opts = append(opts, s.connOpts...)
	opts = append(opts,
		WithTable(s.table),
		WithMiddleware(s.middlewares...),
		WithRemote(remote),
		withCallGroup(&s.calls),
	)
	c := NewConn(tr, opts...)
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-c.Done()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	s.log.Debug("connection opened", zap.String("remote", remote))
	return c, nil
}

var ErrServerClosed = errors.New("server: closed")

// ServeTCP listens on addr and serves framed TCP connections until Shutdown.
func (s *Server) ServeTCP(addr string) error {
	l, err := tcp.Listen(addr, s.tcpOpts)
	if err != nil {
		return err
	}
	return s.ServeListener(l)
}

// ServeListener runs the accept loop on l. It returns nil after Shutdown or
// once l is closed.
func (s *Server) ServeListener(l *tcp.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = l.Close()
		return nil
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.log.Info("serving tcp", zap.Stringer("addr", l.Addr()))
	for {
		link, remote, err := l.Accept()
		if err != nil {
			// Close during shutdown makes Accept fail; that is not an error
			if s.shutdown.Load() {
				return nil
			}
			if tcp.IsClosed(err) {
				s.log.Info("tcp listener closed", zap.Stringer("addr", l.Addr()))
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if _, err := s.ServeTransport(transport.NewStatic(link), remote.String()); err != nil {
			return nil
		}
	}
}

// WSHandler upgrades each request to a websocket and serves it.
func (s *Server) WSHandler() http.Handler {
	up := ws.NewUpgrader(s.wsOpts, nil)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.shutdown.Load() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		link, err := up.Upgrade(w, r)
		if err != nil {
			s.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		_, _ = s.ServeTransport(transport.NewStatic(link), r.RemoteAddr)
	})
}

// ServeWS serves websocket connections on addr at path until Shutdown.
func (s *Server) ServeWS(addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s.WSHandler())
	return s.ListenAndServe(addr, mux)
}

// ListenAndServe serves h on addr until Shutdown, for muxes that mount WSHandler
// beside other routes.
func (s *Server) ListenAndServe(addr string, h http.Handler) error {
	hs := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		return nil
	}
	s.https = append(s.https, hs)
	s.mu.Unlock()

	s.log.Info("serving http", zap.String("addr", addr))
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting, lets in-flight calls finish and answer for up to
// timeout, then closes every connection.
func (s *Server) Shutdown(timeout time.Duration) error {
	// set the flag before closing listeners so accept loops see it
	s.shutdown.Store(true)

	s.mu.Lock()
	listeners, https := s.listeners, s.https
	s.listeners, s.https = nil, nil
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, hs := range https {
		_ = hs.Shutdown(ctx)
	}
	for _, c := range conns {
		c.stopIntake()
	}
	// every frame already received is dispatched before the wait starts
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.calls.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for %d connections' calls to finish", len(conns))
	}
	for _, c := range conns {
		_ = c.Close()
	}
	return err
}
