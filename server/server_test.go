package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"cborpc/client"
	"cborpc/message"
	"cborpc/middleware"
	"cborpc/table"
	"cborpc/transport"
	"cborpc/transport/mem"
	"cborpc/transport/tcp"
	"cborpc/transport/ws"
)

type Arith struct{}

func (Arith) Add(a, b int64) int64 { return a + b }

func (Arith) Div(a, b int64) (table.Return, error) {
	if b == 0 {
		return table.Fail(map[string]any{"code": int(message.RuntimeErrors), "message": "division by zero"}), nil
	}
	return table.Value(a / b), nil
}

func newServer(t *testing.T) *Server {
	t.Helper()
	tbl := table.New()
	n, err := tbl.RegisterService(Arith{}, 10, table.RegisterOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	return New(tbl, WithServerLogger(zaptest.NewLogger(t)))
}

func exercise(t *testing.T, c *client.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sum int64
	require.NoError(t, c.CallInto(ctx, message.Name("Arith.Add"), &sum, 20, 22))
	assert.Equal(t, int64(42), sum)

	var q int64
	require.NoError(t, c.CallInto(ctx, message.Index(11), &q, 9, 3))
	assert.Equal(t, int64(3), q)

	_, err := c.Call(ctx, message.Index(11), 1, 0)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "division by zero", rpcErr.Message)
}

func TestServeTCP(t *testing.T) {
	s := newServer(t)
	l, err := tcp.Listen("127.0.0.1:0", tcp.DefaultOptions())
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.ServeListener(l) }()

	link, err := tcp.Dial(l.Addr().String(), tcp.DefaultOptions())(context.Background())
	require.NoError(t, err)
	c := client.New(transport.NewStatic(link))
	defer c.Close()

	exercise(t, c)

	require.NoError(t, s.Shutdown(time.Second))
	assert.NoError(t, <-served)
}

func TestServeWebsocket(t *testing.T) {
	s := newServer(t)
	hs := httptest.NewServer(s.WSHandler())
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	link, err := ws.Dial(url, ws.DefaultOptions())(context.Background())
	require.NoError(t, err)
	c := client.New(transport.NewStatic(link))
	defer c.Close()

	exercise(t, c)
	require.NoError(t, s.Shutdown(time.Second))
}

func TestServeOverReconnectingWebsocket(t *testing.T) {
	s := newServer(t)
	hs := httptest.NewServer(s.WSHandler())
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	tr := transport.NewReconnecting(ws.Dial(url, ws.DefaultOptions()), transport.DefaultReconnectConfig(), zaptest.NewLogger(t))
	c := client.New(tr)
	defer c.Close()

	exercise(t, c)
	require.NoError(t, s.Shutdown(time.Second))
}

func TestServerMiddleware(t *testing.T) {
	s := newServer(t)
	var seen atomic.Int32
	s.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call message.CallMessage) (any, error) {
			seen.Add(1)
			return next(ctx, call)
		}
	})

	a, b := mem.Pipe()
	_, err := s.ServeTransport(transport.NewStatic(a), "mem")
	require.NoError(t, err)
	c := client.New(transport.NewStatic(b))
	defer c.Close()

	exercise(t, c)
	assert.Equal(t, int32(3), seen.Load())
	require.NoError(t, s.Shutdown(time.Second))
}

func TestShutdownWaitsForInflightCalls(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	tbl := table.New()
	require.NoError(t, tbl.Register("slow", 1, table.MustReflect(func() string {
		close(started)
		<-release
		return "finished"
	}), table.RegisterOptions{}))
	s := New(tbl, WithServerLogger(zaptest.NewLogger(t)))

	a, b := mem.Pipe()
	_, err := s.ServeTransport(transport.NewStatic(a), "mem")
	require.NoError(t, err)
	c := client.New(transport.NewStatic(b))
	defer c.Close()

	result := make(chan any, 1)
	go func() {
		v, err := c.Call(context.Background(), message.Name("slow"))
		if err != nil {
			result <- err
			return
		}
		result <- v
	}()
	<-started

	shut := make(chan error, 1)
	go func() { shut <- s.Shutdown(5 * time.Second) }()
	time.Sleep(20 * time.Millisecond)
	close(release)

	assert.Equal(t, "finished", <-result)
	assert.NoError(t, <-shut)

	late, _ := mem.Pipe()
	_, err = s.ServeTransport(transport.NewStatic(late), "late")
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestShutdownTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	tbl := table.New()
	require.NoError(t, tbl.Register("stuck", 1, table.MustReflect(func() {
		close(started)
		<-release
	}), table.RegisterOptions{}))
	s := New(tbl)

	a, b := mem.Pipe()
	_, err := s.ServeTransport(transport.NewStatic(a), "mem")
	require.NoError(t, err)
	c := client.New(transport.NewStatic(b))
	defer c.Close()

	go func() { _, _ = c.Call(context.Background(), message.Name("stuck")) }()
	<-started
	assert.Error(t, s.Shutdown(50*time.Millisecond))
}

func TestShutdownClosesConnsServedConcurrently(t *testing.T) {
	s := New(table.New())

	type served struct {
		c   *Conn
		err error
	}
	results := make(chan served, 64)
	start := make(chan struct{})
	for i := 0; i < cap(results); i++ {
		go func() {
			a, _ := mem.Pipe()
			<-start
			c, err := s.ServeTransport(transport.NewStatic(a), "mem")
			results <- served{c, err}
		}()
	}
	close(start)
	require.NoError(t, s.Shutdown(time.Second))

	for i := 0; i < cap(results); i++ {
		r := <-results
		if r.err != nil {
			assert.ErrorIs(t, r.err, ErrServerClosed)
			continue
		}
		select {
		case <-r.c.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("conn accepted during shutdown was left open")
		}
	}
}

func TestServeListenerReturnsWhenListenerClosed(t *testing.T) {
	s := New(table.New())
	l, err := tcp.Listen("127.0.0.1:0", tcp.DefaultOptions())
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.ServeListener(l) }()
	require.NoError(t, l.Close())

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop kept running")
	}
}
