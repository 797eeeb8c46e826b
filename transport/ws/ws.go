// Package ws carries transport links over websockets.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cborpc/transport"
)

// MaxMessageSize is the read limit applied to every link.
const MaxMessageSize = 16 << 20

// Options tune keepalive. A zero PingInterval disables pings.
type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func DefaultOptions() Options {
	return Options{
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

type link struct {
	c    *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newLink(c *websocket.Conn, opts Options) *link {
	l := &link{c: c, opts: opts, closed: make(chan struct{})}
	c.SetReadLimit(MaxMessageSize)
	if opts.PingInterval > 0 && opts.PongWait > 0 {
		_ = c.SetReadDeadline(time.Now().Add(opts.PongWait))
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
		go l.pingLoop()
	}
	return l
}

func (l *link) ReadMessage() (transport.Message, error) {
	for {
		mt, data, err := l.c.ReadMessage()
		if err != nil {
			if IsClosure(err) {
				return transport.Message{}, io.EOF
			}
			return transport.Message{}, err
		}
		switch mt {
		case websocket.BinaryMessage:
			return transport.Message{Kind: transport.Binary, Data: data}, nil
		case websocket.TextMessage:
			return transport.Message{Kind: transport.Text, Data: data}, nil
		}
	}
}

func (l *link) WriteMessage(m transport.Message) error {
	mt := websocket.BinaryMessage
	if m.Kind == transport.Text {
		mt = websocket.TextMessage
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if l.opts.WriteWait > 0 {
		_ = l.c.SetWriteDeadline(time.Now().Add(l.opts.WriteWait))
	}
	return l.c.WriteMessage(mt, m.Data)
}

// Close sends a close frame when it can, then closes the socket.
func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		deadline := time.Now().Add(time.Second)
		_ = l.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = l.c.Close()
	})
	return err
}

func (l *link) pingLoop() {
	ticker := time.NewTicker(l.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(l.opts.WriteWait)
			if err := l.c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-l.closed:
			return
		}
	}
}

// Dial returns a DialFunc opening a websocket to url, for use with
// transport.NewReconnecting.
func Dial(url string, opts Options) transport.DialFunc {
	dialer := *websocket.DefaultDialer
	return func(ctx context.Context) (transport.Link, error) {
		c, resp, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("ws dial %s: %w (status %d)", url, err, resp.StatusCode)
			}
			return nil, fmt.Errorf("ws dial %s: %w", url, err)
		}
		return newLink(c, opts), nil
	}
}

// Upgrader turns inbound HTTP requests into links.
type Upgrader struct {
	up   websocket.Upgrader
	opts Options
}

// NewUpgrader accepts any origin when checkOrigin is nil.
func NewUpgrader(opts Options, checkOrigin func(*http.Request) bool) *Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Upgrader{
		up: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		opts: opts,
	}
}

// Upgrade completes the websocket handshake. On failure a response has
// already been written to w.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (transport.Link, error) {
	c, err := u.up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newLink(c, u.opts), nil
}

// IsClosure reports whether err is an orderly end of the websocket rather
// than a failure worth logging.
func IsClosure(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, websocket.ErrCloseSent)
}
