// Package tcp carries transport links over TCP using the protocol framing.
// Heartbeat frames keep idle connections alive and are never surfaced.
package tcp

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"cborpc/protocol"
	"cborpc/transport"
)

type Options struct {
	// HeartbeatInterval is how often an idle link sends a heartbeat; 0
	// disables them.
	HeartbeatInterval time.Duration
	// IdleTimeout closes a link that has received nothing, heartbeats
	// included, for this long; 0 disables it.
	IdleTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{HeartbeatInterval: 30 * time.Second, IdleTimeout: 90 * time.Second}
}

type link struct {
	conn net.Conn
	opts Options

	sending   sync.Mutex // whole frames only; heartbeats share the conn
	closeOnce sync.Once
	closed    chan struct{}
}

// NewLink frames conn. It takes ownership of conn.
func NewLink(conn net.Conn, opts Options) transport.Link {
	l := &link{conn: conn, opts: opts, closed: make(chan struct{})}
	if opts.HeartbeatInterval > 0 {
		go l.heartbeatLoop()
	}
	return l
}

func (l *link) ReadMessage() (transport.Message, error) {
	for {
		if l.opts.IdleTimeout > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(l.opts.IdleTimeout))
		}
		hdr, body, err := protocol.Decode(l.conn)
		if err != nil {
			return transport.Message{}, err
		}
		switch hdr.Kind {
		case protocol.KindHeartbeat:
			continue
		case protocol.KindText:
			return transport.Message{Kind: transport.Text, Data: body}, nil
		default:
			return transport.Message{Kind: transport.Binary, Data: body}, nil
		}
	}
}

func (l *link) WriteMessage(m transport.Message) error {
	kind := protocol.KindBinary
	if m.Kind == transport.Text {
		kind = protocol.KindText
	}
	l.sending.Lock()
	defer l.sending.Unlock()
	return protocol.Encode(l.conn, kind, m.Data)
}

func (l *link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}

func (l *link) heartbeatLoop() {
	ticker := time.NewTicker(l.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sending.Lock()
			err := protocol.Encode(l.conn, protocol.KindHeartbeat, nil)
			l.sending.Unlock()
			if err != nil {
				return
			}
		case <-l.closed:
			return
		}
	}
}

// Dial returns a DialFunc connecting to addr.
func Dial(addr string, opts Options) transport.DialFunc {
	var d net.Dialer
	return func(ctx context.Context) (transport.Link, error) {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return NewLink(conn, opts), nil
	}
}

// Listener accepts framed links.
type Listener struct {
	ln   net.Listener
	opts Options
}

func Listen(addr string, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, opts: opts}, nil
}

// Accept blocks for the next connection. After Close it returns
// net.ErrClosed.
func (l *Listener) Accept() (transport.Link, net.Addr, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, nil, err
	}
	return NewLink(conn, l.opts), conn.RemoteAddr(), nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// IsClosed reports whether err comes from a closed listener or connection.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
