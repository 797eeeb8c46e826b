// Package mem provides in-process links for tests and for embedding a server
// and client in one binary.
package mem

import (
	"context"
	"errors"
	"io"
	"sync"

	"cborpc/transport"
)

// Pipe returns two connected links. Closing either one closes both.
func Pipe() (transport.Link, transport.Link) {
	p := &pipe{closed: make(chan struct{})}
	a := &link{p: p, in: make(chan transport.Message, 64)}
	b := &link{p: p, in: make(chan transport.Message, 64)}
	a.peer, b.peer = b, a
	return a, b
}

type pipe struct {
	once   sync.Once
	closed chan struct{}
}

type link struct {
	p    *pipe
	in   chan transport.Message
	peer *link
}

// ReadMessage returns messages the peer wrote before closing ahead of EOF.
func (l *link) ReadMessage() (transport.Message, error) {
	select {
	case m := <-l.in:
		return m, nil
	case <-l.p.closed:
	}
	select {
	case m := <-l.in:
		return m, nil
	default:
		return transport.Message{}, io.EOF
	}
}

func (l *link) WriteMessage(m transport.Message) error {
	m.Data = append([]byte(nil), m.Data...)
	select {
	case <-l.p.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case l.peer.in <- m:
		return nil
	case <-l.p.closed:
		return io.ErrClosedPipe
	}
}

func (l *link) Close() error {
	l.p.once.Do(func() { close(l.p.closed) })
	return nil
}

// Network is a set of named in-process listeners.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Listener
}

func NewNetwork() *Network { return &Network{listeners: make(map[string]*Listener)} }

var (
	ErrListenerExists = errors.New("mem: listener already exists")
	ErrNoListener     = errors.New("mem: no such listener")
	ErrListenerClosed = errors.New("mem: listener closed")
)

func (n *Network) Listen(name string) (*Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[name]; ok {
		return nil, ErrListenerExists
	}
	l := &Listener{net: n, name: name, accept: make(chan transport.Link, 8), closed: make(chan struct{})}
	n.listeners[name] = l
	return l, nil
}

// Dialer returns a DialFunc connecting to the listener called name.
func (n *Network) Dialer(name string) transport.DialFunc {
	return func(ctx context.Context) (transport.Link, error) {
		n.mu.Lock()
		l := n.listeners[name]
		n.mu.Unlock()
		if l == nil {
			return nil, ErrNoListener
		}
		client, server := Pipe()
		select {
		case l.accept <- server:
			return client, nil
		case <-l.closed:
			return nil, ErrListenerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type Listener struct {
	net    *Network
	name   string
	accept chan transport.Link
	once   sync.Once
	closed chan struct{}
}

func (l *Listener) Accept(ctx context.Context) (transport.Link, error) {
	select {
	case lk := <-l.accept:
		return lk, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.closed)
		l.net.mu.Lock()
		delete(l.net.listeners, l.name)
		l.net.mu.Unlock()
	})
	return nil
}
