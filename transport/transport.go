// Package transport carries opaque frames between the two ends of an RPC
// connection.
//
// A Link is one physical connection: a websocket, a framed TCP stream, an
// in-process pipe. A Transport is what the server and client program against:
// Send queues a frame, Messages delivers inbound ones, and Close ends it. The
// static transport wraps a single accepted Link; the reconnecting transport
// redials a Link whenever it drops and queues sends meanwhile.
//
//	Client/Conn ──Send──▶ Transport ──WriteMessage──▶ Link ──▶ peer
//	Client/Conn ◀─Messages── Transport ◀─ReadMessage── Link ◀── peer
package transport

import (
	"context"
	"errors"
)

// Kind distinguishes the payloads a link can deliver. Only Binary messages
// are RPC frames.
type Kind uint8

const (
	Binary Kind = iota
	Text
)

func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

type Message struct {
	Kind Kind
	Data []byte
}

// Transport is a duplex frame channel. Messages is closed once the transport
// can deliver nothing more.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Messages() <-chan Message
	Close() error
}

// Link is a single physical connection. ReadMessage is called from one
// goroutine; WriteMessage is serialized by the transport owning the link.
type Link interface {
	ReadMessage() (Message, error)
	WriteMessage(Message) error
	Close() error
}

// DialFunc opens a new Link.
type DialFunc func(ctx context.Context) (Link, error)

var (
	ErrClosed    = errors.New("transport: closed")
	ErrQueueFull = errors.New("transport: send queue full")
)
