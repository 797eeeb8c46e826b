// Package client calls functions served by a cborpc peer.
//
// Many goroutines share one transport. Each call gets a unique msg_id and
// waits on its own channel; a single receive loop routes every response to
// the caller whose msg_id it carries, in whatever order responses arrive.
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──▶ transport ──▶ peer
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop: ◀── result(id=2) → pending[2] → goroutine-2 wakes up
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"cborpc/codec"
	"cborpc/message"
	"cborpc/table"
	"cborpc/transport"
)

// ErrClosed fails calls still waiting when the transport ends.
var ErrClosed = errors.New("client: closed")

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

type Client struct {
	tr      transport.Transport
	log     *zap.Logger
	seq     atomic.Int64
	pending sync.Map // int64 -> chan message.ResultMessage

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// New starts reading responses from tr. The client owns tr.
func New(tr transport.Transport, opts ...Option) *Client {
	c := &Client{
		tr:     tr,
		log:    zap.NewNop(),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.recvLoop()
	return c
}

// Call invokes key with params and returns the decoded result. A void
// result comes back as nil. An error response is returned as *message.Error.
func (c *Client) Call(ctx context.Context, key message.Key, params ...any) (any, error) {
	select {
	case <-c.closed:
		return nil, ErrClosed
	default:
	}
	if params == nil {
		params = []any{}
	}

	id := c.seq.Add(1)
	frame, err := codec.EncodeCall(message.CallMessage{MsgID: id, Method: key, Params: params})
	if err != nil {
		return nil, fmt.Errorf("client: encode call: %w", err)
	}

	// register before sending so a fast response is never missed
	ch := make(chan message.ResultMessage, 1)
	c.pending.Store(id, ch)
	select {
	case <-c.closed:
		if _, mine := c.pending.LoadAndDelete(id); mine {
			return nil, ErrClosed
		}
	default:
	}
	if err := c.tr.Send(ctx, frame); err != nil {
		c.pending.Delete(id)
		return nil, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if res.Error != nil {
			return nil, res.Error
		}
		if message.IsVoid(res.Result) {
			return nil, nil
		}
		return res.Result, nil
	case <-ctx.Done():
		c.pending.Delete(id)
		return nil, ctx.Err()
	}
}

// CallInto is Call with the result decoded into out, a pointer.
func (c *Client) CallInto(ctx context.Context, key message.Key, out any, params ...any) error {
	v, err := c.Call(ctx, key, params...)
	if err != nil {
		return err
	}
	b, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return codec.Unmarshal(b, out)
}

// ListFns asks the peer for its name to index map.
func (c *Client) ListFns(ctx context.Context) (map[string]int64, error) {
	var fns map[string]int64
	if err := c.CallInto(ctx, message.Index(table.ListFnsIndex), &fns); err != nil {
		return nil, err
	}
	return fns, nil
}

// Close closes the transport and fails pending calls with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.tr.Close()
	})
	<-c.done
	return err
}

func (c *Client) recvLoop() {
	defer close(c.done)
	defer c.failPending()
	for m := range c.tr.Messages() {
		if m.Kind != transport.Binary {
			continue
		}
		res, err := codec.DecodeResult(m.Data)
		if err != nil {
			c.log.Warn("dropping malformed response", zap.Error(err))
			continue
		}
		v, ok := c.pending.LoadAndDelete(res.MsgID)
		if !ok {
			c.log.Debug("response for unknown call", zap.Int64("msg_id", res.MsgID))
			continue
		}
		v.(chan message.ResultMessage) <- res
	}
}

// failPending releases every waiting caller once no response can arrive.
func (c *Client) failPending() {
	c.closeOnce.Do(func() { close(c.closed) })
	c.pending.Range(func(key, value any) bool {
		c.pending.Delete(key)
		close(value.(chan message.ResultMessage))
		return true
	})
}
