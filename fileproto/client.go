package fileproto

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"cborpc/transport"
)

var ErrClosed = errors.New("fileproto: closed")

// Client fetches paths from a file server over one transport.
type Client struct {
	tr      transport.Transport
	log     *zap.Logger
	sid     atomic.Int64
	pending sync.Map // int64 -> chan Response

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// NewClient owns tr. A nil logger is replaced by a no-op one.
func NewClient(tr transport.Transport, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{tr: tr, log: log, closed: make(chan struct{}), done: make(chan struct{})}
	go c.recvLoop()
	return c
}

// Fetch requests p. A response carrying an error slot is returned along with
// that *Error.
func (c *Client) Fetch(ctx context.Context, p string, implicitRead bool) (Response, error) {
	select {
	case <-c.closed:
		return Response{}, ErrClosed
	default:
	}
	sid := c.sid.Add(1)
	frame, err := EncodeRequest(Request{SID: sid, Path: p, ImplicitRead: implicitRead})
	if err != nil {
		return Response{}, err
	}

	ch := make(chan Response, 1)
	c.pending.Store(sid, ch)
	select {
	case <-c.closed:
		if _, mine := c.pending.LoadAndDelete(sid); mine {
			return Response{}, ErrClosed
		}
	default:
	}
	if err := c.tr.Send(ctx, frame); err != nil {
		c.pending.Delete(sid)
		return Response{}, err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return Response{}, ErrClosed
		}
		if res.Error != nil {
			return res, res.Error
		}
		return res, nil
	case <-ctx.Done():
		c.pending.Delete(sid)
		return Response{}, ctx.Err()
	}
}

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
	defer func() {
		c.closeOnce.Do(func() { close(c.closed) })
		c.pending.Range(func(k, v any) bool {
			c.pending.Delete(k)
			close(v.(chan Response))
			return true
		})
	}()
	for m := range c.tr.Messages() {
		if m.Kind != transport.Binary {
			continue
		}
		res, err := DecodeResponse(m.Data)
		if err != nil {
			c.log.Warn("dropping malformed file response", zap.Error(err))
			continue
		}
		if v, ok := c.pending.LoadAndDelete(res.SID); ok {
			v.(chan Response) <- res
		}
	}
}
