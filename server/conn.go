package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cborpc/codec"
	"cborpc/message"
	"cborpc/middleware"
	"cborpc/observability"
	"cborpc/table"
	"cborpc/transport"
)

const (
	defaultQueueDepth  = 64
	defaultDropLogRate = 5
	maxDiagnosticLen   = 256
)

type ConnOption func(*Conn)

// WithTable serves tbl instead of a fresh table.
func WithTable(tbl *table.Table) ConnOption {
	return func(c *Conn) { c.table = tbl }
}

func WithLogger(l *zap.Logger) ConnOption {
	return func(c *Conn) { c.log = l }
}

// WithMiddleware wraps dispatch; the first middleware runs outermost.
func WithMiddleware(mws ...middleware.Middleware) ConnOption {
	return func(c *Conn) { c.middlewares = append(c.middlewares, mws...) }
}

// WithStrictEncode makes a result carrying neither error nor value a defect
// instead of a void response.
func WithStrictEncode(strict bool) ConnOption {
	return func(c *Conn) { c.strict = strict }
}

// WithQueueDepth bounds frames received but not yet decoded.
func WithQueueDepth(n int) ConnOption {
	return func(c *Conn) {
		if n > 0 {
			c.queueDepth = n
		}
	}
}

// WithDropLogRate caps malformed-frame log lines per second.
func WithDropLogRate(perSecond float64) ConnOption {
	return func(c *Conn) { c.dropLogRate = perSecond }
}

// WithBaseContext sets the context handlers derive from. Its cancellation is
// not propagated to handlers.
func WithBaseContext(ctx context.Context) ConnOption {
	return func(c *Conn) { c.base = ctx }
}

func WithRemote(addr string) ConnOption {
	return func(c *Conn) { c.remote = addr }
}

func withCallGroup(wg *sync.WaitGroup) ConnOption {
	return func(c *Conn) { c.calls = wg }
}

// Conn serves one function table over one transport.
//
//	transport.Messages ─▶ recvLoop ─(binary only)─▶ frames ─▶ workLoop ─▶ DecodeCall
//	                                                                 ├─ invalid: log, drop
//	                                                                 └─ valid: go dispatch ─▶ send
//
// Calls run concurrently and responses leave in completion order; callers
// correlate them by msg_id.
type Conn struct {
	tr          transport.Transport
	table       *table.Table
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	log         *zap.Logger
	strict      bool
	queueDepth  int
	dropLogRate float64
	dropLog     *rate.Limiter
	base        context.Context
	remote      string

	frames chan []byte
	calls  *sync.WaitGroup

	sending   sync.Mutex // whole frames; also orders sends against Close
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	intakeOnce sync.Once
	intake     chan struct{}

	done chan struct{}
}

// NewConn starts serving tr immediately.
func NewConn(tr transport.Transport, opts ...ConnOption) *Conn {
	c := &Conn{
		tr:          tr,
		log:         zap.NewNop(),
		queueDepth:  defaultQueueDepth,
		dropLogRate: defaultDropLogRate,
		base:        context.Background(),
		intake:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.table == nil {
		c.table = table.New(table.WithLogger(c.log))
	}
	if c.calls == nil {
		c.calls = &sync.WaitGroup{}
	}
	if c.remote != "" {
		c.log = c.log.With(zap.String("remote", c.remote))
	}
	limit := rate.Inf
	if c.dropLogRate > 0 {
		limit = rate.Limit(c.dropLogRate)
	}
	c.dropLog = rate.NewLimiter(limit, 1)
	c.handler = middleware.Chain(c.middlewares...)(c.callTable)
	c.frames = make(chan []byte, c.queueDepth)

	observability.ConnOpened()
	var loops sync.WaitGroup
	loops.Add(2)
	go func() { defer loops.Done(); c.recvLoop() }()
	go func() { defer loops.Done(); c.workLoop() }()
	go func() {
		loops.Wait()
		observability.ConnClosed()
		close(c.done)
	}()
	return c
}

// Table returns the served table, for registering functions after start.
func (c *Conn) Table() *table.Table { return c.table }

// Done is closed once intake has stopped and every received frame has been
// decoded. Calls already dispatched may still be running.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Wait() { <-c.done }

// Close stops intake and closes the transport. No response is sent once
// Close returns; handlers already running finish and their results are
// discarded. Close is idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.stopIntake()
		c.closeErr = c.tr.Close()
		// wait out a send that was already past the closed check
		c.sending.Lock()
		c.sending.Unlock()
	})
	return c.closeErr
}

// stopIntake stops accepting frames without suppressing responses to calls
// already dispatched.
func (c *Conn) stopIntake() {
	c.intakeOnce.Do(func() { close(c.intake) })
}

func (c *Conn) recvLoop() {
	defer close(c.frames)
	msgs := c.tr.Messages()
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				c.log.Debug("transport stream ended")
				go c.Close()
				return
			}
			if m.Kind != transport.Binary {
				observability.RecordDroppedFrame("non_binary")
				c.log.Debug("ignoring non-binary message", zap.Stringer("kind", m.Kind), zap.Int("len", len(m.Data)))
				continue
			}
			select {
			case c.frames <- m.Data:
			case <-c.intake:
				return
			}
		case <-c.intake:
			return
		}
	}
}

func (c *Conn) workLoop() {
	for frame := range c.frames {
		call, err := codec.DecodeCall(frame)
		if err != nil {
			c.drop(err)
			continue
		}
		if c.closed.Load() {
			continue
		}
		c.calls.Add(1)
		go c.dispatch(call)
	}
}

func (c *Conn) callTable(ctx context.Context, call message.CallMessage) (any, error) {
	return c.table.Call(ctx, call.Method, call.Params)
}

func (c *Conn) dispatch(call message.CallMessage) {
	defer c.calls.Done()

	ctx := context.WithoutCancel(c.base)
	v, err := c.handler(ctx, call)

	res := message.ResultMessage{MsgID: call.MsgID, Result: v}
	if err != nil {
		res.Error = rpcError(err)
		res.Result = nil
	}
	frame, err := codec.EncodeResult(res, c.strict)
	if err != nil {
		fields := []zap.Field{zap.Int64("msg_id", call.MsgID), zap.Stringer("method", call.Method), zap.Error(err)}
		if errors.Is(err, codec.ErrEmptyResult) {
			c.log.DPanic("result carries neither error nor value", fields...)
		} else {
			c.log.Error("encode result", fields...)
		}
		fallback := message.ResultMessage{
			MsgID: call.MsgID,
			Error: message.Errorf(message.RuntimeErrors, "encode result: %v", err),
		}
		if frame, err = codec.EncodeResult(fallback, false); err != nil {
			c.log.Error("encode fallback result", zap.Int64("msg_id", call.MsgID), zap.Error(err))
			return
		}
	}
	c.send(call, frame)
}

func (c *Conn) send(call message.CallMessage, frame []byte) {
	c.sending.Lock()
	defer c.sending.Unlock()
	if c.closed.Load() {
		c.log.Debug("discarding response after close", zap.Int64("msg_id", call.MsgID))
		return
	}
	if err := c.tr.Send(context.Background(), frame); err != nil {
		c.log.Warn("send response", zap.Int64("msg_id", call.MsgID), zap.Stringer("method", call.Method), zap.Error(err))
	}
}

// drop logs a frame that failed validation. No response is sent: the msg_id
// of a malformed frame cannot be trusted.
func (c *Conn) drop(err error) {
	code, _ := message.CodeOf(err)
	observability.RecordDroppedFrame(code.String())
	if !c.dropLog.Allow() {
		return
	}
	fields := []zap.Field{zap.Int("code", int(code)), zap.String("code_name", code.String())}
	var rpcErr *message.Error
	if errors.As(err, &rpcErr) && rpcErr.Extra != nil {
		fields = append(fields, zap.String("diagnostic", diagnostic(rpcErr.Extra)))
	}
	c.log.Warn("dropping malformed frame", fields...)
}

func rpcError(err error) *message.Error {
	var rpcErr *message.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &message.Error{Code: message.RuntimeErrors, Message: err.Error(), Extra: err}
}

func diagnostic(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > maxDiagnosticLen {
		s = s[:maxDiagnosticLen] + "..."
	}
	return s
}
