package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"cborpc/codec"
	"cborpc/message"
	"cborpc/table"
	"cborpc/transport"
	"cborpc/transport/mem"
)

// remote drives a Conn from the calling side with hand-built frames.
type remote struct {
	t    *testing.T
	link transport.Link
}

func startConn(t *testing.T, tbl *table.Table, opts ...ConnOption) (*Conn, *remote) {
	t.Helper()
	a, b := mem.Pipe()
	opts = append([]ConnOption{WithTable(tbl), WithLogger(zaptest.NewLogger(t))}, opts...)
	c := NewConn(transport.NewStatic(a), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c, &remote{t: t, link: b}
}

func (r *remote) call(id int64, key message.Key, params ...any) {
	r.t.Helper()
	frame, err := codec.EncodeCall(message.CallMessage{MsgID: id, Method: key, Params: params})
	require.NoError(r.t, err)
	r.raw(frame)
}

func (r *remote) raw(frame []byte) {
	r.t.Helper()
	require.NoError(r.t, r.link.WriteMessage(transport.Message{Kind: transport.Binary, Data: frame}))
}

func (r *remote) result() message.ResultMessage {
	r.t.Helper()
	type read struct {
		m   transport.Message
		err error
	}
	ch := make(chan read, 1)
	go func() {
		m, err := r.link.ReadMessage()
		ch <- read{m, err}
	}()
	select {
	case got := <-ch:
		require.NoError(r.t, got.err)
		res, err := codec.DecodeResult(got.m.Data)
		require.NoError(r.t, err)
		return res
	case <-time.After(2 * time.Second):
		r.t.Fatal("no response")
		return message.ResultMessage{}
	}
}

func mustRegister(t *testing.T, tbl *table.Table, name string, index int64, fn any) {
	t.Helper()
	require.NoError(t, tbl.Register(name, index, table.MustReflect(fn), table.RegisterOptions{}))
}

func TestConnAnswersCalls(t *testing.T) {
	tbl := table.New()
	mustRegister(t, tbl, "add", 1, func(a, b int64) int64 { return a + b })
	mustRegister(t, tbl, "noop", 2, func() {})
	_, r := startConn(t, tbl)

	r.call(7, message.Name("add"), 2, 3)
	res := r.result()
	assert.Equal(t, int64(7), res.MsgID)
	assert.Nil(t, res.Error)
	assert.Equal(t, uint64(5), res.Result)

	r.call(8, message.Index(2))
	res = r.result()
	assert.Equal(t, int64(8), res.MsgID)
	assert.True(t, message.IsVoid(res.Result))

	r.call(9, message.Name("ad"))
	res = r.result()
	require.NotNil(t, res.Error)
	assert.Equal(t, message.InvalidMethod, res.Error.Code)
	assert.Equal(t, "function ad not found, did you mean add?", res.Error.Message)
}

func TestConnRespondsInCompletionOrder(t *testing.T) {
	release := make(chan struct{})
	tbl := table.New()
	mustRegister(t, tbl, "slow", 1, func() string { <-release; return "slow" })
	mustRegister(t, tbl, "fast", 2, func() string { return "fast" })
	_, r := startConn(t, tbl)

	r.call(1, message.Name("slow"))
	r.call(2, message.Name("fast"))

	first := r.result()
	assert.Equal(t, int64(2), first.MsgID)
	assert.Equal(t, "fast", first.Result)

	close(release)
	second := r.result()
	assert.Equal(t, int64(1), second.MsgID)
	assert.Equal(t, "slow", second.Result)
}

func TestConnDropsMalformedFrames(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tbl := table.New()
	mustRegister(t, tbl, "ping", 1, func() string { return "pong" })
	_, r := startConn(t, tbl, WithLogger(zap.New(core)), WithDropLogRate(0))

	wrongMagic, err := codec.Marshal([]any{1, 5, "ping", []any{}})
	require.NoError(t, err)
	shortFrame, err := codec.Marshal([]any{0, 6})
	require.NoError(t, err)
	badParams, err := codec.Marshal([]any{0, 7, "ping", "x"})
	require.NoError(t, err)

	r.raw([]byte{0xff, 0x00})
	r.raw(wrongMagic)
	r.raw(shortFrame)
	r.raw(badParams)
	require.NoError(t, r.link.WriteMessage(transport.Message{Kind: transport.Text, Data: []byte("hello")}))
	r.call(8, message.Name("ping"))

	res := r.result()
	assert.Equal(t, int64(8), res.MsgID)
	assert.Equal(t, "pong", res.Result)

	dropped := logs.FilterMessage("dropping malformed frame").All()
	require.Len(t, dropped, 4)
	names := make([]string, 0, len(dropped))
	for _, e := range dropped {
		names = append(names, e.ContextMap()["code_name"].(string))
	}
	assert.Equal(t, []string{"BadCBOR", "BadMagicNumber", "BadLength", "BadType"}, names)
	assert.Equal(t, 1, logs.FilterMessage("ignoring non-binary message").Len())
}

func TestConnDropLogIsRateLimited(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tbl := table.New()
	mustRegister(t, tbl, "ping", 1, func() string { return "pong" })
	_, r := startConn(t, tbl, WithLogger(zap.New(core)), WithDropLogRate(0.001))

	for i := 0; i < 10; i++ {
		r.raw([]byte{0xff})
	}
	r.call(1, message.Name("ping"))
	r.result()
	assert.Equal(t, 1, logs.FilterMessage("dropping malformed frame").Len())
}

func TestConnStrictEncode(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	tbl := table.New()
	mustRegister(t, tbl, "noop", 1, func() {})
	_, r := startConn(t, tbl, WithLogger(zap.New(core)), WithStrictEncode(true))

	r.call(3, message.Name("noop"))
	res := r.result()
	assert.Equal(t, int64(3), res.MsgID)
	require.NotNil(t, res.Error)
	assert.Equal(t, message.RuntimeErrors, res.Error.Code)
	assert.Contains(t, res.Error.Message, "encode result")

	entries := logs.FilterMessage("result carries neither error nor value").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.DPanicLevel, entries[0].Level)
}

func TestConnEncodeFailureFallsBack(t *testing.T) {
	tbl := table.New()
	mustRegister(t, tbl, "chan", 1, func() any { return make(chan int) })
	_, r := startConn(t, tbl)

	r.call(4, message.Name("chan"))
	res := r.result()
	require.NotNil(t, res.Error)
	assert.Equal(t, message.RuntimeErrors, res.Error.Code)
}

func TestConnHandlersOutliveBaseContext(t *testing.T) {
	base, cancel := context.WithCancel(context.Background())
	cancel()

	tbl := table.New()
	require.NoError(t, tbl.Register("alive", 1, table.Func(func(ctx context.Context, _ []any) (any, error) {
		return ctx.Err() == nil, nil
	}), table.RegisterOptions{}))
	_, r := startConn(t, tbl, WithBaseContext(base))

	r.call(1, message.Name("alive"))
	assert.Equal(t, true, r.result().Result)
}

func TestConnNoSendAfterClose(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	started := make(chan struct{})
	release := make(chan struct{})
	tbl := table.New()
	mustRegister(t, tbl, "slow", 1, func() string {
		close(started)
		<-release
		return "late"
	})
	c, r := startConn(t, tbl, WithLogger(zap.New(core)))

	r.call(1, message.Name("slow"))
	<-started
	require.NoError(t, c.Close())
	close(release)
	c.calls.Wait()

	assert.Equal(t, 1, logs.FilterMessage("discarding response after close").Len())
	_, err := r.link.ReadMessage()
	assert.Error(t, err)
}

func TestConnEndsWhenPeerHangsUp(t *testing.T) {
	c, r := startConn(t, table.New())
	require.NoError(t, r.link.Close())
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conn did not stop")
	}
}

func TestConnTableIsLive(t *testing.T) {
	c, r := startConn(t, table.New())
	mustRegister(t, c.Table(), "late", 5, func() string { return "here" })

	r.call(1, message.Index(5))
	assert.Equal(t, "here", r.result().Result)
}
