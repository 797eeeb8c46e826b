package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"cborpc/message"
	"cborpc/observability"
)

func echoHandler(_ context.Context, call message.CallMessage) (any, error) {
	return call.Params, nil
}

func failHandler(context.Context, message.CallMessage) (any, error) {
	return nil, message.Errorf(message.InvalidMethod, "function nope not found")
}

var addCall = message.CallMessage{MsgID: 1, Method: message.Name("add"), Params: []any{uint64(1)}}

func TestChainOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call message.CallMessage) (any, error) {
				trace = append(trace, name+">")
				v, err := next(ctx, call)
				trace = append(trace, "<"+name)
				return v, err
			}
		}
	}

	h := Chain(mark("a"), mark("b"), mark("c"))(echoHandler)
	v, err := h(context.Background(), addCall)
	require.NoError(t, err)
	assert.Equal(t, []any{uint64(1)}, v)
	assert.Equal(t, []string{"a>", "b>", "c>", "<c", "<b", "<a"}, trace)
}

func TestChainEmpty(t *testing.T) {
	v, err := Chain()(echoHandler)(context.Background(), addCall)
	require.NoError(t, err)
	assert.Equal(t, []any{uint64(1)}, v)
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)

	_, err := Logging(log)(echoHandler)(context.Background(), addCall)
	require.NoError(t, err)
	_, err = Logging(log)(failHandler)(context.Background(), message.CallMessage{MsgID: 2, Method: message.Index(9)})
	require.Error(t, err)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "call handled", entries[0].Message)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "add", entries[0].ContextMap()["method"])

	assert.Equal(t, "call failed", entries[1].Message)
	fields := entries[1].ContextMap()
	assert.Equal(t, int64(2), fields["msg_id"])
	assert.Equal(t, "#9", fields["method"])
	assert.Equal(t, "InvalidMethod", fields["code_name"])
}

func TestMetrics(t *testing.T) {
	h := Metrics()(failHandler)
	observability.RegisterMetrics()

	before := callCount(t, unknownMethod, "InvalidMethod")
	_, err := h(context.Background(), message.CallMessage{MsgID: 1, Method: message.Name("x")})
	require.Error(t, err)
	assert.Equal(t, before+1, callCount(t, unknownMethod, "InvalidMethod"))

	before = callCount(t, "add", "ok")
	_, err = Metrics()(echoHandler)(context.Background(), addCall)
	require.NoError(t, err)
	assert.Equal(t, before+1, callCount(t, "add", "ok"))
}

func callCount(t *testing.T, method, code string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "cborpc_rpc_calls_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["method"] == method && labels["code"] == code {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRateLimit(t *testing.T) {
	// burst 2 passes twice, then the bucket is empty for a second
	h := RateLimit(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		_, err := h(context.Background(), addCall)
		require.NoError(t, err, "call %d", i)
	}
	_, err := h(context.Background(), addCall)
	var rpcErr *message.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, message.RuntimeErrors, rpcErr.Code)
	assert.Equal(t, "rate limit exceeded", rpcErr.Message)
}

func TestCodeLabel(t *testing.T) {
	assert.Equal(t, "ok", codeLabel(nil))
	assert.Equal(t, "OptionalNull", codeLabel(message.New(message.OptionalNull)))
	assert.Equal(t, "RuntimeErrors", codeLabel(errors.New("plain")))
}

func TestLoggingKeepsDuration(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	slow := func(context.Context, message.CallMessage) (any, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}
	_, err := Logging(zap.New(core))(slow)(context.Background(), addCall)
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	d, ok := logs.All()[0].ContextMap()["duration"].(time.Duration)
	require.True(t, ok)
	assert.GreaterOrEqual(t, d, 5*time.Millisecond)
}

func TestMetricsFoldsUnknownMethods(t *testing.T) {
	observability.RegisterMetrics()
	h := Metrics()(failHandler)

	before := callCount(t, "unknown", "InvalidMethod")
	for i := 0; i < 1000; i++ {
		_, err := h(context.Background(), message.CallMessage{MsgID: int64(i), Method: message.Name(fmt.Sprintf("junk-%d", i))})
		require.Error(t, err)
	}
	assert.Equal(t, before+1000, callCount(t, "unknown", "InvalidMethod"))

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "cborpc_rpc_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "method" {
					assert.False(t, strings.HasPrefix(l.GetValue(), "junk-"), "series minted for %s", l.GetValue())
				}
			}
		}
	}
}

func TestMethodLabel(t *testing.T) {
	assert.Equal(t, "add", methodLabel(message.Name("add"), "ok"))
	assert.Equal(t, "#3", methodLabel(message.Index(3), "RuntimeErrors"))
	assert.Equal(t, "unknown", methodLabel(message.Name("nope"), "InvalidMethod"))
	assert.Equal(t, "unknown", methodLabel(message.Index(99), "InvalidMethod"))
}
