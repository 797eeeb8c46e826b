package builtin

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cborpc/message"
	"cborpc/table"
)

func TestRegister(t *testing.T) {
	tbl := table.New()
	require.NoError(t, Register(tbl, NewKV()))

	assert.Equal(t, map[string]int64{
		"listFns":   -1,
		"Sys.Echo":  1,
		"Sys.Ping":  2,
		"Sys.Sleep": 3,
		"Sys.Time":  4,
		"KV.Delete": 100,
		"KV.Get":    101,
		"KV.Keys":   102,
		"KV.Set":    103,
	}, tbl.ListFns())
}

func TestCalls(t *testing.T) {
	tbl := table.New()
	require.NoError(t, Register(tbl, NewKV()))
	ctx := context.Background()
	call := func(name string, args ...any) (any, error) {
		if args == nil {
			args = []any{}
		}
		return tbl.Call(ctx, message.Name(name), args)
	}

	v, err := call("Sys.Ping")
	require.NoError(t, err)
	assert.Equal(t, "pong", v)

	v, err = call("Sys.Echo", map[any]any{"a": uint64(1)})
	require.NoError(t, err)
	assert.Equal(t, map[any]any{"a": uint64(1)}, v)

	v, err = call("Sys.Sleep", uint64(1))
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = call("KV.Get", "k")
	code, _ := message.CodeOf(err)
	assert.Equal(t, message.OptionalNull, code)

	_, err = call("KV.Set", "k", "v")
	require.NoError(t, err)
	_, err = call("KV.Set", "j", uint64(2))
	require.NoError(t, err)

	v, err = call("KV.Get", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	v, err = call("KV.Keys")
	require.NoError(t, err)
	keys := v.([]string)
	sort.Strings(keys)
	assert.Equal(t, []string{"j", "k"}, keys)

	v, err = call("KV.Delete", "k")
	require.NoError(t, err)
	assert.Equal(t, true, v)
	v, err = call("KV.Delete", "k")
	require.NoError(t, err)
	assert.Equal(t, false, v)
}
