package observability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cborpc/config"
)

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cborpcd.log")
	logger, err := NewLogger(config.LogConfig{Level: "debug", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	logger.Debug("hello", zap.Int64("msg_id", 7))
	require.NoError(t, logger.Sync())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"msg":"hello"`)
	assert.Contains(t, string(body), `"msg_id":7`)
}

func TestNewLoggerLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warn.log")
	logger, err := NewLogger(config.LogConfig{Level: "warn", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)
	t.Cleanup(func() { zap.ReplaceGlobals(zap.NewNop()) })

	logger.Info("quiet")
	logger.Warn("loud")
	require.NoError(t, logger.Sync())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "quiet")
	assert.Contains(t, string(body), "loud")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zap.InfoLevel, parseLevel("bogus"))
}

func TestRecordCall(t *testing.T) {
	before := testutil.ToFloat64(rpcCalls.WithLabelValues("add", "ok"))
	RecordCall("add", "ok", 3*time.Millisecond)
	RecordCall("add", "ok", 5*time.Millisecond)
	assert.Equal(t, before+2, testutil.ToFloat64(rpcCalls.WithLabelValues("add", "ok")))

	dropped := testutil.ToFloat64(droppedFrames.WithLabelValues("BadCBOR"))
	RecordDroppedFrame("BadCBOR")
	assert.Equal(t, dropped+1, testutil.ToFloat64(droppedFrames.WithLabelValues("BadCBOR")))

	open := testutil.ToFloat64(openConns)
	ConnOpened()
	ConnOpened()
	ConnClosed()
	assert.Equal(t, open+1, testutil.ToFloat64(openConns))
}
