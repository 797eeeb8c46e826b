package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CBORPC_CONFIG", "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, Default().Listen, cfg.Listen)
	assert.Equal(t, 64, cfg.RPC.QueueDepth)
	assert.Equal(t, 5*time.Second, cfg.RPC.ShutdownTimeout)
	assert.False(t, cfg.Manifest.Enabled)
	assert.True(t, cfg.RPC.Suggestions)
	assert.Equal(t, []string{"index.html"}, cfg.Files.IndexNames)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "cborpc.yaml", `
log:
  level: debug
  format: json
listen:
  ws_addr: ""
  tcp_addr: ":9000"
rpc:
  strict_encode: true
  queue_depth: 8
  rate_limit: 50
manifest:
  enabled: true
  endpoints: ["etcd-1:2379", "etcd-2:2379"]
  service: calc
  instance: calc-a
  ttl: 30s
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "", cfg.Listen.WSAddr)
	assert.Equal(t, ":9000", cfg.Listen.TCPAddr)
	assert.True(t, cfg.RPC.StrictEncode)
	assert.Equal(t, 8, cfg.RPC.QueueDepth)
	assert.Equal(t, 50.0, cfg.RPC.RateLimit)
	assert.Equal(t, []string{"etcd-1:2379", "etcd-2:2379"}, cfg.Manifest.Endpoints)
	assert.Equal(t, "calc-a", cfg.Manifest.Instance)
	assert.Equal(t, 30*time.Second, cfg.Manifest.TTL)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "cborpc.toml", `
[listen]
ws_path = "socket"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/socket", cfg.Listen.WSPath)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CBORPC_CONFIG", "")
	t.Setenv("CBORPC_LOG_LEVEL", "warn")
	t.Setenv("CBORPC_RPC_QUEUE_DEPTH", "3")
	t.Setenv("CBORPC_MANIFEST_TTL", "15s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3, cfg.RPC.QueueDepth)
	assert.Equal(t, 15*time.Second, cfg.Manifest.TTL)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"bad level":     "log:\n  level: loud\n",
		"no listeners":  "listen:\n  ws_addr: \"\"\n  tcp_addr: \"\"\n",
		"bad depth":     "rpc:\n  queue_depth: 0\n",
		"negative rate": "rpc:\n  rate_limit: -1\n",
		"manifest ttl":  "manifest:\n  enabled: true\n  ttl: 100ms\n",
		"connect url":   "listen:\n  connect_url: http://peer\n",
		"files root":    "files:\n  enabled: true\n  root: /definitely/not/here\n",
		"files path":    "files:\n  enabled: true\n  path: /rpc\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "cborpc.yaml", body))
			require.Error(t, err)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	_, err := Load(writeFile(t, "cborpc.yaml", "log: [unterminated"))
	require.Error(t, err)
}

func TestConnectOnly(t *testing.T) {
	body := "listen:\n  ws_addr: \"\"\n  connect_url: ws://hub:8780/rpc\n"
	cfg, err := Load(writeFile(t, "cborpc.yaml", body))
	require.NoError(t, err)
	assert.Equal(t, "ws://hub:8780/rpc", cfg.Listen.ConnectURL)
	assert.Empty(t, cfg.Listen.WSAddr)
}

func TestFiles(t *testing.T) {
	root := t.TempDir()
	cfg, err := Load(writeFile(t, "cborpc.yaml", "files:\n  enabled: true\n  root: "+root+"\n  path: static\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Files.Enabled)
	assert.Equal(t, "/static", cfg.Files.Path)
	assert.Equal(t, int64(16<<20), cfg.Files.MaxSize)
}

func TestSuggestionsAndIndexNames(t *testing.T) {
	body := "rpc:\n  suggestions: false\nfiles:\n  index_names: [home.html, index.htm]\n"
	cfg, err := Load(writeFile(t, "cborpc.yaml", body))
	require.NoError(t, err)
	assert.False(t, cfg.RPC.Suggestions)
	assert.Equal(t, []string{"home.html", "index.htm"}, cfg.Files.IndexNames)
}
