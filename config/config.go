// Package config loads cborpcd configuration from YAML, TOML or JSON files
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root daemon configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Listen   ListenConfig   `mapstructure:"listen"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Manifest ManifestConfig `mapstructure:"manifest"`
	RPC      RPCConfig      `mapstructure:"rpc"`
	Files    FilesConfig    `mapstructure:"files"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// ListenConfig names the RPC listeners. An empty address disables it.
type ListenConfig struct {
	WSAddr  string `mapstructure:"ws_addr"`
	WSPath  string `mapstructure:"ws_path"`
	TCPAddr string `mapstructure:"tcp_addr"`
	// ConnectURL, when set, makes the daemon dial out to a websocket peer and
	// serve its table over that link, redialing whenever it drops.
	ConnectURL string `mapstructure:"connect_url"`
}

// FilesConfig serves a read-only directory over the file protocol on the
// websocket listener.
type FilesConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Root    string `mapstructure:"root"`
	Path    string `mapstructure:"path"`
	MaxSize int64  `mapstructure:"max_size"`
	// IndexNames are tried in order when a directory is read implicitly.
	IndexNames []string `mapstructure:"index_names"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ManifestConfig controls publication of the function table to etcd.
type ManifestConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoints   []string      `mapstructure:"endpoints"`
	Service     string        `mapstructure:"service"`
	Instance    string        `mapstructure:"instance"`
	TTL         time.Duration `mapstructure:"ttl"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type RPCConfig struct {
	// StrictEncode rejects results carrying neither error nor value instead
	// of writing the void sentinel.
	StrictEncode bool `mapstructure:"strict_encode"`
	// QueueDepth bounds inbound frames waiting for decode.
	QueueDepth int `mapstructure:"queue_depth"`
	// DropLogRate caps dropped-frame log lines per second per connection.
	DropLogRate float64 `mapstructure:"drop_log_rate"`
	// RateLimit caps dispatched calls per second per server; 0 disables.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
	// Suggestions adds a "did you mean" hint to unknown-name errors.
	Suggestions bool `mapstructure:"suggestions"`
	// ShutdownTimeout bounds the wait for connections on shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Filename:   "logs/cborpcd.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Listen: ListenConfig{
			WSAddr:  ":8780",
			WSPath:  "/rpc",
			TCPAddr: "",
		},
		Admin: AdminConfig{Enabled: true, Addr: ":8781"},
		Manifest: ManifestConfig{
			Enabled:     false,
			Endpoints:   []string{"localhost:2379"},
			Service:     "cborpcd",
			TTL:         10 * time.Second,
			DialTimeout: 5 * time.Second,
		},
		RPC: RPCConfig{
			QueueDepth:      64,
			DropLogRate:     5,
			RateBurst:       100,
			Suggestions:     true,
			ShutdownTimeout: 5 * time.Second,
		},
		Files: FilesConfig{
			Root:       ".",
			Path:       "/files",
			MaxSize:    16 << 20,
			IndexNames: []string{"index.html"},
		},
	}
}

// Load reads configuration from path when non-empty, otherwise from
// $CBORPC_CONFIG or the first cborpc.{yaml,toml,json} found in ., ./configs or
// ~/.cborpc. Environment variables use the prefix CBORPC with `.` and `-`
// replaced by `_`, e.g. CBORPC_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("CBORPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("listen.ws_addr", cfg.Listen.WSAddr)
	v.SetDefault("listen.ws_path", cfg.Listen.WSPath)
	v.SetDefault("listen.tcp_addr", cfg.Listen.TCPAddr)
	v.SetDefault("listen.connect_url", cfg.Listen.ConnectURL)
	v.SetDefault("admin.enabled", cfg.Admin.Enabled)
	v.SetDefault("admin.addr", cfg.Admin.Addr)
	v.SetDefault("manifest.enabled", cfg.Manifest.Enabled)
	v.SetDefault("manifest.endpoints", cfg.Manifest.Endpoints)
	v.SetDefault("manifest.service", cfg.Manifest.Service)
	v.SetDefault("manifest.instance", cfg.Manifest.Instance)
	v.SetDefault("manifest.ttl", cfg.Manifest.TTL)
	v.SetDefault("manifest.dial_timeout", cfg.Manifest.DialTimeout)
	v.SetDefault("rpc.strict_encode", cfg.RPC.StrictEncode)
	v.SetDefault("rpc.queue_depth", cfg.RPC.QueueDepth)
	v.SetDefault("rpc.drop_log_rate", cfg.RPC.DropLogRate)
	v.SetDefault("rpc.rate_limit", cfg.RPC.RateLimit)
	v.SetDefault("rpc.rate_burst", cfg.RPC.RateBurst)
	v.SetDefault("rpc.shutdown_timeout", cfg.RPC.ShutdownTimeout)
	v.SetDefault("rpc.suggestions", cfg.RPC.Suggestions)
	v.SetDefault("files.enabled", cfg.Files.Enabled)
	v.SetDefault("files.root", cfg.Files.Root)
	v.SetDefault("files.path", cfg.Files.Path)
	v.SetDefault("files.max_size", cfg.Files.MaxSize)
	v.SetDefault("files.index_names", cfg.Files.IndexNames)

	if path == "" {
		path = os.Getenv("CBORPC_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("cborpc")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cborpc"))
		}
	}

	// a missing file is fine; defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	if c.Listen.WSAddr == "" && c.Listen.TCPAddr == "" && c.Listen.ConnectURL == "" {
		return errors.New("listen: at least one of ws_addr, tcp_addr or connect_url is required")
	}
	if u := c.Listen.ConnectURL; u != "" && !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		return fmt.Errorf("invalid listen.connect_url: %q", u)
	}
	c.Listen.WSPath = rooted(c.Listen.WSPath)

	if c.Files.Enabled {
		if c.Listen.WSAddr == "" {
			return errors.New("files: requires listen.ws_addr")
		}
		if info, err := os.Stat(c.Files.Root); err != nil || !info.IsDir() {
			return fmt.Errorf("files: root %q is not a directory", c.Files.Root)
		}
		c.Files.Path = rooted(c.Files.Path)
		if c.Files.Path == c.Listen.WSPath {
			return fmt.Errorf("files: path %q collides with listen.ws_path", c.Files.Path)
		}
	}

	if c.RPC.QueueDepth <= 0 {
		return fmt.Errorf("invalid rpc.queue_depth: %d", c.RPC.QueueDepth)
	}
	if c.RPC.RateLimit < 0 {
		return fmt.Errorf("invalid rpc.rate_limit: %v", c.RPC.RateLimit)
	}
	if c.RPC.RateLimit > 0 && c.RPC.RateBurst <= 0 {
		c.RPC.RateBurst = 1
	}

	if c.Manifest.Enabled {
		if len(c.Manifest.Endpoints) == 0 {
			return errors.New("manifest: endpoints required when enabled")
		}
		if strings.TrimSpace(c.Manifest.Service) == "" {
			return errors.New("manifest: service required when enabled")
		}
		if c.Manifest.TTL < time.Second {
			return fmt.Errorf("invalid manifest.ttl: %s", c.Manifest.TTL)
		}
		if c.Manifest.Instance == "" {
			host, _ := os.Hostname()
			c.Manifest.Instance = host
		}
	}
	return nil
}

func rooted(p string) string {
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// MustLoad panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
