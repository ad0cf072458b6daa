package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Latency-Zero/server/pkg/types"
)

// Config holds the full server configuration. Values resolve in
// precedence order: command-line flags, LATZERO_* environment variables,
// an optional config file in the data directory, then defaults.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	// MemoryMode collapses the durable store to ephemeral.
	MemoryMode bool `mapstructure:"memory_mode"`

	// MemoryDirPath overrides the block backing-file directory.
	MemoryDirPath string `mapstructure:"memory_dir"`

	// Reserved switches; accepted but not yet active.
	EnableTLS   bool `mapstructure:"enable_tls"`
	ClusterMode bool `mapstructure:"cluster_mode"`

	MaxConnections int `mapstructure:"max_connections"`
	MaxInflight    int `mapstructure:"max_inflight"`

	DefaultTTLMs int64 `mapstructure:"default_ttl_ms"`
	MaxTTLMs     int64 `mapstructure:"max_ttl_ms"`

	RoutingPolicy string `mapstructure:"routing_policy"`

	// EMAAlpha weighs the response-time moving average.
	EMAAlpha float64 `mapstructure:"ema_alpha"`

	RehydrationTTL  time.Duration `mapstructure:"rehydration_ttl"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	BlockIdleMaxAge time.Duration `mapstructure:"block_idle_max_age"`

	MaxBackups int `mapstructure:"max_backups"`

	// BinaryFrames gates the bulk binary-frame path.
	BinaryFrames bool `mapstructure:"binary_frames"`

	// EncryptionPassword enables encrypted pools when non-empty. Usually
	// supplied through LATZERO_ENCRYPTION_PASSWORD rather than the file.
	EncryptionPassword string `mapstructure:"encryption_password"`
}

// New returns a viper instance with LatZero defaults and LATZERO_* env
// binding installed.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 45227)
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
	v.SetDefault("memory_mode", false)
	v.SetDefault("memory_dir", "")
	v.SetDefault("enable_tls", false)
	v.SetDefault("cluster_mode", false)
	v.SetDefault("max_connections", 1024)
	v.SetDefault("max_inflight", 10000)
	v.SetDefault("default_ttl_ms", 30000)
	v.SetDefault("max_ttl_ms", 300000)
	v.SetDefault("routing_policy", string(types.RouteRoundRobin))
	v.SetDefault("ema_alpha", 0.1)
	v.SetDefault("rehydration_ttl", 24*time.Hour)
	v.SetDefault("sweep_interval", 60*time.Second)
	v.SetDefault("block_idle_max_age", time.Hour)
	v.SetDefault("max_backups", 5)
	v.SetDefault("binary_frames", false)
	v.SetDefault("encryption_password", "")

	v.SetEnvPrefix("LATZERO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return v
}

// Load resolves the configuration, reading an optional config.yaml from
// the data directory when present.
func Load(v *viper.Viper) (*Config, error) {
	dataDir := v.GetString("data_dir")
	cfgFile := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(cfgFile); err == nil {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxInflight < 1 {
		return fmt.Errorf("max_inflight must be positive")
	}
	if c.DefaultTTLMs < 0 || c.MaxTTLMs < c.DefaultTTLMs {
		return fmt.Errorf("ttl bounds invalid: default=%d max=%d", c.DefaultTTLMs, c.MaxTTLMs)
	}
	switch types.RoutingPolicy(c.RoutingPolicy) {
	case types.RouteRoundRobin, types.RouteRandom, types.RouteFirstAvailable, types.RouteLoadBalanced:
	default:
		return fmt.Errorf("unknown routing policy %q", c.RoutingPolicy)
	}
	if c.EMAAlpha <= 0 || c.EMAAlpha > 1 {
		return fmt.Errorf("ema_alpha must be in (0,1]")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BackupDir returns the snapshot directory under the data directory.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// MemoryDir returns the directory for block backing files. On Linux the
// tmpfs at /dev/shm is preferred when available.
func (c *Config) MemoryDir() string {
	if c.MemoryDirPath != "" {
		return c.MemoryDirPath
	}
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm/latzero"
	}
	return filepath.Join(c.DataDir, "memory")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".latzero"
	}
	return filepath.Join(home, ".latzero")
}
