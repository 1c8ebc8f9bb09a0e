// Package config holds the serve-time configuration, loaded through viper
// from config file, environment and flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted for the ledger and blob store.
const (
	BackendMemory = "memory"
	BackendHTTP   = "http"
	BackendRedis  = "redis"
	BackendOCI    = "oci"
)

type Config struct {
	Listen        string        `mapstructure:"listen"`
	DataDir       string        `mapstructure:"data_dir"`
	DefaultBranch string        `mapstructure:"default_branch"`
	LogLevel      string        `mapstructure:"log_level"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`

	Ledger      Ledger      `mapstructure:"ledger"`
	BlobStore   BlobStore   `mapstructure:"blobstore"`
	Propagation Propagation `mapstructure:"propagation"`
	Compression Compression `mapstructure:"compression"`
}

type Ledger struct {
	Backend string `mapstructure:"backend"`
	URL     string `mapstructure:"url"`
	Redis   Redis  `mapstructure:"redis"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

type BlobStore struct {
	Backend  string `mapstructure:"backend"`
	URL      string `mapstructure:"url"`
	ImageRef string `mapstructure:"image_ref"`
}

type Propagation struct {
	Workers int  `mapstructure:"workers"`
	Sync    bool `mapstructure:"sync"`
}

type Compression struct {
	Level   int  `mapstructure:"level"`
	Enabled bool `mapstructure:"enabled"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8417")
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("default_branch", "main")
	v.SetDefault("log_level", "info")
	v.SetDefault("remote_timeout", 10*time.Second)
	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("ledger.redis.addr", "localhost:6379")
	v.SetDefault("blobstore.backend", BackendMemory)
	v.SetDefault("propagation.workers", 4)
	v.SetDefault("propagation.sync", false)
	v.SetDefault("compression.level", 2)
	v.SetDefault("compression.enabled", true)
}

// Load unmarshals and validates the configuration.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	switch cfg.Ledger.Backend {
	case BackendMemory, BackendRedis:
	case BackendHTTP:
		if cfg.Ledger.URL == "" {
			return Config{}, fmt.Errorf("ledger.url is required for the http ledger backend")
		}
	default:
		return Config{}, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}

	switch cfg.BlobStore.Backend {
	case BackendMemory:
	case BackendHTTP:
		if cfg.BlobStore.URL == "" {
			return Config{}, fmt.Errorf("blobstore.url is required for the http blobstore backend")
		}
	case BackendOCI:
		if cfg.BlobStore.ImageRef == "" {
			return Config{}, fmt.Errorf("blobstore.image_ref is required for the oci blobstore backend")
		}
	default:
		return Config{}, fmt.Errorf("unknown blobstore backend %q", cfg.BlobStore.Backend)
	}

	return cfg, nil
}

// DefaultDataDir is the XDG-style repository cache location.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "gitvault", "repos")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "gitvault", "repos")
	}
	return ".gitvault/repos"
}

// ConfigDir is the default config file location.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "gitvault")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "gitvault")
	}
	return ".gitvault"
}
