// Package config loads the server configuration from YAML with
// environment overrides layered on top.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen Listen `yaml:"listen"`
	DB     DB     `yaml:"db"`
	Auth   Auth   `yaml:"auth"`
	Socket Socket `yaml:"socket"`
	Feed   Feed   `yaml:"feed"`
}

type Listen struct {
	Addr string `yaml:"addr" env:"SHARDREALM_LISTEN_ADDR"`
}

type DB struct {
	Path string `yaml:"path" env:"SHARDREALM_DB_PATH"`
	// ArchiveDir receives pruned change-log entries as compressed JSONL.
	ArchiveDir string `yaml:"archive_dir" env:"SHARDREALM_ARCHIVE_DIR"`
}

type Auth struct {
	Secret string `yaml:"secret" env:"SHARDREALM_AUTH_SECRET"`
	Issuer string `yaml:"issuer" env:"SHARDREALM_AUTH_ISSUER"`
}

type Socket struct {
	ReadLimitBytes   int64         `yaml:"read_limit_bytes" env:"SHARDREALM_WS_READ_LIMIT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"SHARDREALM_WS_WRITE_TIMEOUT"`
	PongTimeout      time.Duration `yaml:"pong_timeout" env:"SHARDREALM_WS_PONG_TIMEOUT"`
	SendBufferFrames int           `yaml:"send_buffer_frames" env:"SHARDREALM_WS_SEND_BUFFER"`
}

type Feed struct {
	Retention     time.Duration `yaml:"retention" env:"SHARDREALM_FEED_RETENTION"`
	PruneInterval time.Duration `yaml:"prune_interval" env:"SHARDREALM_FEED_PRUNE_INTERVAL"`
	PageLimit     int           `yaml:"page_limit" env:"SHARDREALM_FEED_PAGE_LIMIT"`
	// IntentInterval is the poll cadence of the action-request processor.
	IntentInterval time.Duration `yaml:"intent_interval" env:"SHARDREALM_INTENT_INTERVAL"`
}

func Load(path string) (Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config.yaml: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config.yaml: %w", err)
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Listen: Listen{Addr: ":8080"},
		DB: DB{
			Path:       "data/realm.db",
			ArchiveDir: "data/archive",
		},
		Auth: Auth{Issuer: "shardrealm"},
		Socket: Socket{
			ReadLimitBytes:   1 << 20,
			WriteTimeout:     10 * time.Second,
			PongTimeout:      60 * time.Second,
			SendBufferFrames: 64,
		},
		Feed: Feed{
			Retention:      72 * time.Hour,
			PruneInterval:  15 * time.Minute,
			PageLimit:      200,
			IntentInterval: 2 * time.Second,
		},
	}
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Listen.Addr = strings.TrimSpace(c.Listen.Addr)
	if c.Listen.Addr == "" {
		c.Listen.Addr = ":8080"
	}
	if c.Socket.ReadLimitBytes <= 0 {
		c.Socket.ReadLimitBytes = 1 << 20
	}
	if c.Socket.WriteTimeout <= 0 {
		c.Socket.WriteTimeout = 10 * time.Second
	}
	if c.Socket.PongTimeout <= 0 {
		c.Socket.PongTimeout = 60 * time.Second
	}
	if c.Socket.SendBufferFrames <= 0 {
		c.Socket.SendBufferFrames = 64
	}
	if c.Feed.PageLimit <= 0 {
		c.Feed.PageLimit = 200
	}
	if c.Feed.PruneInterval <= 0 {
		c.Feed.PruneInterval = 15 * time.Minute
	}
	if c.Feed.IntentInterval <= 0 {
		c.Feed.IntentInterval = 2 * time.Second
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.DB.Path) == "" {
		return fmt.Errorf("db.path must not be empty")
	}
	if strings.TrimSpace(c.Auth.Secret) == "" {
		return fmt.Errorf("auth.secret must not be empty")
	}
	if c.Feed.Retention < time.Minute {
		return fmt.Errorf("feed.retention must be at least 1m")
	}
	if c.Feed.PageLimit > 1000 {
		return fmt.Errorf("feed.page_limit must be <= 1000")
	}
	return nil
}
