// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Harvest HarvestConfig `mapstructure:"harvest"`
	Manager ManagerConfig `mapstructure:"manager"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// HarvestConfig governs source fetching behavior.
type HarvestConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	FetchLimit     int    `mapstructure:"fetch_limit"`
	DelaySeconds   int    `mapstructure:"delay_seconds"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// ManagerConfig governs session tracking and persistence cadence.
type ManagerConfig struct {
	PersistInterval   time.Duration `mapstructure:"persist_interval"`
	RetentionAge      time.Duration `mapstructure:"retention_age"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Milestones        []int         `mapstructure:"milestones"`
	HistorySize       int           `mapstructure:"history_size"`
}

// BatchConfig sets the defaults applied to submitted batches.
type BatchConfig struct {
	MaxConcurrency  int  `mapstructure:"max_concurrency"`
	ContinueOnError bool `mapstructure:"continue_on_error"`
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	// Backend is one of "local", "gcs", "memory", or "none".
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// the engine on its in-memory stores.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for progress event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FORUMHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("harvest.user_agent", "forumharvest-bot/0.1")
	v.SetDefault("harvest.fetch_limit", 50)
	v.SetDefault("harvest.delay_seconds", 1)
	v.SetDefault("harvest.timeout_seconds", 15)
	v.SetDefault("manager.persist_interval", "30s")
	v.SetDefault("manager.retention_age", "168h")
	v.SetDefault("manager.heartbeat_interval", "30s")
	v.SetDefault("manager.milestones", []int{25, 50, 75, 100})
	v.SetDefault("manager.history_size", 20)
	v.SetDefault("batch.max_concurrency", 4)
	v.SetDefault("batch.continue_on_error", false)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "data/artifacts")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Harvest.FetchLimit <= 0 {
		return fmt.Errorf("harvest.fetch_limit must be > 0")
	}
	if c.Harvest.TimeoutSeconds <= 0 {
		return fmt.Errorf("harvest.timeout_seconds must be > 0")
	}
	if c.Batch.MaxConcurrency <= 0 {
		return fmt.Errorf("batch.max_concurrency must be > 0")
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "memory", "none":
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory, none")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout converts the harvest timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Harvest.TimeoutSeconds) * time.Second
}
