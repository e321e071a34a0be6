// Package config loads and validates the syncd daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a sync replica.
type Config struct {
	SiteID        string              `yaml:"site_id"`
	Server        ServerConfig        `yaml:"server"`
	Journal       JournalConfig       `yaml:"journal"`
	Peers         []Peer              `yaml:"peers"`
	Sync          SyncConfig          `yaml:"sync"`
	Accelerator   AcceleratorConfig   `yaml:"accelerator"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig is the sync API's own listener.
type ServerConfig struct {
	Address             string    `yaml:"address"`
	Port                int       `yaml:"port"`
	ShutdownTimeoutSecs int       `yaml:"shutdown_timeout_secs"`
	TLS                 TLSConfig `yaml:"tls"`
}

// TLSConfig selects between a static cert/key pair and ACME autocert.
type TLSConfig struct {
	Enabled  bool     `yaml:"enabled"`
	CertFile string   `yaml:"cert_file"`
	KeyFile  string   `yaml:"key_file"`
	AutoCert bool     `yaml:"auto_cert"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"`
}

// JournalConfig points at the bbolt-backed change journal.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Peer is one remote replica to keep in sync with.
type Peer struct {
	Name         string `yaml:"name"`
	SiteID       string `yaml:"site_id"`
	URL          string `yaml:"url"`
	SharedSecret string `yaml:"shared_secret"`
}

// SyncConfig controls the periodic sync worker.
type SyncConfig struct {
	IntervalSecs       int `yaml:"interval_secs"`
	RequestTimeoutSecs int `yaml:"request_timeout_secs"`
	MaxRetries         int `yaml:"max_retries"`
}

// AcceleratorConfig points at an optional native CRDT-SQL extension.
type AcceleratorConfig struct {
	Path string `yaml:"path"`
}

// NotificationsConfig fans out committed changes to observability backends.
// This is separate from the sync transport: losing a notification never
// affects convergence.
type NotificationsConfig struct {
	MaxWorkers  int                  `yaml:"max_workers"`
	QueueSize   int                  `yaml:"queue_size"`
	TimeoutSecs int                  `yaml:"timeout_secs"`
	MaxRetries  int                  `yaml:"max_retries"`
	Kafka       KafkaNotifyConfig    `yaml:"kafka"`
	NATS        NATSNotifyConfig     `yaml:"nats"`
	Redis       RedisNotifyConfig    `yaml:"redis"`
	AMQP        AMQPNotifyConfig     `yaml:"amqp"`
	Postgres    PostgresNotifyConfig `yaml:"postgres"`
	Elastic     ElasticNotifyConfig  `yaml:"elasticsearch"`
	Webhooks    []WebhookConfig      `yaml:"webhooks"`
}

// WebhookConfig is one HTTP subscription for committed change events.
type WebhookConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Events   []string `yaml:"events"`
	Tables   []string `yaml:"tables"`
}

type KafkaNotifyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NATSNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

type RedisNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type AMQPNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

type PostgresNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	ConnStr string `yaml:"conn_str"`
	Table   string `yaml:"table"`
}

type ElasticNotifyConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Index   string `yaml:"index"`
}

// LoggingConfig configures the process-wide slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Load reads and validates a Config from a YAML file at path, filling in
// defaults for anything left unset, then applying environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:             "0.0.0.0",
			Port:                7946,
			ShutdownTimeoutSecs: 30,
		},
		Journal: JournalConfig{
			Path: "./data/journal.db",
		},
		Sync: SyncConfig{
			IntervalSecs:       30,
			RequestTimeoutSecs: 60,
			MaxRetries:         5,
		},
		Notifications: NotificationsConfig{
			MaxWorkers:  4,
			QueueSize:   256,
			TimeoutSecs: 10,
			MaxRetries:  3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if cfg.SiteID == "" {
		cfg.SiteID = uuid.NewString()
		if err := persistSiteID(path, data, cfg.SiteID); err != nil {
			return nil, fmt.Errorf("persist generated site_id: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// persistSiteID writes a freshly generated site ID back into the config
// file on disk, so the replica keeps the same identity across restarts
// instead of minting a new one every time site_id is left unset.
func persistSiteID(path string, original []byte, siteID string) error {
	var raw map[string]any
	if err := yaml.Unmarshal(original, &raw); err != nil {
		return err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	raw["site_id"] = siteID
	out, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0644)
}

// Validate rejects a Config that cannot be used to open a journal and
// listener: an empty site ID, or a peer with no shared secret.
func (c *Config) Validate() error {
	if c.SiteID == "" {
		return fmt.Errorf("config: site_id is required")
	}
	for _, p := range c.Peers {
		if p.SiteID == "" || p.URL == "" {
			return fmt.Errorf("config: peer %q missing site_id or url", p.Name)
		}
		if p.SharedSecret == "" {
			return fmt.Errorf("config: peer %q missing shared_secret", p.Name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHORA_SITE_ID"); v != "" {
		cfg.SiteID = v
	}
	if v := os.Getenv("CHORA_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("CHORA_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("CHORA_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("CHORA_TLS_CERT"); v != "" {
		cfg.Server.TLS.CertFile = v
	}
	if v := os.Getenv("CHORA_TLS_KEY"); v != "" {
		cfg.Server.TLS.KeyFile = v
	}
	if os.Getenv("CHORA_TLS_CERT") != "" && os.Getenv("CHORA_TLS_KEY") != "" {
		cfg.Server.TLS.Enabled = true
	}
	if v := os.Getenv("CHORA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHORA_ACCELERATOR_PATH"); v != "" {
		cfg.Accelerator.Path = v
	}
}

// ListenAddr is the address the sync API server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}
