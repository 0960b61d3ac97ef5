package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Chat        ChatConfig                `json:"chat"`
	Uploads     UploadConfig              `json:"uploads"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address"`
	FileBaseDir       string `json:"file_base_dir"`
	MinWorkers        int    `json:"min_workers"`
	MaxWorkers        int    `json:"max_workers"`
	QueueSize         int    `json:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout_minutes"`
}

// ChatConfig carries the input limits of the two chat surfaces. The compact
// surface strips newlines live; the expanded surface allows multi-line text.
type ChatConfig struct {
	CompactMaxInputChars  int `json:"compact_max_input_chars"`
	ExpandedMaxInputChars int `json:"expanded_max_input_chars"`
}

type UploadConfig struct {
	MaxAttachmentBytes  int64 `json:"max_attachment_bytes"`
	UserStorageLimit    int64 `json:"user_storage_limit"`
	AttachmentTTLHours  int   `json:"attachment_ttl_hours"`
	CleanupIntervalMins int   `json:"cleanup_interval_minutes"`
	SignedURLTTLSeconds int   `json:"signed_url_ttl_seconds"`
}

const (
	DefaultCompactMaxInputChars  = 250
	DefaultExpandedMaxInputChars = 500
	DefaultSignedURLTTLSeconds   = 3600
	DefaultMaxAttachmentBytes    = 5 << 20 // 5 MiB
)

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyDefaults()

	if sqlite, ok := cfg.Databases["sqlite3"]; ok && sqlite.DSN != "" && sqlite.DSN != ":memory:" {
		if !filepath.IsAbs(sqlite.DSN) {
			sqlite.DSN = filepath.Join(filepath.Dir(absPath), sqlite.DSN)
			cfg.Databases["sqlite3"] = sqlite
		}
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Chat.CompactMaxInputChars <= 0 {
		c.Chat.CompactMaxInputChars = DefaultCompactMaxInputChars
	}
	if c.Chat.ExpandedMaxInputChars <= 0 {
		c.Chat.ExpandedMaxInputChars = DefaultExpandedMaxInputChars
	}
	if c.Uploads.MaxAttachmentBytes <= 0 {
		c.Uploads.MaxAttachmentBytes = DefaultMaxAttachmentBytes
	}
	if c.Uploads.SignedURLTTLSeconds <= 0 {
		c.Uploads.SignedURLTTLSeconds = DefaultSignedURLTTLSeconds
	}
}
