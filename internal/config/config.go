package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable that points at the config file.
const EnvPath = "CHATGUARD_CONFIG"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Classifier  ClassifierConfig          `json:"classifier" yaml:"classifier"`
	Sync        SyncConfig                `json:"sync" yaml:"sync"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type BasicConfig struct {
	ServerAddress  string `json:"server_address" yaml:"server_address"`
	Database       string `json:"database" yaml:"database"`
	DefaultChannel string `json:"default_channel" yaml:"default_channel"`
	LogLevel       string `json:"log_level" yaml:"log_level"`
	Development    bool   `json:"development" yaml:"development"`

	MinWorkers        int `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int `json:"max_workers" yaml:"max_workers"`
	QueueSize         int `json:"queue_size" yaml:"queue_size"`
	WorkerIdleSeconds int `json:"worker_idle_seconds" yaml:"worker_idle_seconds"`
}

// WorkerIdleTimeout returns the idle retirement delay for surplus workers.
func (b BasicConfig) WorkerIdleTimeout() time.Duration {
	return time.Duration(b.WorkerIdleSeconds) * time.Second
}

// DatabaseConfig describes one driver. Either DSN or Path (sqlite) or the
// host parts (mysql) must be set.
type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Path     string `json:"path" yaml:"path"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Name     string `json:"name" yaml:"name"`
	Params   string `json:"params" yaml:"params"`
}

type RedisConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	Password       string `json:"password" yaml:"password"`
	DB             int    `json:"db" yaml:"db"`
	TailTTLSeconds int    `json:"tail_ttl_seconds" yaml:"tail_ttl_seconds"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// TailTTL returns how long a cached channel window stays valid.
func (r RedisConfig) TailTTL() time.Duration {
	return time.Duration(r.TailTTLSeconds) * time.Second
}

// ClassifierConfig selects the classifier backend. Backend is one of
// "llm", "http" or "heuristic"; Provider names an entry in Providers when
// Backend is "llm".
type ClassifierConfig struct {
	Backend        string `json:"backend" yaml:"backend"`
	Provider       string `json:"provider" yaml:"provider"`
	Model          string `json:"model" yaml:"model"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout returns the per-call classification deadline.
func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type SyncConfig struct {
	PollIntervalMillis int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	WindowLimit        int `json:"window_limit" yaml:"window_limit"`
}

// PollInterval returns the sync client tick.
func (s SyncConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

// Path resolves the config file location from the environment.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return "config.json"
}

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the config is loaded first when present.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(absPath), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.expandSecrets()
	cfg.applyDefaults()

	if err := cfg.resolveDatabase(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration usable without a file: in-memory style
// defaults with the heuristic classifier and a local sqlite database.
func Default() *Config {
	cfg := &Config{
		Databases: map[string]DatabaseConfig{
			"sqlite3": {Path: "chatguard.db"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) expandSecrets() {
	for name, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		c.Providers[name] = p
	}
	for name, db := range c.Databases {
		db.Password = os.ExpandEnv(db.Password)
		db.DSN = os.ExpandEnv(db.DSN)
		c.Databases[name] = db
	}
	c.Redis.Password = os.ExpandEnv(c.Redis.Password)
	c.Classifier.APIKey = os.ExpandEnv(c.Classifier.APIKey)
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = ":8080"
	}
	if b.Database == "" {
		b.Database = "sqlite3"
	}
	if b.DefaultChannel == "" {
		b.DefaultChannel = "general"
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
	if b.MinWorkers <= 0 {
		b.MinWorkers = 1
	}
	if b.MaxWorkers < b.MinWorkers {
		b.MaxWorkers = b.MinWorkers
		if b.MaxWorkers < 4 {
			b.MaxWorkers = 4
		}
	}
	if b.QueueSize <= 0 {
		b.QueueSize = 256
	}
	if b.WorkerIdleSeconds <= 0 {
		b.WorkerIdleSeconds = 60
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.TailTTLSeconds <= 0 {
		c.Redis.TailTTLSeconds = 30
	}

	if c.Classifier.Backend == "" {
		c.Classifier.Backend = "heuristic"
	}
	if c.Classifier.TimeoutSeconds <= 0 {
		c.Classifier.TimeoutSeconds = 10
	}
	if p, ok := c.Providers[c.Classifier.Provider]; ok {
		if c.Classifier.Model == "" {
			c.Classifier.Model = p.Model
		}
		if c.Classifier.BaseURL == "" {
			c.Classifier.BaseURL = p.BaseURL
		}
		if c.Classifier.APIKey == "" {
			c.Classifier.APIKey = p.APIKey
		}
	}

	if c.Sync.PollIntervalMillis <= 0 {
		c.Sync.PollIntervalMillis = 2000
	}
	if c.Sync.WindowLimit <= 0 {
		c.Sync.WindowLimit = 50
	}
}

func (c *Config) resolveDatabase(baseDir string) error {
	db, ok := c.Databases[c.BasicConfig.Database]
	if !ok {
		return fmt.Errorf("database %q is not configured", c.BasicConfig.Database)
	}
	switch c.BasicConfig.Database {
	case "sqlite3":
		if db.DSN == "" && db.Path == "" {
			return fmt.Errorf("sqlite3 database path must be configured")
		}
		if db.Path != "" && db.Path != ":memory:" && !filepath.IsAbs(db.Path) {
			db.Path = filepath.Join(baseDir, db.Path)
		}
	case "mysql":
		if db.DSN == "" && db.Host == "" {
			return fmt.Errorf("mysql host or dsn must be configured")
		}
		if db.Port == 0 {
			db.Port = 3306
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.BasicConfig.Database)
	}
	c.Databases[c.BasicConfig.Database] = db
	return nil
}

// ActiveDatabase returns the driver name and settings selected by basic_config.
func (c *Config) ActiveDatabase() (string, DatabaseConfig) {
	return c.BasicConfig.Database, c.Databases[c.BasicConfig.Database]
}
