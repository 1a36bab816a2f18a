package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Worker     WorkerConfig     `yaml:"worker"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled         bool           `yaml:"enabled"`
	HeaderAPIKey    string         `yaml:"header_api_key"`
	HeaderExtra     string         `yaml:"header_extra"`
	HeaderAccountID string         `yaml:"header_account_id"`
	APIKeys         []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Driver string      `yaml:"driver"` // sqlite or mongo
	Path   string      `yaml:"path"`
	Mongo  MongoConfig `yaml:"mongo"`
}

type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// MemoryFallback serves presence and mailbox from process memory while Redis is down.
	MemoryFallback bool `yaml:"memory_fallback"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// DispatchConfig tunes the mailbox and the session reactors.
type DispatchConfig struct {
	// ExclusiveProposals refuses a proposal while another customer holds a live slot.
	ExclusiveProposals bool `yaml:"exclusive_proposals"`
	// ProposalTTL cancels pending proposals older than this. Zero keeps them forever.
	ProposalTTL   time.Duration `yaml:"proposal_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	CASRetries    int           `yaml:"cas_retries"`
	// SubscribeBackoff is the first delay before a failed subscription is retried.
	SubscribeBackoff    time.Duration `yaml:"subscribe_backoff"`
	SubscribeMaxBackoff time.Duration `yaml:"subscribe_max_backoff"`
	DefaultPrice        float64       `yaml:"default_price"`
}

// WorkerConfig controls the pending write reconciler.
type WorkerConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
	Debug    bool   `yaml:"debug"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; the YAML may reference variables it defines
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case "mongo":
		if c.Database.Mongo.URI == "" {
			return errors.New("database.mongo.uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}

	if c.Dispatch.ProposalTTL < 0 {
		return errors.New("dispatch.proposal_ttl must not be negative")
	}
	if c.Dispatch.DefaultPrice < 0 {
		return errors.New("dispatch.default_price must not be negative")
	}
	if c.Worker.BackoffFactor < 1 {
		return errors.New("worker.backoff_factor must be at least 1")
	}

	if c.Notify.Telegram.Enabled {
		token := strings.TrimSpace(c.Notify.Telegram.BotToken)
		if token == "" || token == "YOUR_BOT_TOKEN_HERE" {
			return errors.New("telegram bot token is required when telegram notifications are enabled")
		}
		if c.Notify.Telegram.ChatID == 0 {
			return errors.New("telegram chat id is required when telegram notifications are enabled")
		}
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

// ValidateAPIKeys rejects empty and duplicated keys.
func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "cleandispatch"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "data/dispatch.db"
	}
	if c.Database.Mongo.Database == "" {
		c.Database.Mongo.Database = "cleandispatch"
	}
	if c.Database.Mongo.Timeout == 0 {
		c.Database.Mongo.Timeout = 10 * time.Second
	}
	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
	if c.API.Auth.HeaderAccountID == "" {
		c.API.Auth.HeaderAccountID = "x-account-id"
	}

	if c.Dispatch.SweepInterval == 0 {
		c.Dispatch.SweepInterval = time.Minute
	}
	if c.Dispatch.CASRetries == 0 {
		c.Dispatch.CASRetries = 5
	}
	if c.Dispatch.SubscribeBackoff == 0 {
		c.Dispatch.SubscribeBackoff = 500 * time.Millisecond
	}
	if c.Dispatch.SubscribeMaxBackoff == 0 {
		c.Dispatch.SubscribeMaxBackoff = 30 * time.Second
	}

	if c.Worker.MaxRetries == 0 {
		c.Worker.MaxRetries = 5
	}
	if c.Worker.InitialDelay == 0 {
		c.Worker.InitialDelay = 2 * time.Second
	}
	if c.Worker.MaxDelay == 0 {
		c.Worker.MaxDelay = time.Minute
	}
	if c.Worker.BackoffFactor == 0 {
		c.Worker.BackoffFactor = 2
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 5 * time.Second
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 20
	}
}
