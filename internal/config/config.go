package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App           AppConfig           `yaml:"app"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Backup        BackupConfig        `yaml:"backup"`
	Booking       BookingConfig       `yaml:"booking"`
	Approval      ApprovalConfig      `yaml:"approval"`
	Locking       LockingConfig       `yaml:"locking"`
	Cache         CacheConfig         `yaml:"cache"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Logging       LoggingConfig       `yaml:"logging"`
	API           APIConfig           `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	// Timezone is the single wall-clock zone reservations are expressed in.
	Timezone string `yaml:"timezone"`
}

// Location resolves Timezone, falling back to UTC.
func (a AppConfig) Location() *time.Location {
	if a.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	StoragePath   string        `yaml:"storage_path"`
}

type BookingConfig struct {
	LabsFile              string        `yaml:"labs_file"`
	MinLeadTime           time.Duration `yaml:"min_lead_time"`
	MinDuration           time.Duration `yaml:"min_duration"`
	MaxAdvanceDays        int           `yaml:"max_advance_days"`
	BlockCancelAfterStart bool          `yaml:"block_cancel_after_start"`
}

type ApprovalConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	SweepAge        time.Duration `yaml:"sweep_age"`
	EvaluateTimeout time.Duration `yaml:"evaluate_timeout"`
	Retry           RetryConfig   `yaml:"retry"`
}

type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

const (
	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

type LockingConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	ScheduleTTL time.Duration `yaml:"schedule_ttl"`
}

type NotificationsConfig struct {
	QueueSize int            `yaml:"queue_size"`
	Timeout   time.Duration  `yaml:"timeout"`
	Telegram  TelegramConfig `yaml:"telegram"`
	AMQP      AMQPConfig     `yaml:"amqp"`
	Sheets    SheetsConfig   `yaml:"sheets"`
}

type TelegramConfig struct {
	Enabled  bool    `yaml:"enabled"`
	BotToken string  `yaml:"bot_token"`
	ChatIDs  []int64 `yaml:"chat_ids"`
	Debug    bool    `yaml:"debug"`
}

type AMQPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	Queue      string `yaml:"queue"`
	RoutingKey string `yaml:"routing_key"`
}

type SheetsConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	SheetName       string `yaml:"sheet_name"`
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

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	GRPC      APIGRPCConfig      `yaml:"grpc"`
	Auth      APIAuthConfig      `yaml:"auth"`
	JWT       JWTConfig          `yaml:"jwt"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled bool         `yaml:"enabled"`
	Port    int          `yaml:"port"`
	TLS     APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

// JWTConfig enables bearer tokens carrying the caller identity. When disabled the
// identity is read from gateway headers.
type JWTConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	Issuer  string `yaml:"issuer"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.App.Timezone != "" {
		if _, err := time.LoadLocation(c.App.Timezone); err != nil {
			return fmt.Errorf("invalid app.timezone %q: %w", c.App.Timezone, err)
		}
	}
	if c.Booking.MinDuration <= 0 {
		return errors.New("booking.min_duration must be positive")
	}
	if c.Booking.MinLeadTime < 0 {
		return errors.New("booking.min_lead_time must not be negative")
	}

	switch c.Locking.Backend {
	case LockBackendLocal:
	case LockBackendRedis:
		if c.Redis.Address == "" {
			return errors.New("locking.backend=redis requires redis.address")
		}
		// The lease is not renewed, so it must outlive a whole approval evaluation.
		if c.Locking.TTL <= c.Approval.EvaluateTimeout {
			return fmt.Errorf("locking.ttl (%s) must exceed approval.evaluate_timeout (%s)",
				c.Locking.TTL, c.Approval.EvaluateTimeout)
		}
	default:
		return fmt.Errorf("unknown locking.backend %q", c.Locking.Backend)
	}

	if c.Approval.Retry.BackoffFactor < 1 {
		return errors.New("approval.retry.backoff_factor must be >= 1")
	}

	n := c.Notifications
	if n.Telegram.Enabled && (n.Telegram.BotToken == "" || len(n.Telegram.ChatIDs) == 0) {
		return errors.New("notifications.telegram requires bot_token and chat_ids")
	}
	if n.AMQP.Enabled && n.AMQP.URL == "" {
		return errors.New("notifications.amqp requires url")
	}
	if n.Sheets.Enabled && (n.Sheets.CredentialsFile == "" || n.Sheets.SpreadsheetID == "") {
		return errors.New("notifications.sheets requires credentials_file and spreadsheet_id")
	}

	if c.API.JWT.Enabled && c.API.JWT.Secret == "" {
		return errors.New("api.jwt requires secret")
	}
	if c.API.Auth.Enabled {
		for i, k := range c.API.Auth.APIKeys {
			if strings.TrimSpace(k.Key) == "" {
				return fmt.Errorf("api.auth.api_keys[%d] has empty key", i)
			}
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "labreserve"
	}
	if c.Booking.MinLeadTime == 0 {
		c.Booking.MinLeadTime = 30 * time.Minute
	}
	if c.Booking.MinDuration == 0 {
		c.Booking.MinDuration = 60 * time.Minute
	}
	if c.Booking.MaxAdvanceDays == 0 {
		c.Booking.MaxAdvanceDays = 365
	}

	if c.Approval.Workers == 0 {
		c.Approval.Workers = 2
	}
	if c.Approval.QueueSize == 0 {
		c.Approval.QueueSize = 128
	}
	if c.Approval.PollInterval == 0 {
		c.Approval.PollInterval = 5 * time.Second
	}
	if c.Approval.SweepAge == 0 {
		c.Approval.SweepAge = time.Minute
	}
	if c.Approval.EvaluateTimeout == 0 {
		c.Approval.EvaluateTimeout = 10 * time.Second
	}
	if c.Approval.Retry.MaxRetries == 0 {
		c.Approval.Retry.MaxRetries = 5
	}
	if c.Approval.Retry.InitialDelay == 0 {
		c.Approval.Retry.InitialDelay = 2 * time.Second
	}
	if c.Approval.Retry.MaxDelay == 0 {
		c.Approval.Retry.MaxDelay = 2 * time.Minute
	}
	if c.Approval.Retry.BackoffFactor == 0 {
		c.Approval.Retry.BackoffFactor = 2
	}

	if c.Locking.Backend == "" {
		c.Locking.Backend = LockBackendLocal
	}
	if c.Locking.TTL == 0 {
		c.Locking.TTL = 15 * time.Second
	}
	if c.Locking.RetryInterval == 0 {
		c.Locking.RetryInterval = 25 * time.Millisecond
	}
	if c.Cache.ScheduleTTL == 0 {
		c.Cache.ScheduleTTL = 10 * time.Minute
	}

	if c.Notifications.QueueSize == 0 {
		c.Notifications.QueueSize = 256
	}
	if c.Notifications.Timeout == 0 {
		c.Notifications.Timeout = 5 * time.Second
	}
	if c.Notifications.AMQP.Queue == "" {
		c.Notifications.AMQP.Queue = "reservation.events"
	}
	if c.Notifications.Sheets.SheetName == "" {
		c.Notifications.Sheets.SheetName = "Reservations"
	}

	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
}
