package configuration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config struct to hold the configuration data
type Config struct {
	GlobalSettings GlobalSettings `json:"global_settings" yaml:"global_settings"`
	Logging        Logging        `json:"logging" yaml:"logging"`
	Database       Database       `json:"database" yaml:"database"`
	RabbitMQ       RabbitMQ       `json:"rabbitmq" yaml:"rabbitmq"`
	Redis          Redis          `json:"redis" yaml:"redis"`
	Broker         Broker         `json:"broker" yaml:"broker"`
	AutoExit       AutoExit       `json:"auto_exit" yaml:"auto_exit"`
	Reconcile      Reconcile      `json:"reconcile" yaml:"reconcile"`
	Trade          TradeConfig    `json:"trade,omitempty" yaml:"trade,omitempty"`
	Metrics        Metrics        `json:"metrics" yaml:"metrics"`
}

// GlobalSettings struct
type GlobalSettings struct {
	AppName         string `json:"app_name" yaml:"app_name"`
	Version         string `json:"version" yaml:"version"`
	MaintenanceMode bool   `json:"maintenance_mode" yaml:"maintenance_mode"`
}

// Logging struct
type Logging struct {
	Level         string `json:"level" yaml:"level"`   // e.g., "debug", "info", "warn", "error"
	Format        string `json:"format" yaml:"format"` // "text" (default) or "json"
	FilePath      string `json:"file_path" yaml:"file_path"`
	RotationSize  int    `json:"rotation_size" yaml:"rotation_size"` // in MB
	MaxBackups    int    `json:"max_backups" yaml:"max_backups"`
	ConsoleOutput bool   `json:"console_output" yaml:"console_output"`
}

// Database selects the position store. Type is "duckdb", "postgres" or
// "memory". DBName is the DuckDB file path; DSN the PostgreSQL URL.
type Database struct {
	Type         string `json:"type" yaml:"type"`
	DBName       string `json:"db_name" yaml:"db_name"`
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
	// DuckDB only.
	MemoryLimit string `json:"memory_limit" yaml:"memory_limit"`
	Threads     int    `json:"threads" yaml:"threads"`
}

// RabbitMQ struct
type RabbitMQ struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	VirtualHost string `json:"virtual_host" yaml:"virtual_host"`

	Exchange         string `json:"exchange" yaml:"exchange"`
	Queue            string `json:"queue" yaml:"queue"`
	Prefetch         int    `json:"prefetch" yaml:"prefetch"`
	Workers          int    `json:"workers" yaml:"workers"`
	MaxAttempts      int    `json:"max_attempts" yaml:"max_attempts"`
	RetryBaseSeconds int    `json:"retry_base_seconds" yaml:"retry_base_seconds"`
	RetryMaxSeconds  int    `json:"retry_max_seconds" yaml:"retry_max_seconds"`
}

// Redis holds the optional distributed per-order lock settings.
type Redis struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Addr           string `json:"addr" yaml:"addr"`
	Password       string `json:"password" yaml:"password"`
	DB             int    `json:"db" yaml:"db"`
	LockTTLSeconds int    `json:"lock_ttl_seconds" yaml:"lock_ttl_seconds"`
}

// Broker selects and configures the broker gateway. Type is "rest",
// "alpaca" or "paper".
type Broker struct {
	Type           string            `json:"type" yaml:"type"`
	BaseURL        string            `json:"base_url" yaml:"base_url"`
	APIKey         string            `json:"api_key" yaml:"api_key"`
	TimeoutSeconds int               `json:"timeout_seconds" yaml:"timeout_seconds"`
	ClientTokens   map[string]string `json:"client_tokens" yaml:"client_tokens"` // client code -> bearer token
	AlpacaKey      string            `json:"alpaca_api_key" yaml:"alpaca_api_key"`
	AlpacaSecret   string            `json:"alpaca_api_secret" yaml:"alpaca_api_secret"`
	AlpacaBaseURL  string            `json:"alpaca_base_url" yaml:"alpaca_base_url"`
}

// AutoExit holds the square-off policy.
type AutoExit struct {
	ClosePositionTime string `json:"close_position_time" yaml:"close_position_time"` // HH:MM in trade.timezone
	ExitProductType   string `json:"exit_product_type" yaml:"exit_product_type"`
	ClaimLeaseSeconds int    `json:"claim_lease_seconds" yaml:"claim_lease_seconds"`
}

// Reconcile controls the order sync sweep.
type Reconcile struct {
	IntervalSeconds int `json:"interval_seconds" yaml:"interval_seconds"`
	Concurrency     int `json:"concurrency" yaml:"concurrency"`
}

// TradeConfig holds trading calendar settings.
type TradeConfig struct {
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"` // e.g. "Asia/Kolkata"
}

// Metrics holds the Prometheus listener address; empty disables it.
type Metrics struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
}

// LoadConfig loads configuration from a JSON or YAML file (chosen by
// extension), applies environment overrides and defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config JSON: %w", err)
		}
	}

	config.applyEnvOverrides()
	config.ApplyDefaults()
	return &config, nil
}

// applyEnvOverrides lets secrets come from the environment (or a .env file
// loaded by the caller) instead of the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SQUAREOFF_RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("SQUAREOFF_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SQUAREOFF_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SQUAREOFF_BROKER_API_KEY"); v != "" {
		c.Broker.APIKey = v
	}
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		c.Broker.AlpacaKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		c.Broker.AlpacaSecret = v
	}
	if v := os.Getenv("SQUAREOFF_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Database.Type == "" {
		c.Database.Type = "duckdb"
	}
	if c.RabbitMQ.VirtualHost == "" {
		c.RabbitMQ.VirtualHost = "/"
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "position-jobs"
	}
	if c.RabbitMQ.Queue == "" {
		c.RabbitMQ.Queue = "auto-exit"
	}
	if c.RabbitMQ.Prefetch <= 0 {
		c.RabbitMQ.Prefetch = 4
	}
	if c.RabbitMQ.Workers <= 0 {
		c.RabbitMQ.Workers = 2
	}
	if c.RabbitMQ.MaxAttempts <= 0 {
		c.RabbitMQ.MaxAttempts = 5
	}
	if c.RabbitMQ.RetryBaseSeconds <= 0 {
		c.RabbitMQ.RetryBaseSeconds = 5
	}
	if c.RabbitMQ.RetryMaxSeconds <= 0 {
		c.RabbitMQ.RetryMaxSeconds = 300
	}
	if c.Redis.LockTTLSeconds <= 0 {
		c.Redis.LockTTLSeconds = 60
	}
	if c.Broker.Type == "" {
		c.Broker.Type = "paper"
	}
	if c.Broker.TimeoutSeconds <= 0 {
		c.Broker.TimeoutSeconds = 10
	}
	if c.AutoExit.ExitProductType == "" {
		c.AutoExit.ExitProductType = "INTRADAY"
	}
	if c.AutoExit.ClaimLeaseSeconds <= 0 {
		c.AutoExit.ClaimLeaseSeconds = 120
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		c.Reconcile.IntervalSeconds = 15
	}
	if c.Reconcile.Concurrency <= 0 {
		c.Reconcile.Concurrency = 1
	}
	if c.Trade.Timezone == "" {
		c.Trade.Timezone = "UTC"
	}
}

// ValidateConfig checks for the presence and correctness of all required configuration fields
func (c *Config) ValidateConfig() error {
	// Validate Logging
	validLogLevels := []string{"debug", "info", "warn", "warning", "error", "fatal", "panic"}
	if !contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level is invalid: %s", c.Logging.Level)
	}
	if c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required")
	}
	if c.Logging.MaxBackups < 0 {
		return fmt.Errorf("logging.max_backups cannot be negative")
	}

	// Validate Database
	switch c.Database.Type {
	case "duckdb":
		if c.Database.DBName == "" {
			return fmt.Errorf("database.db_name is required for duckdb")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("database.type is invalid: %s", c.Database.Type)
	}

	// Validate RabbitMQ
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq.host is required")
	}
	if c.RabbitMQ.Port <= 0 {
		return fmt.Errorf("rabbitmq.port must be positive")
	}
	if c.RabbitMQ.Username == "" {
		return fmt.Errorf("rabbitmq.username is required")
	}
	if c.RabbitMQ.RetryMaxSeconds < c.RabbitMQ.RetryBaseSeconds {
		return fmt.Errorf("rabbitmq.retry_max_seconds must be >= retry_base_seconds")
	}

	// Validate Redis
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	// Validate Broker
	switch c.Broker.Type {
	case "rest":
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url is required for the rest broker")
		}
	case "alpaca":
		if c.Broker.AlpacaKey == "" || c.Broker.AlpacaSecret == "" {
			return fmt.Errorf("broker.alpaca_api_key and broker.alpaca_api_secret are required for the alpaca broker")
		}
	case "paper":
	default:
		return fmt.Errorf("broker.type is invalid: %s", c.Broker.Type)
	}

	// Validate AutoExit
	if c.AutoExit.ClosePositionTime != "" {
		if _, _, err := ParseClockTime(c.AutoExit.ClosePositionTime); err != nil {
			return fmt.Errorf("auto_exit.close_position_time is invalid: %w", err)
		}
	}

	if _, err := time.LoadLocation(c.Trade.Timezone); err != nil {
		return fmt.Errorf("trade.timezone is invalid: %s, error: %w", c.Trade.Timezone, err)
	}

	return nil
}

// AMQPURL builds the broker URL from the rabbitmq section.
func (c *Config) AMQPURL() string {
	vhost := c.RabbitMQ.VirtualHost
	if vhost == "" {
		vhost = "/"
	}
	if !strings.HasPrefix(vhost, "/") {
		vhost = "/" + vhost
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s", c.RabbitMQ.Username, c.RabbitMQ.Password, c.RabbitMQ.Host, c.RabbitMQ.Port, vhost)
}

// ParseClockTime parses "HH:MM" into hour and minute.
func ParseClockTime(s string) (uint, uint, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:MM, got '%s'", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in '%s'", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in '%s'", s)
	}
	return uint(hour), uint(minute), nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
