package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config represents the application configuration
type Config struct {
	Environment string            `mapstructure:"environment"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Regulations RegulationsConfig `mapstructure:"regulations"`
	Reporting   ReportingConfig   `mapstructure:"reporting"`
	Scheduling  SchedulingConfig  `mapstructure:"scheduling"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort int           `mapstructure:"http_port"`
	Host     string        `mapstructure:"host"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	PoolSize       int    `mapstructure:"pool_size"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// RedisConfig contains Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
	PoolSize int    `mapstructure:"pool_size"`
}

// KafkaConfig contains Kafka configuration
type KafkaConfig struct {
	Brokers  []string            `mapstructure:"brokers"`
	Consumer KafkaConsumerConfig `mapstructure:"consumer"`
	Producer KafkaProducerConfig `mapstructure:"producer"`
	Topics   KafkaTopics         `mapstructure:"topics"`
}

// KafkaConsumerConfig contains consumer tuning settings
type KafkaConsumerConfig struct {
	GroupID      string        `mapstructure:"group_id"`
	WorkerCount  int           `mapstructure:"worker_count"`
	MinBytes     int           `mapstructure:"min_bytes"`
	MaxBytes     int           `mapstructure:"max_bytes"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// KafkaProducerConfig contains producer tuning settings
type KafkaProducerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks"`
}

// KafkaTopics defines all Kafka topic names
type KafkaTopics struct {
	RegulatoryEvents string `mapstructure:"regulatory_events"`
	DeadLetter       string `mapstructure:"dead_letter"`
	Notifications    string `mapstructure:"notifications"`
}

// DedupConfig contains event deduplication settings
type DedupConfig struct {
	KeyPrefix string        `mapstructure:"key_prefix"`
	Window    time.Duration `mapstructure:"window"`
}

// RegulationsConfig contains regulatory framework settings
type RegulationsConfig struct {
	EnabledJurisdictions []string `mapstructure:"enabled_jurisdictions"`
}

// ReportingConfig contains report generation settings
type ReportingConfig struct {
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
	GenerationTimeout time.Duration `mapstructure:"generation_timeout"`
	EnableAsync       bool          `mapstructure:"enable_async"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	DefaultFormat     string        `mapstructure:"default_format"`
}

// SchedulingConfig contains scheduled report settings
type SchedulingConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	Schedules []ReportSchedule `mapstructure:"schedules"`
}

// ReportSchedule defines a periodically generated report
type ReportSchedule struct {
	Name         string            `mapstructure:"name"`
	CronPattern  string            `mapstructure:"cron_pattern"`
	ReportName   string            `mapstructure:"report_name"`
	ReportType   string            `mapstructure:"report_type"`
	Jurisdiction string            `mapstructure:"jurisdiction"`
	LookbackDays int               `mapstructure:"lookback_days"`
	Parameters   map[string]string `mapstructure:"parameters"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	MetricsPath   string `mapstructure:"metrics_path"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/regulatory-engine")
	}

	v.SetEnvPrefix("REGULATORY_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional when defaults and env cover everything
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.timeout", "30s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "regulatory_engine")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 25)
	v.SetDefault("database.migrations_path", "migrations")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.pool_size", 10)

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer.group_id", "regulatory-engine")
	v.SetDefault("kafka.consumer.worker_count", 4)
	v.SetDefault("kafka.consumer.min_bytes", 1)
	v.SetDefault("kafka.consumer.max_bytes", 10e6)
	v.SetDefault("kafka.consumer.max_retries", 3)
	v.SetDefault("kafka.consumer.retry_backoff", "1s")
	v.SetDefault("kafka.producer.batch_size", 100)
	v.SetDefault("kafka.producer.batch_timeout", "10ms")
	v.SetDefault("kafka.producer.write_timeout", "10s")
	v.SetDefault("kafka.producer.required_acks", -1)
	v.SetDefault("kafka.topics.regulatory_events", "compliance.regulatory-events")
	v.SetDefault("kafka.topics.dead_letter", "compliance.regulatory-events.dlq")
	v.SetDefault("kafka.topics.notifications", "compliance.report-notifications")

	// Dedup defaults: window must exceed the max expected redelivery delay
	v.SetDefault("dedup.key_prefix", "regulatory-engine:event:")
	v.SetDefault("dedup.window", "72h")

	// Regulations defaults
	v.SetDefault("regulations.enabled_jurisdictions", []string{"US_FEDERAL", "EU_CENTRAL", "UK_FCA", "APAC_MAS"})

	// Reporting defaults
	v.SetDefault("reporting.max_concurrent", 10)
	v.SetDefault("reporting.generation_timeout", "10s")
	v.SetDefault("reporting.enable_async", true)
	v.SetDefault("reporting.max_retries", 3)
	v.SetDefault("reporting.retry_backoff", "500ms")
	v.SetDefault("reporting.default_format", "json")

	// Scheduling defaults
	v.SetDefault("scheduling.enabled", true)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required")
	}

	if c.Kafka.Topics.RegulatoryEvents == "" {
		return fmt.Errorf("regulatory events topic is required")
	}

	if c.Kafka.Topics.DeadLetter == "" {
		return fmt.Errorf("dead letter topic is required")
	}

	if c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup window must be positive")
	}

	if c.Reporting.GenerationTimeout <= 0 {
		return fmt.Errorf("report generation timeout must be positive")
	}

	return nil
}

// DatabaseDSN returns the database connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.Username,
		c.Database.Password,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the Redis connection address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// InitLogger initializes the logger based on configuration
func (c *Config) InitLogger() (*zap.Logger, error) {
	var zapConfig zap.Config

	if c.Environment == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}
