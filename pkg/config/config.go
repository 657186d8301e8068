// Package config provides configuration management for the notification pipeline
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ops       OpsConfig       `yaml:"ops"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Worker    WorkerConfig    `yaml:"worker"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Batch     BatchConfig     `yaml:"batch"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Health    HealthConfig    `yaml:"health"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OpsConfig is the operational endpoint served by the notifier process
type OpsConfig struct {
	Port string `yaml:"port"`
}

// KafkaConfig represents Kafka configuration
type KafkaConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Brokers         []string `yaml:"brokers"`
	RequestTopic    string   `yaml:"request_topic"`
	RealtimeTopic   string   `yaml:"realtime_topic"`
	GroupID         string   `yaml:"group_id"`
	OffsetOldest    bool     `yaml:"offset_oldest"`
	ProducerRetries int      `yaml:"producer_retries"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig selects the persistence backend
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, postgres or sqlite
	DSN    string `yaml:"dsn"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// WorkerConfig configures the consumer worker pool
type WorkerConfig struct {
	Count        int `yaml:"count"`
	MaxQueueSize int `yaml:"max_queue_size"`
}

// PipelineConfig holds cross-cutting pipeline settings
type PipelineConfig struct {
	OnInternalError string `yaml:"on_internal_error"` // fail-open or fail-closed
	BulkChunkSize   int    `yaml:"bulk_chunk_size"`
	BulkRatePerSec  int    `yaml:"bulk_rate_per_sec"`
	PublishRealtime bool   `yaml:"publish_realtime"`
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	DefaultCooldown time.Duration `yaml:"default_cooldown"`
	MaxWarnings     int           `yaml:"max_warnings"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	Retention       time.Duration `yaml:"retention"`
	SharedLimit     int           `yaml:"shared_limit"`
	SharedWindow    time.Duration `yaml:"shared_window"`
}

// DedupConfig configures the deduplicator
type DedupConfig struct {
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	FallbackLimit int           `yaml:"fallback_limit"`
}

// BatchConfig configures the batch manager
type BatchConfig struct {
	Delay        time.Duration `yaml:"delay"`
	MaxSize      int           `yaml:"max_size"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// DeliveryConfig configures the delivery manager
type DeliveryConfig struct {
	MaxRetries      int             `yaml:"max_retries"`
	RetryDelays     []time.Duration `yaml:"retry_delays"`
	Timeout         time.Duration   `yaml:"timeout"`
	Expiry          time.Duration   `yaml:"expiry"`
	EnableRetries   bool            `yaml:"enable_retries"`
	TickInterval    time.Duration   `yaml:"tick_interval"`
	CleanupInterval time.Duration   `yaml:"cleanup_interval"`
	JournalPath     string          `yaml:"journal_path"`
}

// HealthConfig configures the health monitor
type HealthConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	AlertMaxAge time.Duration `yaml:"alert_max_age"`
}

// Load loads configuration from a YAML file on top of the defaults
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := GetDefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// GetDefaultConfig returns default configuration
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Ops: OpsConfig{
			Port: "8081",
		},
		Kafka: KafkaConfig{
			Enabled:         false,
			Brokers:         []string{"localhost:9092"},
			RequestTopic:    "notification-requests",
			RealtimeTopic:   "notifications-realtime",
			GroupID:         "notification-pipeline",
			OffsetOldest:    true,
			ProducerRetries: 3,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     "6379",
			Password: "",
			DB:       0,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Worker: WorkerConfig{
			Count:        10,
			MaxQueueSize: 1000,
		},
		Pipeline: PipelineConfig{
			OnInternalError: "fail-open",
			BulkChunkSize:   100,
			BulkRatePerSec:  20,
			PublishRealtime: true,
		},
		RateLimit: RateLimitConfig{
			DefaultCooldown: 30 * time.Minute,
			MaxWarnings:     3,
			SweepInterval:   5 * time.Minute,
			Retention:       2 * time.Hour,
			SharedLimit:     0,
			SharedWindow:    time.Hour,
		},
		Dedup: DedupConfig{
			Retention:     2 * time.Hour,
			SweepInterval: 10 * time.Minute,
			FallbackLimit: 10,
		},
		Batch: BatchConfig{
			Delay:        5 * time.Minute,
			MaxSize:      10,
			TickInterval: time.Second,
		},
		Delivery: DeliveryConfig{
			MaxRetries:      3,
			RetryDelays:     []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
			Timeout:         10 * time.Second,
			Expiry:          24 * time.Hour,
			EnableRetries:   true,
			TickInterval:    time.Second,
			CleanupInterval: time.Hour,
		},
		Health: HealthConfig{
			Enabled:     true,
			Interval:    5 * time.Minute,
			AlertMaxAge: 24 * time.Hour,
		},
	}
}
