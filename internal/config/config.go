package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	fileconfig "notification-pipeline/pkg/config"
)

// Config is the resolved runtime configuration
type Config = fileconfig.Config

// LoadConfig resolves configuration in three layers: built-in defaults, the
// YAML file named by CONFIG_FILE, then environment variables. A .env file in
// the working directory is loaded first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := fileconfig.GetDefaultConfig()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		loaded, err := fileconfig.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	// Server
	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Ops.Port = getEnv("OPS_PORT", cfg.Ops.Port)

	// Kafka
	cfg.Kafka.Enabled = getEnvAsBool("KAFKA_ENABLED", cfg.Kafka.Enabled)
	cfg.Kafka.Brokers = getStringSlice("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.RequestTopic = getEnv("KAFKA_REQUEST_TOPIC", cfg.Kafka.RequestTopic)
	cfg.Kafka.RealtimeTopic = getEnv("KAFKA_REALTIME_TOPIC", cfg.Kafka.RealtimeTopic)
	cfg.Kafka.GroupID = getEnv("CONSUMER_GROUP", cfg.Kafka.GroupID)

	// Redis
	cfg.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Host = getEnv("REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = getEnv("REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)

	// Store
	cfg.Store.Driver = getEnv("STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.DSN = getEnv("DATABASE_URL", cfg.Store.DSN)

	// Logging
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	// Worker pool
	cfg.Worker.Count = getEnvAsInt("WORKER_COUNT", cfg.Worker.Count)
	cfg.Worker.MaxQueueSize = getEnvAsInt("MAX_QUEUE_SIZE", cfg.Worker.MaxQueueSize)

	// Pipeline
	cfg.Pipeline.OnInternalError = getEnv("ON_INTERNAL_ERROR", cfg.Pipeline.OnInternalError)
	cfg.Pipeline.PublishRealtime = getEnvAsBool("PUBLISH_REALTIME", cfg.Pipeline.PublishRealtime)
	cfg.RateLimit.SharedLimit = getEnvAsInt("RATE_LIMIT_SHARED_LIMIT", cfg.RateLimit.SharedLimit)
	cfg.RateLimit.DefaultCooldown = getEnvAsDuration("RATE_LIMIT_COOLDOWN", cfg.RateLimit.DefaultCooldown)
	cfg.Batch.Delay = getEnvAsDuration("BATCH_DELAY", cfg.Batch.Delay)
	cfg.Batch.MaxSize = getEnvAsInt("BATCH_MAX_SIZE", cfg.Batch.MaxSize)
	cfg.Delivery.MaxRetries = getEnvAsInt("DELIVERY_MAX_RETRIES", cfg.Delivery.MaxRetries)
	cfg.Delivery.Timeout = getEnvAsDuration("DELIVERY_TIMEOUT", cfg.Delivery.Timeout)
	cfg.Delivery.JournalPath = getEnv("DELIVERY_JOURNAL", cfg.Delivery.JournalPath)
	cfg.Health.Enabled = getEnvAsBool("HEALTH_ENABLED", cfg.Health.Enabled)
	cfg.Health.Interval = getEnvAsDuration("HEALTH_INTERVAL", cfg.Health.Interval)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
