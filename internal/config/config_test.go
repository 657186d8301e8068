package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var envKeys = []string{
	"CONFIG_FILE", "HOST", "PORT", "SHUTDOWN_TIMEOUT", "OPS_PORT",
	"KAFKA_ENABLED", "KAFKA_BROKERS", "KAFKA_REQUEST_TOPIC", "KAFKA_REALTIME_TOPIC", "CONSUMER_GROUP",
	"REDIS_ENABLED", "REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB",
	"STORE_DRIVER", "DATABASE_URL", "LOG_LEVEL", "LOG_FORMAT", "LOG_FILE",
	"WORKER_COUNT", "MAX_QUEUE_SIZE", "ON_INTERNAL_ERROR", "PUBLISH_REALTIME",
	"RATE_LIMIT_SHARED_LIMIT", "RATE_LIMIT_COOLDOWN", "BATCH_DELAY", "BATCH_MAX_SIZE",
	"DELIVERY_MAX_RETRIES", "DELIVERY_TIMEOUT", "DELIVERY_JOURNAL", "HEALTH_ENABLED", "HEALTH_INTERVAL",
}

// clearEnv unsets every key the loader reads and restores them afterwards
func clearEnv(t *testing.T) {
	t.Helper()
	originalEnv := make(map[string]string)
	for _, key := range envKeys {
		originalEnv[key] = os.Getenv(key)
		os.Unsetenv(key)
	}
	t.Cleanup(func() {
		for key, value := range originalEnv {
			if value != "" {
				os.Setenv(key, value)
			} else {
				os.Unsetenv(key)
			}
		}
	})
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("Expected Kafka brokers to be [localhost:9092], got %v", cfg.Kafka.Brokers)
	}

	if cfg.Store.Driver != "memory" {
		t.Errorf("Expected store driver to be 'memory', got %s", cfg.Store.Driver)
	}

	if cfg.Worker.Count != 10 {
		t.Errorf("Expected worker count to be 10, got %d", cfg.Worker.Count)
	}

	if cfg.Delivery.Timeout != 10*time.Second {
		t.Errorf("Expected delivery timeout to be 10s, got %v", cfg.Delivery.Timeout)
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	clearEnv(t)

	os.Setenv("KAFKA_BROKERS", "kafka1:9092, kafka2:9092")
	os.Setenv("PORT", "9090")
	os.Setenv("STORE_DRIVER", "postgres")
	os.Setenv("DATABASE_URL", "postgres://localhost/notifications?sslmode=disable")
	os.Setenv("WORKER_COUNT", "20")
	os.Setenv("BATCH_DELAY", "2m")
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("ON_INTERNAL_ERROR", "fail-closed")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka2:9092" {
		t.Errorf("Expected two brokers, got %v", cfg.Kafka.Brokers)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("Expected port to be '9090', got %s", cfg.Server.Port)
	}

	if cfg.Store.Driver != "postgres" || cfg.Store.DSN == "" {
		t.Errorf("Expected postgres store with DSN, got %+v", cfg.Store)
	}

	if cfg.Worker.Count != 20 {
		t.Errorf("Expected worker count to be 20, got %d", cfg.Worker.Count)
	}

	if cfg.Batch.Delay != 2*time.Minute {
		t.Errorf("Expected batch delay to be 2m, got %v", cfg.Batch.Delay)
	}

	if !cfg.Redis.Enabled {
		t.Error("Expected redis to be enabled")
	}

	if cfg.Pipeline.OnInternalError != "fail-closed" {
		t.Errorf("Expected fail-closed policy, got %s", cfg.Pipeline.OnInternalError)
	}
}

func TestLoadConfigFileThenEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"7000\"\nworker:\n  count: 4\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	os.Setenv("CONFIG_FILE", path)
	os.Setenv("WORKER_COUNT", "6")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Server.Port != "7000" {
		t.Errorf("Expected port from file, got %s", cfg.Server.Port)
	}

	if cfg.Worker.Count != 6 {
		t.Errorf("Expected environment to win over file, got %d", cfg.Worker.Count)
	}
}

func TestInvalidEnvValuesFallBack(t *testing.T) {
	clearEnv(t)

	os.Setenv("WORKER_COUNT", "many")
	os.Setenv("DELIVERY_TIMEOUT", "soon")
	os.Setenv("KAFKA_ENABLED", "maybe")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Worker.Count != 10 {
		t.Errorf("Expected default worker count, got %d", cfg.Worker.Count)
	}
	if cfg.Delivery.Timeout != 10*time.Second {
		t.Errorf("Expected default delivery timeout, got %v", cfg.Delivery.Timeout)
	}
	if cfg.Kafka.Enabled {
		t.Error("Expected kafka to stay disabled")
	}
}
