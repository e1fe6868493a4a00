package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	MetricsPort    string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Intake protection
	ServiceJWTSecret string
	RateLimitRPS     int
	RateLimitBurst   int

	// Database
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers            []string
	KafkaGroupID            string
	KafkaRedeliveryPause    time.Duration
	ActivityKafkaTopic      string
	ActivityDeadLetterTopic string

	// Activity buffering
	ActivityWorkers      int
	ActivitySamplingRate time.Duration
	ActivityLockTTL      time.Duration
	ActivityLockWait     time.Duration
	ActivityCodec        string
	ActivityKindsFile    string

	// ActivityLocker is "redis" or "local". Local locks only exclude
	// goroutines of one process, so they need ActivityEmbedUploader.
	ActivityLocker        string
	ActivityEmbedUploader bool

	// Warehouse
	WarehouseSink        string
	WarehouseTable       string
	BigQueryProject      string
	BigQueryDataset      string
	BigQueryCredentials  string
	WarehouseInsertBatch int

	// Jobs
	JobMaxAttempts      int
	JobRetryBaseDelay   time.Duration
	JobBlockingStatuses []string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		MetricsPort:    getEnv("METRICS_PORT", "9090"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),

		ServiceJWTSecret: getEnv("SERVICE_JWT_SECRET", ""),
		RateLimitRPS:     getIntEnv("RATE_LIMIT_RPS", 0),
		RateLimitBurst:   getIntEnv("RATE_LIMIT_BURST", 0),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "academy"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "academy"),
		PostgresDB:       getEnv("POSTGRES_DB", "academy"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:            getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:            getEnv("KAFKA_GROUP_ID", "activity-service"),
		KafkaRedeliveryPause:    getDuration("KAFKA_REDELIVERY_PAUSE", 5*time.Second),
		ActivityKafkaTopic:      getEnv("ACTIVITY_KAFKA_TOPIC", "activity.add"),
		ActivityDeadLetterTopic: getEnv("ACTIVITY_DEAD_LETTER_TOPIC", ""),

		ActivityWorkers:      getIntEnv("ACTIVITY_WORKERS", 4),
		ActivitySamplingRate: time.Duration(getIntEnv("ACTIVITY_SAMPLING_RATE", 60)) * time.Second,
		ActivityLockTTL:      getDuration("ACTIVITY_LOCK_TTL", 30*time.Second),
		ActivityLockWait:     getDuration("ACTIVITY_LOCK_WAIT", 30*time.Second),
		ActivityCodec:        getEnv("ACTIVITY_CODEC", "zstd"),
		ActivityKindsFile:    getEnv("ACTIVITY_KINDS_FILE", ""),

		ActivityLocker:        getEnv("ACTIVITY_LOCKER", "redis"),
		ActivityEmbedUploader: getBoolEnv("ACTIVITY_EMBED_UPLOADER", false),

		WarehouseSink:        getEnv("WAREHOUSE_SINK", "postgres"),
		WarehouseTable:       getEnv("WAREHOUSE_TABLE", "activity"),
		BigQueryProject:      getEnv("BIGQUERY_PROJECT", ""),
		BigQueryDataset:      getEnv("BIGQUERY_DATASET", "academy"),
		BigQueryCredentials:  getEnv("BIGQUERY_CREDENTIALS_FILE", ""),
		WarehouseInsertBatch: getIntEnv("WAREHOUSE_INSERT_BATCH", 500),

		JobMaxAttempts:      getIntEnv("JOB_MAX_ATTEMPTS", 10),
		JobRetryBaseDelay:   getDuration("JOB_RETRY_BASE_DELAY", 5*time.Second),
		JobBlockingStatuses: getStringSliceEnv("JOB_BLOCKING_STATUSES", []string{"DONE", "CANCELLED"}),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
