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
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64
	RateLimitRPS   int
	RateLimitBurst int

	// Database
	PostgresEnabled  bool
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisEnabled    bool
	RedisHost       string
	RedisPort       string
	RedisPassword   string
	RedisDB         int
	SummaryCacheTTL time.Duration

	// Kafka
	KafkaEnabled       bool
	KafkaBrokers       []string
	KafkaGroupID       string
	KafkaProgressTopic string
	ProgressBuffer     int

	// LLM
	LLMAPIKey      string
	LLMBaseURL     string
	LLMModelName   string
	LLMTemperature float64
	LLMTimeout     time.Duration

	// TerminologyPath points at a YAML code catalog; empty uses the built-in one.
	TerminologyPath string

	// Trial simulation
	TrialConfigPath        string
	MaxConcurrentTrials    int
	MaxPatientsPerTrial    int
	DefaultConcurrency     int
	ProviderRateLimitRPS   float64
	ProviderRateLimitBurst int
	TrialRetention         time.Duration
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8090"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),
		RateLimitRPS:   getIntEnv("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getIntEnv("RATE_LIMIT_BURST", 40),

		PostgresEnabled:  getBoolEnv("POSTGRES_ENABLED", false),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "trialsim"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "trialsim"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisEnabled:    getBoolEnv("REDIS_ENABLED", false),
		RedisHost:       getEnv("REDIS_HOST", "localhost"),
		RedisPort:       getEnv("REDIS_PORT", "6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisDB:         getIntEnv("REDIS_DB", 0),
		SummaryCacheTTL: getDuration("SUMMARY_CACHE_TTL", time.Hour),

		KafkaEnabled:       getBoolEnv("KAFKA_ENABLED", false),
		KafkaBrokers:       getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:       getEnv("KAFKA_GROUP_ID", "trialsim-monitor"),
		KafkaProgressTopic: getEnv("KAFKA_PROGRESS_TOPIC", "trial.progress"),
		ProgressBuffer:     getIntEnv("PROGRESS_BUFFER", 1024),

		LLMAPIKey:      getEnv("LLM_API_KEY", ""),
		LLMBaseURL:     getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMModelName:   getEnv("LLM_MODEL_NAME", "gpt-4"),
		LLMTemperature: getFloatEnv("LLM_TEMPERATURE", 0.3),
		LLMTimeout:     getDuration("LLM_TIMEOUT", 60*time.Second),

		TerminologyPath: getEnv("TERMINOLOGY_CATALOG", ""),

		TrialConfigPath:        getEnv("TRIAL_CONFIG", ""),
		MaxConcurrentTrials:    getIntEnv("MAX_CONCURRENT_TRIALS", 10),
		MaxPatientsPerTrial:    getIntEnv("MAX_PATIENTS_PER_TRIAL", 10000),
		DefaultConcurrency:     getIntEnv("TRIAL_CONCURRENCY", 10),
		ProviderRateLimitRPS:   getFloatEnv("PROVIDER_RATE_LIMIT_RPS", 0),
		ProviderRateLimitBurst: getIntEnv("PROVIDER_RATE_LIMIT_BURST", 1),
		TrialRetention:         getDuration("TRIAL_RETENTION", 10*time.Minute),
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

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
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
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
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
