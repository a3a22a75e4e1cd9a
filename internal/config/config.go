package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	SessionStore  string

	OpenAIAPIKey               string
	OpenAIBaseURL              string
	AssistantID                string
	VisionModel                string
	MaxConcurrentCalls         int
	PollingInterval            time.Duration
	MaxPollingAttempts         int
	MaxRunTime                 time.Duration
	EnableThreadCache          bool
	AssumeMessagesOnCheckError bool
	SlowFunctions              []string

	CacheMaxSize       int
	CacheTTL           time.Duration
	CacheSweepInterval time.Duration

	WhapiToken     string
	WhapiAPIURL    string
	WhapiRateLimit float64
	WebhookSecret  string

	AdminAuthSecret  string
	WebhookRateLimit float64
	WebhookRateBurst int

	QueueBackend         string
	ConversationQueueURL string
	WorkerCount          int

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	RunSweepSchedule       string
	ClientCleanupSchedule  string
	SessionCleanupSchedule string
	SessionInactiveHours   int
	ClientInactiveDays     int
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:      getEnv("PORT", "8080"),
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		SessionStore:  strings.ToLower(strings.TrimSpace(getEnv("SESSION_STORE", "postgres"))),

		OpenAIAPIKey:               getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:              getEnv("OPENAI_BASE_URL", ""),
		AssistantID:                getEnv("ASSISTANT_ID", ""),
		VisionModel:                getEnv("VISION_MODEL", "gpt-4o"),
		MaxConcurrentCalls:         getEnvAsInt("MAX_CONCURRENT_CALLS", 75),
		PollingInterval:            getEnvAsDuration("POLLING_INTERVAL", time.Second),
		MaxPollingAttempts:         getEnvAsInt("MAX_POLLING_ATTEMPTS", 120),
		MaxRunTime:                 getEnvAsDuration("MAX_RUN_TIME", 2*time.Minute),
		EnableThreadCache:          getEnvAsBool("ENABLE_THREAD_CACHE", true),
		AssumeMessagesOnCheckError: getEnvAsBool("ASSISTANT_ASSUME_MESSAGES_ON_ERROR", true),
		SlowFunctions:              getEnvAsList("SLOW_FUNCTIONS"),

		CacheMaxSize:       getEnvAsInt("CACHE_MAX_SIZE", 1000),
		CacheTTL:           getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		CacheSweepInterval: getEnvAsDuration("CACHE_SWEEP_INTERVAL", 15*time.Minute),

		WhapiToken:     getEnv("WHAPI_TOKEN", ""),
		WhapiAPIURL:    strings.TrimRight(getEnv("WHAPI_API_URL", "https://gate.whapi.cloud"), "/"),
		WhapiRateLimit: getEnvAsFloat("WHAPI_RATE_LIMIT", 10),
		WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),

		AdminAuthSecret:  getEnv("ADMIN_JWT_SECRET", ""),
		WebhookRateLimit: getEnvAsFloat("WEBHOOK_RATE_LIMIT", 20),
		WebhookRateBurst: getEnvAsInt("WEBHOOK_RATE_BURST", 40),

		QueueBackend:         strings.ToLower(strings.TrimSpace(getEnv("QUEUE_BACKEND", "memory"))),
		ConversationQueueURL: getEnv("CONVERSATION_QUEUE_URL", ""),
		WorkerCount:          getEnvAsInt("WORKER_COUNT", 4),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		RunSweepSchedule:       getEnv("RUN_SWEEP_SCHEDULE", "@every 5m"),
		ClientCleanupSchedule:  getEnv("CLIENT_CLEANUP_SCHEDULE", "@daily"),
		SessionCleanupSchedule: getEnv("SESSION_CLEANUP_SCHEDULE", "@hourly"),
		SessionInactiveHours:   getEnvAsInt("SESSION_INACTIVE_HOURS", 24),
		ClientInactiveDays:     getEnvAsInt("CLIENT_INACTIVE_DAYS", 30),
	}
}

// UsesSQS reports whether inbound jobs go through SQS instead of the in-process queue.
func (c *Config) UsesSQS() bool {
	return c != nil && c.QueueBackend == "sqs"
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
