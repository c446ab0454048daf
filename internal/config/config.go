package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration.
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	WorkerCount   int
	QueueCapacity int

	RedisAddr     string
	RedisPassword string

	// GestãoDS scheduling API
	GestaoDSBaseURL string
	GestaoDSToken   string

	// Z-API WhatsApp gateway
	ZAPIBaseURL     string
	ZAPIInstanceID  string
	ZAPIToken       string
	ZAPIClientToken string

	// WebhookToken, when set, must match the X-Webhook-Token header on
	// inbound webhook calls.
	WebhookToken string

	// Admin surface
	AdminJWTSecret string
	AdminPhones    []string

	// Conversation tuning
	MaxAttemptsPerStage int
	IdleExpiry          time.Duration
	MaxMessageLength    int

	// Per-phone inbound throttle
	InboundRatePerMinute int
	InboundBurst         int

	// Outbound provider rate limit (Z-API allows ~30 req/min)
	OutboundRatePerMinute int

	// Resilience
	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration
	CallTimeout             time.Duration
	MaxRetries              int
	RetryInitialInterval    time.Duration
	RetryMaxInterval        time.Duration

	// Result cache TTLs
	PatientCacheTTL time.Duration
	DatesCacheTTL   time.Duration
	SlotsCacheTTL   time.Duration
	// IdempotencyRetention is how long accepted booking keys are remembered
	// for duplicate suppression.
	IdempotencyRetention time.Duration

	// Clinic presentation details used in reply texts
	ClinicName    string
	ClinicAddress string
	ClinicPhone   string
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		WorkerCount:   getEnvAsInt("WORKER_COUNT", 4),
		QueueCapacity: getEnvAsInt("QUEUE_CAPACITY", 256),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		GestaoDSBaseURL: getEnv("GESTAODS_API_URL", "https://apidev.gestaods.com.br"),
		GestaoDSToken:   getEnv("GESTAODS_TOKEN", ""),

		ZAPIBaseURL:     getEnv("ZAPI_BASE_URL", "https://api.z-api.io"),
		ZAPIInstanceID:  getEnv("ZAPI_INSTANCE_ID", ""),
		ZAPIToken:       getEnv("ZAPI_TOKEN", ""),
		ZAPIClientToken: getEnv("ZAPI_CLIENT_TOKEN", ""),

		WebhookToken: getEnv("WEBHOOK_TOKEN", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		AdminPhones:    getEnvAsList("ADMIN_PHONES"),

		MaxAttemptsPerStage: getEnvAsInt("MAX_ATTEMPTS_PER_STAGE", 3),
		IdleExpiry:          getEnvAsDuration("CONVERSATION_IDLE_EXPIRY", 30*time.Minute),
		MaxMessageLength:    getEnvAsInt("MAX_MESSAGE_LENGTH", 4096),

		InboundRatePerMinute: getEnvAsInt("INBOUND_RATE_PER_MINUTE", 20),
		InboundBurst:         getEnvAsInt("INBOUND_BURST", 5),

		OutboundRatePerMinute: getEnvAsInt("OUTBOUND_RATE_PER_MINUTE", 30),

		BreakerFailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 3),
		BreakerWindow:           getEnvAsDuration("BREAKER_WINDOW", time.Minute),
		BreakerCooldown:         getEnvAsDuration("BREAKER_COOLDOWN", 30*time.Second),
		CallTimeout:             getEnvAsDuration("CALL_TIMEOUT", 10*time.Second),
		MaxRetries:              getEnvAsInt("MAX_RETRIES", 2),
		RetryInitialInterval:    getEnvAsDuration("RETRY_INITIAL_INTERVAL", 2*time.Second),
		RetryMaxInterval:        getEnvAsDuration("RETRY_MAX_INTERVAL", 8*time.Second),

		PatientCacheTTL:      getEnvAsDuration("PATIENT_CACHE_TTL", 60*time.Second),
		DatesCacheTTL:        getEnvAsDuration("DATES_CACHE_TTL", 2*time.Minute),
		SlotsCacheTTL:        getEnvAsDuration("SLOTS_CACHE_TTL", 2*time.Minute),
		IdempotencyRetention: getEnvAsDuration("IDEMPOTENCY_RETENTION", 24*time.Hour),

		ClinicName:    getEnv("CLINIC_NAME", "Clínica Gabriela Nassif"),
		ClinicAddress: getEnv("CLINIC_ADDRESS", "Av. Contorno, 4747 - Belo Horizonte/MG"),
		ClinicPhone:   getEnv("CLINIC_PHONE", "(31) 3333-4444"),
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a
// default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
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

// getEnvAsList parses a comma-separated environment variable.
func getEnvAsList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
