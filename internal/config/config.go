package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	BotToken     string
	BotUsername  string
	SuperAdminID string

	DBDriver string
	DBDsn    string

	HealthAddr string
	LogLevel   string

	EncryptionKey string

	DocumentsDir  string
	MaxFileSizeMB int

	LLMAPIURL  string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	DefaultCommissionRate float64
	InviteCodeTTLDays     int
	StrictTransitions     bool
}

func Load() *Config {
	return &Config{
		BotToken:     os.Getenv("BOT_TOKEN"),
		BotUsername:  getEnvOrDefault("BOT_USERNAME", "clear_credit_history_bot"),
		SuperAdminID: os.Getenv("SUPER_ADMIN_ID"),

		DBDriver: getEnvOrDefault("DB_DRIVER", "sqlite"),
		DBDsn:    getEnvOrDefault("DB_DSN", "/data/creditbot.db"),

		HealthAddr: getEnvOrDefault("HEALTH_ADDR", "0.0.0.0:8080"),
		LogLevel:   getEnvOrDefault("LOG_LEVEL", "info"),

		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		DocumentsDir:  getEnvOrDefault("DOCUMENTS_DIR", "/data/documents"),
		MaxFileSizeMB: getEnvAsInt("MAX_FILE_SIZE_MB", 20),

		LLMAPIURL:  getEnvOrDefault("LLM_API_URL", "https://api.openai.com/v1"),
		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMModel:   getEnvOrDefault("LLM_MODEL", "gpt-4"),
		LLMTimeout: getEnvAsDuration("LLM_TIMEOUT", 5*time.Minute),

		DefaultCommissionRate: getEnvAsFloat("DEFAULT_COMMISSION_RATE", 0.15),
		InviteCodeTTLDays:     getEnvAsInt("INVITE_CODE_TTL_DAYS", 7),
		StrictTransitions:     getEnvAsBool("STRICT_TRANSITIONS", true),
	}
}

// SuperAdminTgID возвращает telegram id суперадмина или 0, если он не задан
func (c *Config) SuperAdminTgID() int64 {
	id, err := strconv.ParseInt(c.SuperAdminID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
