package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds infrastructure settings read from the environment once at startup.
// Bot-facing settings that may change at runtime live in Settings.
type Config struct {
	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string

	CreatorDBDriver string
	CreatorDBDSN    string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	SessionStore  string

	BotToken     string
	HTTPAddr     string
	SettingsFile string
	AdminIDs     []int64
	AdminAPIKey  string

	CreatorAPIKey       string
	WebhookAllowedCIDRs []string
	AllowedOrigins      []string

	LLMURL     string
	LLMKey     string
	LLMModel   string
	LLMTimeout time.Duration

	LogLevel  string
	LogFormat string

	OutboxWorkers      int
	OutboxBatchSize    int
	OutboxMaxRetries   int
	OutboxPollInterval time.Duration

	CheckerInterval         time.Duration
	PaymentReminderDelay    time.Duration
	PaymentReminderThrottle time.Duration
	CancellationNoticeDelay time.Duration
	PaymentDedupWindow      time.Duration
	SessionTTL              time.Duration
}

func LoadConfig() *Config {
	// .env is optional, the process environment wins
	_ = godotenv.Load()

	return &Config{
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "willway_bot"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		CreatorDBDriver: getEnv("CREATOR_DB_DRIVER", "postgres"),
		CreatorDBDSN:    getEnv("CREATOR_DB_DSN", ""),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SessionStore:  getEnv("SESSION_STORE", "memory"),

		BotToken:     getEnv("TELEGRAM_BOT_TOKEN", ""),
		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		SettingsFile: getEnv("SETTINGS_FILE", "settings.yaml"),
		AdminIDs:     getEnvInt64List("ADMIN_IDS"),
		AdminAPIKey:  getEnv("ADMIN_API_KEY", ""),

		CreatorAPIKey:       getEnv("CREATOR_API_KEY", ""),
		WebhookAllowedCIDRs: getEnvList("WEBHOOK_ALLOWED_CIDRS"),
		AllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),

		LLMURL:     getEnv("LLM_API_URL", "https://api.openai.com/v1"),
		LLMKey:     getEnv("LLM_API_KEY", ""),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout: getEnvDuration("LLM_TIMEOUT", 5*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		OutboxWorkers:      getEnvInt("OUTBOX_WORKERS", 1),
		OutboxBatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 50),
		OutboxMaxRetries:   getEnvInt("OUTBOX_MAX_RETRIES", 5),
		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),

		CheckerInterval:         getEnvDuration("CHECKER_INTERVAL", 5*time.Minute),
		PaymentReminderDelay:    getEnvDuration("PAYMENT_REMINDER_DELAY", time.Hour),
		PaymentReminderThrottle: getEnvDuration("PAYMENT_REMINDER_THROTTLE", time.Hour),
		CancellationNoticeDelay: getEnvDuration("CANCELLATION_NOTICE_DELAY", 5*time.Second),
		PaymentDedupWindow:      getEnvDuration("PAYMENT_DEDUP_WINDOW", 24*time.Hour),
		SessionTTL:              getEnvDuration("PAYMENT_SESSION_TTL", 30*time.Minute),
	}
}

// Validate reports settings the serving process cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.CreatorDBDSN == "" {
		errs = append(errs, errors.New("CREATOR_DB_DSN is required"))
	}
	if c.OutboxWorkers < 1 {
		errs = append(errs, errors.New("OUTBOX_WORKERS must be positive"))
	}
	if c.OutboxMaxRetries < 1 {
		errs = append(errs, errors.New("OUTBOX_MAX_RETRIES must be positive"))
	}
	switch c.SessionStore {
	case "memory", "redis":
	default:
		errs = append(errs, errors.New("SESSION_STORE must be memory or redis"))
	}
	return errors.Join(errs...)
}

// IsAdmin reports whether the messenger id belongs to an administrator.
func (c *Config) IsAdmin(id int64) bool {
	for _, admin := range c.AdminIDs {
		if admin == id {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64List(key string) []int64 {
	var out []int64
	for _, part := range getEnvList(key) {
		if v, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
