package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	ListenAddr       string
	AuthCookieSecure bool

	SlackSigningSecret string
	SlackBotToken      string
	SlackClientID      string
	SlackClientSecret  string
	SlackRedirectURI   string

	SessionTTL    time.Duration
	SessionMaxAge time.Duration

	TrialDuration   time.Duration
	TimestampSkew   time.Duration
	DedupRetention  time.Duration
	JanitorInterval time.Duration
	UpgradeURL      string
	AdminSeedUserID string
	AdminSeedTeamID string

	// Whether an attempt that fails on unreadable content still counts
	// against the monthly quota. Platform-side delivery faults and
	// exhausted transient failures are always compensated.
	QuotaCountFailedAttempts bool

	Features FeatureFlags

	SummarizerAPIKey  string
	SummarizerBaseURL string
	SummarizerModel   string
	SummarizerTimeout time.Duration

	RateLimit RateLimitConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
}

// FeatureFlags gates optional subsystems, mirroring the product's staged
// rollout of the subscription system.
type FeatureFlags struct {
	SubscriptionSystem  bool
	TrialPeriod         bool
	UsageTracking       bool
	SubscriptionLimits  bool
	SubscriptionUpgrade bool
}

// RateLimitConfig configures the optional redis-backed per-identity lock.
type RateLimitConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")
	authCookieSecure := environment == "production"
	if !authCookieSecure {
		authCookieSecure = getenvBool("AUTH_COOKIE_SECURE", false)
	}

	return Config{
		AppName:     getenv("APP_SERVICE", "summarly"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: environment,

		ListenAddr:       getenv("LISTEN_ADDR", ":8000"),
		AuthCookieSecure: authCookieSecure,

		SlackSigningSecret: strings.TrimSpace(getenv("SLACK_SIGNING_SECRET", "")),
		SlackBotToken:      strings.TrimSpace(getenv("SLACK_BOT_TOKEN", "")),
		SlackClientID:      strings.TrimSpace(getenv("SLACK_CLIENT_ID", "")),
		SlackClientSecret:  strings.TrimSpace(getenv("SLACK_CLIENT_SECRET", "")),
		SlackRedirectURI:   strings.TrimSpace(getenv("SLACK_REDIRECT_URI", "")),

		SessionTTL:    getenvDuration("SESSION_TTL", 24*time.Hour),
		SessionMaxAge: getenvDuration("SESSION_MAX_AGE", 7*24*time.Hour),

		TrialDuration:   getenvDuration("TRIAL_DURATION", 7*24*time.Hour),
		TimestampSkew:   getenvDuration("WEBHOOK_TIMESTAMP_SKEW", 5*time.Minute),
		DedupRetention:  getenvDuration("DEDUP_RETENTION", 7*24*time.Hour),
		JanitorInterval: getenvDuration("JANITOR_INTERVAL", time.Hour),
		UpgradeURL:      getenv("UPGRADE_URL", "https://summarly.app/upgrade"),
		AdminSeedUserID: strings.TrimSpace(getenv("ADMIN_USER_ID", "")),
		AdminSeedTeamID: strings.TrimSpace(getenv("ADMIN_TEAM_ID", "")),

		QuotaCountFailedAttempts: getenvBool("QUOTA_COUNT_FAILED_ATTEMPTS", true),

		Features: FeatureFlags{
			SubscriptionSystem:  getenvBool("ENABLE_SUBSCRIPTION_SYSTEM", true),
			TrialPeriod:         getenvBool("ENABLE_TRIAL_PERIOD", true),
			UsageTracking:       getenvBool("ENABLE_USAGE_TRACKING", true),
			SubscriptionLimits:  getenvBool("ENABLE_SUBSCRIPTION_LIMITS", true),
			SubscriptionUpgrade: getenvBool("ENABLE_SUBSCRIPTION_UPGRADE", true),
		},

		SummarizerAPIKey:  strings.TrimSpace(getenv("OPENAI_API_KEY", "")),
		SummarizerBaseURL: getenv("SUMMARIZER_BASE_URL", "https://api.openai.com/v1"),
		SummarizerModel:   getenv("SUMMARIZER_MODEL", "gpt-4o-mini"),
		SummarizerTimeout: getenvDuration("SUMMARIZER_TIMEOUT", 60*time.Second),

		RateLimit: RateLimitConfig{
			Enabled:       getenvBool("RATE_LIMIT_ENABLED", false),
			RedisAddr:     strings.TrimSpace(getenv("RATE_LIMIT_REDIS_ADDR", "")),
			RedisPassword: getenv("RATE_LIMIT_REDIS_PASSWORD", ""),
			RedisDB:       int(getenvInt64("RATE_LIMIT_REDIS_DB", 0)),
			LockTTL:       getenvDuration("RATE_LIMIT_LOCK_TTL", 30*time.Second),
		},

		DBType:            getenv("DATABASE_TYPE", "sqlite"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "summarly"),
		DBUser:            getenv("DATABASE_USER", "summarly"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 25)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 0)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 0)),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
