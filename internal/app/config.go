package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string
	LogLevel      string
	SentryDSN     string

	// ASR provider
	DeepgramAPIKey string

	// Server-side extraction
	OpenAIAPIKey string

	// JWT Authentication
	JWTSecret string
	JWTExpiry time.Duration

	// Per-account limits
	MaxSessionsPerAccount int
	FindingsMinInterval   time.Duration

	// Abandoned session cleanup
	SessionMaxAge       time.Duration
	SessionReapInterval time.Duration

	// APNs Push Notifications
	APNsKeyPath    string
	APNsKeyID      string
	APNsTeamID     string
	APNsBundleID   string
	APNsProduction bool
}

func LoadConfigFromEnv() Config {
	jwtExpiry, err := time.ParseDuration(getenv("JWT_EXPIRY", "24h"))
	if err != nil {
		jwtExpiry = 24 * time.Hour
	}

	findingsInterval, err := time.ParseDuration(getenv("FINDINGS_MIN_INTERVAL", "1500ms"))
	if err != nil {
		findingsInterval = 1500 * time.Millisecond
	}

	maxSessions, err := strconv.Atoi(getenv("MAX_SESSIONS_PER_ACCOUNT", "4"))
	if err != nil || maxSessions <= 0 {
		maxSessions = 4
	}

	sessionMaxAge, err := time.ParseDuration(getenv("SESSION_MAX_AGE", "8h"))
	if err != nil {
		sessionMaxAge = 8 * time.Hour
	}

	reapInterval, err := time.ParseDuration(getenv("SESSION_REAP_INTERVAL", "15m"))
	if err != nil {
		reapInterval = 15 * time.Minute
	}

	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		SentryDSN:     getenv("SENTRY_DSN", ""),

		DeepgramAPIKey: getenv("DEEPGRAM_API_KEY", ""),
		OpenAIAPIKey:   getenv("OPENAI_API_KEY", ""),

		// JWT Authentication
		JWTSecret: os.Getenv("JWT_SECRET"), // Required - no fallback for security
		JWTExpiry: jwtExpiry,

		MaxSessionsPerAccount: maxSessions,
		FindingsMinInterval:   findingsInterval,

		SessionMaxAge:       sessionMaxAge,
		SessionReapInterval: reapInterval,

		// APNs Push Notifications
		APNsKeyPath:    getenv("APNS_KEY_PATH", ""),
		APNsKeyID:      getenv("APNS_KEY_ID", ""),
		APNsTeamID:     getenv("APNS_TEAM_ID", ""),
		APNsBundleID:   getenv("APNS_BUNDLE_ID", ""),
		APNsProduction: getenv("APNS_PRODUCTION", "false") == "true",
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
