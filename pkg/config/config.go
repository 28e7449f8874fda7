package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process configuration.
type Config struct {
	Port     string
	LogLevel string

	DatabaseURL string
	RedisAddr   string
	RedisDB     int

	EventStream string

	KeyringPath    string
	TokenSecret    string
	TokenTTL       time.Duration
	SigningKeyID   string
	SigningAlgo    string
	MinimumAge     int
	OTPMaxAttempts int
	OTPTTL         time.Duration

	OutboxInterval  time.Duration
	OutboxBatchSize int

	ProfilesDir string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		Port:            envOr("PORT", "8080"),
		LogLevel:        envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:     envOr("DATABASE_URL", "postgres://sigil@localhost:5432/sigil?sslmode=disable"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisDB:         envInt("REDIS_DB", 0),
		EventStream:     envOr("EVENT_STREAM", "sigil.events"),
		KeyringPath:     envOr("KEYRING_PATH", "data/keyring.json"),
		TokenSecret:     os.Getenv("INVITATION_TOKEN_SECRET"),
		TokenTTL:        envDuration("INVITATION_TOKEN_TTL", 14*24*time.Hour),
		SigningKeyID:    os.Getenv("SIGNING_KEY_ID"),
		SigningAlgo:     envOr("SIGNING_ALGORITHM", "Ed25519"),
		MinimumAge:      envInt("MINIMUM_SIGNER_AGE", 18),
		OTPMaxAttempts:  envInt("OTP_MAX_ATTEMPTS", 3),
		OTPTTL:          envDuration("OTP_TTL", 10*time.Minute),
		OutboxInterval:  envDuration("OUTBOX_SWEEP_INTERVAL", 30*time.Second),
		OutboxBatchSize: envInt("OUTBOX_BATCH_SIZE", 100),
		ProfilesDir:     envOr("POLICY_PROFILES_DIR", "profiles"),
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
